package sentinel

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/argus-sec/argus/internal/model"
)

// Default detection thresholds, used until remote config overrides them.
const (
	defaultCPUThreshold  = 80.0
	defaultMemThreshold  = 85.0
	defaultDiskThreshold = 90.0
)

func newEvent(sentinelID, class string, sev model.Severity, raw map[string]any, now time.Time) model.Event {
	return model.Event{
		EventID:    uuid.NewString(),
		Timestamp:  now.UTC(),
		SentinelID: sentinelID,
		EventClass: class,
		Severity:   sev,
		RawData:    raw,
	}
}

// SystemProbe samples host utilization and raises a high-severity endpoint
// event per exceeded threshold. The samplers are swappable for tests.
type SystemProbe struct {
	sentinelID string

	cpuPercent  func(context.Context) (float64, error)
	memPercent  func(context.Context) (float64, error)
	diskPercent func(context.Context) (float64, error)
}

func NewSystemProbe(sentinelID string) *SystemProbe {
	return &SystemProbe{
		sentinelID:  sentinelID,
		cpuPercent:  sampleCPU,
		memPercent:  sampleMem,
		diskPercent: sampleDisk,
	}
}

func sampleCPU(ctx context.Context) (float64, error) {
	vals, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, nil
	}
	return vals[0], nil
}

func sampleMem(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func sampleDisk(ctx context.Context) (float64, error) {
	du, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return 0, err
	}
	return du.UsedPercent, nil
}

// Collect samples cpu/mem/disk, returning the usage snapshot (reused by the
// heartbeat loop) and one event per metric over its threshold.
func (p *SystemProbe) Collect(ctx context.Context, thresholds map[string]float64, now time.Time) (map[string]any, []model.Event, error) {
	cpuPct, err := p.cpuPercent(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("sample cpu: %w", err)
	}
	memPct, err := p.memPercent(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("sample memory: %w", err)
	}
	diskPct, err := p.diskPercent(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("sample disk: %w", err)
	}

	usage := map[string]any{
		"cpu_percent":    round1(cpuPct),
		"memory_percent": round1(memPct),
		"disk_percent":   round1(diskPct),
	}

	checks := []struct {
		value     float64
		threshold float64
		label     string
	}{
		{cpuPct, thresholdOr(thresholds, "cpu_threshold", defaultCPUThreshold), "CPU"},
		{memPct, thresholdOr(thresholds, "mem_threshold", defaultMemThreshold), "Memory"},
		{diskPct, thresholdOr(thresholds, "disk_threshold", defaultDiskThreshold), "Disk"},
	}
	var events []model.Event
	for _, c := range checks {
		if c.value <= c.threshold {
			continue
		}
		raw := map[string]any{
			"description": fmt.Sprintf("High %s Usage (threshold=%g%%)", c.label, c.threshold),
		}
		for k, v := range usage {
			raw[k] = v
		}
		events = append(events, newEvent(p.sentinelID, "endpoint", model.SeverityHigh, raw, now))
	}
	return usage, events, nil
}

func thresholdOr(thresholds map[string]float64, key string, fallback float64) float64 {
	if v, ok := thresholds[key]; ok && v > 0 {
		return v
	}
	return fallback
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// ProcessProbe reports processes that appeared since the previous pass as
// informational events. Prime establishes the baseline so a restart does
// not report the whole process table.
type ProcessProbe struct {
	sentinelID string
	known      map[int32]struct{}

	pids     func(context.Context) ([]int32, error)
	describe func(context.Context, int32) (map[string]any, error)
}

func NewProcessProbe(sentinelID string) *ProcessProbe {
	return &ProcessProbe{
		sentinelID: sentinelID,
		pids:       process.PidsWithContext,
		describe:   describeProcess,
	}
}

func describeProcess(ctx context.Context, pid int32) (map[string]any, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, err
	}
	// Per-field errors are tolerated; a vanished or restricted process just
	// yields less detail.
	name, _ := proc.NameWithContext(ctx)
	cmdline, _ := proc.CmdlineWithContext(ctx)
	username, _ := proc.UsernameWithContext(ctx)
	ppid, _ := proc.PpidWithContext(ctx)
	created, _ := proc.CreateTimeWithContext(ctx)
	return map[string]any{
		"pid":         pid,
		"name":        name,
		"cmdline":     cmdline,
		"username":    username,
		"ppid":        ppid,
		"create_time": created,
	}, nil
}

// Prime snapshots the current pid set without emitting anything.
func (p *ProcessProbe) Prime(ctx context.Context) error {
	cur, err := p.pids(ctx)
	if err != nil {
		return fmt.Errorf("list pids: %w", err)
	}
	p.known = make(map[int32]struct{}, len(cur))
	for _, pid := range cur {
		p.known[pid] = struct{}{}
	}
	return nil
}

// Collect diffs the pid set and returns one event per new process.
func (p *ProcessProbe) Collect(ctx context.Context, now time.Time) ([]model.Event, error) {
	cur, err := p.pids(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pids: %w", err)
	}
	primed := p.known != nil
	next := make(map[int32]struct{}, len(cur))

	var events []model.Event
	for _, pid := range cur {
		next[pid] = struct{}{}
		if !primed {
			continue
		}
		if _, ok := p.known[pid]; ok {
			continue
		}
		raw, err := p.describe(ctx, pid)
		if err != nil {
			// Process exited between the pid listing and the lookup.
			continue
		}
		events = append(events, newEvent(p.sentinelID, "process", model.SeverityInfo, raw, now))
	}
	p.known = next
	return events, nil
}
