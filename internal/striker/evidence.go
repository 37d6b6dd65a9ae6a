package striker

import (
	"context"
	"errors"
	"io/fs"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	evidenceTopProcesses = 25
	recentFileWindow     = 5 * time.Minute
	recentFileCap        = 200
)

// recentFileRoots are the writable-ish trees worth checking for fresh
// droppers and tampered configs.
var recentFileRoots = []string{"/tmp", "/etc", "/home", "/var/tmp"}

// Collector captures the forensic state of the host around an action run.
// The samplers are swappable so tests stay off the real system.
type Collector struct {
	processes func(ctx context.Context) ([]map[string]any, error)
	conns     func(ctx context.Context) ([]map[string]any, error)
	files     func(now time.Time) []map[string]any
	metrics   func(ctx context.Context) (map[string]any, error)
}

func NewCollector() *Collector {
	return &Collector{
		processes: sampleProcesses,
		conns:     sampleConnections,
		files:     sampleRecentFiles,
		metrics:   sampleMetrics,
	}
}

// Snapshot assembles one evidence document. Sections degrade independently:
// a sampler failure records an error string in that section rather than
// losing the rest.
func (c *Collector) Snapshot(ctx context.Context, now time.Time) map[string]any {
	snap := map[string]any{
		"timestamp": now.UTC().Format(time.RFC3339),
	}
	if procs, err := c.processes(ctx); err != nil {
		snap["processes"] = map[string]any{"error": err.Error()}
	} else {
		snap["processes"] = procs
	}
	if conns, err := c.conns(ctx); err != nil {
		snap["network_connections"] = map[string]any{"error": err.Error()}
	} else {
		snap["network_connections"] = conns
	}
	snap["recent_files"] = c.files(now)
	if metrics, err := c.metrics(ctx); err != nil {
		snap["system_metrics"] = map[string]any{"error": err.Error()}
	} else {
		snap["system_metrics"] = metrics
	}
	return snap
}

// sampleProcesses returns the heaviest processes by CPU. Fields that cannot
// be read for a process are left zero rather than failing the sample.
func sampleProcesses(ctx context.Context) ([]map[string]any, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(procs))
	for _, p := range procs {
		name, _ := p.NameWithContext(ctx)
		cmdline, _ := p.CmdlineWithContext(ctx)
		username, _ := p.UsernameWithContext(ctx)
		cpuPct, _ := p.CPUPercentWithContext(ctx)
		memPct, _ := p.MemoryPercentWithContext(ctx)
		rows = append(rows, map[string]any{
			"pid":            p.Pid,
			"name":           name,
			"cmdline":        cmdline,
			"username":       username,
			"cpu_percent":    evidenceRound(cpuPct),
			"memory_percent": evidenceRound(float64(memPct)),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i]["cpu_percent"].(float64) > rows[j]["cpu_percent"].(float64)
	})
	if len(rows) > evidenceTopProcesses {
		rows = rows[:evidenceTopProcesses]
	}
	return rows, nil
}

// sampleConnections returns established TCP connections plus listeners.
func sampleConnections(ctx context.Context) ([]map[string]any, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(conns))
	for _, c := range conns {
		if c.Status != "ESTABLISHED" && c.Status != "LISTEN" {
			continue
		}
		rows = append(rows, map[string]any{
			"local_addr":  c.Laddr.IP,
			"local_port":  c.Laddr.Port,
			"remote_addr": c.Raddr.IP,
			"remote_port": c.Raddr.Port,
			"status":      c.Status,
			"pid":         c.Pid,
		})
	}
	return rows, nil
}

var errFileScanFull = errors.New("recent file cap reached")

// sampleRecentFiles walks the drop-prone roots for files modified inside the
// recency window. Unreadable entries are skipped; the scan stops at the cap.
func sampleRecentFiles(now time.Time) []map[string]any {
	cutoff := now.Add(-recentFileWindow)
	rows := make([]map[string]any, 0, 16)
	for _, root := range recentFileRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil || info.ModTime().Before(cutoff) {
				return nil
			}
			rows = append(rows, map[string]any{
				"path":       path,
				"modified":   info.ModTime().UTC().Format(time.RFC3339),
				"size_bytes": info.Size(),
			})
			if len(rows) >= recentFileCap {
				return errFileScanFull
			}
			return nil
		})
		if err != nil {
			break
		}
	}
	return rows
}

func sampleMetrics(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		out["cpu_percent"] = evidenceRound(pcts[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out["memory_percent"] = evidenceRound(vm.UsedPercent)
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		out["disk_percent"] = evidenceRound(du.UsedPercent)
	}
	return out, nil
}

func evidenceRound(v float64) float64 { return math.Round(v*10) / 10 }
