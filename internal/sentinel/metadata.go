package sentinel

import (
	"context"
	"net"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/argus-sec/argus/internal/logging"
)

// CollectNodeMetadata gathers hardware, OS, and network identity for
// registration and the node.metadata publish. Collection is best-effort:
// a failed probe leaves its fields at a neutral value instead of failing
// the whole map.
func CollectNodeMetadata(ctx context.Context, agentVersion string, log *logging.Logger) map[string]any {
	meta := map[string]any{
		"cpu_model":       "unknown",
		"cpu_cores":       0,
		"ram_total_mb":    0,
		"os_name":         "unknown",
		"os_version":      "unknown",
		"kernel_version":  "unknown",
		"hostname":        "localhost",
		"mac_address":     "unknown",
		"runtime_version": runtime.Version(),
		"agent_version":   agentVersion,
	}

	if infos, err := cpu.InfoWithContext(ctx); err != nil {
		log.Warn("cpu metadata collection failed", "error", err)
	} else if len(infos) > 0 && infos[0].ModelName != "" {
		meta["cpu_model"] = infos[0].ModelName
	}
	// Physical core count preferred, logical as fallback.
	if n, err := cpu.CountsWithContext(ctx, false); err == nil && n > 0 {
		meta["cpu_cores"] = n
	} else if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		meta["cpu_cores"] = n
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		log.Warn("ram metadata collection failed", "error", err)
	} else {
		meta["ram_total_mb"] = int(vm.Total / (1024 * 1024))
	}

	if hi, err := host.InfoWithContext(ctx); err != nil {
		log.Warn("os metadata collection failed", "error", err)
	} else {
		meta["os_name"] = hi.OS
		meta["os_version"] = hi.PlatformVersion
		meta["kernel_version"] = hi.KernelVersion
		if hi.Hostname != "" {
			meta["hostname"] = hi.Hostname
		}
	}

	if mac := primaryMAC(); mac != "" {
		meta["mac_address"] = mac
	}
	return meta
}

// primaryMAC returns the address of the first non-loopback interface that
// has a real hardware address.
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		mac := strings.ToUpper(iface.HardwareAddr.String())
		if mac == "00:00:00:00:00:00" {
			continue
		}
		return mac
	}
	return ""
}
