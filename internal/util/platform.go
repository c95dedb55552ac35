package util

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemInfo holds static information about the host system.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUModel     string `json:"cpu_model"`
	CPUCores     int    `json:"cpu_cores"`
	TotalMemory  uint64 `json:"total_memory_mb"`
	GoVersion    string `json:"go_version"`
}

// GetSystemInfo gathers system information. Fields that cannot be read are
// left empty.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
	}
	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024)
	}

	return info
}

// Usage is a point-in-time view of host and process load.
type Usage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	DiskPercent   float64 `json:"disk_percent"`
	ProcessRSSMB  uint64  `json:"process_rss_mb"`
	Goroutines    int     `json:"goroutines"`
	UptimeSec     int64   `json:"uptime_sec"`
}

var processStart = time.Now()

// GetUsage samples CPU, memory and disk usage for the host and this process.
// diskPath selects the volume to report, typically the database directory.
func GetUsage(diskPath string) Usage {
	u := Usage{
		Goroutines: runtime.NumGoroutine(),
		UptimeSec:  int64(time.Since(processStart).Seconds()),
	}

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		u.CPUPercent = percentages[0]
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		u.MemoryPercent = memInfo.UsedPercent
		u.MemoryUsedMB = memInfo.Used / (1024 * 1024)
	}
	if diskPath != "" {
		if usage, err := disk.Usage(diskPath); err == nil {
			u.DiskPercent = usage.UsedPercent
		}
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil {
			u.ProcessRSSMB = mi.RSS / (1024 * 1024)
		}
	}

	return u
}
