// Package sysinfo collects host metrics for the gateway's own property
// report.
package sysinfo

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"mqtt-edge-gateway/internal/logger"
)

const (
	gib            = 1 << 30
	cpuSampleDelay = 100 * time.Millisecond
)

// Raw holds the readings a snapshot is built from.
type Raw struct {
	CPUPercent float64

	MemTotal, MemUsed, MemAvailable uint64
	MemPercent                      float64

	DiskTotal, DiskUsed, DiskFree uint64

	BytesSent, BytesRecv     uint64
	PacketsSent, PacketsRecv uint64

	BootTime uint64 // unix seconds
}

// Reader produces raw readings. The default reads the host with gopsutil.
type Reader func(ctx context.Context, diskPath string) (Raw, error)

// Collector produces the fixed-field host metrics snapshot.
type Collector struct {
	diskPath string
	read     Reader
	now      func() time.Time
	logger   *logger.Logger
}

// NewCollector creates a collector reporting usage of the filesystem at
// diskPath ("/" when empty).
func NewCollector(diskPath string, log *logger.Logger) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Collector{
		diskPath: diskPath,
		read:     ReadHost,
		now:      time.Now,
		logger:   log,
	}
}

// WithReader replaces the host reader.
func (c *Collector) WithReader(r Reader) *Collector {
	c.read = r
	return c
}

// Collect returns a snapshot. Individual readings that fail are reported as
// zero; an error is returned only when nothing could be read.
func (c *Collector) Collect(ctx context.Context) (map[string]interface{}, error) {
	raw, err := c.read(ctx, c.diskPath)
	if err != nil {
		c.logger.Warn("host metrics partially unavailable", "error", err)
		if raw == (Raw{}) {
			return nil, err
		}
	}
	return Build(raw, c.now()), nil
}

// ReadHost reads the current host counters. Failures of single sources are
// joined into the returned error.
func ReadHost(ctx context.Context, diskPath string) (Raw, error) {
	var raw Raw
	var errs []error

	if pcts, err := cpu.PercentWithContext(ctx, cpuSampleDelay, false); err != nil {
		errs = append(errs, err)
	} else if len(pcts) > 0 {
		raw.CPUPercent = pcts[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		raw.MemTotal = vm.Total
		raw.MemUsed = vm.Used
		raw.MemAvailable = vm.Available
		raw.MemPercent = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, diskPath); err != nil {
		errs = append(errs, err)
	} else {
		raw.DiskTotal = du.Total
		raw.DiskUsed = du.Used
		raw.DiskFree = du.Free
	}

	if counters, err := net.IOCountersWithContext(ctx, false); err != nil {
		errs = append(errs, err)
	} else if len(counters) > 0 {
		raw.BytesSent = counters[0].BytesSent
		raw.BytesRecv = counters[0].BytesRecv
		raw.PacketsSent = counters[0].PacketsSent
		raw.PacketsRecv = counters[0].PacketsRecv
	}

	if bt, err := host.BootTimeWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		raw.BootTime = bt
	}

	return raw, errors.Join(errs...)
}

// Build turns raw readings into the reported field set.
func Build(raw Raw, now time.Time) map[string]interface{} {
	diskPercent := 0.0
	if raw.DiskTotal > 0 {
		diskPercent = float64(raw.DiskUsed) / float64(raw.DiskTotal) * 100
	}
	uptimeHours := 0.0
	if raw.BootTime > 0 {
		uptimeHours = now.Sub(time.Unix(int64(raw.BootTime), 0)).Hours()
	}

	return map[string]interface{}{
		"cpu_usage_percent":    round2(raw.CPUPercent),
		"memory_total_gb":      round2(float64(raw.MemTotal) / gib),
		"memory_used_gb":       round2(float64(raw.MemUsed) / gib),
		"memory_available_gb":  round2(float64(raw.MemAvailable) / gib),
		"memory_usage_percent": round2(raw.MemPercent),
		"disk_total_gb":        round2(float64(raw.DiskTotal) / gib),
		"disk_used_gb":         round2(float64(raw.DiskUsed) / gib),
		"disk_free_gb":         round2(float64(raw.DiskFree) / gib),
		"disk_usage_percent":   round2(diskPercent),
		"network_bytes_sent":   raw.BytesSent,
		"network_bytes_recv":   raw.BytesRecv,
		"network_packets_sent": raw.PacketsSent,
		"network_packets_recv": raw.PacketsRecv,
		"system_uptime_hours":  round2(uptimeHours),
		"boot_time":            int64(raw.BootTime),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
