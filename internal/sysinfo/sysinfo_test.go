package sysinfo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mqtt-edge-gateway/internal/logger"
)

func TestBuild(t *testing.T) {
	now := time.Unix(1700000000, 0)
	raw := Raw{
		CPUPercent:   12.346,
		MemTotal:     8 * gib,
		MemUsed:      2 * gib,
		MemAvailable: 6 * gib,
		MemPercent:   25,
		DiskTotal:    100 * gib,
		DiskUsed:     25 * gib,
		DiskFree:     75 * gib,
		BytesSent:    1000,
		BytesRecv:    2000,
		PacketsSent:  10,
		PacketsRecv:  20,
		BootTime:     uint64(now.Add(-90 * time.Minute).Unix()),
	}

	got := Build(raw, now)
	assert.Len(t, got, 15)
	assert.Equal(t, 12.35, got["cpu_usage_percent"])
	assert.Equal(t, 8.0, got["memory_total_gb"])
	assert.Equal(t, 25.0, got["disk_usage_percent"])
	assert.Equal(t, uint64(2000), got["network_bytes_recv"])
	assert.Equal(t, 1.5, got["system_uptime_hours"])
	assert.Equal(t, now.Add(-90*time.Minute).Unix(), got["boot_time"])
}

func TestBuild_ZeroReadings(t *testing.T) {
	got := Build(Raw{}, time.Now())
	assert.Equal(t, 0.0, got["disk_usage_percent"])
	assert.Equal(t, 0.0, got["system_uptime_hours"])
}

func TestCollect(t *testing.T) {
	c := NewCollector("", logger.NewNop()).WithReader(func(ctx context.Context, diskPath string) (Raw, error) {
		assert.Equal(t, "/", diskPath)
		return Raw{CPUPercent: 5}, errors.New("disk unavailable")
	})

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5.0, snap["cpu_usage_percent"])

	failing := NewCollector("/data", logger.NewNop()).WithReader(func(context.Context, string) (Raw, error) {
		return Raw{}, errors.New("no proc")
	})
	_, err = failing.Collect(context.Background())
	assert.Error(t, err)
}
