package cheat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats is a snapshot of the host's own resource usage, reported
// alongside attachment state so a dashboard can tell a slow tick loop
// apart from a starved host.
type HostStats struct {
	CPUPercent    float64
	MemoryPercent float64
	LoadAverage   float64
}

// hostStatsCollector polls host resource usage on its own ticker,
// independent of the VM tick interval; cheat ticks run roughly every
// 83ms but host stats don't need that resolution.
type hostStatsCollector struct {
	logger *slog.Logger

	mu    sync.RWMutex
	stats HostStats

	close chan struct{}
	wg    sync.WaitGroup
}

func newHostStatsCollector(logger *slog.Logger) *hostStatsCollector {
	return &hostStatsCollector{
		logger: logger.With("component", "cheat_host_stats"),
		close:  make(chan struct{}),
	}
}

func (c *hostStatsCollector) start() {
	c.wg.Add(1)
	go c.run()
}

func (c *hostStatsCollector) stop() {
	close(c.close)
	c.wg.Wait()
}

func (c *hostStatsCollector) Stats() HostStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *hostStatsCollector) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-c.close:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *hostStatsCollector) collect() {
	var stats HostStats

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		stats.CPUPercent = percentage[0]
	} else {
		c.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		c.logger.Debug("failed to collect memory stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		c.logger.Debug("failed to collect load stats", "error", err)
	}

	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}
