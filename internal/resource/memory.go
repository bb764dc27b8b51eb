// SPDX-License-Identifier: MIT

package resource

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/simbridge-io/simbridge/internal/log"
	"github.com/simbridge-io/simbridge/internal/metrics"
)

// Memory-pressure thresholds relative to the configured cap.
const (
	softPressure = 0.80
	hardPressure = 1.00

	// emergencyCloseLimit bounds how many services one hard pass may close.
	emergencyCloseLimit = 3
)

// MemoryStats describes the daemon's own footprint against its cap.
type MemoryStats struct {
	ResidentBytes uint64  `json:"resident_bytes"`
	VirtualBytes  uint64  `json:"virtual_bytes"`
	Percent       float64 `json:"percent"`
	LimitBytes    uint64  `json:"limit_bytes"`
}

// processMemory samples this process's resident and virtual set sizes.
func processMemory() (rss, vms uint64, err error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, 0, err
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	return mi.RSS, mi.VMS, nil
}

func (m *Manager) memoryStats() MemoryStats {
	limit := uint64(m.cfg.MaxMemoryMB) * 1024 * 1024
	rss, vms, err := m.memSample()
	if err != nil {
		log.WithComponent("resource").Warn().Err(err).Msg("memory sample failed")
		return MemoryStats{LimitBytes: limit}
	}
	return MemoryStats{
		ResidentBytes: rss,
		VirtualBytes:  vms,
		Percent:       float64(rss) / float64(limit) * 100,
		LimitBytes:    limit,
	}
}

// CheckMemory runs one memory-pressure pass and returns how many services
// it closed. At 80% of the cap, zero-client services are evicted without
// waiting out their idle window. At 100%, up to three zero-client services
// are closed; services with active clients are never touched.
func (m *Manager) CheckMemory(now time.Time) int {
	st := m.memoryStats()
	if st.ResidentBytes == 0 {
		return 0
	}
	used := float64(st.ResidentBytes) / float64(st.LimitBytes)
	logger := log.WithComponent("resource")

	switch {
	case used >= hardPressure:
		n := m.evictIdle(now, emergencyCloseLimit)
		m.mu.Lock()
		m.cleanups++
		m.mu.Unlock()
		metrics.MemoryCleanups.WithLabelValues("hard").Inc()
		logger.Error().
			Float64("memory_percent", st.Percent).
			Int("services_closed", n).
			Msg("memory cap reached, emergency cleanup")
		return n
	case used >= softPressure:
		n := m.evictIdle(now, 0)
		m.mu.Lock()
		m.cleanups++
		m.mu.Unlock()
		metrics.MemoryCleanups.WithLabelValues("soft").Inc()
		logger.Warn().
			Float64("memory_percent", st.Percent).
			Int("services_closed", n).
			Msg("memory pressure, idle services evicted")
		return n
	}
	return 0
}

// RunMemoryMonitor samples memory on the configured interval until ctx is
// cancelled.
func (m *Manager) RunMemoryMonitor(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MemoryCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			m.CheckMemory(now)
		}
	}
}
