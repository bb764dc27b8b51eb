// SPDX-License-Identifier: MIT

// Package resource owns every capture and WebRTC service in the process.
// Services are pooled per UDID; releasing the last client starts an idle
// grace window instead of destroying the service, so quick reconnects do
// not pay capture startup cost again.
package resource

import (
	"context"
	"sync"
	"time"

	"github.com/simbridge-io/simbridge/internal/capture"
	"github.com/simbridge-io/simbridge/internal/config"
	"github.com/simbridge-io/simbridge/internal/log"
	"github.com/simbridge-io/simbridge/internal/rtc"
	"github.com/simbridge-io/simbridge/internal/simctl"
)

// Stats is the monitoring view of the pool.
type Stats struct {
	VideoServices  []capture.Status `json:"video_services"`
	WebRTCServices []rtc.Status     `json:"webrtc_services"`
	Created        uint64           `json:"services_created"`
	Destroyed      uint64           `json:"services_destroyed"`
	IdleEvictions  uint64           `json:"idle_evictions"`
	MemoryCleanups uint64           `json:"memory_cleanups"`
	Memory         MemoryStats      `json:"memory"`
}

type webrtcEntry struct {
	svc       *rtc.Service
	idleSince time.Time
}

// Manager is the sole owner of capture and WebRTC services.
type Manager struct {
	cfg    config.Config
	driver simctl.Driver

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	video  map[string]*capture.VideoService
	webrtc map[string]*webrtcEntry

	created   uint64
	destroyed uint64
	evicted   uint64
	cleanups  uint64

	// memSample is swappable for tests.
	memSample func() (rss, vms uint64, err error)
}

// NewManager builds an empty pool. Services created later inherit ctx, so
// cancelling it (or calling CleanupAll) tears down every capture child.
func NewManager(ctx context.Context, cfg config.Config, driver simctl.Driver) *Manager {
	bctx, cancel := context.WithCancel(ctx)
	return &Manager{
		cfg:       cfg,
		driver:    driver,
		baseCtx:   bctx,
		cancel:    cancel,
		video:     map[string]*capture.VideoService{},
		webrtc:    map[string]*webrtcEntry{},
		memSample: processMemory,
	}
}

// Video returns the capture service for a device, starting one on first use.
func (m *Manager) Video(udid string, dims simctl.Dimensions) *capture.VideoService {
	m.mu.Lock()
	defer m.mu.Unlock()
	if svc, ok := m.video[udid]; ok {
		return svc
	}
	svc := capture.NewVideoService(m.driver, udid, dims, m.cfg.DefaultQuality, m.cfg.DefaultFPS)
	svc.Start(m.baseCtx)
	m.video[udid] = svc
	m.created++
	log.WithComponent("resource").Info().Str(log.FieldUDID, udid).Msg("capture service created")
	return svc
}

// AcquireVideo subscribes a client to a device's frame stream.
func (m *Manager) AcquireVideo(udid string, dims simctl.Dimensions, clientID string, ringSize int) (*capture.VideoService, *capture.Ring) {
	svc := m.Video(udid, dims)
	return svc, svc.Subscribe(clientID, ringSize)
}

// ReleaseVideo drops a client's subscription. The service survives until
// the idle sweep reclaims it.
func (m *Manager) ReleaseVideo(udid, clientID string) {
	m.mu.Lock()
	svc, ok := m.video[udid]
	m.mu.Unlock()
	if ok {
		svc.Unsubscribe(clientID)
	}
}

// WebRTC returns the signaling service for a device, creating it on first use.
func (m *Manager) WebRTC(udid string) *rtc.Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.webrtc[udid]; ok {
		return e.svc
	}
	svc := rtc.NewService(m.baseCtx, m.driver, udid, m.cfg.DefaultQuality, m.cfg.DefaultFPS)
	m.webrtc[udid] = &webrtcEntry{svc: svc, idleSince: time.Now()}
	m.created++
	log.WithComponent("resource").Info().Str(log.FieldUDID, udid).Msg("webrtc service created")
	return svc
}

// ReleaseWebRTC removes a viewer; the last one out starts the idle clock.
func (m *Manager) ReleaseWebRTC(udid, clientID string) {
	m.mu.Lock()
	e, ok := m.webrtc[udid]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.svc.RemoveClient(clientID)
	m.mu.Lock()
	if e.svc.ClientCount() == 0 {
		e.idleSince = time.Now()
	}
	m.mu.Unlock()
}

// DestroyDevice force-closes every service for a UDID. Used when the
// session behind the device is deleted; active clients lose their stream.
func (m *Manager) DestroyDevice(udid string) {
	m.mu.Lock()
	vsvc := m.video[udid]
	delete(m.video, udid)
	we := m.webrtc[udid]
	delete(m.webrtc, udid)
	m.mu.Unlock()

	if vsvc != nil {
		vsvc.Stop()
		m.countDestroyed(1)
	}
	if we != nil {
		we.svc.Close()
		m.countDestroyed(1)
	}
}

// CleanupAll tears down the whole pool. Called on shutdown.
func (m *Manager) CleanupAll() {
	m.cancel()

	m.mu.Lock()
	videos := m.video
	webrtcs := m.webrtc
	m.video = map[string]*capture.VideoService{}
	m.webrtc = map[string]*webrtcEntry{}
	m.mu.Unlock()

	for _, svc := range videos {
		svc.Stop()
	}
	for _, e := range webrtcs {
		e.svc.Close()
	}
	m.countDestroyed(uint64(len(videos) + len(webrtcs)))
	log.WithComponent("resource").Info().
		Int("video_services", len(videos)).
		Int("webrtc_services", len(webrtcs)).
		Msg("resource pool drained")
}

// SweepIdle evicts services whose idle grace window has expired and
// returns how many were closed.
func (m *Manager) SweepIdle(now time.Time) int {
	cutoff := now.Add(-m.cfg.ServiceIdleTimeout)
	return m.evictIdle(cutoff, 0)
}

// evictIdle closes zero-client services idle since before cutoff. A max of
// 0 means unbounded. Services with active clients are never touched.
func (m *Manager) evictIdle(cutoff time.Time, max int) int {
	type victim struct {
		udid string
		stop func()
	}
	var victims []victim

	m.mu.Lock()
	for udid, svc := range m.video {
		if max > 0 && len(victims) >= max {
			break
		}
		since, idle := svc.IdleSince()
		if idle && since.Before(cutoff) {
			victims = append(victims, victim{udid, svc.Stop})
			delete(m.video, udid)
		}
	}
	for udid, e := range m.webrtc {
		if max > 0 && len(victims) >= max {
			break
		}
		if e.svc.ClientCount() == 0 && e.idleSince.Before(cutoff) {
			victims = append(victims, victim{udid, e.svc.Close})
			delete(m.webrtc, udid)
		}
	}
	m.evicted += uint64(len(victims))
	m.mu.Unlock()

	for _, v := range victims {
		v.stop()
		log.WithComponent("resource").Info().Str(log.FieldUDID, v.udid).Msg("idle service evicted")
	}
	m.countDestroyed(uint64(len(victims)))
	return len(victims)
}

// RunIdleSweeper periodically reclaims services past their idle window.
// Blocks until ctx is cancelled.
func (m *Manager) RunIdleSweeper(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.ServiceIdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			m.SweepIdle(now)
		}
	}
}

// Stats snapshots the pool for the monitoring surface. No side effects.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st := Stats{
		Created:        m.created,
		Destroyed:      m.destroyed,
		IdleEvictions:  m.evicted,
		MemoryCleanups: m.cleanups,
	}
	for _, svc := range m.video {
		st.VideoServices = append(st.VideoServices, svc.Status())
	}
	for _, e := range m.webrtc {
		st.WebRTCServices = append(st.WebRTCServices, e.svc.Status())
	}
	m.mu.Unlock()

	st.Memory = m.memoryStats()
	return st
}

func (m *Manager) countDestroyed(n uint64) {
	m.mu.Lock()
	m.destroyed += n
	m.mu.Unlock()
}
