// SPDX-License-Identifier: MIT

// Package connection authorizes and tracks every transport connection.
// Registrations hold the socket weakly: a transport that leaks a socket
// without unregistering does not pin it in memory, and the reaper drops
// the stale entry on its next pass.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"
	"weak"

	"github.com/gorilla/websocket"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/config"
	"github.com/simbridge-io/simbridge/internal/log"
	"github.com/simbridge-io/simbridge/internal/metrics"
)

// Kind names a transport endpoint type.
type Kind string

const (
	KindControl    Kind = "control"
	KindVideo      Kind = "video"
	KindUltra      Kind = "ultra-low-latency"
	KindWebRTC     Kind = "webrtc"
	KindScreenshot Kind = "screenshot"
	KindLogs       Kind = "logs"
)

// Registration errors. Endpoints map ErrSessionInvalid to close code 4004.
var (
	ErrSessionInvalid = apperr.Errorf(apperr.KindNotFound, "session not registered")
	ErrRateLimited    = apperr.Errorf(apperr.KindRateLimited, "connection rate limit exceeded")
	ErrCapExceeded    = apperr.Errorf(apperr.KindCapExceeded, "session connection cap exceeded")
)

type windowKey struct {
	session string
	source  string
}

type record struct {
	id        uint64
	kind      Kind
	source    string
	startedAt time.Time
	handle    weak.Pointer[websocket.Conn]
}

// Manager is the process-wide connection registry.
type Manager struct {
	cfg   config.Config
	valid func(sessionID string) bool

	mu      sync.Mutex
	nextID  uint64
	conns   map[string]map[uint64]*record
	windows map[windowKey][]time.Time
}

// NewManager builds a registry. valid reports whether a session identifier
// currently names a live session.
func NewManager(cfg config.Config, valid func(sessionID string) bool) *Manager {
	return &Manager{
		cfg:     cfg,
		valid:   valid,
		conns:   map[string]map[uint64]*record{},
		windows: map[windowKey][]time.Time{},
	}
}

// Registration is a live entry in the registry. Release is idempotent and
// must run on every exit path; endpoints defer it right after TryRegister.
type Registration struct {
	m       *Manager
	session string
	id      uint64
	once    sync.Once
}

// Release removes the registration.
func (r *Registration) Release() {
	r.once.Do(func() {
		r.m.unregister(r.session, r.id)
	})
}

// TryRegister admits a connection or reports why it was denied. On success
// the returned registration owns the registry slot until Release.
func (m *Manager) TryRegister(sessionID string, kind Kind, source string, conn *websocket.Conn) (*Registration, error) {
	if !m.valid(sessionID) {
		metrics.ConnectionsRejected.WithLabelValues("session_invalid").Inc()
		return nil, ErrSessionInvalid
	}
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	key := windowKey{sessionID, source}
	win := pruneWindow(m.windows[key], now.Add(-m.cfg.RateLimitWindow))
	if len(win) >= m.cfg.MaxConnectionsPerMinute {
		m.windows[key] = win
		metrics.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
		return nil, ErrRateLimited
	}

	m.reapSessionLocked(sessionID)
	recs := m.conns[sessionID]
	if len(recs) >= m.cfg.MaxConnectionsPerSession {
		m.windows[key] = win
		metrics.ConnectionsRejected.WithLabelValues("cap_exceeded").Inc()
		return nil, ErrCapExceeded
	}
	if recs == nil {
		recs = map[uint64]*record{}
		m.conns[sessionID] = recs
	}

	m.windows[key] = append(win, now)
	m.nextID++
	id := m.nextID
	recs[id] = &record{
		id:        id,
		kind:      kind,
		source:    source,
		startedAt: now,
		handle:    weak.Make(conn),
	}
	metrics.ConnectionsAccepted.WithLabelValues(string(kind)).Inc()
	log.WithComponent("connection").Debug().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldKind, string(kind)).
		Str(log.FieldSource, source).
		Msg("connection registered")
	return &Registration{m: m, session: sessionID, id: id}, nil
}

func (m *Manager) unregister(sessionID string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.conns[sessionID]
	if recs == nil {
		return
	}
	delete(recs, id)
	if len(recs) == 0 {
		delete(m.conns, sessionID)
	}
}

// DropSession force-removes every registration for a deleted session and
// returns how many were dropped. The sockets themselves are closed by
// their owning endpoint loops.
func (m *Manager) DropSession(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.conns[sessionID])
	delete(m.conns, sessionID)
	for key := range m.windows {
		if key.session == sessionID {
			delete(m.windows, key)
		}
	}
	return n
}

// Count reports live connections for one session.
func (m *Manager) Count(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns[sessionID])
}

// Reap removes entries whose socket has been collected, returning how many
// were dropped. Runs on every reaper tick and is cheap when nothing leaked.
func (m *Manager) Reap() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for sessionID := range m.conns {
		dropped += m.reapSessionLocked(sessionID)
	}
	if dropped > 0 {
		log.WithComponent("connection").Warn().
			Int("dropped", dropped).
			Msg("reaped leaked connection records")
	}
	return dropped
}

// reapSessionLocked drops a session's records whose weak handle no longer
// resolves. Caller holds m.mu.
func (m *Manager) reapSessionLocked(sessionID string) int {
	recs := m.conns[sessionID]
	dropped := 0
	for id, rec := range recs {
		if rec.handle.Value() == nil {
			delete(recs, id)
			dropped++
		}
	}
	if len(recs) == 0 {
		delete(m.conns, sessionID)
	}
	return dropped
}

// RunReaper periodically reclaims leaked registrations until ctx is
// cancelled.
func (m *Manager) RunReaper(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.ConnectionCleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Reap()
		}
	}
}

// pruneWindow drops timestamps at or before cutoff. The slice is ordered
// oldest first.
func pruneWindow(win []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(win) && !win[i].After(cutoff) {
		i++
	}
	return win[i:]
}

// ConnInfo describes one registered connection.
type ConnInfo struct {
	Kind        Kind      `json:"kind"`
	Source      string    `json:"source"`
	ConnectedAt time.Time `json:"connected_at"`
	Alive       bool      `json:"alive"`
}

// SessionStats aggregates a session's connections.
type SessionStats struct {
	Total       int          `json:"total"`
	ByKind      map[Kind]int `json:"by_kind"`
	Connections []ConnInfo   `json:"connections"`
}

// Stats is the full registry snapshot. Building it has no side effects.
type Stats struct {
	Total       int                     `json:"total_connections"`
	Sessions    map[string]SessionStats `json:"sessions"`
	RateBuckets map[string]int          `json:"rate_buckets"`
}

// Stats snapshots the registry for the monitoring surface.
func (m *Manager) Stats() Stats {
	now := time.Now()
	cutoff := now.Add(-m.cfg.RateLimitWindow)

	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		Sessions:    make(map[string]SessionStats, len(m.conns)),
		RateBuckets: map[string]int{},
	}
	for sessionID, recs := range m.conns {
		ss := SessionStats{ByKind: map[Kind]int{}}
		for _, rec := range recs {
			ss.Total++
			ss.ByKind[rec.kind]++
			ss.Connections = append(ss.Connections, ConnInfo{
				Kind:        rec.kind,
				Source:      rec.source,
				ConnectedAt: rec.startedAt,
				Alive:       rec.handle.Value() != nil,
			})
		}
		st.Sessions[sessionID] = ss
		st.Total += ss.Total
	}
	for key, win := range m.windows {
		n := 0
		for _, ts := range win {
			if ts.After(cutoff) {
				n++
			}
		}
		if n > 0 {
			st.RateBuckets[fmt.Sprintf("%s|%s", key.session, key.source)] = n
		}
	}
	return st
}
