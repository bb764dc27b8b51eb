// SPDX-License-Identifier: MIT

// Package recording manages per-session MP4 capture via the host driver's
// recording child process.
package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/config"
	"github.com/simbridge-io/simbridge/internal/log"
	"github.com/simbridge-io/simbridge/internal/metrics"
	"github.com/simbridge-io/simbridge/internal/simctl"
)

// Grace periods for finalizing the recording child. The emergency path
// waits longer because a truncated MP4 is still worth keeping.
const (
	// stopGrace bounds the whole stop sequence. The child itself gets a
	// 10 s SIGTERM window to finalize the MP4; the extra margin covers the
	// SIGKILL escalation and reap.
	stopGrace      = 15 * time.Second
	emergencyGrace = 20 * time.Second
)

// proc is the recording child handle. Satisfied by *simctl.StreamProcess.
type proc interface {
	Stop(ctx context.Context) error
	Running() bool
}

type active struct {
	proc      proc
	path      string
	dir       string
	udid      string
	startedAt time.Time
}

// Status reports a session's recording state.
type Status struct {
	State     string     `json:"state"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Service owns every recording child in the process.
type Service struct {
	cfg    config.Config
	driver simctl.Driver

	// start is swappable for tests.
	start func(ctx context.Context, udid, path string) (proc, error)

	mu     sync.Mutex
	active map[string]*active
}

// NewService builds an idle recording service.
func NewService(cfg config.Config, driver simctl.Driver) *Service {
	s := &Service{
		cfg:    cfg,
		driver: driver,
		active: map[string]*active{},
	}
	s.start = func(ctx context.Context, udid, path string) (proc, error) {
		return driver.StartRecording(ctx, udid, path)
	}
	return s
}

// Start spawns a recording child writing into the session's scratch
// directory. A second start while one is active fails with busy.
func (s *Service) Start(ctx context.Context, sessionID, udid string) error {
	s.mu.Lock()
	if _, ok := s.active[sessionID]; ok {
		s.mu.Unlock()
		return apperr.Errorf(apperr.KindBusy, "recording already active for session %s", sessionID)
	}
	// Reserve the slot before the child spawn so concurrent starts race on
	// the map, not on the child.
	s.active[sessionID] = nil
	s.mu.Unlock()

	dir := filepath.Join(s.cfg.RecordingsDir(), sessionID)
	release := func() {
		s.mu.Lock()
		delete(s.active, sessionID)
		s.mu.Unlock()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		release()
		return apperr.E(apperr.KindIO, "create recording directory", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("recording-%d.mp4", time.Now().Unix()))

	p, err := s.start(ctx, udid, path)
	if err != nil {
		release()
		return err
	}

	s.mu.Lock()
	s.active[sessionID] = &active{proc: p, path: path, dir: dir, udid: udid, startedAt: time.Now()}
	s.mu.Unlock()

	metrics.RecordingsStarted.Inc()
	log.WithComponent("recording").Info().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldUDID, udid).
		Msg("recording started")
	return nil
}

// Stop finalizes the child, returns the MP4 bytes and removes the scratch
// directory. Stopping with no active recording fails with bad-state.
func (s *Service) Stop(ctx context.Context, sessionID string) ([]byte, error) {
	rec := s.take(sessionID)
	if rec == nil {
		return nil, apperr.Errorf(apperr.KindBadState, "no active recording for session %s", sessionID)
	}

	stopCtx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	if err := rec.proc.Stop(stopCtx); err != nil {
		log.WithComponent("recording").Warn().Err(err).
			Str(log.FieldSessionID, sessionID).
			Msg("recording child did not stop cleanly")
	}

	data, err := os.ReadFile(rec.path)
	if err != nil {
		return nil, apperr.E(apperr.KindIO, "read recording file", err)
	}
	if err := os.RemoveAll(rec.dir); err != nil {
		log.WithComponent("recording").Warn().Err(err).Msg("recording scratch cleanup failed")
	}
	log.WithComponent("recording").Info().
		Str(log.FieldSessionID, sessionID).
		Int("bytes", len(data)).
		Dur("duration", time.Since(rec.startedAt)).
		Msg("recording stopped")
	return data, nil
}

// Abort stops a session's recording and discards the output. Used when
// the session is deleted mid-recording.
func (s *Service) Abort(ctx context.Context, sessionID string) {
	rec := s.take(sessionID)
	if rec == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	_ = rec.proc.Stop(stopCtx)
	_ = os.RemoveAll(rec.dir)
	log.WithComponent("recording").Info().
		Str(log.FieldSessionID, sessionID).
		Msg("recording aborted")
}

// take removes and returns a session's active recording, or nil. A nil
// map entry means a start is still in flight; treat it as not recording.
func (s *Service) take(sessionID string) *active {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.active[sessionID]
	if rec == nil {
		return nil
	}
	delete(s.active, sessionID)
	return rec
}

// Status reports whether a session is recording.
func (s *Service) Status(sessionID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec := s.active[sessionID]; rec != nil {
		at := rec.startedAt
		return Status{State: "recording", StartedAt: &at}
	}
	return Status{State: "idle"}
}

// ActiveCount reports how many recordings are in flight.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// EmergencySaveAll stops every active recording and moves the output,
// truncated or not, to the durable emergency directory. Called on
// shutdown; errors are logged, never returned, so one bad recording does
// not strand the others.
func (s *Service) EmergencySaveAll(ctx context.Context) {
	s.mu.Lock()
	recs := make(map[string]*active, len(s.active))
	for id, rec := range s.active {
		if rec != nil {
			recs[id] = rec
		}
	}
	s.active = map[string]*active{}
	s.mu.Unlock()

	if len(recs) == 0 {
		return
	}
	logger := log.WithComponent("recording")
	emDir := s.cfg.EmergencyRecordingsDir()
	if err := os.MkdirAll(emDir, 0o755); err != nil {
		logger.Error().Err(err).Msg("emergency recording directory unavailable")
		return
	}

	for sessionID, rec := range recs {
		stopCtx, cancel := context.WithTimeout(ctx, emergencyGrace)
		err := rec.proc.Stop(stopCtx)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("emergency stop failed")
		}
		dst := filepath.Join(emDir, fmt.Sprintf("%s-%d.mp4", sessionID, time.Now().Unix()))
		if err := os.Rename(rec.path, dst); err != nil {
			logger.Error().Err(err).Str(log.FieldSessionID, sessionID).Msg("emergency save failed")
			continue
		}
		_ = os.RemoveAll(rec.dir)
		metrics.RecordingsEmergencySaved.Inc()
		logger.Info().
			Str(log.FieldSessionID, sessionID).
			Str("path", dst).
			Msg("recording saved to emergency directory")
	}
}

// CleanupEmergency removes emergency recordings older than the configured
// retention age and reports how many were deleted.
func (s *Service) CleanupEmergency() (int, error) {
	entries, err := os.ReadDir(s.cfg.EmergencyRecordingsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, apperr.E(apperr.KindIO, "read emergency recording directory", err)
	}
	cutoff := time.Now().Add(-s.cfg.EmergencyRecordingMaxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.EmergencyRecordingsDir(), e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		log.WithComponent("recording").Info().
			Int("removed", removed).
			Msg("expired emergency recordings removed")
	}
	return removed, nil
}
