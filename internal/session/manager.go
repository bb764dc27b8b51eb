// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/log"
	"github.com/simbridge-io/simbridge/internal/metrics"
	"github.com/simbridge-io/simbridge/internal/simctl"
)

// Configurations enumerates what the host can create.
type Configurations struct {
	DeviceTypes []string `json:"device_types"`
	OSVersions  []string `json:"ios_versions"`
}

// Manager is the sole authority over session identity and lifecycle.
// Mutations serialize through mu; reads work on cloned snapshots.
type Manager struct {
	driver simctl.Driver
	store  *Store

	mu       sync.RWMutex
	sessions map[string]*Session

	// saveMu serializes persist: snapshot and Save happen as one unit, so
	// concurrent mutations cannot interleave backup rotation or write an
	// older snapshot after a newer one.
	saveMu sync.Mutex

	// detach releases capture services before a device is destroyed. Wired
	// by main after the resource manager exists; nil is a no-op.
	detach func(ctx context.Context, udid string)
}

// NewManager builds a manager over the given driver and store. Call Startup
// before serving.
func NewManager(driver simctl.Driver, store *Store) *Manager {
	return &Manager{
		driver:   driver,
		store:    store,
		sessions: map[string]*Session{},
	}
}

// SetDetachHook installs the capture-release callback invoked on delete.
func (m *Manager) SetDetachHook(fn func(ctx context.Context, udid string)) {
	m.detach = fn
}

// Startup loads the store, validates every record in parallel, recovers
// orphaned booted devices and logs a summary. Per-record failures drop the
// record, never abort startup.
func (m *Manager) Startup(ctx context.Context) error {
	logger := log.WithComponent("session")

	loaded, err := m.store.Load()
	if err != nil {
		return err
	}

	devices, err := m.driver.ListDevices(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("device list unavailable at startup, dropping all persisted sessions")
		devices = nil
	}
	live := make(map[string]simctl.Device, len(devices))
	for _, d := range devices {
		live[d.UDID] = d
	}

	var (
		keepMu sync.Mutex
		kept   = map[string]*Session{}
	)
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, rec := range loaded {
		rec := rec
		g.Go(func() error {
			if _, ok := live[rec.UDID]; !ok {
				logger.Warn().
					Str(log.FieldSessionID, rec.ID).
					Str(log.FieldUDID, rec.UDID).
					Msg("dropping session: device no longer exists")
				return nil
			}
			rec.LastValidated = time.Now().UTC()
			keepMu.Lock()
			kept[rec.ID] = rec
			keepMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.sessions = kept
	m.mu.Unlock()

	recovered, err := m.RecoverOrphaned(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("orphan recovery failed")
	}

	m.mu.RLock()
	total := len(m.sessions)
	m.mu.RUnlock()
	metrics.SessionsActive.Set(float64(total))

	logger.Info().
		Int("loaded", len(loaded)).
		Int("validated", len(kept)).
		Int("recovered", len(recovered)).
		Int("active", total).
		Msg("session manager started")
	return m.persist()
}

// ListConfigurations enumerates device types and OS versions on the host.
func (m *Manager) ListConfigurations(ctx context.Context) (Configurations, error) {
	types, err := m.driver.ListDeviceTypes(ctx)
	if err != nil {
		return Configurations{}, err
	}
	runtimes, err := m.driver.ListRuntimes(ctx)
	if err != nil {
		return Configurations{}, err
	}
	cfg := Configurations{}
	for name := range types {
		cfg.DeviceTypes = append(cfg.DeviceTypes, name)
	}
	for version := range runtimes {
		cfg.OSVersions = append(cfg.OSVersions, version)
	}
	return cfg, nil
}

// Create allocates a fresh session: create device, boot, wait, measure,
// persist. Any failure after device creation tears the device down again.
func (m *Manager) Create(ctx context.Context, deviceType, osVersion string) (*Session, error) {
	logger := log.WithComponent("session")

	types, err := m.driver.ListDeviceTypes(ctx)
	if err != nil {
		return nil, err
	}
	typeID, ok := types[deviceType]
	if !ok {
		return nil, apperr.Errorf(apperr.KindConfiguration, "unknown device type %q", deviceType)
	}
	runtimes, err := m.driver.ListRuntimes(ctx)
	if err != nil {
		return nil, err
	}
	runtimeID, ok := runtimes[osVersion]
	if !ok {
		return nil, apperr.Errorf(apperr.KindConfiguration, "unknown OS version %q", osVersion)
	}

	id := uuid.NewString()
	udid, err := m.driver.CreateDevice(ctx, simctl.DeviceName(id, deviceType), typeID, runtimeID)
	if err != nil {
		return nil, err
	}

	cleanup := func() {
		_ = m.driver.Shutdown(context.WithoutCancel(ctx), udid)
		_ = m.driver.Delete(context.WithoutCancel(ctx), udid)
	}

	if err := m.driver.Boot(ctx, udid); err != nil {
		cleanup()
		return nil, err
	}
	if err := m.driver.WaitForBoot(ctx, udid); err != nil {
		cleanup()
		return nil, err
	}
	dims, err := m.driver.Dimensions(ctx, udid)
	if err != nil {
		cleanup()
		return nil, err
	}

	now := time.Now().UTC()
	s := &Session{
		ID:            id,
		UDID:          udid,
		DeviceType:    deviceType,
		OSVersion:     osVersion,
		PointWidth:    dims.PointWidth,
		PointHeight:   dims.PointHeight,
		PixelWidth:    dims.PixelWidth,
		PixelHeight:   dims.PixelHeight,
		Scale:         dims.Scale(),
		CreatedAt:     now,
		LastValidated: now,
		InstalledApps: map[string]InstalledApp{},
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		logger.Error().Err(err).Str(log.FieldSessionID, id).Msg("persist after create failed")
	}
	metrics.SessionsCreated.Inc()
	m.updateActiveGauge()

	logger.Info().
		Str(log.FieldSessionID, id).
		Str(log.FieldUDID, udid).
		Str("device_type", deviceType).
		Str("os_version", osVersion).
		Msg("session created")
	return s.Clone(), nil
}

// Get returns a copy of the session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperr.Errorf(apperr.KindNotFound, "session %s not found", id)
	}
	return s.Clone(), nil
}

// List returns every session whose device still exists.
func (m *Manager) List(ctx context.Context) []*Session {
	live := m.liveUDIDs(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if live != nil {
			if _, ok := live[s.UDID]; !ok {
				continue
			}
		}
		out = append(out, s.Clone())
	}
	return out
}

// Delete tears down a session: capture services first, then the device,
// then the record. Device teardown failures are logged and tolerated: the
// record always goes.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return apperr.Errorf(apperr.KindNotFound, "session %s not found", id)
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	if m.detach != nil {
		m.detach(ctx, s.UDID)
	}
	logger := log.WithSession("session", id)
	if err := m.driver.Shutdown(ctx, s.UDID); err != nil {
		logger.Warn().Err(err).Str(log.FieldUDID, s.UDID).Msg("shutdown during delete failed")
	}
	if err := m.driver.Delete(ctx, s.UDID); err != nil {
		logger.Warn().Err(err).Str(log.FieldUDID, s.UDID).Msg("erase during delete failed")
	}

	if err := m.persist(); err != nil {
		logger.Error().Err(err).Msg("persist after delete failed")
	}
	metrics.SessionsDeleted.Inc()
	m.updateActiveGauge()
	logger.Info().Str(log.FieldUDID, s.UDID).Msg("session deleted")
	return nil
}

// DeleteAll removes every session. Returns the number deleted.
func (m *Manager) DeleteAll(ctx context.Context) int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if err := m.Delete(ctx, id); err == nil {
			n++
		}
	}
	return n
}

// Validate cross-checks the persisted UDID against the live device list and
// refreshes the last-validated stamp on success.
func (m *Manager) Validate(ctx context.Context, id string) bool {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	live := m.liveUDIDs(ctx)
	if live == nil {
		return false
	}
	if _, ok := live[s.UDID]; !ok {
		return false
	}

	m.mu.Lock()
	if cur, ok := m.sessions[id]; ok {
		cur.LastValidated = time.Now().UTC()
	}
	m.mu.Unlock()
	return true
}

// Refresh drops every session whose device no longer exists. Returns the
// removed session IDs.
func (m *Manager) Refresh(ctx context.Context) []string {
	live := m.liveUDIDs(ctx)
	if live == nil {
		return nil
	}

	m.mu.Lock()
	var removed []string
	for id, s := range m.sessions {
		if _, ok := live[s.UDID]; !ok {
			delete(m.sessions, id)
			removed = append(removed, id)
		}
	}
	m.mu.Unlock()

	if len(removed) > 0 {
		logger := log.WithComponent("session")
		for _, id := range removed {
			logger.Warn().Str(log.FieldSessionID, id).Msg("session dropped: device gone")
		}
		if err := m.persist(); err != nil {
			logger.Error().Err(err).Msg("persist after refresh failed")
		}
		m.updateActiveGauge()
	}
	return removed
}

// RecoverOrphaned adopts booted devices no session covers. Idempotent: a
// second run with no external change yields nothing new.
func (m *Manager) RecoverOrphaned(ctx context.Context) ([]*Session, error) {
	devices, err := m.driver.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	owned := make(map[string]bool, len(m.sessions))
	for _, s := range m.sessions {
		owned[s.UDID] = true
	}
	m.mu.RUnlock()

	logger := log.WithComponent("session")
	var recovered []*Session
	for _, d := range devices {
		if d.State != simctl.StateBooted || owned[d.UDID] {
			continue
		}
		dims, err := m.driver.Dimensions(ctx, d.UDID)
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldUDID, d.UDID).Msg("skipping orphan: dimensions unavailable")
			continue
		}
		now := time.Now().UTC()
		s := &Session{
			ID:            uuid.NewString(),
			UDID:          d.UDID,
			DeviceType:    deviceTypeFromName(d.Name),
			OSVersion:     osVersionFromRuntime(d.Runtime),
			PointWidth:    dims.PointWidth,
			PointHeight:   dims.PointHeight,
			PixelWidth:    dims.PixelWidth,
			PixelHeight:   dims.PixelHeight,
			Scale:         dims.Scale(),
			CreatedAt:     now,
			LastValidated: now,
			InstalledApps: map[string]InstalledApp{},
		}
		m.mu.Lock()
		m.sessions[s.ID] = s
		m.mu.Unlock()
		recovered = append(recovered, s.Clone())
		metrics.SessionsRecovered.Inc()
		logger.Info().
			Str(log.FieldSessionID, s.ID).
			Str(log.FieldUDID, d.UDID).
			Str("device_type", s.DeviceType).
			Msg("recovered orphaned session")
	}

	if len(recovered) > 0 {
		if err := m.persist(); err != nil {
			logger.Error().Err(err).Msg("persist after recovery failed")
		}
		m.updateActiveGauge()
	}
	return recovered, nil
}

// RecordInstall stores install metadata on the session.
func (m *Manager) RecordInstall(id string, app InstalledApp) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return apperr.Errorf(apperr.KindNotFound, "session %s not found", id)
	}
	s.InstalledApps[app.BundleID] = app
	m.mu.Unlock()
	return m.persist()
}

// RecordUninstall drops install metadata for a bundle.
func (m *Manager) RecordUninstall(id, bundleID string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return apperr.Errorf(apperr.KindNotFound, "session %s not found", id)
	}
	delete(s.InstalledApps, bundleID)
	m.mu.Unlock()
	return m.persist()
}

// persist snapshots the table under the read lock and saves it. Single
// writer: saveMu keeps snapshot order and write order identical.
func (m *Manager) persist() error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.RLock()
	snapshot := make(map[string]*Session, len(m.sessions))
	for id, s := range m.sessions {
		snapshot[id] = s.Clone()
	}
	m.mu.RUnlock()
	return m.store.Save(snapshot)
}

func (m *Manager) liveUDIDs(ctx context.Context) map[string]simctl.Device {
	devices, err := m.driver.ListDevices(ctx)
	if err != nil {
		log.WithComponent("session").Warn().Err(err).Msg("device list unavailable")
		return nil
	}
	live := make(map[string]simctl.Device, len(devices))
	for _, d := range devices {
		live[d.UDID] = d
	}
	return live
}

func (m *Manager) updateActiveGauge() {
	m.mu.RLock()
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.RUnlock()
}

// deviceTypeFromName undoes the sim_<id>_<type> naming for adopted devices;
// foreign names pass through unchanged.
func deviceTypeFromName(name string) string {
	if strings.HasPrefix(name, "sim_") {
		parts := strings.SplitN(name, "_", 3)
		if len(parts) == 3 {
			return strings.ReplaceAll(parts[2], "_", " ")
		}
	}
	return name
}

// osVersionFromRuntime maps com.apple.CoreSimulator.SimRuntime.iOS-17-2 to
// "17.2".
func osVersionFromRuntime(runtime string) string {
	const marker = "SimRuntime.iOS-"
	i := strings.Index(runtime, marker)
	if i < 0 {
		return ""
	}
	return strings.ReplaceAll(runtime[i+len(marker):], "-", ".")
}
