// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/simctl/simctltest"
)

func newTestManager(t *testing.T) (*Manager, *simctltest.Fake) {
	t.Helper()
	fake := simctltest.New()
	store := NewStore(filepath.Join(t.TempDir(), "sessions.json"), 3)
	return NewManager(fake, store), fake
}

func TestCreateAndGet(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "iPhone 15 Pro", "17.2")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.NotEmpty(t, s.UDID)
	assert.Equal(t, "iPhone 15 Pro", s.DeviceType)
	assert.Equal(t, 3, s.Scale)
	assert.Equal(t, 390, s.PointWidth)

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.UDID, got.UDID)
}

func TestCreateUnknownConfiguration(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "Nokia 3310", "17.2")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))

	_, err = m.Create(ctx, "iPhone 15 Pro", "3.1")
	require.Error(t, err)
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestCreateBootFailureTearsDownDevice(t *testing.T) {
	m, fake := newTestManager(t)
	fake.Errs["Boot"] = apperr.Errorf(apperr.KindHostDriver, "boot exploded")

	_, err := m.Create(context.Background(), "iPhone 15 Pro", "17.2")
	require.Error(t, err)
	assert.Contains(t, fake.Calls(), "Delete")
	assert.Empty(t, m.List(context.Background()))
}

func TestDelete(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	detached := ""
	m.SetDetachHook(func(ctx context.Context, udid string) { detached = udid })

	s, err := m.Create(ctx, "iPhone 15 Pro", "17.2")
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, s.ID))
	assert.Equal(t, s.UDID, detached)
	assert.Contains(t, fake.Calls(), "Shutdown")

	_, err = m.Get(s.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(m.Delete(ctx, s.ID)))
}

func TestValidate(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "iPhone 15 Pro", "17.2")
	require.NoError(t, err)
	assert.True(t, m.Validate(ctx, s.ID))

	// Device vanishes out from under the session.
	require.NoError(t, fake.Delete(ctx, s.UDID))
	assert.False(t, m.Validate(ctx, s.ID))

	assert.False(t, m.Validate(ctx, "no-such-session"))
}

func TestRefreshDropsDeadSessions(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	s1, err := m.Create(ctx, "iPhone 15 Pro", "17.2")
	require.NoError(t, err)
	s2, err := m.Create(ctx, "iPhone 14", "17.2")
	require.NoError(t, err)

	require.NoError(t, fake.Delete(ctx, s1.UDID))

	removed := m.Refresh(ctx)
	assert.Equal(t, []string{s1.ID}, removed)

	_, err = m.Get(s2.ID)
	assert.NoError(t, err)
}

func TestRecoverOrphanedIsIdempotent(t *testing.T) {
	m, fake := newTestManager(t)
	ctx := context.Background()

	udid := fake.AddBooted("externally booted")

	first, err := m.RecoverOrphaned(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, udid, first[0].UDID)

	second, err := m.RecoverOrphaned(ctx)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestStartupSurvivesRestart(t *testing.T) {
	fake := simctltest.New()
	path := filepath.Join(t.TempDir(), "sessions.json")

	m1 := NewManager(fake, NewStore(path, 3))
	ctx := context.Background()
	s, err := m1.Create(ctx, "iPhone 15 Pro", "17.2")
	require.NoError(t, err)

	// New manager over the same store and driver state.
	m2 := NewManager(fake, NewStore(path, 3))
	require.NoError(t, m2.Startup(ctx))

	got, err := m2.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.UDID, got.UDID)
}

func TestStartupDropsDeadRecords(t *testing.T) {
	fake := simctltest.New()
	path := filepath.Join(t.TempDir(), "sessions.json")

	m1 := NewManager(fake, NewStore(path, 3))
	ctx := context.Background()
	s, err := m1.Create(ctx, "iPhone 15 Pro", "17.2")
	require.NoError(t, err)

	require.NoError(t, fake.Delete(ctx, s.UDID))

	m2 := NewManager(fake, NewStore(path, 3))
	require.NoError(t, m2.Startup(ctx))
	_, err = m2.Get(s.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRecordInstall(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "iPhone 15 Pro", "17.2")
	require.NoError(t, err)

	app := InstalledApp{BundleID: "com.example.demo", AppName: "Demo"}
	require.NoError(t, m.RecordInstall(s.ID, app))

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Contains(t, got.InstalledApps, "com.example.demo")

	require.NoError(t, m.RecordUninstall(s.ID, "com.example.demo"))
	got, err = m.Get(s.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.InstalledApps, "com.example.demo")
}

func TestConcurrentPersistsKeepLatestState(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx, "iPhone 15 Pro", "17.2")
	require.NoError(t, err)

	// Every mutation persists; racing persists must not write an older
	// snapshot over a newer one or corrupt the backup rotation.
	const installs = 16
	var wg sync.WaitGroup
	for i := 0; i < installs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			app := InstalledApp{BundleID: fmt.Sprintf("com.example.app%d", i)}
			assert.NoError(t, m.RecordInstall(s.ID, app))
		}(i)
	}
	wg.Wait()

	loaded, err := m.store.Load()
	require.NoError(t, err)
	require.Contains(t, loaded, s.ID)
	assert.Len(t, loaded[s.ID].InstalledApps, installs)
}

func TestDeviceTypeFromName(t *testing.T) {
	assert.Equal(t, "iPhone 15 Pro", deviceTypeFromName("sim_0b7a2c1d_iPhone_15_Pro"))
	assert.Equal(t, "My Device", deviceTypeFromName("My Device"))
}

func TestOSVersionFromRuntime(t *testing.T) {
	assert.Equal(t, "17.2", osVersionFromRuntime("com.apple.CoreSimulator.SimRuntime.iOS-17-2"))
	assert.Equal(t, "", osVersionFromRuntime("com.apple.CoreSimulator.SimRuntime.watchOS-10-0"))
}
