// SPDX-License-Identifier: MIT

package resource

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simbridge-io/simbridge/internal/config"
	"github.com/simbridge-io/simbridge/internal/simctl"
	"github.com/simbridge-io/simbridge/internal/simctl/simctltest"
)

func newTestManager(t *testing.T) (*Manager, *simctltest.Fake) {
	t.Helper()
	cfg := config.Default()
	cfg.ServiceIdleTimeout = 50 * time.Millisecond
	cfg.MaxMemoryMB = 100
	fake := simctltest.New()
	m := NewManager(context.Background(), cfg, fake)
	t.Cleanup(m.CleanupAll)
	return m, fake
}

func testDims() simctl.Dimensions {
	return simctl.Dimensions{PointWidth: 393, PointHeight: 852, PixelWidth: 1179, PixelHeight: 2556}
}

func TestVideoPoolReusesService(t *testing.T) {
	m, fake := newTestManager(t)
	udid := fake.AddBooted("iPhone 15 Pro")

	a := m.Video(udid, testDims())
	b := m.Video(udid, testDims())
	assert.Same(t, a, b)

	st := m.Stats()
	assert.Equal(t, uint64(1), st.Created)
	assert.Len(t, st.VideoServices, 1)
}

func TestAcquireAndReleaseVideo(t *testing.T) {
	m, fake := newTestManager(t)
	udid := fake.AddBooted("iPhone 15 Pro")

	svc, ring := m.AcquireVideo(udid, testDims(), "client-1", 3)
	require.NotNil(t, ring)
	assert.Equal(t, 1, svc.ClientCount())

	m.ReleaseVideo(udid, "client-1")
	assert.Equal(t, 0, svc.ClientCount())
	_, idle := svc.IdleSince()
	assert.True(t, idle)
}

func TestSweepIdleEvictsAfterGraceWindow(t *testing.T) {
	m, fake := newTestManager(t)
	udid := fake.AddBooted("iPhone 15 Pro")
	m.Video(udid, testDims())

	// Within the grace window nothing is reclaimed.
	assert.Zero(t, m.SweepIdle(time.Now()))

	evicted := m.SweepIdle(time.Now().Add(time.Second))
	assert.Equal(t, 1, evicted)
	assert.Empty(t, m.Stats().VideoServices)
}

func TestSweepIdleSparesActiveClients(t *testing.T) {
	m, fake := newTestManager(t)
	udid := fake.AddBooted("iPhone 15 Pro")
	m.AcquireVideo(udid, testDims(), "client-1", 3)

	assert.Zero(t, m.SweepIdle(time.Now().Add(time.Hour)))
	assert.Len(t, m.Stats().VideoServices, 1)
}

func TestWebRTCPoolReusesService(t *testing.T) {
	m, fake := newTestManager(t)
	udid := fake.AddBooted("iPhone 15 Pro")

	a := m.WebRTC(udid)
	b := m.WebRTC(udid)
	assert.Same(t, a, b)
	assert.Len(t, m.Stats().WebRTCServices, 1)
}

func TestDestroyDeviceDropsBothPools(t *testing.T) {
	m, fake := newTestManager(t)
	udid := fake.AddBooted("iPhone 15 Pro")
	m.Video(udid, testDims())
	m.WebRTC(udid)

	m.DestroyDevice(udid)

	st := m.Stats()
	assert.Empty(t, st.VideoServices)
	assert.Empty(t, st.WebRTCServices)
	assert.Equal(t, uint64(2), st.Destroyed)
}

func TestCheckMemorySoftPressureEvictsIdle(t *testing.T) {
	m, fake := newTestManager(t)
	udid := fake.AddBooted("iPhone 15 Pro")
	m.Video(udid, testDims())

	limit := uint64(m.cfg.MaxMemoryMB) * 1024 * 1024
	m.memSample = func() (uint64, uint64, error) {
		return limit * 85 / 100, limit, nil
	}

	// Soft pressure skips the idle grace window entirely.
	assert.Equal(t, 1, m.CheckMemory(time.Now()))
	assert.Equal(t, uint64(1), m.Stats().MemoryCleanups)
}

func TestCheckMemoryHardPressureClosesAtMostThree(t *testing.T) {
	m, fake := newTestManager(t)
	for i := 0; i < 4; i++ {
		udid := fake.AddBooted(fmt.Sprintf("iPhone 15 Pro %d", i))
		m.Video(udid, testDims())
	}
	active := fake.AddBooted("iPhone 15 Pro active")
	m.AcquireVideo(active, testDims(), "client-1", 3)

	limit := uint64(m.cfg.MaxMemoryMB) * 1024 * 1024
	m.memSample = func() (uint64, uint64, error) {
		return limit, limit, nil
	}

	assert.Equal(t, 3, m.CheckMemory(time.Now()))

	// The service with a live client and one idle leftover survive.
	st := m.Stats()
	assert.Len(t, st.VideoServices, 2)
	clients := 0
	for _, s := range st.VideoServices {
		clients += s.Clients
	}
	assert.Equal(t, 1, clients)
}

func TestCheckMemoryBelowThresholdsDoesNothing(t *testing.T) {
	m, fake := newTestManager(t)
	m.Video(fake.AddBooted("iPhone 15 Pro"), testDims())

	limit := uint64(m.cfg.MaxMemoryMB) * 1024 * 1024
	m.memSample = func() (uint64, uint64, error) {
		return limit / 2, limit, nil
	}

	assert.Zero(t, m.CheckMemory(time.Now()))
	assert.Len(t, m.Stats().VideoServices, 1)
}

func TestMemoryStatsReportsPercent(t *testing.T) {
	m, _ := newTestManager(t)
	limit := uint64(m.cfg.MaxMemoryMB) * 1024 * 1024
	m.memSample = func() (uint64, uint64, error) {
		return limit / 4, limit / 2, nil
	}

	ms := m.Stats().Memory
	assert.Equal(t, limit/4, ms.ResidentBytes)
	assert.Equal(t, limit/2, ms.VirtualBytes)
	assert.InDelta(t, 25.0, ms.Percent, 0.01)
	assert.Equal(t, limit, ms.LimitBytes)
}
