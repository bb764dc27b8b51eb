// SPDX-License-Identifier: MIT

package connection

import (
	"runtime"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simbridge-io/simbridge/internal/config"
)

func newTestManager(valid func(string) bool) *Manager {
	cfg := config.Default()
	cfg.MaxConnectionsPerSession = 3
	cfg.MaxConnectionsPerMinute = 5
	cfg.RateLimitWindow = time.Minute
	if valid == nil {
		valid = func(string) bool { return true }
	}
	return NewManager(cfg, valid)
}

func TestTryRegisterInvalidSession(t *testing.T) {
	m := newTestManager(func(id string) bool { return id == "known" })

	_, err := m.TryRegister("unknown", KindVideo, "10.0.0.1", &websocket.Conn{})
	require.ErrorIs(t, err, ErrSessionInvalid)

	reg, err := m.TryRegister("known", KindVideo, "10.0.0.1", &websocket.Conn{})
	require.NoError(t, err)
	reg.Release()
}

func TestRegistrationIsTracked(t *testing.T) {
	m := newTestManager(nil)

	c := &websocket.Conn{}
	reg, err := m.TryRegister("s1", KindControl, "10.0.0.1", c)
	require.NoError(t, err)

	// A strongly-held socket must be visible immediately; the admission-time
	// reap may only remove collected records, never the session bucket a new
	// registration is about to join.
	assert.Equal(t, 1, m.Count("s1"))
	st := m.Stats()
	require.Contains(t, st.Sessions, "s1")
	assert.Equal(t, 1, st.Sessions["s1"].Total)

	reg.Release()
	assert.Equal(t, 0, m.Count("s1"))
	runtime.KeepAlive(c)
}

func TestSessionCapExceeded(t *testing.T) {
	m := newTestManager(nil)

	conns := make([]*websocket.Conn, 0, 4)
	for i := 0; i < 3; i++ {
		c := &websocket.Conn{}
		conns = append(conns, c)
		_, err := m.TryRegister("s1", KindVideo, "10.0.0.1", c)
		require.NoError(t, err)
	}

	c := &websocket.Conn{}
	conns = append(conns, c)
	_, err := m.TryRegister("s1", KindControl, "10.0.0.1", c)
	require.ErrorIs(t, err, ErrCapExceeded)

	// The earlier three remain registered.
	assert.Equal(t, 3, m.Count("s1"))
	runtime.KeepAlive(conns)
}

func TestRateLimitSlidingWindow(t *testing.T) {
	m := newTestManager(nil)
	m.cfg.RateLimitWindow = 50 * time.Millisecond

	conns := make([]*websocket.Conn, 0, 6)
	for i := 0; i < 5; i++ {
		c := &websocket.Conn{}
		conns = append(conns, c)
		reg, err := m.TryRegister("s1", KindVideo, "10.0.0.1", c)
		require.NoError(t, err)
		reg.Release()
	}

	c := &websocket.Conn{}
	conns = append(conns, c)
	_, err := m.TryRegister("s1", KindVideo, "10.0.0.1", c)
	require.ErrorIs(t, err, ErrRateLimited)

	// Another source is not affected by s1's bucket.
	reg, err := m.TryRegister("s1", KindVideo, "10.0.0.2", c)
	require.NoError(t, err)
	reg.Release()

	// After the window slides past the burst, the source is admitted again.
	time.Sleep(60 * time.Millisecond)
	reg, err = m.TryRegister("s1", KindVideo, "10.0.0.1", c)
	require.NoError(t, err)
	reg.Release()
	runtime.KeepAlive(conns)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newTestManager(nil)

	c := &websocket.Conn{}
	reg, err := m.TryRegister("s1", KindLogs, "10.0.0.1", c)
	require.NoError(t, err)
	require.Equal(t, 1, m.Count("s1"))

	reg.Release()
	reg.Release()
	assert.Zero(t, m.Count("s1"))
	runtime.KeepAlive(c)
}

func TestReapCollectsLeakedHandles(t *testing.T) {
	m := newTestManager(nil)

	leaked := &websocket.Conn{}
	_, err := m.TryRegister("s1", KindVideo, "10.0.0.1", leaked)
	require.NoError(t, err)

	held := &websocket.Conn{}
	reg, err := m.TryRegister("s1", KindControl, "10.0.0.1", held)
	require.NoError(t, err)
	defer reg.Release()

	// Drop the only strong reference to the leaked socket; the next reap
	// pass must clear its registry entry without touching the live one.
	leaked = nil
	runtime.GC()
	runtime.GC()

	assert.Equal(t, 1, m.Reap())
	assert.Equal(t, 1, m.Count("s1"))
	runtime.KeepAlive(held)
}

func TestDropSession(t *testing.T) {
	m := newTestManager(nil)

	c1, c2 := &websocket.Conn{}, &websocket.Conn{}
	_, err := m.TryRegister("s1", KindVideo, "10.0.0.1", c1)
	require.NoError(t, err)
	_, err = m.TryRegister("s1", KindLogs, "10.0.0.1", c2)
	require.NoError(t, err)

	assert.Equal(t, 2, m.DropSession("s1"))
	assert.Zero(t, m.Count("s1"))
	assert.Empty(t, m.Stats().RateBuckets)
	runtime.KeepAlive(c1)
	runtime.KeepAlive(c2)
}

func TestStatsSnapshot(t *testing.T) {
	m := newTestManager(nil)

	c1, c2, c3 := &websocket.Conn{}, &websocket.Conn{}, &websocket.Conn{}
	_, err := m.TryRegister("s1", KindVideo, "10.0.0.1", c1)
	require.NoError(t, err)
	_, err = m.TryRegister("s1", KindVideo, "10.0.0.2", c2)
	require.NoError(t, err)
	_, err = m.TryRegister("s2", KindControl, "10.0.0.1", c3)
	require.NoError(t, err)

	st := m.Stats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Sessions["s1"].Total)
	assert.Equal(t, 2, st.Sessions["s1"].ByKind[KindVideo])
	assert.Equal(t, 1, st.Sessions["s2"].ByKind[KindControl])
	assert.Equal(t, 1, st.RateBuckets["s1|10.0.0.1"])
	assert.Equal(t, 1, st.RateBuckets["s1|10.0.0.2"])
	runtime.KeepAlive([]*websocket.Conn{c1, c2, c3})
}
