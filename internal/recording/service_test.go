// SPDX-License-Identifier: MIT

package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/config"
	"github.com/simbridge-io/simbridge/internal/simctl/simctltest"
)

// fakeProc stands in for the recording child; it writes the payload when
// stopped, the way the real child finalizes its MP4 on SIGTERM.
type fakeProc struct {
	path    string
	payload []byte
	stopped bool
	stopErr error
}

func (p *fakeProc) Stop(context.Context) error {
	p.stopped = true
	if p.stopErr != nil {
		return p.stopErr
	}
	return os.WriteFile(p.path, p.payload, 0o644)
}

func (p *fakeProc) Running() bool { return !p.stopped }

func newTestService(t *testing.T) (*Service, *fakeProc) {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	svc := NewService(cfg, simctltest.New())

	fp := &fakeProc{payload: []byte("ftypisommp4 payload")}
	svc.start = func(_ context.Context, _, path string) (proc, error) {
		fp.path = path
		return fp, nil
	}
	return svc, fp
}

func TestStartStopRoundTrip(t *testing.T) {
	svc, fp := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx, "sess-1", "udid-1"))
	st := svc.Status("sess-1")
	assert.Equal(t, "recording", st.State)
	require.NotNil(t, st.StartedAt)

	data, err := svc.Stop(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, fp.payload, data)
	assert.True(t, fp.stopped)

	// Scratch directory is gone and the session reads idle again.
	_, err = os.Stat(filepath.Join(svc.cfg.RecordingsDir(), "sess-1"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, "idle", svc.Status("sess-1").State)
}

func TestStartWhileActiveIsBusy(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx, "sess-1", "udid-1"))
	err := svc.Start(ctx, "sess-1", "udid-1")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBusy))
}

func TestStopWithoutRecording(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Stop(context.Background(), "sess-1")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBadState))
}

func TestStartFailureReleasesSlot(t *testing.T) {
	svc, _ := newTestService(t)
	svc.start = func(context.Context, string, string) (proc, error) {
		return nil, apperr.Errorf(apperr.KindHostDriver, "spawn failed")
	}

	err := svc.Start(context.Background(), "sess-1", "udid-1")
	require.Error(t, err)
	assert.Equal(t, "idle", svc.Status("sess-1").State)
	assert.Zero(t, svc.ActiveCount())
}

func TestAbortDiscardsOutput(t *testing.T) {
	svc, fp := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx, "sess-1", "udid-1"))
	svc.Abort(ctx, "sess-1")

	assert.True(t, fp.stopped)
	assert.Equal(t, "idle", svc.Status("sess-1").State)
	_, err := os.Stat(filepath.Join(svc.cfg.RecordingsDir(), "sess-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestEmergencySaveAll(t *testing.T) {
	svc, fp := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx, "sess-1", "udid-1"))
	svc.EmergencySaveAll(ctx)

	assert.True(t, fp.stopped)
	assert.Zero(t, svc.ActiveCount())

	matches, err := filepath.Glob(filepath.Join(svc.cfg.EmergencyRecordingsDir(), "sess-1-*.mp4"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, fp.payload, data)
}

func TestCleanupEmergencyRemovesOnlyExpired(t *testing.T) {
	svc, _ := newTestService(t)
	emDir := svc.cfg.EmergencyRecordingsDir()
	require.NoError(t, os.MkdirAll(emDir, 0o755))

	old := filepath.Join(emDir, "sess-old-1.mp4")
	require.NoError(t, os.WriteFile(old, []byte("old"), 0o644))
	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))

	fresh := filepath.Join(emDir, "sess-new-1.mp4")
	require.NoError(t, os.WriteFile(fresh, []byte("new"), 0o644))

	removed, err := svc.CleanupEmergency()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupEmergencyMissingDirectory(t *testing.T) {
	svc, _ := newTestService(t)
	removed, err := svc.CleanupEmergency()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestConcurrentSessionsRecordIndependently(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	svc := NewService(cfg, simctltest.New())

	procs := map[string]*fakeProc{}
	svc.start = func(_ context.Context, udid, path string) (proc, error) {
		fp := &fakeProc{path: path, payload: []byte("mp4 " + udid)}
		procs[udid] = fp
		return fp, nil
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Start(ctx, fmt.Sprintf("sess-%d", i), fmt.Sprintf("udid-%d", i)))
	}
	assert.Equal(t, 3, svc.ActiveCount())

	data, err := svc.Stop(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("mp4 udid-1"), data)
	assert.Equal(t, 2, svc.ActiveCount())
}
