// SPDX-License-Identifier: MIT

package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(id string) *Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &Session{
		ID:            id,
		UDID:          "udid-" + id,
		DeviceType:    "iPhone 15 Pro",
		OSVersion:     "17.2",
		PointWidth:    390,
		PointHeight:   844,
		PixelWidth:    1170,
		PixelHeight:   2532,
		Scale:         3,
		CreatedAt:     now,
		LastValidated: now,
		InstalledApps: map[string]InstalledApp{},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	st := NewStore(path, 5)

	want := map[string]*Session{
		"a": testSession("a"),
		"b": testSession("b"),
	}
	require.NoError(t, st.Save(want))

	got, err := st.Load()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, want["a"].UDID, got["a"].UDID)
	assert.Equal(t, want["b"].DeviceType, got["b"].DeviceType)
	assert.Equal(t, 3, got["a"].Scale)
}

func TestStoreLoadMissingFile(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "sessions.json"), 5)
	got, err := st.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStoreCorruptFallsBackToBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	st := NewStore(path, 5)

	require.NoError(t, st.Save(map[string]*Session{"a": testSession("a")}))
	// Second save rotates the first document into a backup.
	require.NoError(t, st.Save(map[string]*Session{"a": testSession("a"), "b": testSession("b")}))

	require.NoError(t, os.WriteFile(path, []byte("{ truncated"), 0o644))

	got, err := st.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got, "a")
}

func TestStoreNoValidBackupOpensEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	st := NewStore(path, 5)
	got, err := st.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStoreBackupRotationPrunes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	st := NewStore(path, 2)

	for i := 0; i < 6; i++ {
		require.NoError(t, st.Save(map[string]*Session{"a": testSession("a")}))
	}

	matches, err := filepath.Glob(filepath.Join(dir, "sessions.*.json"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(matches), 2)

	_, err = os.Stat(filepath.Join(dir, "sessions.1.json"))
	assert.NoError(t, err)
}

func TestStoreRejectsVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":99,"sessions":{}}`), 0o644))

	st := NewStore(path, 0)
	got, err := st.Load()
	require.NoError(t, err)
	assert.Empty(t, got) // unsupported version treated as unreadable
}
