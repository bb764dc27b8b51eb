// SPDX-License-Identifier: MIT

package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/log"
)

// storeVersion guards the on-disk document shape.
const storeVersion = 1


// document is the on-disk shape: one JSON file holding every session.
type document struct {
	Version  int                 `json:"version"`
	Sessions map[string]*Session `json:"sessions"`
}

// Store persists the session table atomically. Each Save first rotates the
// current file into numbered backups (sessions.1.json newest), so a
// corrupted primary can fall back to the newest valid backup on Load.
type Store struct {
	path    string
	backups int
}

// NewStore builds a store writing to path, retaining up to backups rotated
// copies.
func NewStore(path string, backups int) *Store {
	if backups < 0 {
		backups = 0
	}
	return &Store{path: path, backups: backups}
}

// Load reads the session table. A missing file yields an empty table. A
// corrupted primary falls back to the newest valid backup; when nothing is
// readable the store opens empty and logs loudly rather than refusing to
// start.
func (st *Store) Load() (map[string]*Session, error) {
	logger := log.WithComponent("session.store")

	sessions, err := readDocument(st.path)
	if err == nil {
		return sessions, nil
	}
	if os.IsNotExist(err) {
		return map[string]*Session{}, nil
	}
	logger.Error().Err(err).Str("path", st.path).Msg("session file unreadable, trying backups")

	for _, backup := range st.backupFiles() {
		sessions, berr := readDocument(backup)
		if berr != nil {
			logger.Warn().Err(berr).Str("path", backup).Msg("backup unreadable")
			continue
		}
		logger.Warn().Str("path", backup).Int("sessions", len(sessions)).
			Msg("recovered session table from backup")
		return sessions, nil
	}

	logger.Error().Str("path", st.path).
		Msg("no valid session file or backup, starting with empty session table")
	return map[string]*Session{}, nil
}

// Save atomically replaces the session table on disk.
func (st *Store) Save(sessions map[string]*Session) error {
	if err := os.MkdirAll(filepath.Dir(st.path), 0o755); err != nil {
		return apperr.E(apperr.KindIO, "create state directory", err)
	}
	st.rotateBackup()

	doc := document{Version: storeVersion, Sessions: sessions}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperr.E(apperr.KindInternal, "encode session table", err)
	}

	// renameio: temp file, fsync, atomic rename. A crash leaves either the
	// old or the new document intact, never a torn one.
	pending, err := renameio.NewPendingFile(st.path, renameio.WithPermissions(0o644))
	if err != nil {
		return apperr.E(apperr.KindIO, "create pending session file", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(data); err != nil {
		return apperr.E(apperr.KindIO, "write session table", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return apperr.E(apperr.KindIO, "replace session file", err)
	}
	return nil
}

// rotateBackup shifts sessions.json → sessions.1.json → ... → sessions.N.json,
// dropping the oldest. Best effort: a failed rotation never blocks the save
// itself.
func (st *Store) rotateBackup() {
	if st.backups == 0 {
		return
	}
	if _, err := os.Stat(st.path); err != nil {
		return
	}
	_ = os.Remove(st.backupPath(st.backups))
	for n := st.backups - 1; n >= 1; n-- {
		_ = os.Rename(st.backupPath(n), st.backupPath(n+1))
	}
	data, err := os.ReadFile(st.path)
	if err != nil {
		return
	}
	if err := os.WriteFile(st.backupPath(1), data, 0o644); err != nil {
		log.WithComponent("session.store").Warn().Err(err).Msg("backup rotation failed")
	}
}

func (st *Store) backupPath(n int) string {
	dir := filepath.Dir(st.path)
	base := filepath.Base(st.path)
	ext := filepath.Ext(base)
	return filepath.Join(dir, fmt.Sprintf("%s.%d%s", strings.TrimSuffix(base, ext), n, ext))
}

// backupFiles lists the backups, newest first.
func (st *Store) backupFiles() []string {
	var out []string
	for n := 1; n <= st.backups; n++ {
		p := st.backupPath(n)
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func readDocument(path string) (map[string]*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if doc.Version != storeVersion {
		return nil, fmt.Errorf("%s: unsupported document version %d", filepath.Base(path), doc.Version)
	}
	if doc.Sessions == nil {
		doc.Sessions = map[string]*Session{}
	}
	for id, s := range doc.Sessions {
		if s == nil || s.ID != id || s.UDID == "" {
			return nil, fmt.Errorf("%s: inconsistent record %q", filepath.Base(path), id)
		}
		if s.InstalledApps == nil {
			s.InstalledApps = map[string]InstalledApp{}
		}
	}
	return doc.Sessions, nil
}
