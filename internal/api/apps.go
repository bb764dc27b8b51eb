// SPDX-License-Identifier: MIT

package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/session"
)

// maxArchiveBytes bounds app uploads. Simulator builds run large but a
// multi-gigabyte archive is a client error, not a workload.
const maxArchiveBytes = 2 << 30

func (s *Server) handleInstallApp(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxArchiveBytes)
	file, header, err := r.FormFile("ipa_file")
	if err != nil {
		writeError(w, r, apperr.E(apperr.KindProtocol, "read multipart field ipa_file", err))
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "simbridge-install-*"+filepath.Ext(header.Filename))
	if err != nil {
		writeError(w, r, apperr.E(apperr.KindIO, "stage uploaded archive", err))
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		writeError(w, r, apperr.E(apperr.KindIO, "stage uploaded archive", err))
		return
	}
	if err := tmp.Close(); err != nil {
		writeError(w, r, apperr.E(apperr.KindIO, "stage uploaded archive", err))
		return
	}

	info, err := s.driver.InstallApp(r.Context(), sess.UDID, tmp.Name())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.sessions.RecordInstall(sess.ID, session.InstalledApp{
		BundleID:    info.BundleID,
		AppName:     info.Name,
		AppPath:     header.Filename,
		InstalledAt: time.Now(),
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"bundle_id": info.BundleID})
}

func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	apps, err := s.driver.ListApps(r.Context(), sess.UDID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (s *Server) handleLaunchApp(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	pid, err := s.driver.LaunchApp(r.Context(), sess.UDID, chi.URLParam(r, "bundle"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pid": pid})
}

func (s *Server) handleTerminateApp(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	if err := s.driver.TerminateApp(r.Context(), sess.UDID, chi.URLParam(r, "bundle")); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleUninstallApp(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	bundleID := chi.URLParam(r, "bundle")
	if err := s.driver.UninstallApp(r.Context(), sess.UDID, bundleID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.sessions.RecordUninstall(sess.ID, bundleID); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w)
}
