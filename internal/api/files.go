// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/simbridge-io/simbridge/internal/apperr"
)

func (s *Server) handlePushFile(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxArchiveBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, apperr.E(apperr.KindProtocol, "read multipart field file", err))
		return
	}
	defer file.Close()

	devicePath := r.FormValue("device_path")
	if devicePath == "" {
		writeError(w, r, errMissingField("device_path"))
		return
	}
	bundleID := r.FormValue("bundle_id")

	tmp, err := os.CreateTemp("", "simbridge-push-*"+filepath.Ext(header.Filename))
	if err != nil {
		writeError(w, r, apperr.E(apperr.KindIO, "stage uploaded file", err))
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		writeError(w, r, apperr.E(apperr.KindIO, "stage uploaded file", err))
		return
	}
	if err := tmp.Close(); err != nil {
		writeError(w, r, apperr.E(apperr.KindIO, "stage uploaded file", err))
		return
	}

	if err := s.driver.PushFile(r.Context(), sess.UDID, tmp.Name(), devicePath, bundleID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"filename": header.Filename})
}

func (s *Server) handlePullFile(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	var req struct {
		DevicePath string `json:"device_path"`
		BundleID   string `json:"bundle_id"`
		Filename   string `json:"filename"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.E(apperr.KindProtocol, "decode request body", err))
		return
	}
	if req.DevicePath == "" {
		writeError(w, r, errMissingField("device_path"))
		return
	}

	data, err := s.driver.PullFile(r.Context(), sess.UDID, req.DevicePath, req.BundleID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	name := req.Filename
	if name == "" {
		name = filepath.Base(req.DevicePath)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
