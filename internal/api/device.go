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

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	data, err := s.driver.Screenshot(r.Context(), sess.UDID, "png")
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleOrientation(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	var req struct {
		Orientation string `json:"orientation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.E(apperr.KindProtocol, "decode request body", err))
		return
	}
	if req.Orientation == "" {
		writeError(w, r, errMissingField("orientation"))
		return
	}
	if err := s.driver.SetOrientation(r.Context(), sess.UDID, req.Orientation); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleOpenURL(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.E(apperr.KindProtocol, "decode request body", err))
		return
	}
	if req.URL == "" {
		writeError(w, r, errMissingField("url"))
		return
	}
	if err := s.driver.OpenURL(r.Context(), sess.UDID, req.URL); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleSetLocation(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	var req struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.E(apperr.KindProtocol, "decode request body", err))
		return
	}
	if req.Latitude == nil {
		writeError(w, r, errMissingField("latitude"))
		return
	}
	if req.Longitude == nil {
		writeError(w, r, errMissingField("longitude"))
		return
	}
	if err := s.driver.SetLocation(r.Context(), sess.UDID, *req.Latitude, *req.Longitude); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleClearLocation(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	if err := s.driver.ClearLocation(r.Context(), sess.UDID); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w)
}

// locationPreset is one named coordinate served by the presets endpoint.
type locationPreset struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

var locationPresets = []locationPreset{
	{Name: "San Francisco", Latitude: 37.7749, Longitude: -122.4194},
	{Name: "New York", Latitude: 40.7128, Longitude: -74.0060},
	{Name: "London", Latitude: 51.5074, Longitude: -0.1278},
	{Name: "Berlin", Latitude: 52.5200, Longitude: 13.4050},
	{Name: "Tokyo", Latitude: 35.6762, Longitude: 139.6503},
	{Name: "Sydney", Latitude: -33.8688, Longitude: 151.2093},
}

func (s *Server) handleLocationPresets(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.sessionFromPath(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, locationPresets)
}

// handleAddMedia serves both photo and video uploads; simctl addmedia
// dispatches on file extension.
func (s *Server) handleAddMedia(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxArchiveBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, apperr.E(apperr.KindProtocol, "parse multipart form", err))
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, r, errMissingField("files"))
		return
	}

	dir, err := os.MkdirTemp("", "simbridge-media-*")
	if err != nil {
		writeError(w, r, apperr.E(apperr.KindIO, "stage media files", err))
		return
	}
	defer os.RemoveAll(dir)

	paths := make([]string, 0, len(files))
	for _, fh := range files {
		src, err := fh.Open()
		if err != nil {
			writeError(w, r, apperr.E(apperr.KindIO, "read uploaded media", err))
			return
		}
		dst := filepath.Join(dir, filepath.Base(fh.Filename))
		out, err := os.Create(dst)
		if err == nil {
			_, err = io.Copy(out, src)
			out.Close()
		}
		src.Close()
		if err != nil {
			writeError(w, r, apperr.E(apperr.KindIO, "stage uploaded media", err))
			return
		}
		paths = append(paths, dst)
	}

	if err := s.driver.AddMedia(r.Context(), sess.UDID, paths...); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": len(paths)})
}
