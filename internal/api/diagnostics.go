// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
)

func (s *Server) handleLogProcesses(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	procs, err := s.driver.ListLogProcesses(r.Context(), sess.UDID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, procs)
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	if err := s.driver.ClearLogs(r.Context(), sess.UDID); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	if err := s.recordings.Start(r.Context(), sess.ID, sess.UDID); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	data, err := s.recordings.Stop(r.Context(), sess.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", `attachment; filename="`+sess.ID+`.mp4"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.recordings.Status(sess.ID))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.List(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"totals": map[string]int{
			"sessions":          len(sessions),
			"connections":       s.conns.Stats().Total,
			"capture_services":  len(s.resources.Stats().VideoServices),
			"active_recordings": s.recordings.ActiveCount(),
		},
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":    s.sessionViews(r, s.sessions.List(r.Context())),
		"connections": s.conns.Stats(),
		"resources":   s.resources.Stats(),
		"recordings": map[string]int{
			"active": s.recordings.ActiveCount(),
		},
	})
}
