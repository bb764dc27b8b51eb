// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/session"
	"github.com/simbridge-io/simbridge/internal/simctl"
)

// sessionView augments the stored record with live device state for
// list/get responses.
type sessionView struct {
	*session.Session
	UptimeSeconds      float64 `json:"uptime_seconds"`
	InstalledAppsCount int     `json:"installed_apps_count"`
	State              string  `json:"state"`
	PID                int     `json:"pid,omitempty"`
}

func (s *Server) sessionViews(r *http.Request, sessions []*session.Session) []sessionView {
	states := map[string]simctl.Device{}
	if devices, err := s.driver.ListDevices(r.Context()); err == nil {
		for _, d := range devices {
			states[d.UDID] = d
		}
	}
	now := time.Now()
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		v := sessionView{
			Session:            sess,
			UptimeSeconds:      sess.Uptime(now).Seconds(),
			InstalledAppsCount: len(sess.InstalledApps),
			State:              string(simctl.StateUnknown),
		}
		if d, ok := states[sess.UDID]; ok {
			v.State = string(d.State)
			v.PID = d.PID
		}
		views = append(views, v)
	}
	return views
}

func (s *Server) handleConfigurations(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.sessions.ListConfigurations(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfgs)
}

type createSessionRequest struct {
	DeviceType string `json:"device_type"`
	OSVersion  string `json:"os_version"`
	// ios_version is the wire name used by existing clients.
	IOSVersion string `json:"ios_version"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.E(apperr.KindProtocol, "decode request body", err))
		return
	}
	version := req.OSVersion
	if version == "" {
		version = req.IOSVersion
	}
	if req.DeviceType == "" {
		writeError(w, r, errMissingField("device_type"))
		return
	}
	if version == "" {
		writeError(w, r, errMissingField("os_version"))
		return
	}

	sess, err := s.sessions.Create(r.Context(), req.DeviceType, version)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionViews(r, []*session.Session{sess})[0])
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionViews(r, s.sessions.List(r.Context())))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.sessionViews(r, []*session.Session{sess})[0])
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	s.recordings.Abort(r.Context(), sess.ID)
	s.conns.DropSession(sess.ID)
	if err := s.sessions.Delete(r.Context(), sess.ID); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleDeleteAllSessions(w http.ResponseWriter, r *http.Request) {
	for _, sess := range s.sessions.List(r.Context()) {
		s.recordings.Abort(r.Context(), sess.ID)
		s.conns.DropSession(sess.ID)
	}
	n := s.sessions.DeleteAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleRecoverOrphaned(w http.ResponseWriter, r *http.Request) {
	recovered, err := s.sessions.RecoverOrphaned(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionViews(r, recovered))
}

func (s *Server) handleRefreshSessions(w http.ResponseWriter, r *http.Request) {
	s.sessions.Refresh(r.Context())
	writeJSON(w, http.StatusOK, s.sessionViews(r, s.sessions.List(r.Context())))
}

func (s *Server) handleCleanupRecordings(w http.ResponseWriter, r *http.Request) {
	removed, err := s.recordings.CleanupEmergency()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
