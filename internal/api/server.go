// SPDX-License-Identifier: MIT

// Package api exposes the REST surface and mounts the WebSocket endpoints.
// Handlers translate HTTP into manager calls and error kinds back into
// status codes; they hold no state of their own.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/simbridge-io/simbridge/internal/api/ws"
	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/config"
	"github.com/simbridge-io/simbridge/internal/connection"
	"github.com/simbridge-io/simbridge/internal/recording"
	"github.com/simbridge-io/simbridge/internal/resource"
	"github.com/simbridge-io/simbridge/internal/session"
	"github.com/simbridge-io/simbridge/internal/simctl"
)

// restRequestsPerMinute bounds the JSON surface per client IP. Streaming
// admission is governed by the connection manager, not this limiter.
const restRequestsPerMinute = 600

// Server wires every manager behind the HTTP surface.
type Server struct {
	cfg        config.Config
	driver     simctl.Driver
	sessions   *session.Manager
	resources  *resource.Manager
	conns      *connection.Manager
	recordings *recording.Service
	ws         *ws.Endpoints
}

// New builds the server. All managers are constructed by the caller and
// shared by reference; tests instantiate isolated copies.
func New(cfg config.Config, driver simctl.Driver, sessions *session.Manager,
	resources *resource.Manager, conns *connection.Manager, recordings *recording.Service) *Server {
	return &Server{
		cfg:        cfg,
		driver:     driver,
		sessions:   sessions,
		resources:  resources,
		conns:      conns,
		recordings: recordings,
		ws:         ws.New(cfg, driver, sessions, resources, conns),
	}
}

// Handler assembles the router with the canonical middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/sessions", func(r chi.Router) {
		r.Use(restRateLimit(restRequestsPerMinute, time.Minute))

		r.Get("/configurations", s.handleConfigurations)
		r.Post("/create", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Delete("/", s.handleDeleteAllSessions)
		r.Post("/recover-orphaned", s.handleRecoverOrphaned)
		r.Get("/refresh", s.handleRefreshSessions)
		r.Post("/cleanup-recordings", s.handleCleanupRecordings)

		r.Route("/{session}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)

			r.Post("/apps/install", s.handleInstallApp)
			r.Get("/apps", s.handleListApps)
			r.Post("/apps/{bundle}/launch", s.handleLaunchApp)
			r.Post("/apps/{bundle}/terminate", s.handleTerminateApp)
			r.Delete("/apps/{bundle}", s.handleUninstallApp)

			r.Post("/screenshot", s.handleScreenshot)
			r.Post("/orientation", s.handleOrientation)
			r.Post("/url/open", s.handleOpenURL)
			r.Post("/location/set", s.handleSetLocation)
			r.Post("/location/clear", s.handleClearLocation)
			r.Get("/location/presets", s.handleLocationPresets)
			r.Post("/media/photos/add", s.handleAddMedia)
			r.Post("/media/videos/add", s.handleAddMedia)

			r.Post("/files/push", s.handlePushFile)
			r.Post("/files/pull", s.handlePullFile)

			r.Get("/logs/processes", s.handleLogProcesses)
			r.Post("/logs/clear", s.handleClearLogs)

			r.Post("/recording/start", s.handleStartRecording)
			r.Post("/recording/stop", s.handleStopRecording)
			r.Get("/recording/status", s.handleRecordingStatus)
		})
	})

	r.Route("/ws/{session}", func(r chi.Router) {
		r.Get("/control", s.ws.Control)
		r.Get("/video", s.ws.Video)
		r.Get("/ultra-low-latency", s.ws.Ultra)
		r.Get("/webrtc", s.ws.WebRTC)
		r.Get("/screenshot", s.ws.Screenshot)
		r.Get("/logs", s.ws.Logs)
	})

	return r
}

// sessionFromPath resolves the {session} URL parameter or writes a 404.
func (s *Server) sessionFromPath(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "session")
	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return sess, true
}

func errMissingField(name string) error {
	return apperr.Errorf(apperr.KindProtocol, "missing required field %q", name)
}
