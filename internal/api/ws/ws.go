// SPDX-License-Identifier: MIT

// Package ws implements the six WebSocket endpoints. Wire shapes are
// frozen: existing clients parse these messages field by field.
package ws

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/config"
	"github.com/simbridge-io/simbridge/internal/connection"
	"github.com/simbridge-io/simbridge/internal/log"
	"github.com/simbridge-io/simbridge/internal/resource"
	"github.com/simbridge-io/simbridge/internal/session"
	"github.com/simbridge-io/simbridge/internal/simctl"
)

// Close codes for denied connections. 4004 is the contract for an unknown
// session; the others just need to be distinguishable from normal closure.
const (
	CloseSessionInvalid = 4004
	CloseCapExceeded    = 4010
	CloseRateLimited    = 4029
)

const writeWait = 10 * time.Second

// Endpoints holds the managers shared by every WebSocket handler.
type Endpoints struct {
	cfg       config.Config
	driver    simctl.Driver
	sessions  *session.Manager
	resources *resource.Manager
	conns     *connection.Manager
	gate      *deviceGate
	upgrader  websocket.Upgrader
}

// New wires the endpoints. The upgrader accepts any origin: this daemon
// fronts trusted tooling, not browsers on the open internet.
func New(cfg config.Config, driver simctl.Driver, sessions *session.Manager,
	resources *resource.Manager, conns *connection.Manager) *Endpoints {
	return &Endpoints{
		cfg:       cfg,
		driver:    driver,
		sessions:  sessions,
		resources: resources,
		conns:     conns,
		gate:      newDeviceGate(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// conn serializes writes to one socket. Gorilla allows a single concurrent
// writer; the webrtc endpoint writes from pion callbacks as well as its
// read loop.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) writeClose(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (c *conn) Close() error { return c.ws.Close() }

// wsError is the non-fatal error frame. The socket stays open.
type wsError struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (c *conn) writeError(err error) {
	_ = c.WriteJSON(wsError{
		Error:  err.Error(),
		Kind:   string(apperr.KindOf(err)),
		Reason: err.Error(),
	})
}

// accepted bundles everything an endpoint loop needs after admission.
type accepted struct {
	conn     *conn
	sess     *session.Session
	clientID string
	release  func()
}

// accept upgrades the socket, verifies the session and reserves a
// connection slot. Denials are delivered as close codes on the upgraded
// socket so clients can tell them apart from transport failures.
func (e *Endpoints) accept(w http.ResponseWriter, r *http.Request, kind connection.Kind) (*accepted, bool) {
	logger := log.WithComponent("ws")
	sessionID := chi.URLParam(r, "session")

	raw, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug().Err(err).Str(log.FieldSessionID, sessionID).Msg("websocket upgrade failed")
		return nil, false
	}
	c := &conn{ws: raw}

	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		c.writeClose(CloseSessionInvalid, "session not found")
		_ = c.Close()
		return nil, false
	}

	source := r.RemoteAddr
	if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		source = host
	}
	reg, err := e.conns.TryRegister(sess.ID, kind, source, raw)
	if err != nil {
		switch {
		case errors.Is(err, connection.ErrSessionInvalid):
			c.writeClose(CloseSessionInvalid, "session not found")
		case errors.Is(err, connection.ErrRateLimited):
			c.writeClose(CloseRateLimited, "rate limit exceeded")
		case errors.Is(err, connection.ErrCapExceeded):
			c.writeClose(CloseCapExceeded, "connection cap exceeded")
		default:
			c.writeClose(websocket.CloseInternalServerErr, "registration failed")
		}
		_ = c.Close()
		return nil, false
	}

	clientID := uuid.NewString()
	logger.Info().
		Str(log.FieldSessionID, sess.ID).
		Str(log.FieldKind, string(kind)).
		Str(log.FieldClientID, clientID).
		Str(log.FieldSource, source).
		Msg("websocket connected")

	release := func() {
		reg.Release()
		_ = c.Close()
		logger.Info().
			Str(log.FieldSessionID, sess.ID).
			Str(log.FieldKind, string(kind)).
			Str(log.FieldClientID, clientID).
			Msg("websocket disconnected")
	}
	return &accepted{conn: c, sess: sess, clientID: clientID, release: release}, true
}

// dims rebuilds the driver geometry from the stored session record.
func dims(sess *session.Session) simctl.Dimensions {
	return simctl.Dimensions{
		PointWidth:  sess.PointWidth,
		PointHeight: sess.PointHeight,
		PixelWidth:  sess.PixelWidth,
		PixelHeight: sess.PixelHeight,
	}
}
