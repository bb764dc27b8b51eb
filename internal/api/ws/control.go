// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/connection"
	"github.com/simbridge-io/simbridge/internal/log"
)

// controlBusyWait bounds how long a control message waits for the device
// before failing with busy. Control has no queue.
const controlBusyWait = 2 * time.Second

// defaultSwipeSeconds matches the duration clients omit.
const defaultSwipeSeconds = 0.2

// deviceGate serializes host-driver input per UDID. Operations against
// different devices proceed in parallel.
type deviceGate struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func newDeviceGate() *deviceGate {
	return &deviceGate{sems: map[string]chan struct{}{}}
}

func (g *deviceGate) sem(udid string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sems[udid]
	if !ok {
		s = make(chan struct{}, 1)
		g.sems[udid] = s
	}
	return s
}

// acquire takes the device slot, waiting up to controlBusyWait.
func (g *deviceGate) acquire(ctx context.Context, udid string) error {
	s := g.sem(udid)
	t := time.NewTimer(controlBusyWait)
	defer t.Stop()
	select {
	case s <- struct{}{}:
		return nil
	case <-t.C:
		return apperr.Errorf(apperr.KindBusy, "device %s is busy", udid)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *deviceGate) release(udid string) {
	<-g.sem(udid)
}

// controlMessage is the tagged union over input events. The tag field is
// "t"; unknown tags are rejected without closing the socket.
type controlMessage struct {
	T string `json:"t"`

	// tap
	X int `json:"x"`
	Y int `json:"y"`

	// swipe
	StartX int `json:"start_x"`
	StartY int `json:"start_y"`
	EndX   int `json:"end_x"`
	EndY   int `json:"end_y"`

	// swipe and key hold duration, seconds
	Duration *float64 `json:"duration"`

	// button, key, text
	Button string `json:"button"`
	Key    string `json:"key"`
	Text   string `json:"text"`
}

type controlAck struct {
	Type string `json:"type"`
	T    string `json:"t"`
}

// Control handles /ws/{session}/control: ordered input events, serialized
// per device.
func (e *Endpoints) Control(w http.ResponseWriter, r *http.Request) {
	a, ok := e.accept(w, r, connection.KindControl)
	if !ok {
		return
	}
	defer a.release()

	logger := log.WithSession("ws.control", a.sess.ID)
	for {
		_, payload, err := a.conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			a.conn.writeError(apperr.E(apperr.KindProtocol, "malformed control message", err))
			continue
		}
		if err := e.dispatchControl(r.Context(), a.sess.UDID, msg); err != nil {
			a.conn.writeError(err)
			continue
		}
		if err := a.conn.WriteJSON(controlAck{Type: "ack", T: msg.T}); err != nil {
			logger.Debug().Err(err).Msg("ack write failed")
			return
		}
	}
}

func (e *Endpoints) dispatchControl(ctx context.Context, udid string, msg controlMessage) error {
	if err := e.gate.acquire(ctx, udid); err != nil {
		return err
	}
	defer e.gate.release(udid)

	switch msg.T {
	case "tap":
		return e.driver.Tap(ctx, udid, msg.X, msg.Y)
	case "swipe":
		seconds := defaultSwipeSeconds
		if msg.Duration != nil {
			seconds = *msg.Duration
		}
		dur := time.Duration(seconds * float64(time.Second))
		return e.driver.Swipe(ctx, udid, msg.StartX, msg.StartY, msg.EndX, msg.EndY, dur)
	case "button":
		return e.driver.Button(ctx, udid, msg.Button)
	case "key":
		var dur time.Duration
		if msg.Duration != nil {
			dur = time.Duration(*msg.Duration * float64(time.Second))
		}
		return e.driver.Key(ctx, udid, msg.Key, dur)
	case "text":
		return e.driver.Text(ctx, udid, msg.Text)
	default:
		return apperr.Errorf(apperr.KindProtocol, "unknown control message type %q", msg.T)
	}
}
