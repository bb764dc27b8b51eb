// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"encoding/base64"
	"math"
	"net/http"
	"time"

	"github.com/simbridge-io/simbridge/internal/capture"
	"github.com/simbridge-io/simbridge/internal/connection"
	"github.com/simbridge-io/simbridge/internal/log"
)

// videoFrameMsg is the frozen frame-push wire shape.
type videoFrameMsg struct {
	Type        string  `json:"type"`
	Data        string  `json:"data"`
	PixelWidth  int     `json:"pixel_width"`
	PixelHeight int     `json:"pixel_height"`
	PointWidth  int     `json:"point_width"`
	PointHeight int     `json:"point_height"`
	Frame       uint64  `json:"frame"`
	Timestamp   float64 `json:"timestamp"`
	FPS         int     `json:"fps"`
	Format      string  `json:"format"`
}

// Video handles /ws/{session}/video: the standard frame-push stream.
func (e *Endpoints) Video(w http.ResponseWriter, r *http.Request) {
	e.streamVideo(w, r, connection.KindVideo, capture.RingVideo, capture.PopTimeoutVideo, false)
}

// Ultra handles /ws/{session}/ultra-low-latency: queue of one, 1 ms pops.
// Latency over quality.
func (e *Endpoints) Ultra(w http.ResponseWriter, r *http.Request) {
	e.streamVideo(w, r, connection.KindUltra, capture.RingUltra, capture.PopTimeoutUltra, true)
}

func (e *Endpoints) streamVideo(w http.ResponseWriter, r *http.Request, kind connection.Kind,
	ringSize int, popTimeout time.Duration, ultra bool) {
	a, ok := e.accept(w, r, kind)
	if !ok {
		return
	}
	defer a.release()

	_, ring := e.resources.AcquireVideo(a.sess.UDID, dims(a.sess), a.clientID, ringSize)
	defer e.resources.ReleaseVideo(a.sess.UDID, a.clientID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Inbound messages are ignored on this endpoint; the read loop exists
	// to notice the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := a.conn.ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger := log.WithSession("ws.video", a.sess.ID)
	var fpsWindow []time.Time
	skipNext := false

	for {
		if ctx.Err() != nil {
			return
		}
		f, ok := ring.Pop(popTimeout)
		if !ok {
			continue
		}
		if skipNext {
			// The socket fell behind; sacrifice this frame to catch up.
			skipNext = false
			continue
		}

		now := time.Now()
		fpsWindow = append(fpsWindow, now)
		cut := 0
		for cut < len(fpsWindow) && now.Sub(fpsWindow[cut]) >= time.Second {
			cut++
		}
		fpsWindow = fpsWindow[cut:]

		fps := len(fpsWindow)
		if ultra {
			fps = int(math.Round(f.FPS))
		}
		msg := videoFrameMsg{
			Type:        "video_frame",
			Data:        base64.StdEncoding.EncodeToString(f.Data),
			PixelWidth:  f.PixelWidth,
			PixelHeight: f.PixelHeight,
			PointWidth:  f.PointWidth,
			PointHeight: f.PointHeight,
			Frame:       f.Seq,
			Timestamp:   float64(f.Timestamp.UnixNano()) / 1e6,
			FPS:         fps,
			Format:      f.Format,
		}

		start := time.Now()
		if err := a.conn.WriteJSON(msg); err != nil {
			logger.Debug().Err(err).Msg("frame write failed")
			return
		}
		// A write slower than two frame intervals means the client cannot
		// keep up; drop the next frame instead of queueing further behind.
		if fps > 0 && time.Since(start) > 2*time.Second/time.Duration(fps) {
			skipNext = true
		}
	}
}
