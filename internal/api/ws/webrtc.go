// SPDX-License-Identifier: MIT

package ws

import (
	"encoding/json"
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/simbridge-io/simbridge/internal/capture"
	"github.com/simbridge-io/simbridge/internal/config"
	"github.com/simbridge-io/simbridge/internal/connection"
	"github.com/simbridge-io/simbridge/internal/log"
)

// webrtcInbound is the signaling message union, tagged by "type".
type webrtcInbound struct {
	Type      string          `json:"type"`
	Quality   string          `json:"quality"`
	FPS       int             `json:"fps"`
	SDP       string          `json:"sdp"`
	Candidate json.RawMessage `json:"candidate"`
}

type webrtcError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func sendWebRTCError(c *conn, message string) {
	_ = c.WriteJSON(webrtcError{Type: "error", Message: message})
}

// WebRTC handles /ws/{session}/webrtc: signaling for the H.264 track.
func (e *Endpoints) WebRTC(w http.ResponseWriter, r *http.Request) {
	a, ok := e.accept(w, r, connection.KindWebRTC)
	if !ok {
		return
	}
	defer a.release()
	defer e.resources.ReleaseWebRTC(a.sess.UDID, a.clientID)

	logger := log.WithSession("ws.webrtc", a.sess.ID)
	svc := e.resources.WebRTC(a.sess.UDID)
	started := false

	for {
		_, payload, err := a.conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg webrtcInbound
		if err := json.Unmarshal(payload, &msg); err != nil {
			sendWebRTCError(a.conn, "Invalid JSON format")
			continue
		}

		switch msg.Type {
		case "start-stream":
			if msg.Quality != "" {
				q, ok := config.ParseQuality(msg.Quality)
				if !ok {
					sendWebRTCError(a.conn, "Invalid quality preset")
					continue
				}
				svc.SetQuality(q)
			}
			fps := msg.FPS
			if fps != 0 {
				fps = svc.SetFPS(fps)
			} else {
				fps = svc.Status().FPS
			}

			_, err := svc.AddClient(a.clientID, func(cand webrtc.ICECandidateInit) {
				_ = a.conn.WriteJSON(map[string]any{
					"type":      "ice-candidate",
					"candidate": cand,
				})
			})
			if err != nil {
				logger.Error().Err(err).Msg("webrtc stream start failed")
				sendWebRTCError(a.conn, "Failed to start video stream")
				continue
			}
			started = true
			_ = a.conn.WriteJSON(map[string]any{
				"type":    "stream-ready",
				"quality": string(svc.Status().Quality),
				"fps":     fps,
				"message": "Video stream initialized",
			})

		case "offer":
			if !started {
				sendWebRTCError(a.conn, "No active stream; send start-stream first")
				continue
			}
			peer, err := svc.PeerFor(a.clientID)
			if err != nil {
				sendWebRTCError(a.conn, err.Error())
				continue
			}
			answer, err := peer.HandleOffer(msg.SDP)
			if err != nil {
				logger.Error().Err(err).Msg("offer handling failed")
				sendWebRTCError(a.conn, "Offer handling failed: "+err.Error())
				continue
			}
			_ = a.conn.WriteJSON(map[string]any{
				"type":          "answer",
				"sdp":           answer,
				"connection_id": a.clientID,
			})

		case "ice-candidate":
			peer, err := svc.PeerFor(a.clientID)
			if err != nil {
				logger.Warn().Msg("ice candidate without peer connection")
				continue
			}
			if err := peer.AddICECandidate(msg.Candidate); err != nil {
				logger.Debug().Err(err).Msg("ice candidate rejected")
			}

		case "quality-change":
			q, ok := config.ParseQuality(msg.Quality)
			if !ok {
				sendWebRTCError(a.conn, "Invalid quality preset")
				continue
			}
			svc.SetQuality(q)
			preset := capture.PresetFor(q)
			_ = a.conn.WriteJSON(map[string]any{
				"type": "quality-changed",
				"result": map[string]any{
					"quality": string(q),
					"fps":     preset.FPS,
				},
			})

		case "fps-change":
			fps := svc.SetFPS(msg.FPS)
			_ = a.conn.WriteJSON(map[string]any{
				"type": "fps-changed",
				"result": map[string]any{
					"fps": fps,
				},
			})

		case "get-status":
			_ = a.conn.WriteJSON(map[string]any{
				"type": "status",
				"data": svc.Status(),
			})

		case "stop-stream":
			svc.RemoveClient(a.clientID)
			started = false
			_ = a.conn.WriteJSON(map[string]any{
				"type":    "stream-stopped",
				"message": "Video stream stopped",
			})

		default:
			sendWebRTCError(a.conn, "Unknown message type: "+msg.Type)
		}
	}
}
