// SPDX-License-Identifier: MIT

// Package rtc streams low-latency H.264 video to browsers over WebRTC. One
// Service per device owns the encoder pipeline; each connected viewer gets
// its own peer connection and track.
package rtc

import (
	"encoding/json"
	"fmt"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/log"
)

// playoutDelayURI hints browsers to render frames immediately instead of
// jitter-buffering them like a video call.
const playoutDelayURI = "http://www.webrtc.org/experiments/rtp-hdrext/playout-delay"

// Peer is one viewer's connection: a peer connection plus the H.264 track
// the service feeds.
type Peer struct {
	ClientID string

	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample

	// onICECandidate forwards trickle candidates to the signaling socket.
	onICECandidate func(candidate webrtc.ICECandidateInit)
}

func newPeer(clientID string, onCandidate func(webrtc.ICECandidateInit)) (*Peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, apperr.E(apperr.KindInternal, "register webrtc codecs", err)
	}
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: playoutDelayURI},
		webrtc.RTPCodecTypeVideo,
	); err != nil {
		log.WithComponent("rtc").Warn().Err(err).Msg("playout-delay extension unavailable")
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return nil, apperr.E(apperr.KindInternal, "create peer connection", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		"video", "simulator",
	)
	if err != nil {
		_ = pc.Close()
		return nil, apperr.E(apperr.KindInternal, "create video track", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, apperr.E(apperr.KindInternal, "add video track", err)
	}

	// Drain RTCP so the sender never stalls on backpressure.
	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, readErr := sender.Read(buf)
			if readErr != nil {
				return
			}
			_, _ = rtcp.Unmarshal(buf[:n])
		}
	}()

	p := &Peer{ClientID: clientID, pc: pc, track: track, onICECandidate: onCandidate}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || p.onICECandidate == nil {
			return
		}
		p.onICECandidate(c.ToJSON())
	})
	return p, nil
}

// HandleOffer applies the viewer's SDP offer and returns the local answer.
func (p *Peer) HandleOffer(sdp string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", apperr.E(apperr.KindProtocol, "invalid SDP offer", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", apperr.E(apperr.KindInternal, "create SDP answer", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", apperr.E(apperr.KindInternal, "apply SDP answer", err)
	}
	return answer.SDP, nil
}

// AddICECandidate feeds a trickle candidate from the viewer.
func (p *Peer) AddICECandidate(raw json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return apperr.E(apperr.KindProtocol, "malformed ICE candidate", err)
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return apperr.E(apperr.KindProtocol, "rejected ICE candidate", err)
	}
	return nil
}

// ConnectionState exposes the live peer connection state.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// Close tears the peer connection down.
func (p *Peer) Close() error {
	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}
