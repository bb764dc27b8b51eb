// SPDX-License-Identifier: MIT

package rtc

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/capture"
	"github.com/simbridge-io/simbridge/internal/config"
	"github.com/simbridge-io/simbridge/internal/log"
	"github.com/simbridge-io/simbridge/internal/simctl"
)

// Status is the monitoring view of one WebRTC service.
type Status struct {
	UDID      string         `json:"udid"`
	Clients   int            `json:"clients"`
	Streaming bool           `json:"streaming"`
	Quality   config.Quality `json:"quality"`
	FPS       int            `json:"fps"`
}

// Service fans one device's H.264 stream out to every connected peer. The
// stream child starts with the first peer and stops with the last.
type Service struct {
	UDID string

	driver simctl.Driver

	mu      sync.Mutex
	peers   map[string]*Peer
	quality config.Quality
	fps     int

	proc       *simctl.StreamProcess
	streamDone chan struct{}
	baseCtx    context.Context
	cancel     context.CancelFunc
}

// NewService builds a stopped service for one device.
func NewService(ctx context.Context, driver simctl.Driver, udid string, quality config.Quality, fps int) *Service {
	sctx, cancel := context.WithCancel(ctx)
	return &Service{
		UDID:      udid,
		driver:    driver,
		peers:     map[string]*Peer{},
		quality:   quality,
		fps:       capture.ClampFPS(fps),
		baseCtx:   sctx,
		cancel:    cancel,
	}
}

// AddClient creates a peer for a viewer and ensures the stream is running.
// onCandidate receives trickle ICE candidates for the signaling socket.
func (s *Service) AddClient(clientID string, onCandidate func(webrtc.ICECandidateInit)) (*Peer, error) {
	p, err := newPeer(clientID, onCandidate)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.peers[clientID]; ok {
		_ = old.Close()
	}
	s.peers[clientID] = p

	if s.proc == nil {
		if err := s.startStreamLocked(); err != nil {
			delete(s.peers, clientID)
			_ = p.Close()
			return nil, err
		}
	}
	return p, nil
}

// RemoveClient closes a viewer's peer; the stream stops with the last one.
func (s *Service) RemoveClient(clientID string) {
	s.mu.Lock()
	p, ok := s.peers[clientID]
	if ok {
		delete(s.peers, clientID)
	}
	stop := len(s.peers) == 0
	s.mu.Unlock()

	if ok {
		_ = p.Close()
	}
	if stop {
		s.stopStream()
	}
}

// ClientCount is the number of connected viewers.
func (s *Service) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// SetQuality records the preset; the encoder child follows the preset's FPS
// on its next restart.
func (s *Service) SetQuality(quality config.Quality) {
	p := capture.PresetFor(quality)
	s.mu.Lock()
	s.quality = p.Quality
	s.fps = p.FPS
	restart := s.proc != nil
	s.mu.Unlock()
	if restart {
		s.restartStream()
	}
}

// SetFPS applies a clamped frame rate and restarts the encoder child.
func (s *Service) SetFPS(fps int) int {
	fps = capture.ClampFPS(fps)
	s.mu.Lock()
	s.fps = fps
	restart := s.proc != nil
	s.mu.Unlock()
	if restart {
		s.restartStream()
	}
	return fps
}

// Status snapshots the service for the stats surface.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		UDID:      s.UDID,
		Clients:   len(s.peers),
		Streaming: s.proc != nil,
		Quality:   s.quality,
		FPS:       s.fps,
	}
}

// Close tears down every peer and the stream child.
func (s *Service) Close() {
	s.cancel()

	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peers = map[string]*Peer{}
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.Close()
	}
	s.stopStream()
}

// startStreamLocked launches the H.264 child and its fan-out goroutine.
// Caller holds s.mu.
func (s *Service) startStreamLocked() error {
	proc, err := s.driver.StartVideoStream(s.baseCtx, s.UDID, s.fps)
	if err != nil {
		return err
	}
	s.proc = proc
	s.streamDone = make(chan struct{})
	go s.fanOut(proc, s.fps, s.streamDone)

	log.WithComponent("rtc").Info().
		Str(log.FieldUDID, s.UDID).
		Int(log.FieldFPS, s.fps).
		Msg("webrtc stream started")
	return nil
}

func (s *Service) stopStream() {
	s.mu.Lock()
	proc := s.proc
	done := s.streamDone
	s.proc = nil
	s.streamDone = nil
	s.mu.Unlock()

	if proc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = proc.Stop(ctx)
	if done != nil {
		<-done
	}
	log.WithComponent("rtc").Info().Str(log.FieldUDID, s.UDID).Msg("webrtc stream stopped")
}

func (s *Service) restartStream() {
	s.stopStream()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.peers) == 0 {
		return
	}
	if err := s.startStreamLocked(); err != nil {
		log.WithComponent("rtc").Error().Err(err).
			Str(log.FieldUDID, s.UDID).
			Msg("webrtc stream restart failed")
	}
}

// fanOut splits the child's Annex-B output into NAL units and writes each
// as a sample to every peer's track. A write failure only costs that peer
// the sample; the next signaling cycle will notice the dead connection.
func (s *Service) fanOut(proc *simctl.StreamProcess, fps int, done chan struct{}) {
	defer close(done)
	logger := log.WithComponent("rtc")

	h264, err := h264reader.NewReader(proc.Stdout())
	if err != nil {
		logger.Error().Err(err).Str(log.FieldUDID, s.UDID).Msg("h264 reader init failed")
		return
	}
	frameDuration := time.Second / time.Duration(fps)

	for {
		nal, err := h264.NextNAL()
		if err != nil {
			if !errors.Is(err, io.EOF) && s.baseCtx.Err() == nil {
				logger.Warn().Err(err).Str(log.FieldUDID, s.UDID).Msg("h264 stream read failed")
			}
			return
		}
		sample := media.Sample{Data: nal.Data, Duration: frameDuration}

		s.mu.Lock()
		peers := make([]*Peer, 0, len(s.peers))
		for _, p := range s.peers {
			peers = append(peers, p)
		}
		s.mu.Unlock()

		for _, p := range peers {
			if err := p.track.WriteSample(sample); err != nil {
				logger.Debug().Err(err).
					Str(log.FieldClientID, p.ClientID).
					Msg("sample write failed")
			}
		}
	}
}

// ErrNoPeer reports signaling against a client that never sent start-stream.
var ErrNoPeer = apperr.Errorf(apperr.KindBadState, "no active webrtc peer for client")

// PeerFor resolves a viewer's peer.
func (s *Service) PeerFor(clientID string) (*Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[clientID]
	if !ok {
		return nil, ErrNoPeer
	}
	return p, nil
}
