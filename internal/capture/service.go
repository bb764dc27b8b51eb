// SPDX-License-Identifier: MIT

package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/time/rate"

	"github.com/simbridge-io/simbridge/internal/config"
	"github.com/simbridge-io/simbridge/internal/log"
	"github.com/simbridge-io/simbridge/internal/metrics"
	"github.com/simbridge-io/simbridge/internal/simctl"
)

// Status is the monitoring view of one service.
type Status struct {
	UDID           string         `json:"udid"`
	Method         Method         `json:"method"`
	Quality        config.Quality `json:"quality"`
	TargetFPS      int            `json:"target_fps"`
	MeasuredFPS    float64        `json:"measured_fps"`
	Clients        int            `json:"clients"`
	FramesProduced uint64         `json:"frames_produced"`
	FramesDropped  uint64         `json:"frames_dropped"`
	Failed         bool           `json:"failed"`
}

type subscriber struct {
	id   string
	ring *Ring
}

// VideoService is the singleton frame source for one device. The worker
// publishes every frame to each subscriber's private ring.
type VideoService struct {
	UDID string

	driver simctl.Driver
	dims   simctl.Dimensions

	mu          sync.Mutex
	subscribers map[string]*subscriber
	idleSince   time.Time
	preset      Preset
	fps         int
	limiter     *rate.Limiter
	method      Method
	disqual     map[Method]bool
	failed      bool

	producers []producer
	restarted bool

	seq             atomic.Uint64
	produced        atomic.Uint64
	measuredFPSBits atomic.Uint64

	frameTimes []time.Time // worker-only

	cancel context.CancelFunc
	done   chan struct{}
}

// NewVideoService builds a stopped service; call Start before subscribing
// consumers.
func NewVideoService(driver simctl.Driver, udid string, dims simctl.Dimensions, quality config.Quality, fps int) *VideoService {
	p := PresetFor(quality)
	if fps <= 0 {
		fps = p.FPS
	}
	fps = ClampFPS(fps)
	return &VideoService{
		UDID:        udid,
		driver:      driver,
		dims:        dims,
		subscribers: map[string]*subscriber{},
		idleSince:   time.Now(),
		preset:      p,
		fps:         fps,
		limiter:     rate.NewLimiter(rate.Limit(fps), 1),
		disqual:     map[Method]bool{},
		producers: []producer{
			streamProducer{},
			hwEncodeProducer{},
			swEncodeProducer{},
			screenshotProducer{},
		},
		done: make(chan struct{}),
	}
}

// Start launches the capture worker.
func (s *VideoService) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	metrics.CaptureServices.Inc()
	go s.run(ctx)
}

// Stop cancels the worker and waits for it to drain.
func (s *VideoService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	metrics.CaptureServices.Dec()
}

// Subscribe registers a consumer with a private ring of the given size.
// Subscribing an existing client replaces its ring.
func (s *VideoService) Subscribe(clientID string, ringSize int) *Ring {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &subscriber{id: clientID, ring: NewRing(ringSize)}
	s.subscribers[clientID] = sub
	s.idleSince = time.Time{}
	return sub.ring
}

// Unsubscribe removes a consumer. When the last one leaves, the idle clock
// starts; the resource manager evicts after the grace window.
func (s *VideoService) Unsubscribe(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, clientID)
	if len(s.subscribers) == 0 {
		s.idleSince = time.Now()
	}
}

// ClientCount is the number of live subscribers.
func (s *VideoService) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// IdleSince reports when the client set emptied; ok is false while clients
// are attached.
func (s *VideoService) IdleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subscribers) > 0 || s.idleSince.IsZero() {
		return time.Time{}, false
	}
	return s.idleSince, true
}

// SetQuality switches the preset; the worker reconfigures between frames.
func (s *VideoService) SetQuality(quality config.Quality) Preset {
	p := PresetFor(quality)
	s.mu.Lock()
	s.preset = p
	s.fps = p.FPS
	s.limiter = rate.NewLimiter(rate.Limit(p.FPS), 1)
	s.mu.Unlock()
	return p
}

// SetFPS overrides the frame rate within the supported band and returns the
// applied value.
func (s *VideoService) SetFPS(fps int) int {
	fps = ClampFPS(fps)
	s.mu.Lock()
	s.fps = fps
	s.limiter = rate.NewLimiter(rate.Limit(fps), 1)
	s.mu.Unlock()
	return fps
}

// CurrentPreset returns the active preset.
func (s *VideoService) CurrentPreset() Preset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preset
}

func (s *VideoService) currentFPS() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fps
}

// pace blocks until the next frame slot per the current FPS.
func (s *VideoService) pace(ctx context.Context) error {
	s.mu.Lock()
	limiter := s.limiter
	s.mu.Unlock()
	return limiter.Wait(ctx)
}

// MeasuredFPS is the rolling produced-frame rate.
func (s *VideoService) MeasuredFPS() float64 {
	return math.Float64frombits(s.measuredFPSBits.Load())
}

// Status snapshots the service for the stats surface.
func (s *VideoService) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped uint64
	for _, sub := range s.subscribers {
		dropped += sub.ring.Dropped()
	}
	return Status{
		UDID:           s.UDID,
		Method:         s.method,
		Quality:        s.preset.Quality,
		TargetFPS:      s.fps,
		MeasuredFPS:    math.Float64frombits(s.measuredFPSBits.Load()),
		Clients:        len(s.subscribers),
		FramesProduced: s.produced.Load(),
		FramesDropped:  dropped,
		Failed:         s.failed,
	}
}

// run walks the method chain. A failed method is disqualified for the
// service's lifetime; a panicking producer gets one restart before it too
// is disqualified.
func (s *VideoService) run(ctx context.Context) {
	defer close(s.done)
	logger := log.WithComponent("capture")

	for ctx.Err() == nil {
		p := s.nextProducer()
		if p == nil {
			s.mu.Lock()
			s.failed = true
			s.mu.Unlock()
			logger.Error().Str(log.FieldUDID, s.UDID).Msg("all capture methods exhausted")
			return
		}
		s.setMethod(p.method())
		logger.Info().
			Str(log.FieldUDID, s.UDID).
			Str("capture_method", string(p.method())).
			Msg("capture method selected")

		err := s.consume(ctx, p)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// A producer that returns cleanly without cancellation has
			// still stopped producing; try the next method.
			err = fmt.Errorf("%s producer ended", p.method())
		}
		if isPanic(err) && !s.restarted {
			s.restarted = true
			logger.Warn().Err(err).
				Str(log.FieldUDID, s.UDID).
				Str("capture_method", string(p.method())).
				Msg("capture worker crashed, restarting once")
			continue
		}
		s.mu.Lock()
		s.disqual[p.method()] = true
		s.mu.Unlock()
		logger.Warn().Err(err).
			Str(log.FieldUDID, s.UDID).
			Str("capture_method", string(p.method())).
			Msg("capture method disqualified")
	}
}

// consume runs one producer and transcodes its frames until it ends.
func (s *VideoService) consume(ctx context.Context, p producer) error {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan rawFrame, 2)
	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- panicError{value: r}
			}
		}()
		errc <- p.run(pctx, s, out)
	}()

	for {
		select {
		case raw := <-out:
			s.publish(raw, p.method())
		case err := <-errc:
			return err
		case <-ctx.Done():
			cancel()
			return <-errc
		}
	}
}

// publish transcodes a raw frame to the current preset and fans it out.
// Runs only on the worker goroutine.
func (s *VideoService) publish(raw rawFrame, method Method) {
	s.mu.Lock()
	preset := s.preset
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	data, w, h, err := transcode(raw, preset)
	if err != nil {
		return
	}

	now := time.Now()
	s.frameTimes = append(s.frameTimes, now)
	cutoff := now.Add(-time.Second)
	for len(s.frameTimes) > 0 && s.frameTimes[0].Before(cutoff) {
		s.frameTimes = s.frameTimes[1:]
	}
	s.measuredFPSBits.Store(math.Float64bits(float64(len(s.frameTimes))))

	f := Frame{
		Data:        data,
		PixelWidth:  w,
		PixelHeight: h,
		PointWidth:  s.dims.PointWidth,
		PointHeight: s.dims.PointHeight,
		Seq:         s.seq.Add(1),
		Timestamp:   now,
		FPS:         float64(len(s.frameTimes)),
		Format:      "jpeg",
	}
	for _, sub := range subs {
		sub.ring.Push(f)
	}
	s.produced.Add(1)
	metrics.FramesProduced.WithLabelValues(string(method)).Inc()
}

func (s *VideoService) nextProducer() producer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.producers {
		if !s.disqual[p.method()] {
			return p
		}
	}
	return nil
}

func (s *VideoService) setMethod(m Method) {
	s.mu.Lock()
	s.method = m
	s.mu.Unlock()
}

// transcode decodes, scales by the preset factor, and re-encodes as JPEG at
// the preset quality.
func transcode(raw rawFrame, preset Preset) ([]byte, int, int, error) {
	src, _, err := image.Decode(bytes.NewReader(raw.data))
	if err != nil {
		return nil, 0, 0, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	if preset.Factor != 1.0 {
		w = int(float64(w) * preset.Factor)
		h = int(float64(h) * preset.Factor)
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
		src = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: preset.JPEG}); err != nil {
		return nil, 0, 0, err
	}
	return buf.Bytes(), w, h, nil
}

// panicError carries a recovered producer panic to the supervisor.
type panicError struct{ value any }

func (e panicError) Error() string { return fmt.Sprintf("capture producer panic: %v", e.value) }

func isPanic(err error) bool {
	_, ok := err.(panicError)
	return ok
}
