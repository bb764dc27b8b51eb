// SPDX-License-Identifier: MIT

package capture

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simbridge-io/simbridge/internal/config"
	"github.com/simbridge-io/simbridge/internal/simctl"
	"github.com/simbridge-io/simbridge/internal/simctl/simctltest"
)

// encodeTestJPEG renders a solid image of the given size.
func encodeTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

// fakeProducer emits pre-rendered frames at a fixed cadence.
type fakeProducer struct {
	name   Method
	frames [][]byte
	err    error
	panics bool
}

func (p *fakeProducer) method() Method { return p.name }

func (p *fakeProducer) run(ctx context.Context, svc *VideoService, out chan<- rawFrame) error {
	if p.panics {
		panic("worker blew up")
	}
	for _, data := range p.frames {
		select {
		case out <- rawFrame{data: data, format: "jpeg"}:
		case <-ctx.Done():
			return nil
		}
	}
	if p.err != nil {
		return p.err
	}
	<-ctx.Done()
	return nil
}

func testDims() simctl.Dimensions {
	return simctl.Dimensions{PointWidth: 40, PointHeight: 80, PixelWidth: 120, PixelHeight: 240}
}

func newTestService(t *testing.T, producers ...producer) *VideoService {
	t.Helper()
	svc := NewVideoService(simctltest.New(), "test-udid", testDims(), config.QualityHigh, 60)
	svc.producers = producers
	return svc
}

func TestServicePublishesToEachSubscriber(t *testing.T) {
	frame := encodeTestJPEG(t, 120, 240)
	svc := newTestService(t, &fakeProducer{name: MethodStream, frames: [][]byte{frame, frame, frame}})

	r1 := svc.Subscribe("c1", RingVideo)
	r2 := svc.Subscribe("c2", RingVideo)

	svc.Start(context.Background())
	defer svc.Stop()

	f1, ok := r1.Pop(time.Second)
	require.True(t, ok)
	f2, ok := r2.Pop(time.Second)
	require.True(t, ok)

	assert.Equal(t, f1.Seq, f2.Seq)
	assert.Equal(t, "jpeg", f1.Format)
	assert.Equal(t, 120, f1.PixelWidth) // high preset is 1.0x
	assert.Equal(t, 40, f1.PointWidth)
}

func TestServiceSequenceStrictlyIncreasing(t *testing.T) {
	frame := encodeTestJPEG(t, 60, 120)
	frames := make([][]byte, 10)
	for i := range frames {
		frames[i] = frame
	}
	svc := newTestService(t, &fakeProducer{name: MethodStream, frames: frames})
	ring := svc.Subscribe("c", 16)

	svc.Start(context.Background())
	defer svc.Stop()

	var last uint64
	for i := 0; i < 5; i++ {
		f, ok := ring.Pop(time.Second)
		require.True(t, ok)
		assert.Greater(t, f.Seq, last)
		last = f.Seq
	}
}

func TestServiceFallsBackAfterProducerFailure(t *testing.T) {
	frame := encodeTestJPEG(t, 60, 120)
	bad := &fakeProducer{name: MethodStream, err: assert.AnError}
	good := &fakeProducer{name: MethodScreenshot, frames: [][]byte{frame, frame}}
	svc := newTestService(t, bad, good)
	ring := svc.Subscribe("c", RingVideo)

	svc.Start(context.Background())
	defer svc.Stop()

	_, ok := ring.Pop(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, MethodScreenshot, svc.Status().Method)
}

func TestServiceRestartsOnceAfterPanic(t *testing.T) {
	frame := encodeTestJPEG(t, 60, 120)
	crashing := &fakeProducer{name: MethodStream, panics: true}
	fallback := &fakeProducer{name: MethodScreenshot, frames: [][]byte{frame}}
	svc := newTestService(t, crashing, fallback)
	ring := svc.Subscribe("c", RingVideo)

	svc.Start(context.Background())
	defer svc.Stop()

	// First panic restarts the same method once; the second disqualifies
	// it and the chain falls through to the screenshot producer.
	_, ok := ring.Pop(2 * time.Second)
	assert.True(t, ok)
}

func TestServiceAllMethodsExhausted(t *testing.T) {
	svc := newTestService(t, &fakeProducer{name: MethodStream, err: assert.AnError})
	svc.restarted = true // skip the panic-restart allowance

	svc.Start(context.Background())

	require.Eventually(t, func() bool { return svc.Status().Failed }, 2*time.Second, 10*time.Millisecond)
	svc.Stop()
}

func TestServiceQualityChangeAppliesBetweenFrames(t *testing.T) {
	svc := newTestService(t)

	p := svc.SetQuality(config.QualityLow)
	assert.Equal(t, 45, p.FPS)
	assert.Equal(t, config.QualityLow, svc.CurrentPreset().Quality)

	applied := svc.SetFPS(999)
	assert.Equal(t, MaxFPS, applied)
	assert.Equal(t, MaxFPS, svc.currentFPS())
}

func TestServiceIdleTracking(t *testing.T) {
	svc := newTestService(t)

	// A service nobody has subscribed to is idle from construction.
	_, idle := svc.IdleSince()
	assert.True(t, idle)

	svc.Subscribe("c", RingVideo)
	_, idle = svc.IdleSince()
	assert.False(t, idle)

	svc.Unsubscribe("c")
	since, idle := svc.IdleSince()
	assert.True(t, idle)
	assert.WithinDuration(t, time.Now(), since, time.Second)
}

func TestTranscodeScalesByFactor(t *testing.T) {
	raw := rawFrame{data: encodeTestJPEG(t, 100, 200), format: "jpeg"}

	data, w, h, err := transcode(raw, PresetFor(config.QualityLow))
	require.NoError(t, err)
	assert.Equal(t, 60, w)
	assert.Equal(t, 120, h)
	assert.NotEmpty(t, data)

	_, w, h, err = transcode(raw, PresetFor(config.QualityHigh))
	require.NoError(t, err)
	assert.Equal(t, 100, w)
	assert.Equal(t, 200, h)
}
