// SPDX-License-Identifier: MIT

package capture

import (
	"sync/atomic"
	"time"

	"github.com/simbridge-io/simbridge/internal/metrics"
)

// Ring is a bounded frame queue with drop-oldest overflow. One producer,
// one consumer.
type Ring struct {
	ch      chan Frame
	dropped atomic.Uint64
}

// NewRing builds a ring holding up to size frames.
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{ch: make(chan Frame, size)}
}

// Push enqueues a frame, evicting the oldest when full. Never blocks.
func (r *Ring) Push(f Frame) {
	for {
		select {
		case r.ch <- f:
			return
		default:
		}
		select {
		case <-r.ch:
			r.dropped.Add(1)
			metrics.FramesDropped.Inc()
		default:
		}
	}
}

// Pop dequeues the next frame, waiting up to timeout.
func (r *Ring) Pop(timeout time.Duration) (Frame, bool) {
	select {
	case f := <-r.ch:
		return f, true
	default:
	}
	if timeout <= 0 {
		return Frame{}, false
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-r.ch:
		return f, true
	case <-t.C:
		return Frame{}, false
	}
}

// Len is the number of buffered frames.
func (r *Ring) Len() int { return len(r.ch) }

// Dropped is the monotonic count of frames evicted from this ring.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }
