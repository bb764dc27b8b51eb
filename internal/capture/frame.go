// SPDX-License-Identifier: MIT

package capture

import "time"

// Frame is one encoded video frame. Frames are transient and never
// persisted.
type Frame struct {
	Data        []byte
	PixelWidth  int
	PixelHeight int
	PointWidth  int
	PointHeight int
	Seq         uint64
	Timestamp   time.Time
	FPS         float64
	Format      string
}

// Ring sizes per consumer kind.
const (
	RingVideo  = 3
	RingUltra  = 1
	RingWebRTC = 2
)

// Frame retrieval timeouts per consumer kind.
const (
	PopTimeoutVideo = 50 * time.Millisecond
	PopTimeoutUltra = 1 * time.Millisecond
)
