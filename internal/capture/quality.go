// SPDX-License-Identifier: MIT

// Package capture produces bounded streams of JPEG frames per device. One
// worker per device feeds per-client rings; a slow client only ever loses
// its own frames.
package capture

import (
	"github.com/simbridge-io/simbridge/internal/config"
)

// Preset couples a resolution factor, target FPS and JPEG quality.
type Preset struct {
	Quality config.Quality `json:"quality"`
	Factor  float64        `json:"factor"`
	FPS     int            `json:"fps"`
	JPEG    int            `json:"jpeg_quality"`
}

var presets = map[config.Quality]Preset{
	config.QualityLow:    {Quality: config.QualityLow, Factor: 0.60, FPS: 45, JPEG: 50},
	config.QualityMedium: {Quality: config.QualityMedium, Factor: 0.80, FPS: 60, JPEG: 65},
	config.QualityHigh:   {Quality: config.QualityHigh, Factor: 1.00, FPS: 75, JPEG: 80},
	config.QualityUltra:  {Quality: config.QualityUltra, Factor: 1.20, FPS: 90, JPEG: 95},
}

// PresetFor resolves a preset; unknown names fall back to medium.
func PresetFor(q config.Quality) Preset {
	if p, ok := presets[q]; ok {
		return p
	}
	return presets[config.QualityMedium]
}

// FPS bounds accepted from clients.
const (
	MinFPS = 20
	MaxFPS = 120
)

// ClampFPS forces a client-requested FPS into the supported band.
func ClampFPS(fps int) int {
	if fps < MinFPS {
		return MinFPS
	}
	if fps > MaxFPS {
		return MaxFPS
	}
	return fps
}
