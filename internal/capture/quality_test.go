// SPDX-License-Identifier: MIT

package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/simbridge-io/simbridge/internal/config"
)

func TestPresets(t *testing.T) {
	cases := []struct {
		quality config.Quality
		factor  float64
		fps     int
		jpeg    int
	}{
		{config.QualityLow, 0.60, 45, 50},
		{config.QualityMedium, 0.80, 60, 65},
		{config.QualityHigh, 1.00, 75, 80},
		{config.QualityUltra, 1.20, 90, 95},
	}
	for _, c := range cases {
		p := PresetFor(c.quality)
		assert.Equal(t, c.factor, p.Factor, string(c.quality))
		assert.Equal(t, c.fps, p.FPS, string(c.quality))
		assert.Equal(t, c.jpeg, p.JPEG, string(c.quality))
	}
}

func TestPresetForUnknownFallsBackToMedium(t *testing.T) {
	p := PresetFor(config.Quality("4k"))
	assert.Equal(t, config.QualityMedium, p.Quality)
}

func TestClampFPS(t *testing.T) {
	assert.Equal(t, MinFPS, ClampFPS(1))
	assert.Equal(t, 60, ClampFPS(60))
	assert.Equal(t, MaxFPS, ClampFPS(500))
}
