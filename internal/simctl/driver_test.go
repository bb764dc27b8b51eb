// SPDX-License-Identifier: MIT

package simctl

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/simbridge-io/simbridge/internal/apperr"
)

func TestParseState(t *testing.T) {
	assert.Equal(t, StateBooted, parseState("Booted"))
	assert.Equal(t, StateShutdown, parseState("Shutdown"))
	assert.Equal(t, StateShuttingDown, parseState("Shutting Down"))
	assert.Equal(t, StateUnknown, parseState("Creating"))
}

func TestDimensionsScale(t *testing.T) {
	d := Dimensions{PointWidth: 390, PointHeight: 844, PixelWidth: 1170, PixelHeight: 2532}
	assert.Equal(t, 3, d.Scale())

	assert.Equal(t, 1, Dimensions{}.Scale())
}

func TestDeviceName(t *testing.T) {
	name := DeviceName("0b7a2c1d-9f00-4e11-b2aa-aaaaaaaaaaaa", "iPhone 15 Pro")
	assert.Equal(t, "sim_0b7a2c1d_iPhone_15_Pro", name)

	assert.Equal(t, "sim_short_iPhone_14", DeviceName("short", "iPhone 14"))
}

func TestValidButtons(t *testing.T) {
	assert.Equal(t, "HOME", ValidButtons["home"])
	assert.Equal(t, "SIDE_BUTTON", ValidButtons["side-button"])
	_, ok := ValidButtons["power"]
	assert.False(t, ok)
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "first", firstLine([]byte("first\nsecond\n")))
	assert.Equal(t, "only", firstLine([]byte("  only  ")))
	assert.Equal(t, "", firstLine(nil))
}

func TestRetryable(t *testing.T) {
	timeout := apperr.Errorf(apperr.KindTimeout, "deadline")
	assert.True(t, retryable(timeout, result{}))

	busy := apperr.Errorf(apperr.KindHostDriver, "exited")
	assert.True(t, retryable(busy, result{Stderr: []byte("Unable to boot: device is busy")}))
	assert.True(t, retryable(busy, result{ExitCode: 165}))
	assert.False(t, retryable(busy, result{Stderr: []byte("Invalid device type")}))

	proto := apperr.Errorf(apperr.KindProtocol, "bad input")
	assert.False(t, retryable(proto, result{}))
}
