// SPDX-License-Identifier: MIT

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetListenAddr(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.SetListenAddr("10.0.0.5:9100"))
	assert.Equal(t, "10.0.0.5", cfg.BindHost)
	assert.Equal(t, 9100, cfg.BindPort)
	assert.Equal(t, "10.0.0.5:9100", cfg.ListenAddr())
}

func TestSetListenAddrPortOnly(t *testing.T) {
	cfg := Default()
	host := cfg.BindHost
	require.NoError(t, cfg.SetListenAddr(":9100"))
	assert.Equal(t, host, cfg.BindHost)
	assert.Equal(t, 9100, cfg.BindPort)
}

func TestSetListenAddrRejectsGarbage(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.SetListenAddr("no-port"))
	assert.Error(t, cfg.SetListenAddr("host:not-a-number"))
}

func TestValidateRejectsBadListenOverride(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.SetListenAddr(":0"))
	assert.Error(t, cfg.Validate())
}

func TestParseQuality(t *testing.T) {
	q, ok := ParseQuality("ultra")
	require.True(t, ok)
	assert.Equal(t, QualityUltra, q)

	_, ok = ParseQuality("potato")
	assert.False(t, ok)
}
