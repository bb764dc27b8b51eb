// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/simbridge-io/simbridge/internal/log"
)

// ParseString reads a string from an environment variable or returns the
// default value.
func ParseString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// ParseInt reads an integer from an environment variable or returns the
// default value. Malformed values fall back to the default with a warning.
func ParseInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.WithComponent("config").Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("malformed integer in environment, using default")
		return defaultValue
	}
	return parsed
}

// ParseDuration reads a duration ("30s", "5m") from an environment variable
// or returns the default value.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.WithComponent("config").Warn().
			Str("key", key).
			Str("value", value).
			Dur("default", defaultValue).
			Msg("malformed duration in environment, using default")
		return defaultValue
	}
	return parsed
}
