// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/ManuGH/voiceflow/internal/log"
)

// envString reads a string override; an empty value keeps the default.
func envString(key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	logger := log.WithComponent("config")
	lowerKey := strings.ToLower(key)
	if strings.Contains(lowerKey, "token") || strings.Contains(lowerKey, "key") {
		logger.Debug().Str("key", key).Bool("sensitive", true).Msg("using environment variable")
	} else {
		logger.Debug().Str("key", key).Str("value", value).Msg("using environment variable")
	}
	return value
}

// envInt reads an integer override; malformed values keep the default.
func envInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().
			Str("key", key).
			Str("value", value).
			Msg("ignoring non-integer environment variable")
		return defaultValue
	}
	return parsed
}

// envBool reads a boolean override; accepts the strconv.ParseBool forms.
func envBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().
			Str("key", key).
			Str("value", value).
			Msg("ignoring non-boolean environment variable")
		return defaultValue
	}
	return parsed
}
