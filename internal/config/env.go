// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/soundry-audio/collabd/internal/log"
)

// ParseString reads a string from an environment variable or returns the
// default value. The source (environment or default) is logged at debug level.
func ParseString(key, defaultValue string) string {
	logger := log.WithComponent("config")
	if value, exists := os.LookupEnv(key); exists {
		if value == "" {
			logDefault(logger, key, defaultValue)
			return defaultValue
		}
		lowerKey := strings.ToLower(key)
		if strings.Contains(lowerKey, "token") || strings.Contains(lowerKey, "password") {
			logger.Debug().Str("key", key).Str("source", "environment").Bool("sensitive", true).Msg("using environment variable")
		} else {
			logger.Debug().Str("key", key).Str("value", value).Str("source", "environment").Msg("using environment variable")
		}
		return value
	}
	logDefault(logger, key, defaultValue)
	return defaultValue
}

// ParseInt reads an integer from an environment variable or returns the
// default value. Parse failures fall back to the default with a warning.
func ParseInt(key string, defaultValue int) int {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			logger.Debug().Str("key", key).Int("value", i).Str("source", "environment").Msg("using environment variable")
			return i
		}
		logger.Warn().Str("key", key).Str("value", v).Int("default", defaultValue).Msg("invalid integer in environment variable, using default")
	}
	return defaultValue
}

// ParseDuration reads a time.Duration from an environment variable or returns
// the default value.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			logger.Debug().Str("key", key).Dur("value", d).Str("source", "environment").Msg("using environment variable")
			return d
		}
		logger.Warn().Str("key", key).Str("value", v).Dur("default", defaultValue).Msg("invalid duration in environment variable, using default")
	}
	return defaultValue
}

// ParseBool reads a boolean from an environment variable or returns the
// default value. Accepts the forms strconv.ParseBool accepts.
func ParseBool(key string, defaultValue bool) bool {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		logger.Warn().Str("key", key).Str("value", v).Bool("default", defaultValue).Msg("invalid boolean in environment variable, using default")
	}
	return defaultValue
}

// ParseFloat reads a float64 from an environment variable or returns the
// default value.
func ParseFloat(key string, defaultValue float64) float64 {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		logger.Warn().Str("key", key).Str("value", v).Float64("default", defaultValue).Msg("invalid float in environment variable, using default")
	}
	return defaultValue
}

func logDefault(logger zerolog.Logger, key, defaultValue string) {
	logger.Debug().Str("key", key).Str("default", defaultValue).Str("source", "default").Msg("using default value")
}
