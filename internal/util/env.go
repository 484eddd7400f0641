// Package util provides environment parsing and id helpers shared across BookingPipe packages.
package util

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ParseBoolEnv parses a boolean environment variable with a default value.
// Accepts: true/1/yes/on and false/0/no/off (case-insensitive). Invalid values return default.
func ParseBoolEnv(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		slog.Warn("ParseBoolEnv: invalid boolean value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
}

// ParseDurationEnv parses a time.ParseDuration value such as "30s". Invalid or non-positive
// values return default.
func ParseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		slog.Warn("ParseDurationEnv: invalid duration, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
	return d
}

// ParseIntEnv parses a positive integer environment variable. Invalid values return default.
func ParseIntEnv(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		slog.Warn("ParseIntEnv: invalid integer, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
	return n
}
