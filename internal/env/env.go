// Package env provides small helpers for reading process configuration from
// environment variables before the config file layer is available (e.g. to
// locate the config file itself, or to seed logger setup ahead of Load).
package env

import (
	"os"
	"strconv"
)

// GetEnvOrDefault returns the value of key, or def if key is unset or empty.
func GetEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetEnvBoolOrDefault returns the parsed bool value of key, or def if key is
// unset or unparseable.
func GetEnvBoolOrDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetEnvIntOrDefault returns the parsed int value of key, or def if key is
// unset or unparseable.
func GetEnvIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
