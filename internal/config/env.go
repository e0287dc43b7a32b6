package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

func parseDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(sharedcfg.EnvOrDefault(key, fallback)))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

func parseInt(key string, fallback, lo, hi int) (int, error) {
	raw := sharedcfg.EnvOrDefault(key, strconv.Itoa(fallback))
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("invalid %s: must be an integer in [%d, %d]", key, lo, hi)
	}
	return n, nil
}

func parseFloat(key string, fallback float64) (float64, error) {
	raw := sharedcfg.EnvOrDefault(key, strconv.FormatFloat(fallback, 'f', -1, 64))
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: must be a number", key)
	}
	return f, nil
}

func parseBool(key string, fallback bool) (bool, error) {
	raw := sharedcfg.EnvOrDefault(key, strconv.FormatBool(fallback))
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s: must be a boolean", key)
	}
	return b, nil
}
