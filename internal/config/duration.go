package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrDuration = errors.New("invalid duration")

// ParseDurationField parses a Go duration string. Empty means 0. A bare
// number is refused with a hint, since YAML users tend to write
// "poll_interval: 30" meaning seconds.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err == nil && d < 0:
		return 0, fmt.Errorf("%s: %w: %q is negative", path, ErrDuration, raw)
	case err == nil:
		return d, nil
	}
	if _, nerr := strconv.ParseFloat(s, 64); nerr == nil {
		return 0, fmt.Errorf("%s: %w: %q has no unit (write %ss)", path, ErrDuration, raw, s)
	}
	return 0, fmt.Errorf("%s: %w: %q", path, ErrDuration, raw)
}

// ParseDurationOrDefault is ParseDurationField with def standing in for an
// empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
