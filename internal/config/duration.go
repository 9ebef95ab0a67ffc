package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// ParseDurationField parses a non-negative duration at key. Empty means 0.
// A leading whole-day count is accepted on top of Go units, so a session
// ttl can read "7d" or "1d12h".
func ParseDurationField(key, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseSpan(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", key)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for an
// empty or zero value.
func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(key, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

func parseSpan(s string) (time.Duration, error) {
	i := strings.IndexByte(s, 'd')
	if i <= 0 {
		return time.ParseDuration(s)
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0, fmt.Errorf("bad day count %q", s[:i])
	}
	rest := s[i+1:]
	if rest == "" {
		return time.Duration(n) * day, nil
	}
	if rest[0] == '-' || rest[0] == '+' {
		return 0, fmt.Errorf("unexpected sign after days")
	}
	d, err := time.ParseDuration(rest)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return time.Duration(n)*day - d, nil
	}
	return time.Duration(n)*day + d, nil
}
