package config

import (
	"fmt"
	"time"
)

// OptString returns the string option key, or def when it is absent.
func (e ProviderEntry) OptString(key, def string) (string, error) {
	v, ok := e.Options[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", e.optErr(key, "a string", v)
	}
	return s, nil
}

// OptInt returns the integer option key, or def when it is absent.
func (e ProviderEntry) OptInt(key string, def int) (int, error) {
	v, ok := e.Options[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n == float64(int(n)) {
			return int(n), nil
		}
	}
	return 0, e.optErr(key, "an integer", v)
}

// OptFloat returns the numeric option key, or def when it is absent.
func (e ProviderEntry) OptFloat(key string, def float64) (float64, error) {
	v, ok := e.Options[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, e.optErr(key, "a number", v)
}

// OptDuration returns the duration option key written as a Go duration
// string ("30s"), or def when it is absent.
func (e ProviderEntry) OptDuration(key string, def time.Duration) (time.Duration, error) {
	s, err := e.OptString(key, "")
	if err != nil || s == "" {
		return def, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: %s option %q: %w", e.Key(), key, err)
	}
	return d, nil
}

func (e ProviderEntry) optErr(key, want string, got any) error {
	return fmt.Errorf("config: %s option %q must be %s, got %T", e.Key(), key, want, got)
}
