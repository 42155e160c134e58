// Package backoff provides linear and exponential backoff calculation.
package backoff

import (
	"math"
	"time"
)

// Policy selects how the delay grows between attempts.
type Policy string

const (
	PolicyLinear      Policy = "linear"
	PolicyExponential Policy = "exponential"
)

// Config for backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

func (c *Config) bounds() (time.Duration, time.Duration) {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	if c != nil {
		if c.Initial > 0 {
			initial = c.Initial
		}
		if c.Max > 0 {
			maxBackoff = c.Max
		}
	}
	return initial, maxBackoff
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxBackoff := cfg.bounds()
	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// Linear calculates linear backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, attempt 3 initial*3.
func Linear(attempt int, cfg *Config) time.Duration {
	initial, maxBackoff := cfg.bounds()
	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * float64(attempt)
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// Delay dispatches to Linear or Exponential. Unknown policies are exponential.
func Delay(policy Policy, attempt int, cfg *Config) time.Duration {
	if policy == PolicyLinear {
		return Linear(attempt, cfg)
	}
	return Exponential(attempt, cfg)
}
