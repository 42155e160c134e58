package dispatcher

import "time"

// Config holds configuration for the in-memory dispatcher. Zero values use defaults.
type Config struct {
	BufferSize  int           // default 1000
	Workers     int           // default 4
	HTTPTimeout time.Duration // per request, default 10s
	MaxRetries  int           // default 3

	RetryInitial time.Duration // default 100ms
	RetryMax     time.Duration // default 5s

	BreakerThreshold int           // consecutive failures before a host opens, default 5
	BreakerCooldown  time.Duration // default 30s
	MaxRequeues      int           // default 10
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	return c
}
