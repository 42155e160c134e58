package dispatcher

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker tracks consecutive delivery failures to one host. After threshold
// failures it opens; once cooldown elapses a single probe is let through.
type breaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	threshold   int
	cooldown    time.Duration
	lastFailure time.Time
	probing     bool
	now         func() time.Time
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if b.now().Sub(b.lastFailure) < b.cooldown {
			return false
		}
		b.state = breakerHalfOpen
		b.probing = true
		return true
	case breakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.state = breakerClosed
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	b.probing = false
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
	}
}

func (b *breaker) current() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// breakers lazily creates one breaker per host.
type breakers struct {
	mu        sync.Mutex
	byHost    map[string]*breaker
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func newBreakers(threshold int, cooldown time.Duration) *breakers {
	return &breakers{
		byHost:    make(map[string]*breaker),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (r *breakers) get(host string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byHost[host]
	if !ok {
		b = &breaker{threshold: r.threshold, cooldown: r.cooldown, now: r.now}
		r.byHost[host] = b
	}
	return b
}

// counts returns the number of breakers and how many are not closed.
func (r *breakers) counts() (total, open int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.byHost {
		if b.current() != breakerClosed {
			open++
		}
	}
	return len(r.byHost), open
}
