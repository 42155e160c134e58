package conditions

import (
	"log/slog"
	"sync"
)

// Monitor holds the current condition state and fans out changes to subscribers.
type Monitor struct {
	mu     sync.RWMutex
	state  State
	nextID int
	subs   map[int]chan State
}

// NewMonitor creates a monitor starting at initial.
func NewMonitor(initial State) *Monitor {
	if initial.Network == "" {
		initial.Network = NetworkNone
	}
	return &Monitor{
		state: initial,
		subs:  make(map[int]chan State),
	}
}

// Current returns the current state.
func (m *Monitor) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Set replaces the state and notifies subscribers if it changed.
func (m *Monitor) Set(s State) {
	m.Update(func(cur *State) { *cur = s })
}

// Update applies fn to a copy of the current state and publishes the result.
func (m *Monitor) Update(fn func(*State)) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state
	fn(&next)
	if next.Network == "" {
		next.Network = NetworkNone
	}
	if next == m.state {
		return next
	}
	prev := m.state
	m.state = next

	slog.Info("Device conditions changed",
		"component", "conditions",
		"charging", next.Charging,
		"batteryNotLow", next.BatteryNotLow,
		"idle", next.Idle,
		"storageNotLow", next.StorageNotLow,
		"network", string(next.Network),
		"prevNetwork", string(prev.Network))

	for _, ch := range m.subs {
		publish(ch, next)
	}
	return next
}

// Subscribe returns a channel that receives every state change. Slow readers
// only see the latest state. The cancel func must be called to release it.
func (m *Monitor) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan State, 1)
	m.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
	return ch, cancel
}

// publish replaces any unread value with s. Callers hold m.mu, so there is
// a single writer per channel.
func publish(ch chan State, s State) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}
