// Package dispatcher delivers job lifecycle callbacks asynchronously.
//
// Events are queued in a bounded buffer and posted by a pool of workers with
// retry and a per-host circuit breaker. Delivery is best-effort: a full buffer
// drops the event rather than blocking the scheduler.
package dispatcher

import (
	"context"
	"errors"
	"jobscheduler/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when the buffer is full and the event is dropped.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Dispatcher queues callback events for delivery.
type Dispatcher interface {
	// Dispatch queues an event. It never blocks.
	Dispatch(event *Event) error

	Stats() Stats

	// Close stops accepting events and drains the queue until ctx is done.
	Close(ctx context.Context) error
}

// Event is a callback to be posted to Destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string
	SigningKey  string // empty disables signing

	requeues int
}

// Stats holds dispatcher counters.
type Stats struct {
	QueueDepth    int
	Queued        int64
	Delivered     int64
	Failed        int64 // failed after retries
	Dropped       int64
	Requeued      int64 // requeued while the host circuit was open
	RetriesTotal  int64
	BreakersTotal int
	BreakersOpen  int
}
