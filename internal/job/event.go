package job

import (
	"jobscheduler/pkg/cloudevent"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EventSource is the CloudEvents source of all job lifecycle events.
const EventSource = "jobscheduler"

// Event types for job lifecycle callbacks
const (
	EventTypeScheduled = "jobscheduler.job.scheduled"
	EventTypeStart     = "jobscheduler.job.start"
	EventTypeStop      = "jobscheduler.job.stop"
	EventTypeFinish    = "jobscheduler.job.finish"
	EventTypeCancel    = "jobscheduler.job.cancel"
)

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for one job.
type EventBuilder struct {
	jobID   int
	subject string
	service string
}

// NewEventBuilder creates a new EventBuilder for the descriptor.
func NewEventBuilder(d *Descriptor) *EventBuilder {
	return &EventBuilder{
		jobID:   d.ID,
		subject: strconv.Itoa(d.ID),
		service: d.Service,
	}
}

func (b *EventBuilder) build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	data["jobId"] = b.jobID
	data["service"] = b.service
	return cloudevent.New(eventType, EventSource, b.subject, uuid.NewString(), data)
}

// BuildScheduledEvent creates a job scheduled event.
func (b *EventBuilder) BuildScheduledEvent(constraints ConstraintSet) *cloudevent.CloudEvent {
	return b.build(EventTypeScheduled, map[string]any{
		"constraints": constraints.String(),
	})
}

// BuildStartEvent creates a job start event.
func (b *EventBuilder) BuildStartEvent(p *Params) *cloudevent.CloudEvent {
	return b.build(EventTypeStart, map[string]any{
		"attempt":                 p.Attempt,
		"overrideDeadlineExpired": p.OverrideDeadlineExpired,
	})
}

// BuildStopEvent creates a job stop event.
func (b *EventBuilder) BuildStopEvent(p *Params, reason StopReason, decision StopDecision) *cloudevent.CloudEvent {
	return b.build(EventTypeStop, map[string]any{
		"attempt":  p.Attempt,
		"reason":   string(reason),
		"decision": decision.String(),
	})
}

// BuildFinishEvent creates a job finish event.
func (b *EventBuilder) BuildFinishEvent(p *Params, reschedule bool, duration time.Duration) *cloudevent.CloudEvent {
	return b.build(EventTypeFinish, map[string]any{
		"attempt":         p.Attempt,
		"reschedule":      reschedule,
		"durationSeconds": duration.Seconds(),
	})
}

// BuildCancelEvent creates a job cancel event.
func (b *EventBuilder) BuildCancelEvent() *cloudevent.CloudEvent {
	return b.build(EventTypeCancel, map[string]any{})
}
