package authority

import (
	"jobscheduler/internal/job"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// stateStopping is internal: OnStop is in flight and its decision not yet applied.
// It is reported as running.
const stateStopping = "stopping"

// entry is the authority's record of one job.
type entry struct {
	desc    *job.Descriptor
	handler job.Handler
	sched   cron.Schedule // nil for one-shot jobs
	events  *job.EventBuilder

	state       string
	submittedAt time.Time
	eligibleAt  time.Time
	deadlineAt  time.Time // zero when unset; applies to the first attempt only
	attempts    int
	failures    int // consecutive retries, drives backoff
	current     *attempt
	forced      bool // current attempt was started by the override deadline
	stopReason  job.StopReason
	updatedAt   time.Time
}

// attempt is one execution of a job. noStop is only touched by the loop
// goroutine: it is set once OnStart returned Done, OnStart was skipped, or
// OnStop was delivered.
type attempt struct {
	entry  *entry
	params *job.Params
	noStop bool
}

// orphan is an attempt detached from its entry that still needs a stop signal.
type orphan struct {
	att    *attempt
	reason job.StopReason
}

func newEntry(d *job.Descriptor, h job.Handler, sched cron.Schedule, now time.Time) *entry {
	e := &entry{
		desc:        d,
		handler:     h,
		sched:       sched,
		events:      job.NewEventBuilder(d),
		state:       job.StatePending,
		submittedAt: now,
		updatedAt:   now,
	}
	if sched != nil {
		e.eligibleAt = sched.Next(now)
	} else {
		e.eligibleAt = now.Add(d.MinLatency())
		if d.DeadlineMs > 0 {
			e.deadlineAt = now.Add(d.Deadline())
		}
	}
	return e
}

func (e *entry) begin(now time.Time, forced bool) *attempt {
	e.attempts++
	e.state = job.StateRunning
	e.forced = forced
	e.deadlineAt = time.Time{}
	e.stopReason = ""
	e.updatedAt = now

	att := &attempt{
		entry: e,
		params: &job.Params{
			JobID:                   e.desc.ID,
			Token:                   uuid.NewString(),
			Attempt:                 e.attempts,
			Service:                 e.desc.Service,
			Constraints:             e.desc.Constraints,
			Extras:                  maps.Clone(e.desc.Extras),
			StartedAt:               now,
			OverrideDeadlineExpired: forced,
		},
	}
	e.current = att
	return att
}

// retry puts the job back to pending after the backoff for the next failure.
func (e *entry) retry(now time.Time) {
	e.failures++
	e.state = job.StatePending
	e.eligibleAt = now.Add(e.desc.RetryDelay(e.failures))
	e.updatedAt = now
}

// rearm schedules the next run of a periodic job. It returns false and
// leaves the entry untouched when the schedule has no further activation.
func (e *entry) rearm(now time.Time) bool {
	next := e.sched.Next(now)
	if next.IsZero() {
		return false
	}
	e.failures = 0
	e.state = job.StatePending
	e.eligibleAt = next
	e.updatedAt = now
	return true
}

func (e *entry) status() job.Status {
	st := job.Status{
		ID:          e.desc.ID,
		Service:     e.desc.Service,
		State:       e.state,
		Constraints: e.desc.Constraints,
		Periodic:    e.desc.Periodic,
		Attempts:    e.attempts,
		StopReason:  e.stopReason,
		UpdatedAt:   e.updatedAt,
	}
	switch e.state {
	case stateStopping:
		st.State = job.StateRunning
	case job.StatePending:
		next := e.eligibleAt
		st.NextRunAt = &next
	}
	return st
}
