// Package authority implements an in-memory job scheduler. It records
// submitted jobs by identity, watches simulated device conditions, starts
// jobs whose constraints hold, delivers stop signals when they no longer
// hold, and applies completion reports from handlers.
//
// Every OnStart and OnStop call is made from a single callback goroutine
// with no lock held, so handlers may call back into the authority.
package authority

import (
	"context"
	"errors"
	"jobscheduler/internal/apperrors"
	"jobscheduler/internal/conditions"
	"jobscheduler/internal/dispatcher"
	"jobscheduler/internal/job"
	"jobscheduler/pkg/cloudevent"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("authority closed")

// Authority is the in-process job scheduler.
type Authority struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	handlers map[string]job.Handler
	jobs     map[int]*entry
	history  map[int]*entry
	attempts map[string]*attempt // current attempts by token
	orphans  []orphan
	closed   bool

	kick      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an authority and starts its callback goroutine.
func New(cfg Config) *Authority {
	a := &Authority{
		cfg:      cfg.withDefaults(),
		logger:   slog.With("component", "authority"),
		now:      time.Now,
		handlers: make(map[string]job.Handler),
		jobs:     make(map[int]*entry),
		history:  make(map[int]*entry),
		attempts: make(map[string]*attempt),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

// Register binds a handler to a service name. Handlers implementing
// job.Validator are consulted on every submission for that service.
func (a *Authority) Register(name string, h job.Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.handlers[name]; exists {
		return apperrors.Conflict("service", name, "already registered")
	}
	a.handlers[name] = h
	a.logger.Info("Service registered", "service", name)
	return nil
}

// Services returns the registered service names in order.
func (a *Authority) Services() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, 0, len(a.handlers))
	for name := range a.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Conditions returns the monitor the authority evaluates constraints against.
func (a *Authority) Conditions() *conditions.Monitor {
	return a.cfg.Conditions
}

// Schedule records a job. A job with the same ID replaces the existing one;
// if that one is running, its attempt receives a stop signal.
func (a *Authority) Schedule(ctx context.Context, d *job.Descriptor) error {
	sched, err := d.Schedule()
	if err != nil {
		return apperrors.Validation("periodic", err.Error())
	}
	if sched != nil && sched.Next(a.now()).IsZero() {
		return apperrors.Validation("periodic", "periodic spec has no activation after now")
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return apperrors.Internal("authority.schedule", ErrClosed)
	}
	h, ok := a.handlers[d.Service]
	if !ok {
		a.mu.Unlock()
		a.cfg.Metrics.RecordJobRejected(ctx, d.Service, "not_found")
		return apperrors.NotFound("service", d.Service)
	}
	if v, ok := h.(job.Validator); ok {
		if err := v.Validate(d); err != nil {
			a.mu.Unlock()
			a.cfg.Metrics.RecordJobRejected(ctx, d.Service, "validation")
			return err
		}
	}

	prev, replacing := a.jobs[d.ID]
	if !replacing && len(a.jobs) >= a.cfg.MaxJobs {
		a.mu.Unlock()
		a.cfg.Metrics.RecordJobRejected(ctx, d.Service, "capacity")
		return apperrors.Capacity("job", a.cfg.MaxJobs)
	}
	if replacing {
		a.detachLocked(prev, job.StopReasonReplaced)
	}

	e := newEntry(d.Clone(), h, sched, a.now())
	a.jobs[d.ID] = e
	a.mu.Unlock()

	logger := a.logger.With("jobId", d.ID, "service", d.Service)
	if replacing {
		logger.Info("Job replaced", "previousState", prev.state)
	}
	logger.Debug("Job recorded", "eligibleAt", e.eligibleAt, "constraints", d.Constraints.String())

	a.cfg.Metrics.RecordJobScheduled(ctx, d.Service)
	a.emit(e, e.events.BuildScheduledEvent(d.Constraints))
	a.wake()
	return nil
}

// Cancel removes a job. A running attempt receives a stop signal; unknown
// IDs are ignored.
func (a *Authority) Cancel(ctx context.Context, jobID int) {
	a.mu.Lock()
	e, ok := a.jobs[jobID]
	if !ok {
		a.mu.Unlock()
		a.logger.Debug("Cancel for unknown job", "jobId", jobID)
		return
	}
	a.cancelLocked(e)
	a.mu.Unlock()

	a.cfg.Metrics.RecordJobCancelled(ctx, e.desc.Service)
	a.emit(e, e.events.BuildCancelEvent())
	a.wake()
}

// CancelAll cancels every active job.
func (a *Authority) CancelAll(ctx context.Context) {
	a.mu.Lock()
	cancelled := make([]*entry, 0, len(a.jobs))
	for _, e := range a.jobs {
		a.cancelLocked(e)
		cancelled = append(cancelled, e)
	}
	a.mu.Unlock()

	for _, e := range cancelled {
		a.cfg.Metrics.RecordJobCancelled(ctx, e.desc.Service)
		a.emit(e, e.events.BuildCancelEvent())
	}
	a.logger.Info("All jobs cancelled", "count", len(cancelled))
	a.wake()
}

func (a *Authority) cancelLocked(e *entry) {
	a.detachLocked(e, job.StopReasonCancelled)
	delete(a.jobs, e.desc.ID)
	e.state = job.StateCancelled
	e.stopReason = job.StopReasonCancelled
	e.updatedAt = a.now()
	a.history[e.desc.ID] = e
}

// detachLocked removes the running attempt of e, if any, and queues its stop signal.
func (a *Authority) detachLocked(e *entry, reason job.StopReason) {
	if e.current == nil {
		return
	}
	delete(a.attempts, e.current.params.Token)
	a.orphans = append(a.orphans, orphan{att: e.current, reason: reason})
	e.current = nil
}

// Status returns the status of an active or recently finished job.
func (a *Authority) Status(_ context.Context, jobID int) (*job.Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.jobs[jobID]; ok {
		st := e.status()
		return &st, nil
	}
	if e, ok := a.history[jobID]; ok {
		st := e.status()
		return &st, nil
	}
	return nil, apperrors.NotFound("job", strconv.Itoa(jobID))
}

// List returns all active and retained jobs ordered by ID.
func (a *Authority) List(_ context.Context) ([]job.Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]job.Status, 0, len(a.jobs)+len(a.history))
	for _, e := range a.jobs {
		out = append(out, e.status())
	}
	for id, e := range a.history {
		if _, active := a.jobs[id]; !active {
			out = append(out, e.status())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Finished applies a completion report. It returns false when the report
// does not refer to the current attempt of a job: after a stop signal, after
// cancellation, or when the attempt already reported.
func (a *Authority) Finished(p *job.Params, reschedule bool) bool {
	if p == nil {
		return false
	}

	a.mu.Lock()
	att, ok := a.attempts[p.Token]
	if !ok {
		a.mu.Unlock()
		a.logger.Debug("Ignoring stale completion report", "jobId", p.JobID, "attempt", p.Attempt)
		return false
	}
	e := att.entry
	now := a.now()
	delete(a.attempts, p.Token)
	e.current = nil
	duration := now.Sub(att.params.StartedAt)

	switch {
	case reschedule:
		e.retry(now)
	case e.sched != nil:
		if !e.rearm(now) {
			a.completeLocked(e, now)
		}
	default:
		a.completeLocked(e, now)
	}
	state, next := e.state, e.eligibleAt
	a.mu.Unlock()

	logger := a.logger.With("jobId", p.JobID, "attempt", p.Attempt)
	if state == job.StatePending {
		logger.Info("Job finished, rescheduled", "reschedule", reschedule, "nextRunAt", next)
	} else {
		logger.Info("Job finished", "duration", duration)
	}

	a.cfg.Metrics.RecordJobFinished(context.Background(), e.desc.Service, reschedule, duration.Seconds())
	a.emit(e, e.events.BuildFinishEvent(att.params, reschedule, duration))
	a.wake()
	return true
}

// completeLocked archives e as completed. The caller holds a.mu.
func (a *Authority) completeLocked(e *entry, now time.Time) {
	delete(a.jobs, e.desc.ID)
	e.state = job.StateCompleted
	e.failures = 0
	e.updatedAt = now
	a.history[e.desc.ID] = e
}

// Ready reports whether the authority accepts work.
func (a *Authority) Ready(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	return nil
}

// Close stops the callback goroutine. Running attempts receive a stop
// signal with reason shutdown before Close returns.
func (a *Authority) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.stop)
	})
	<-a.done
	return nil
}

func (a *Authority) wake() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

func (a *Authority) emit(e *entry, ev *cloudevent.CloudEvent) {
	cb := e.desc.Callback
	if a.cfg.Dispatcher == nil || cb == nil || !job.FilteredEvents(ev.Type, cb.Events) {
		return
	}
	err := a.cfg.Dispatcher.Dispatch(&dispatcher.Event{
		Payload:     ev,
		Destination: cb.URL,
		SigningKey:  cb.Key,
	})
	if err != nil {
		a.logger.Warn("Failed to queue callback", "jobId", e.desc.ID, "type", ev.Type, "error", err)
	}
}

var (
	_ job.Scheduler = (*Authority)(nil)
	_ job.Completer = (*Authority)(nil)
)
