package authority

import (
	"context"
	"fmt"
	"jobscheduler/internal/job"
	"sort"
	"time"
)

// action is work the callback goroutine performs outside the lock.
type action struct {
	att    *attempt
	start  bool
	reason job.StopReason
	decide bool // apply the OnStop decision to the entry
}

func (a *Authority) run() {
	defer close(a.done)

	updates, unsubscribe := a.cfg.Conditions.Subscribe()
	defer unsubscribe()

	maintenance := time.NewTicker(a.cfg.MaintenanceInterval)
	defer maintenance.Stop()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	a.logger.Info("Authority started", "maxJobs", a.cfg.MaxJobs)

	for {
		next := a.evaluate()
		resetTimer(timer, next, a.now())

		select {
		case <-a.stop:
			a.shutdown()
			return
		case <-a.kick:
		case <-updates:
		case <-timer.C:
		case <-maintenance.C:
			a.prune()
		}
	}
}

// evaluate plans one pass under the lock and runs the resulting callbacks.
// It returns the next time a pending job becomes due, zero if none.
func (a *Authority) evaluate() time.Time {
	actions, next := a.plan()
	for _, act := range actions {
		if act.start {
			a.deliverStart(act.att)
		} else {
			a.deliverStop(act.att, act.reason, act.decide)
		}
	}
	if len(actions) > 0 {
		// Callbacks may have changed state; take another pass.
		a.wake()
	}
	return next
}

func (a *Authority) plan() ([]action, time.Time) {
	state := a.cfg.Conditions.Current()

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var (
		actions []action
		next    time.Time
	)
	due := func(t time.Time) {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}

	for _, o := range a.orphans {
		actions = append(actions, action{att: o.att, reason: o.reason})
	}
	a.orphans = nil

	ids := make([]int, 0, len(a.jobs))
	for id := range a.jobs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		e := a.jobs[id]
		satisfied := state.Satisfies(e.desc.Constraints)

		switch e.state {
		case job.StatePending:
			if now.Before(e.eligibleAt) {
				due(e.eligibleAt)
				continue
			}
			deadlinePassed := !e.deadlineAt.IsZero() && !now.Before(e.deadlineAt)
			if !satisfied && !deadlinePassed {
				if !e.deadlineAt.IsZero() {
					due(e.deadlineAt)
				}
				continue
			}
			att := e.begin(now, !satisfied)
			a.attempts[att.params.Token] = att
			actions = append(actions, action{att: att, start: true})

		case job.StateRunning:
			if satisfied || e.forced || e.current == nil {
				continue
			}
			att := e.current
			delete(a.attempts, att.params.Token)
			e.current = nil
			e.state = stateStopping
			e.updatedAt = now
			actions = append(actions, action{att: att, reason: job.StopReasonConstraints, decide: true})
		}
	}
	return actions, next
}

func (a *Authority) deliverStart(att *attempt) {
	p := att.params
	logger := a.logger.With("jobId", p.JobID, "attempt", p.Attempt, "service", p.Service)

	a.mu.Lock()
	_, current := a.attempts[p.Token]
	a.mu.Unlock()
	if !current {
		// Cancelled or replaced between planning and delivery.
		att.noStop = true
		return
	}

	logger.Info("Starting job", "overrideDeadlineExpired", p.OverrideDeadlineExpired)
	a.cfg.Metrics.RecordJobStarted(context.Background(), p.Service, p.OverrideDeadlineExpired)
	a.emit(att.entry, att.entry.events.BuildStartEvent(p))

	decision, err := callStart(att.entry.handler, p)
	if err != nil {
		logger.Error("Job service panicked in OnStart", "error", err)
		att.noStop = true
		a.Finished(p, true)
		return
	}

	logger.Debug("OnStart returned", "decision", decision.String())
	if decision == job.Done {
		att.noStop = true
		a.Finished(p, false)
	}
}

func (a *Authority) deliverStop(att *attempt, reason job.StopReason, decide bool) {
	if att.noStop {
		return
	}
	att.noStop = true

	p := *att.params
	p.StopReason = reason
	logger := a.logger.With("jobId", p.JobID, "attempt", p.Attempt, "service", p.Service)

	decision, err := callStop(att.entry.handler, &p)
	if err != nil {
		logger.Error("Job service panicked in OnStop", "error", err)
		decision = job.Retry
	}
	logger.Info("Job stopped", "reason", string(reason), "decision", decision.String())

	a.cfg.Metrics.RecordJobStopped(context.Background(), p.Service, string(reason))
	a.emit(att.entry, att.entry.events.BuildStopEvent(&p, reason, decision))

	if decide {
		a.applyStopDecision(att.entry, decision)
	}
}

// applyStopDecision moves a stopped entry back to pending or ends it. Entries
// cancelled or replaced while OnStop ran are left alone.
func (a *Authority) applyStopDecision(e *entry, decision job.StopDecision) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.jobs[e.desc.ID] != e || e.state != stateStopping {
		return
	}
	now := a.now()
	e.stopReason = job.StopReasonConstraints

	switch {
	case decision == job.Retry:
		e.retry(now)
	case e.sched != nil:
		if !e.rearm(now) {
			a.completeLocked(e, now)
		}
	default:
		delete(a.jobs, e.desc.ID)
		e.state = job.StateAbandoned
		e.updatedAt = now
		a.history[e.desc.ID] = e
	}
}

// shutdown delivers stop signals to every running attempt.
func (a *Authority) shutdown() {
	a.mu.Lock()
	var actions []action
	for _, o := range a.orphans {
		actions = append(actions, action{att: o.att, reason: o.reason})
	}
	a.orphans = nil
	for _, e := range a.jobs {
		if e.current == nil {
			continue
		}
		att := e.current
		delete(a.attempts, att.params.Token)
		e.current = nil
		e.state = job.StatePending
		e.stopReason = job.StopReasonShutdown
		actions = append(actions, action{att: att, reason: job.StopReasonShutdown})
	}
	a.mu.Unlock()

	for _, act := range actions {
		a.deliverStop(act.att, act.reason, false)
	}
	a.logger.Info("Authority stopped", "stopped", len(actions))
}

// prune drops finished jobs older than the retention period.
func (a *Authority) prune() {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-a.cfg.Retention)
	removed := 0
	for id, e := range a.history {
		if e.updatedAt.Before(cutoff) {
			delete(a.history, id)
			removed++
		}
	}
	if removed > 0 {
		a.logger.Debug("Pruned finished jobs", "count", removed)
	}
}

func callStart(h job.Handler, p *job.Params) (d job.StartDecision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.OnStart(p), nil
}

func callStop(h job.Handler, p *job.Params) (d job.StopDecision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.OnStop(p), nil
}

// resetTimer arms t to fire at next, or leaves it stopped when next is zero.
func resetTimer(t *time.Timer, next, now time.Time) {
	t.Stop()
	if next.IsZero() {
		return
	}
	d := next.Sub(now)
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}
