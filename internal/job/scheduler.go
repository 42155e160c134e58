// Package job defines job descriptors, the Scheduler interface and the
// handler contract that schedulers drive.
package job

import "context"

// Scheduler records jobs and runs them once their constraints hold.
//
// # Handler contract
//
// When a job becomes runnable the scheduler calls Handler.OnStart on its
// callback goroutine. All OnStart and OnStop calls for every job arrive on
// that single goroutine, so handlers must hand long work to their own
// goroutines and return promptly.
//
//   - OnStart returning Done ends the attempt. OnStop will not follow.
//   - OnStart returning ContinueAsync obliges the handler to call
//     Completer.Finished once its work ends, and to stop the work when
//     OnStop arrives.
//   - OnStop is delivered at most once per attempt, when constraints stop
//     holding, the job is cancelled or replaced, or the scheduler shuts down.
//     Once OnStop has been delivered, Finished for that attempt is ignored.
type Scheduler interface {
	// Schedule records a job. An existing job with the same ID is replaced;
	// if it was running, its attempt receives a stop signal.
	Schedule(ctx context.Context, d *Descriptor) error

	// Cancel abandons a pending or running job. Unknown IDs are ignored.
	// A running attempt receives a stop signal; nothing is acknowledged.
	Cancel(ctx context.Context, jobID int)

	// CancelAll cancels every job.
	CancelAll(ctx context.Context)

	// Status returns the status of a live or recently finished job.
	Status(ctx context.Context, jobID int) (*Status, error)

	// List returns the status of all known jobs ordered by ID.
	List(ctx context.Context) ([]Status, error)

	// Ready reports whether the scheduler accepts work.
	Ready(ctx context.Context) error

	// Close stops the scheduler. Running attempts receive a stop signal.
	Close() error
}

// Handler runs the work of a job.
type Handler interface {
	OnStart(p *Params) StartDecision
	OnStop(p *Params) StopDecision
}

// Completer receives completion reports from handlers.
type Completer interface {
	// Finished reports that the attempt identified by p ended. reschedule
	// asks for a retry with backoff. Returns false when the report was
	// ignored because the attempt is no longer current.
	Finished(p *Params, reschedule bool) bool
}

// Validator is implemented by handlers that check descriptors at submission.
type Validator interface {
	Validate(d *Descriptor) error
}
