package job

import (
	"fmt"
	"jobscheduler/pkg/backoff"
	"maps"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultService is the handler used when a descriptor names none.
const DefaultService = "sample"

// Default backoff applied when a descriptor does not set one.
const (
	DefaultBackoffInitial = 30 * time.Second
	MaxBackoffDelay       = 5 * time.Hour
)

// Descriptor describes a job to run once its constraints hold.
// The authority keeps its own copy; a submitted descriptor is never mutated.
type Descriptor struct {
	ID           int               `json:"id"`
	Service      string            `json:"service,omitempty"`
	Constraints  ConstraintSet     `json:"constraints,omitempty"`
	Extras       map[string]string `json:"extras,omitempty"`
	MinLatencyMs int64             `json:"minLatencyMs,omitempty"` // earliest start after submission
	DeadlineMs   int64             `json:"deadlineMs,omitempty"`   // run regardless of constraints after this
	Periodic     string            `json:"periodic,omitempty"`     // cron spec, e.g. "@every 15m"
	Backoff      *BackoffPolicy    `json:"backoff,omitempty"`
	Callback     *Callback         `json:"callback,omitempty"`
}

// BackoffPolicy controls the delay before a job is retried.
type BackoffPolicy struct {
	Policy    backoff.Policy `json:"policy"`
	InitialMs int64          `json:"initialMs"`
}

// Callback represents lifecycle webhook configuration for a job
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
}

// MinLatency returns the minimum delay before the first attempt.
func (d *Descriptor) MinLatency() time.Duration {
	return time.Duration(d.MinLatencyMs) * time.Millisecond
}

// Deadline returns the override deadline, zero if unset.
func (d *Descriptor) Deadline() time.Duration {
	return time.Duration(d.DeadlineMs) * time.Millisecond
}

// IsPeriodic reports whether the job re-arms after each run.
func (d *Descriptor) IsPeriodic() bool {
	return d.Periodic != ""
}

// Schedule parses the periodic spec. Returns nil for one-shot jobs.
func (d *Descriptor) Schedule() (cron.Schedule, error) {
	if d.Periodic == "" {
		return nil, nil
	}
	sched, err := cron.ParseStandard(d.Periodic)
	if err != nil {
		return nil, fmt.Errorf("invalid periodic spec %q: %w", d.Periodic, err)
	}
	if sched.Next(time.Now()).IsZero() {
		return nil, fmt.Errorf("periodic spec %q never fires", d.Periodic)
	}
	return sched, nil
}

// RetryDelay returns the backoff before retry number attempt (1-based).
func (d *Descriptor) RetryDelay(attempt int) time.Duration {
	policy := backoff.PolicyExponential
	initial := DefaultBackoffInitial
	if d.Backoff != nil {
		if d.Backoff.Policy != "" {
			policy = d.Backoff.Policy
		}
		if d.Backoff.InitialMs > 0 {
			initial = time.Duration(d.Backoff.InitialMs) * time.Millisecond
		}
	}
	return backoff.Delay(policy, attempt, &backoff.Config{Initial: initial, Max: MaxBackoffDelay})
}

// Clone returns a deep copy.
func (d *Descriptor) Clone() *Descriptor {
	c := *d
	c.Extras = maps.Clone(d.Extras)
	if d.Backoff != nil {
		b := *d.Backoff
		c.Backoff = &b
	}
	if d.Callback != nil {
		cb := *d.Callback
		cb.Events = append([]string(nil), d.Callback.Events...)
		c.Callback = &cb
	}
	return &c
}

// Params identifies one execution attempt of a job. It is handed to the
// handler at start and passed back to the authority when reporting completion.
type Params struct {
	JobID       int               `json:"jobId"`
	Token       string            `json:"token"`
	Attempt     int               `json:"attempt"`
	Service     string            `json:"service"`
	Constraints ConstraintSet     `json:"constraints,omitempty"`
	Extras      map[string]string `json:"extras,omitempty"`
	StartedAt   time.Time         `json:"startedAt"`

	// OverrideDeadlineExpired is set when the attempt started because the
	// deadline passed rather than because the constraints hold.
	OverrideDeadlineExpired bool `json:"overrideDeadlineExpired,omitempty"`

	// StopReason is only set on the copy passed to OnStop.
	StopReason StopReason `json:"stopReason,omitempty"`
}

// StartDecision is returned by OnStart.
type StartDecision int

const (
	// Done means the work finished synchronously; no stop signal follows.
	Done StartDecision = iota
	// ContinueAsync means the handler reports completion later and honours stop signals.
	ContinueAsync
)

func (d StartDecision) String() string {
	if d == ContinueAsync {
		return "continue_async"
	}
	return "done"
}

// StopDecision is returned by OnStop.
type StopDecision int

const (
	// Abandon ends the job permanently.
	Abandon StopDecision = iota
	// Retry asks the authority to run the job again later under the same descriptor.
	Retry
)

func (d StopDecision) String() string {
	if d == Retry {
		return "retry"
	}
	return "abandon"
}

// StopReason tells a handler why its attempt is being stopped.
type StopReason string

const (
	StopReasonConstraints StopReason = "constraints"
	StopReasonCancelled   StopReason = "cancelled"
	StopReasonReplaced    StopReason = "replaced"
	StopReasonShutdown    StopReason = "shutdown"
)

// Result is returned when a job is accepted
type Result struct {
	ID     int    `json:"id"`
	Status string `json:"status"` // "accepted"
}

// Status represents the current status of a job
type Status struct {
	ID          int           `json:"id"`
	Service     string        `json:"service"`
	State       string        `json:"status"`
	Constraints ConstraintSet `json:"constraints"`
	Periodic    string        `json:"periodic,omitempty"`
	Attempts    int           `json:"attempts"`
	NextRunAt   *time.Time    `json:"nextRunAt,omitempty"`
	StopReason  StopReason    `json:"stopReason,omitempty"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// ListResponse represents the response for listing jobs
type ListResponse struct {
	Jobs []Status `json:"jobs"`
}

// State constants
const (
	StateAccepted  = "accepted"
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateCancelled = "cancelled"
	StateAbandoned = "abandoned"
)
