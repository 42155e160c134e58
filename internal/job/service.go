package job

import (
	"context"
	"fmt"
	"jobscheduler/internal/apperrors"
	"jobscheduler/internal/observability"
	"jobscheduler/pkg/backoff"
	"log/slog"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

// Validation limits
const (
	maxServiceNameLength = 64
	maxExtras            = 32
	maxExtraKeyLen       = 64
	maxExtraValueLen     = 1024
	maxCallbackEvents    = 16
)

var servicePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

var knownEventTypes = []string{
	EventTypeScheduled,
	EventTypeStart,
	EventTypeStop,
	EventTypeFinish,
	EventTypeCancel,
}

// Service is the submitting side of the scheduler. It validates
// descriptors, hands them to the Scheduler and reports the outcome in the
// log. Errors never carry more than accepted or rejected.
type Service struct {
	scheduler Scheduler
	metrics   *observability.Metrics
}

// NewService creates a new job service.
func NewService(scheduler Scheduler, metrics *observability.Metrics) *Service {
	return &Service{
		scheduler: scheduler,
		metrics:   metrics,
	}
}

// Schedule validates and submits a job.
// Note: This method applies defaults to the descriptor before validation.
func (s *Service) Schedule(ctx context.Context, d *Descriptor) (*Result, error) {
	applyDefaults(d)
	logger := slog.With("jobId", d.ID, "service", d.Service)

	if err := s.validate(d); err != nil {
		logger.Warn("Job scheduling failed", "error", err)
		if s.metrics != nil {
			s.metrics.RecordJobRejected(ctx, d.Service, "validation")
		}
		return nil, err
	}

	if err := s.scheduler.Schedule(ctx, d); err != nil {
		logger.Warn("Job scheduling failed", "error", err)
		return nil, err
	}

	logger.Info("Job scheduled successfully", "constraints", d.Constraints.String())

	return &Result{
		ID:     d.ID,
		Status: StateAccepted,
	}, nil
}

// Get returns the status of a job.
func (s *Service) Get(ctx context.Context, jobID int) (*Status, error) {
	return s.scheduler.Status(ctx, jobID)
}

// Cancel abandons a job. There is no acknowledgement beyond the log line.
func (s *Service) Cancel(ctx context.Context, jobID int) {
	s.scheduler.Cancel(ctx, jobID)
	slog.Info("Job cancelled", "jobId", jobID)
}

// CancelAll abandons every job.
func (s *Service) CancelAll(ctx context.Context) {
	s.scheduler.CancelAll(ctx)
	slog.Info("All jobs cancelled")
}

// List returns all jobs and their statuses.
func (s *Service) List(ctx context.Context) (*ListResponse, error) {
	statuses, err := s.scheduler.List(ctx)
	if err != nil {
		return nil, err
	}
	return &ListResponse{Jobs: statuses}, nil
}

// applyDefaults sets default values for unspecified descriptor fields.
func applyDefaults(d *Descriptor) {
	if d.Service == "" {
		d.Service = DefaultService
	}
	if d.Backoff != nil && d.Backoff.Policy == "" {
		d.Backoff.Policy = backoff.PolicyExponential
	}
}

// validate validates a descriptor. Does not modify it.
func (s *Service) validate(d *Descriptor) error {
	if d.ID < 0 {
		return apperrors.Validation("id", "job ID must not be negative")
	}

	if len(d.Service) > maxServiceNameLength {
		return apperrors.Validation("service", fmt.Sprintf("service name exceeds maximum length of %d", maxServiceNameLength))
	}
	if !servicePattern.MatchString(d.Service) {
		return apperrors.Validation("service", "service name must be lowercase alphanumeric (hyphens and underscores allowed)")
	}

	if !d.Constraints.known() {
		return apperrors.Validation("constraints", "unknown constraint bits set")
	}

	if d.MinLatencyMs < 0 {
		return apperrors.Validation("minLatencyMs", "minimum latency must not be negative")
	}
	if d.DeadlineMs < 0 {
		return apperrors.Validation("deadlineMs", "deadline must not be negative")
	}
	if d.DeadlineMs > 0 && d.DeadlineMs < d.MinLatencyMs {
		return apperrors.Validation("deadlineMs", "deadline must not be earlier than the minimum latency")
	}

	if d.IsPeriodic() {
		if d.MinLatencyMs > 0 || d.DeadlineMs > 0 {
			return apperrors.Validation("periodic", "periodic jobs cannot set a minimum latency or deadline")
		}
		if _, err := d.Schedule(); err != nil {
			return apperrors.Validation("periodic", err.Error())
		}
	}

	if d.Backoff != nil {
		if d.Backoff.Policy != backoff.PolicyLinear && d.Backoff.Policy != backoff.PolicyExponential {
			return apperrors.Validation("backoff.policy", fmt.Sprintf("backoff policy must be %q or %q", backoff.PolicyLinear, backoff.PolicyExponential))
		}
		if d.Backoff.InitialMs < 0 || d.Backoff.InitialMs > MaxBackoffDelay.Milliseconds() {
			return apperrors.Validation("backoff.initialMs", fmt.Sprintf("initial backoff must be between 0 and %d ms", MaxBackoffDelay.Milliseconds()))
		}
	}

	if len(d.Extras) > maxExtras {
		return apperrors.Validation("extras", fmt.Sprintf("extras exceed maximum of %d entries", maxExtras))
	}
	for k, v := range d.Extras {
		if len(k) > maxExtraKeyLen {
			return apperrors.Validation("extras", fmt.Sprintf("extras key exceeds maximum length of %d", maxExtraKeyLen))
		}
		if len(v) > maxExtraValueLen {
			return apperrors.Validation("extras", fmt.Sprintf("extras value exceeds maximum length of %d", maxExtraValueLen))
		}
	}

	if d.Callback != nil {
		if err := validateURL(d.Callback.URL); err != nil {
			return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
		}
		if len(d.Callback.Events) > maxCallbackEvents {
			return apperrors.Validation("callback.events", fmt.Sprintf("callback events exceed maximum of %d", maxCallbackEvents))
		}
		for _, e := range d.Callback.Events {
			if !slices.Contains(knownEventTypes, e) {
				return apperrors.Validation("callback.events", fmt.Sprintf("unknown event type %q", e))
			}
		}
	}

	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
