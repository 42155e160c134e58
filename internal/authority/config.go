package authority

import (
	"context"
	"jobscheduler/internal/conditions"
	"jobscheduler/internal/dispatcher"
	"time"
)

// Config holds configuration for the authority. Zero values use defaults.
type Config struct {
	MaxJobs             int           // active jobs, default 100
	Retention           time.Duration // how long finished jobs stay queryable, default 15m
	MaintenanceInterval time.Duration // history pruning cadence, default 1m

	Conditions *conditions.Monitor   // default: a monitor at conditions.Default()
	Dispatcher dispatcher.Dispatcher // optional, delivers lifecycle callbacks
	Metrics    MetricsRecorder       // optional
}

// MetricsRecorder records job lifecycle metrics.
type MetricsRecorder interface {
	RecordJobScheduled(ctx context.Context, service string)
	RecordJobRejected(ctx context.Context, service, reason string)
	RecordJobStarted(ctx context.Context, service string, forced bool)
	RecordJobStopped(ctx context.Context, service, reason string)
	RecordJobFinished(ctx context.Context, service string, reschedule bool, durationSeconds float64)
	RecordJobCancelled(ctx context.Context, service string)
}

func (c Config) withDefaults() Config {
	if c.MaxJobs <= 0 {
		c.MaxJobs = 100
	}
	if c.Retention <= 0 {
		c.Retention = 15 * time.Minute
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	if c.Conditions == nil {
		c.Conditions = conditions.NewMonitor(conditions.Default())
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	return c
}

type nopMetrics struct{}

func (nopMetrics) RecordJobScheduled(context.Context, string)               {}
func (nopMetrics) RecordJobRejected(context.Context, string, string)        {}
func (nopMetrics) RecordJobStarted(context.Context, string, bool)           {}
func (nopMetrics) RecordJobStopped(context.Context, string, string)         {}
func (nopMetrics) RecordJobFinished(context.Context, string, bool, float64) {}
func (nopMetrics) RecordJobCancelled(context.Context, string)               {}
