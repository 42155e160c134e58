// Package runner provides the sample job service: a bounded loop of timed
// steps that runs on its own goroutine and stops cooperatively.
package runner

import (
	"context"
	"errors"
	"fmt"
	"jobscheduler/internal/job"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// StepFunc performs one step of work. It must return promptly once ctx is done.
type StepFunc func(ctx context.Context, p *job.Params, step int) error

// Config holds configuration for SampleService.
type Config struct {
	Steps         int           // 0 completes synchronously in OnStart
	StepInterval  time.Duration // default 1s
	AbandonOnStop bool          // OnStop returns Abandon instead of Retry
	Step          StepFunc      // default sleeps for StepInterval
}

// DefaultConfig mirrors the classic sample: ten one-second steps, retried on stop.
func DefaultConfig() Config {
	return Config{Steps: 10, StepInterval: time.Second}
}

func (c Config) withDefaults() Config {
	if c.Steps < 0 {
		c.Steps = 0
	}
	if c.StepInterval <= 0 {
		c.StepInterval = time.Second
	}
	return c
}

// TaskState is the lifecycle state of one task instance.
type TaskState int32

const (
	TaskIdle TaskState = iota
	TaskRunning
	TaskStopping
	TaskCompleted
	TaskCancelled
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskRunning:
		return "running"
	case TaskStopping:
		return "stopping"
	case TaskCompleted:
		return "completed"
	case TaskCancelled:
		return "cancelled"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// task is one execution attempt. The only state OnStop shares with the
// worker is cancel and state.
type task struct {
	params *job.Params
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) load() TaskState {
	return TaskState(t.state.Load())
}

func (t *task) transition(from, to TaskState) bool {
	return t.state.CompareAndSwap(int32(from), int32(to))
}

// SampleService implements job.Handler.
type SampleService struct {
	cfg       Config
	completer job.Completer
	logger    *slog.Logger

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	wg     sync.WaitGroup
}

// NewSampleService creates the service. Completion is reported to completer.
func NewSampleService(cfg Config, completer job.Completer) *SampleService {
	cfg = cfg.withDefaults()
	s := &SampleService{
		cfg:       cfg,
		completer: completer,
		logger:    slog.With("component", "runner"),
		tasks:     make(map[string]*task),
	}
	if s.cfg.Step == nil {
		s.cfg.Step = s.sleepStep
	}
	return s
}

// OnStart launches the work loop and returns ContinueAsync. With zero steps
// there is nothing to run and it returns Done.
func (s *SampleService) OnStart(p *job.Params) job.StartDecision {
	logger := s.logger.With("jobId", p.JobID, "attempt", p.Attempt)

	if s.cfg.Steps == 0 {
		logger.Info("Job completed synchronously")
		return job.Done
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{params: p, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		logger.Warn("Service closed, not starting job")
		return job.Done
	}
	s.tasks[p.Token] = t
	t.transition(TaskIdle, TaskRunning)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.work(ctx, t, logger)
	return job.ContinueAsync
}

// OnStop requests cancellation and returns without waiting for the worker.
func (s *SampleService) OnStop(p *job.Params) job.StopDecision {
	decision := job.Retry
	if s.cfg.AbandonOnStop {
		decision = job.Abandon
	}
	logger := s.logger.With("jobId", p.JobID, "attempt", p.Attempt)

	s.mu.Lock()
	t := s.tasks[p.Token]
	s.mu.Unlock()

	if t == nil {
		logger.Warn("Stop for unknown attempt")
		return decision
	}
	if t.transition(TaskRunning, TaskStopping) {
		t.cancel()
		logger.Info("Job stop requested", "reason", string(p.StopReason), "decision", decision.String())
	}
	return decision
}

// State returns the state of the attempt identified by token. Attempts are
// forgotten once their worker exits.
func (s *SampleService) State(token string) (TaskState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[token]
	if !ok {
		return TaskIdle, false
	}
	return t.load(), true
}

// Close cancels every running task and waits for the workers until ctx is done.
func (s *SampleService) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, t := range s.tasks {
		if t.transition(TaskRunning, TaskStopping) {
			t.cancel()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SampleService) work(ctx context.Context, t *task, logger *slog.Logger) {
	defer s.wg.Done()
	defer s.release(t)
	defer close(t.done)
	defer t.cancel()

	p := t.params
	logger.Info("Job started", "steps", s.cfg.Steps)

	for step := 1; step <= s.cfg.Steps; step++ {
		if ctx.Err() != nil {
			s.stopped(t, logger, step-1)
			return
		}
		if err := s.runStep(ctx, p, step); err != nil {
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				s.stopped(t, logger, step-1)
				return
			}
			if t.transition(TaskRunning, TaskFailed) {
				logger.Error("Job step failed", "step", step, "error", err)
				s.completer.Finished(p, true)
			} else {
				s.stopped(t, logger, step-1)
			}
			return
		}
	}

	if t.transition(TaskRunning, TaskCompleted) {
		logger.Info("Job completed", "steps", s.cfg.Steps)
		s.completer.Finished(p, false)
		return
	}
	s.stopped(t, logger, s.cfg.Steps)
}

func (s *SampleService) release(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[t.params.Token] == t {
		delete(s.tasks, t.params.Token)
	}
}

func (s *SampleService) stopped(t *task, logger *slog.Logger, completed int) {
	t.transition(TaskStopping, TaskCancelled)
	logger.Info("Job cancelled, stopping work", "completedSteps", completed)
}

func (s *SampleService) runStep(ctx context.Context, p *job.Params, step int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %d panicked: %v", step, r)
		}
	}()
	return s.cfg.Step(ctx, p, step)
}

// sleepStep waits one interval, returning early on cancellation.
func (s *SampleService) sleepStep(ctx context.Context, p *job.Params, step int) error {
	timer := time.NewTimer(s.cfg.StepInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	s.logger.Debug("Job step done", "jobId", p.JobID, "step", step, "of", s.cfg.Steps)
	return nil
}

var _ job.Handler = (*SampleService)(nil)
