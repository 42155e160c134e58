// Package container provides a job service whose work is a Docker container.
//
// The image comes from the descriptor's extras ("image", plus optional
// "command", "cpu", "memory_mb" and "env.NAME" entries). A stop signal stops
// and removes the container; the attempt then does not report completion.
package container

import (
	"context"
	"fmt"
	"jobscheduler/internal/apperrors"
	"jobscheduler/internal/job"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Extras keys understood by the service.
const (
	ExtraImage     = "image"
	ExtraCommand   = "command"
	ExtraCPU       = "cpu"
	ExtraMemoryMB  = "memory_mb"
	ExtraEnvPrefix = "env."
)

// Config holds configuration for the container service.
type Config struct {
	StopTimeout time.Duration // grace period before the daemon kills a stopped container, default 10s
}

func (c Config) withDefaults() Config {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}

type run struct {
	params *job.Params
	cancel context.CancelFunc
}

// Service implements job.Handler and job.Validator.
type Service struct {
	engine    engine
	completer job.Completer
	cfg       Config
	logger    *slog.Logger

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// NewService connects to the Docker daemon from the environment and removes
// containers left behind by a previous process.
func NewService(ctx context.Context, cfg Config, completer job.Completer) (*Service, error) {
	eng, err := newDockerEngine()
	if err != nil {
		return nil, err
	}
	s := newService(eng, cfg, completer)
	s.removeLeftovers(ctx)
	return s, nil
}

func newService(eng engine, cfg Config, completer job.Completer) *Service {
	return &Service{
		engine:    eng,
		completer: completer,
		cfg:       cfg.withDefaults(),
		logger:    slog.With("component", "container"),
		runs:      make(map[string]*run),
	}
}

// Validate checks the container extras of a descriptor.
func (s *Service) Validate(d *job.Descriptor) error {
	if strings.TrimSpace(d.Extras[ExtraImage]) == "" {
		return apperrors.Validation("extras.image", "image is required")
	}
	if v, ok := d.Extras[ExtraCPU]; ok {
		if cpu, err := strconv.ParseFloat(v, 64); err != nil || cpu <= 0 {
			return apperrors.Validation("extras.cpu", "cpu must be a positive number")
		}
	}
	if v, ok := d.Extras[ExtraMemoryMB]; ok {
		if mem, err := strconv.ParseInt(v, 10, 64); err != nil || mem <= 0 {
			return apperrors.Validation("extras.memory_mb", "memory_mb must be a positive integer")
		}
	}
	for k := range d.Extras {
		if strings.HasPrefix(k, ExtraEnvPrefix) && len(k) == len(ExtraEnvPrefix) {
			return apperrors.Validation("extras", "env entries need a variable name")
		}
	}
	return nil
}

// OnStart launches the container on a worker goroutine.
func (s *Service) OnStart(p *job.Params) job.StartDecision {
	logger := s.logger.With("jobId", p.JobID, "attempt", p.Attempt)
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		logger.Warn("Service closed, not starting container")
		return job.Done
	}
	s.runs[p.Token] = &run{params: p, cancel: cancel}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.work(ctx, p, logger)
	return job.ContinueAsync
}

// OnStop cancels the worker, which stops and removes the container.
func (s *Service) OnStop(p *job.Params) job.StopDecision {
	s.mu.Lock()
	r, ok := s.runs[p.Token]
	s.mu.Unlock()

	if ok {
		r.cancel()
		s.logger.Info("Container stop requested", "jobId", p.JobID, "attempt", p.Attempt, "reason", string(p.StopReason))
	}
	return job.Retry
}

// Ready pings the Docker daemon.
func (s *Service) Ready(ctx context.Context) error {
	if err := s.engine.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// Close cancels all running containers, waits for cleanup until ctx is done
// and closes the Docker client.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, r := range s.runs {
		r.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if cerr := s.engine.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Service) work(ctx context.Context, p *job.Params, logger *slog.Logger) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if r, ok := s.runs[p.Token]; ok {
			r.cancel()
			delete(s.runs, p.Token)
		}
		s.mu.Unlock()
	}()

	sp := buildSpec(p)
	logger = logger.With("image", sp.Image)

	if err := s.engine.EnsureImage(ctx, sp.Image); err != nil {
		s.fail(ctx, p, logger, "pull image", err)
		return
	}

	id, err := s.engine.Create(ctx, sp)
	if err != nil {
		s.fail(ctx, p, logger, "create container", err)
		return
	}
	defer s.remove(id, logger)

	if err := s.engine.Start(ctx, id); err != nil {
		s.fail(ctx, p, logger, "start container", err)
		return
	}
	logger.Info("Job container started", "containerId", shortID(id))

	start := time.Now()
	code, err := s.engine.Wait(ctx, id)
	if ctx.Err() != nil {
		logger.Info("Job container stopped", "containerId", shortID(id))
		return
	}
	if err != nil {
		s.fail(ctx, p, logger, "wait for container", err)
		return
	}

	logger.Info("Job container exited", "exitCode", code, "duration", time.Since(start))
	s.completer.Finished(p, code != 0)
}

// fail reports a retry unless the attempt was stopped.
func (s *Service) fail(ctx context.Context, p *job.Params, logger *slog.Logger, op string, err error) {
	if ctx.Err() != nil {
		logger.Info("Job container stopped before it ran", "op", op)
		return
	}
	logger.Error("Job container failed", "op", op, "error", err)
	s.completer.Finished(p, true)
}

func (s *Service) remove(id string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout+20*time.Second)
	defer cancel()

	if err := s.engine.Remove(ctx, id, int(s.cfg.StopTimeout.Seconds())); err != nil {
		logger.Warn("Failed to remove container", "containerId", shortID(id), "error", err)
	}
}

func (s *Service) removeLeftovers(ctx context.Context) {
	ids, err := s.engine.ListManaged(ctx)
	if err != nil {
		s.logger.Warn("Failed to list leftover containers", "error", err)
		return
	}
	for _, id := range ids {
		s.remove(id, s.logger)
	}
	if len(ids) > 0 {
		s.logger.Info("Removed leftover job containers", "count", len(ids))
	}
}

func buildSpec(p *job.Params) spec {
	sp := spec{
		Name:  fmt.Sprintf("jobscheduler-%d-%d-%s", p.JobID, p.Attempt, shortID(p.Token)),
		Image: p.Extras[ExtraImage],
		Labels: map[string]string{
			labelManagedBy: managedBy,
			labelJobID:     strconv.Itoa(p.JobID),
			labelAttempt:   strconv.Itoa(p.Attempt),
			labelToken:     p.Token,
		},
	}
	if cmd := p.Extras[ExtraCommand]; cmd != "" {
		sp.Cmd = []string{"/bin/sh", "-c", cmd}
	}
	if v, err := strconv.ParseFloat(p.Extras[ExtraCPU], 64); err == nil {
		sp.NanoCPUs = int64(v * 1e9)
	}
	if v, err := strconv.ParseInt(p.Extras[ExtraMemoryMB], 10, 64); err == nil {
		sp.MemoryMB = v
	}

	for _, k := range slices.Sorted(maps.Keys(p.Extras)) {
		if name, ok := strings.CutPrefix(k, ExtraEnvPrefix); ok && name != "" {
			sp.Env = append(sp.Env, name+"="+p.Extras[k])
		}
	}
	sp.Env = append(sp.Env,
		"JOB_ID="+strconv.Itoa(p.JobID),
		"JOB_ATTEMPT="+strconv.Itoa(p.Attempt))
	return sp
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var (
	_ job.Handler   = (*Service)(nil)
	_ job.Validator = (*Service)(nil)
)
