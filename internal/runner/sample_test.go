package runner

import (
	"context"
	"errors"
	"jobscheduler/internal/authority"
	"jobscheduler/internal/conditions"
	"jobscheduler/internal/job"
	"jobscheduler/internal/testutil"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type finishCall struct {
	params     *job.Params
	reschedule bool
}

// recordingCompleter accepts the first report per token, like the authority.
type recordingCompleter struct {
	mu    sync.Mutex
	calls []finishCall
	seen  map[string]bool
}

func (c *recordingCompleter) Finished(p *job.Params, reschedule bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, finishCall{params: p, reschedule: reschedule})
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
	if c.seen[p.Token] {
		return false
	}
	c.seen[p.Token] = true
	return true
}

func (c *recordingCompleter) snapshot() []finishCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]finishCall(nil), c.calls...)
}

func newParams(jobID int) *job.Params {
	return &job.Params{JobID: jobID, Token: uuid.NewString(), Attempt: 1, Service: job.DefaultService, StartedAt: time.Now()}
}

func taskFor(t *testing.T, s *SampleService, token string) *task {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	tk, ok := s.tasks[token]
	require.True(t, ok, "no task for %s", token)
	return tk
}

func waitExit(t *testing.T, tk *task, timeout time.Duration) {
	t.Helper()
	select {
	case <-tk.done:
	case <-time.After(timeout):
		t.Fatalf("worker for job %d did not exit within %s", tk.params.JobID, timeout)
	}
}

func forgotten(s *SampleService, token string) func() bool {
	return func() bool {
		_, ok := s.State(token)
		return !ok
	}
}

func closeService(t *testing.T, s *SampleService) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
}

func TestSampleService_RunsToCompletion(t *testing.T) {
	c := &recordingCompleter{}
	s := NewSampleService(Config{Steps: 10, StepInterval: 10 * time.Millisecond}, c)
	defer closeService(t, s)

	p := newParams(1234)
	start := time.Now()
	require.Equal(t, job.ContinueAsync, s.OnStart(p))
	tk := taskFor(t, s, p.Token)

	testutil.MustWaitFor(t, func() bool { return len(c.snapshot()) == 1 })
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	calls := c.snapshot()
	assert.Same(t, p, calls[0].params)
	assert.False(t, calls[0].reschedule)

	waitExit(t, tk, time.Second)
	assert.Equal(t, TaskCompleted, tk.load())
	testutil.MustWaitFor(t, forgotten(s, p.Token))

	testutil.MustNotHappen(t, func() bool { return len(c.snapshot()) > 1 }, testutil.WithTimeout(50*time.Millisecond))
}

func TestSampleService_ZeroStepsIsSynchronous(t *testing.T) {
	c := &recordingCompleter{}
	s := NewSampleService(Config{Steps: 0}, c)
	defer closeService(t, s)

	assert.Equal(t, job.Done, s.OnStart(newParams(1)))
	assert.Empty(t, c.snapshot())
}

func TestSampleService_StopExitsWithinOneStep(t *testing.T) {
	const interval = 20 * time.Millisecond
	var steps atomic.Int64
	c := &recordingCompleter{}
	s := NewSampleService(Config{
		Steps:        10,
		StepInterval: interval,
		Step: func(ctx context.Context, _ *job.Params, _ int) error {
			steps.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
				return nil
			}
		},
	}, c)
	defer closeService(t, s)

	p := newParams(1234)
	require.Equal(t, job.ContinueAsync, s.OnStart(p))
	tk := taskFor(t, s, p.Token)
	testutil.MustWaitForCount(t, &steps, 3)

	stoppedAt := steps.Load()
	p.StopReason = job.StopReasonConstraints
	assert.Equal(t, job.Retry, s.OnStop(p))

	waitExit(t, tk, interval*3)
	assert.Equal(t, TaskCancelled, tk.load())

	assert.LessOrEqual(t, steps.Load(), stoppedAt+1)
	assert.Empty(t, c.snapshot(), "stopped attempt must not report completion")
}

func TestSampleService_AbandonOnStop(t *testing.T) {
	s := NewSampleService(Config{Steps: 10, StepInterval: time.Hour, AbandonOnStop: true}, &recordingCompleter{})
	defer closeService(t, s)

	p := newParams(1)
	s.OnStart(p)
	assert.Equal(t, job.Abandon, s.OnStop(p))
}

func TestSampleService_StopUnknownAttempt(t *testing.T) {
	s := NewSampleService(DefaultConfig(), &recordingCompleter{})
	defer closeService(t, s)

	assert.Equal(t, job.Retry, s.OnStop(newParams(99)))
}

func TestSampleService_StopAfterCompletion(t *testing.T) {
	c := &recordingCompleter{}
	s := NewSampleService(Config{Steps: 1, StepInterval: time.Millisecond}, c)
	defer closeService(t, s)

	p := newParams(1)
	s.OnStart(p)
	testutil.MustWaitFor(t, func() bool { return len(c.snapshot()) == 1 })

	testutil.MustWaitFor(t, forgotten(s, p.Token))
	assert.Equal(t, job.Retry, s.OnStop(p))
	assert.Len(t, c.snapshot(), 1)
}

func TestSampleService_StepFailureReschedules(t *testing.T) {
	tests := []struct {
		name string
		step StepFunc
	}{
		{
			name: "error",
			step: func(context.Context, *job.Params, int) error { return errors.New("disk full") },
		},
		{
			name: "panic",
			step: func(context.Context, *job.Params, int) error { panic("boom") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &recordingCompleter{}
			s := NewSampleService(Config{Steps: 5, StepInterval: time.Millisecond, Step: tt.step}, c)
			defer closeService(t, s)

			p := newParams(1)
			require.Equal(t, job.ContinueAsync, s.OnStart(p))

			testutil.MustWaitFor(t, func() bool { return len(c.snapshot()) == 1 })
			assert.True(t, c.snapshot()[0].reschedule)
			testutil.MustWaitFor(t, forgotten(s, p.Token))
		})
	}
}

func TestSampleService_CloseCancelsRunning(t *testing.T) {
	c := &recordingCompleter{}
	s := NewSampleService(Config{Steps: 10, StepInterval: time.Hour}, c)

	p := newParams(1)
	s.OnStart(p)
	tk := taskFor(t, s, p.Token)
	closeService(t, s)

	assert.Equal(t, TaskCancelled, tk.load())
	_, ok := s.State(p.Token)
	assert.False(t, ok)
	assert.Equal(t, job.Done, s.OnStart(newParams(2)), "closed service does not start work")
	assert.Empty(t, c.snapshot())
}

func TestSampleService_ForgetsFinishedAttempts(t *testing.T) {
	const jobs = 50
	c := &recordingCompleter{}
	s := NewSampleService(Config{Steps: 1, StepInterval: time.Millisecond}, c)
	defer closeService(t, s)

	for id := 1; id <= jobs; id++ {
		require.Equal(t, job.ContinueAsync, s.OnStart(newParams(id)))
	}
	testutil.MustWaitFor(t, func() bool { return len(c.snapshot()) == jobs })
	testutil.MustWaitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.tasks) == 0
	})
}

func TestTaskState_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "running", TaskRunning.String())
	assert.Equal(t, "cancelled", TaskCancelled.String())
	assert.Equal(t, "unknown", TaskState(42).String())
}

// The classic sample end to end: schedule 1234 for charging on wifi, plug
// in, let it run, then schedule again and unplug mid-run.
func TestSampleWithAuthority(t *testing.T) {
	monitor := conditions.NewMonitor(conditions.Default())
	a := authority.New(authority.Config{Conditions: monitor})
	defer func() { require.NoError(t, a.Close()) }()

	s := NewSampleService(Config{Steps: 5, StepInterval: 10 * time.Millisecond}, a)
	defer closeService(t, s)
	require.NoError(t, a.Register(job.DefaultService, s))

	ctx := context.Background()
	d := &job.Descriptor{
		ID:          1234,
		Service:     job.DefaultService,
		Constraints: job.NewConstraintSet(job.ConstraintCharging, job.ConstraintUnmeteredNetwork),
	}
	require.NoError(t, a.Schedule(ctx, d))

	st, err := a.Status(ctx, 1234)
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, st.State)

	monitor.Update(func(s *conditions.State) {
		s.Charging = true
		s.Network = conditions.NetworkUnmetered
	})
	testutil.MustWaitFor(t, func() bool {
		st, err := a.Status(ctx, 1234)
		return err == nil && st.State == job.StateCompleted
	})

	slow := NewSampleService(Config{Steps: 10, StepInterval: time.Hour}, a)
	defer closeService(t, slow)
	require.NoError(t, a.Register("slow", slow))

	d = &job.Descriptor{ID: 42, Service: "slow", Constraints: job.NewConstraintSet(job.ConstraintCharging)}
	require.NoError(t, a.Schedule(ctx, d))
	testutil.MustWaitFor(t, func() bool {
		st, err := a.Status(ctx, 42)
		return err == nil && st.State == job.StateRunning
	})

	monitor.Update(func(s *conditions.State) { s.Charging = false })
	testutil.MustWaitFor(t, func() bool {
		st, err := a.Status(ctx, 42)
		return err == nil && st.State == job.StatePending && st.StopReason == job.StopReasonConstraints
	})
}
