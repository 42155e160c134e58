package container

import (
	"context"
	"errors"
	"jobscheduler/internal/apperrors"
	"jobscheduler/internal/job"
	"jobscheduler/internal/testutil"
	"sync"
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

// fakeEngine simulates the daemon. Wait blocks until exit is sent to or ctx ends.
type fakeEngine struct {
	mu        sync.Mutex
	pullErr   error
	createErr error
	pingErr   error
	created   []spec
	removed   []string
	leftovers []string
	exit      chan int64
	closed    bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{exit: make(chan int64, 1)}
}

func (f *fakeEngine) Ping(context.Context) error { return f.pingErr }

func (f *fakeEngine) EnsureImage(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pullErr
}

func (f *fakeEngine) Create(_ context.Context, s spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, s)
	return "c-" + s.Name, nil
}

func (f *fakeEngine) Start(context.Context, string) error { return nil }

func (f *fakeEngine) Wait(ctx context.Context, _ string) (int64, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case code := <-f.exit:
		return code, nil
	}
}

func (f *fakeEngine) Remove(_ context.Context, id string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeEngine) ListManaged(context.Context) ([]string, error) { return f.leftovers, nil }

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEngine) removedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

func (f *fakeEngine) createdSpecs() []spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]spec(nil), f.created...)
}

type finishCall struct {
	token      string
	reschedule bool
}

type recordingCompleter struct {
	mu    sync.Mutex
	calls []finishCall
}

func (c *recordingCompleter) Finished(p *job.Params, reschedule bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, finishCall{token: p.Token, reschedule: reschedule})
	return true
}

func (c *recordingCompleter) snapshot() []finishCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]finishCall(nil), c.calls...)
}

func newParams(extras map[string]string) *job.Params {
	return &job.Params{JobID: 7, Token: uuid.NewString(), Attempt: 1, Service: "container", Extras: extras, StartedAt: time.Now()}
}

func closeService(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
}

func TestValidate(t *testing.T) {
	s := newService(newFakeEngine(), Config{}, &recordingCompleter{})

	tests := []struct {
		name   string
		extras map[string]string
		field  string
	}{
		{name: "valid", extras: map[string]string{"image": "alpine:latest", "cpu": "0.5", "memory_mb": "64", "env.FOO": "bar"}},
		{name: "missing image", extras: map[string]string{}, field: "extras.image"},
		{name: "blank image", extras: map[string]string{"image": "  "}, field: "extras.image"},
		{name: "bad cpu", extras: map[string]string{"image": "alpine", "cpu": "lots"}, field: "extras.cpu"},
		{name: "negative cpu", extras: map[string]string{"image": "alpine", "cpu": "-1"}, field: "extras.cpu"},
		{name: "bad memory", extras: map[string]string{"image": "alpine", "memory_mb": "1.5"}, field: "extras.memory_mb"},
		{name: "empty env name", extras: map[string]string{"image": "alpine", "env.": "x"}, field: "extras"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(&job.Descriptor{ID: 1, Service: "container", Extras: tt.extras})
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, apperrors.ErrValidation)
			var appErr *apperrors.Error
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.field, appErr.Field)
		})
	}
}

func TestBuildSpec(t *testing.T) {
	p := newParams(map[string]string{
		"image":     "alpine:latest",
		"command":   "echo hi",
		"cpu":       "1.5",
		"memory_mb": "128",
		"env.B":     "2",
		"env.A":     "1",
	})

	sp := buildSpec(p)

	assert.Equal(t, "alpine:latest", sp.Image)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi"}, sp.Cmd)
	assert.Equal(t, int64(1_500_000_000), sp.NanoCPUs)
	assert.Equal(t, int64(128), sp.MemoryMB)
	assert.Equal(t, []string{"A=1", "B=2", "JOB_ID=7", "JOB_ATTEMPT=1"}, sp.Env)
	assert.Equal(t, managedBy, sp.Labels[labelManagedBy])
	assert.Equal(t, "7", sp.Labels[labelJobID])
	assert.Equal(t, p.Token, sp.Labels[labelToken])
	assert.Contains(t, sp.Name, "jobscheduler-7-1-")
}

func TestService_ExitCodeDecidesReschedule(t *testing.T) {
	for _, tc := range []struct {
		code       int64
		reschedule bool
	}{{0, false}, {3, true}} {
		eng := newFakeEngine()
		completer := &recordingCompleter{}
		s := newService(eng, Config{}, completer)

		p := newParams(map[string]string{"image": "alpine"})
		require.Equal(t, job.ContinueAsync, s.OnStart(p))

		testutil.MustWaitFor(t, func() bool { return len(eng.createdSpecs()) == 1 })
		eng.exit <- tc.code

		testutil.MustWaitFor(t, func() bool { return len(completer.snapshot()) == 1 })
		assert.Equal(t, finishCall{token: p.Token, reschedule: tc.reschedule}, completer.snapshot()[0])
		testutil.MustWaitFor(t, func() bool { return eng.removedCount() == 1 })

		closeService(t, s)
	}
}

func TestService_StopRemovesContainerWithoutReport(t *testing.T) {
	eng := newFakeEngine()
	completer := &recordingCompleter{}
	s := newService(eng, Config{}, completer)
	defer closeService(t, s)

	p := newParams(map[string]string{"image": "alpine"})
	require.Equal(t, job.ContinueAsync, s.OnStart(p))
	testutil.MustWaitFor(t, func() bool { return len(eng.createdSpecs()) == 1 })

	stopped := *p
	stopped.StopReason = job.StopReasonConstraints
	assert.Equal(t, job.Retry, s.OnStop(&stopped))

	testutil.MustWaitFor(t, func() bool { return eng.removedCount() == 1 })
	testutil.MustNotHappen(t, func() bool { return len(completer.snapshot()) > 0 })
}

func TestService_PullFailureReschedules(t *testing.T) {
	eng := newFakeEngine()
	eng.pullErr = errors.New("registry unavailable")
	completer := &recordingCompleter{}
	s := newService(eng, Config{}, completer)
	defer closeService(t, s)

	p := newParams(map[string]string{"image": "missing:latest"})
	s.OnStart(p)

	testutil.MustWaitFor(t, func() bool { return len(completer.snapshot()) == 1 })
	assert.True(t, completer.snapshot()[0].reschedule)
	assert.Empty(t, eng.createdSpecs())
}

func TestService_CreateFailureReschedules(t *testing.T) {
	eng := newFakeEngine()
	eng.createErr = errors.New("name conflict")
	completer := &recordingCompleter{}
	s := newService(eng, Config{}, completer)
	defer closeService(t, s)

	s.OnStart(newParams(map[string]string{"image": "alpine"}))

	testutil.MustWaitFor(t, func() bool { return len(completer.snapshot()) == 1 })
	assert.True(t, completer.snapshot()[0].reschedule)
	assert.Zero(t, eng.removedCount())
}

func TestService_CloseCancelsRunning(t *testing.T) {
	eng := newFakeEngine()
	completer := &recordingCompleter{}
	s := newService(eng, Config{}, completer)

	s.OnStart(newParams(map[string]string{"image": "alpine"}))
	testutil.MustWaitFor(t, func() bool { return len(eng.createdSpecs()) == 1 })

	closeService(t, s)

	assert.Equal(t, 1, eng.removedCount())
	assert.True(t, eng.closed)
	assert.Empty(t, completer.snapshot())
	assert.Equal(t, job.Done, s.OnStart(newParams(map[string]string{"image": "alpine"})))
}

func TestService_RemovesLeftovers(t *testing.T) {
	eng := newFakeEngine()
	eng.leftovers = []string{"old-1", "old-2"}
	s := newService(eng, Config{}, &recordingCompleter{})
	defer closeService(t, s)

	s.removeLeftovers(context.Background())

	assert.Equal(t, 2, eng.removedCount())
}

func TestService_Ready(t *testing.T) {
	eng := newFakeEngine()
	s := newService(eng, Config{}, &recordingCompleter{})
	defer closeService(t, s)

	assert.NoError(t, s.Ready(context.Background()))

	eng.pingErr = errors.New("connection refused")
	assert.ErrorContains(t, s.Ready(context.Background()), "docker daemon unreachable")
}
