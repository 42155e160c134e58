package api

import (
	"bytes"
	"context"
	"encoding/json"
	"jobscheduler/internal/authority"
	"jobscheduler/internal/conditions"
	"jobscheduler/internal/dispatcher"
	"jobscheduler/internal/health"
	"jobscheduler/internal/job"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type doneHandler struct{}

func (doneHandler) OnStart(*job.Params) job.StartDecision { return job.Done }
func (doneHandler) OnStop(*job.Params) job.StopDecision   { return job.Abandon }

type mockDispatcher struct{}

func (mockDispatcher) Dispatch(*dispatcher.Event) error { return nil }
func (mockDispatcher) Stats() dispatcher.Stats          { return dispatcher.Stats{Delivered: 3} }
func (mockDispatcher) Close(context.Context) error      { return nil }

type testServer struct {
	handler http.Handler
	monitor *conditions.Monitor
	auth    *authority.Authority
}

func newTestServer(t *testing.T, cfg RouterConfig) *testServer {
	t.Helper()
	monitor := conditions.NewMonitor(conditions.Default())
	a := authority.New(authority.Config{MaxJobs: 2, Conditions: monitor})
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.Register(job.DefaultService, doneHandler{}))

	cfg.JobService = job.NewService(a, nil)
	cfg.Conditions = monitor
	cfg.HealthChecker = health.NewChecker(health.Check{Name: "scheduler", Checker: a})
	return &testServer{handler: NewRouter(cfg), monitor: monitor, auth: a}
}

func (s *testServer) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{health: health.NewChecker()}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	handler.Livez(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, health.StatusHealthy, decode[health.Response](t, w).Status)
}

func TestHandler_Readyz(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})

	w := srv.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, srv.auth.Close())
	closed := NewRouter(RouterConfig{HealthChecker: health.NewChecker(health.Check{Name: "scheduler", Checker: srv.auth})})
	w = httptest.NewRecorder()
	closed.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandler_Readyz_NoChecks(t *testing.T) {
	t.Parallel()
	handler := &Handler{health: health.NewChecker()}

	w := httptest.NewRecorder()
	handler.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, health.StatusUnhealthy, decode[health.Response](t, w).Status)
}

func TestHandler_CreateGetListCancel(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})

	w := srv.do(t, http.MethodPost, "/v1/jobs", `{"id": 1234, "constraints": ["charging", "unmetered_network"]}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	res := decode[job.Result](t, w)
	assert.Equal(t, 1234, res.ID)
	assert.Equal(t, job.StateAccepted, res.Status)

	w = srv.do(t, http.MethodGet, "/v1/jobs/1234", "")
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[job.Status](t, w)
	assert.Equal(t, job.StatePending, status.State)
	assert.Equal(t, job.DefaultService, status.Service)

	w = srv.do(t, http.MethodGet, "/v1/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[job.ListResponse](t, w).Jobs, 1)

	w = srv.do(t, http.MethodDelete, "/v1/jobs/1234", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = srv.do(t, http.MethodGet, "/v1/jobs/1234", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, job.StateCancelled, decode[job.Status](t, w).State)
}

func TestHandler_DeleteUnknownJob(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})

	w := srv.do(t, http.MethodDelete, "/v1/jobs/99", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandler_DeleteAllJobs(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})
	srv.do(t, http.MethodPost, "/v1/jobs", `{"id": 1, "constraints": ["charging"]}`)
	srv.do(t, http.MethodPost, "/v1/jobs", `{"id": 2, "constraints": ["idle"]}`)

	w := srv.do(t, http.MethodDelete, "/v1/jobs", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	list, err := srv.auth.List(context.Background())
	require.NoError(t, err)
	for _, s := range list {
		assert.Equal(t, job.StateCancelled, s.State)
	}
}

func TestHandler_CreateJob_Errors(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})
	srv.do(t, http.MethodPost, "/v1/jobs", `{"id": 1, "constraints": ["charging"]}`)
	srv.do(t, http.MethodPost, "/v1/jobs", `{"id": 2, "constraints": ["charging"]}`)

	tests := []struct {
		name  string
		body  string
		code  int
		field string
	}{
		{name: "malformed json", body: `{"id": 1, "service": sample}`, code: http.StatusBadRequest},
		{name: "empty body", body: "", code: http.StatusBadRequest},
		{name: "unknown constraint", body: `{"id": 3, "constraints": ["sunny"]}`, code: http.StatusBadRequest},
		{name: "negative id", body: `{"id": -1}`, code: http.StatusBadRequest, field: "id"},
		{name: "unknown service", body: `{"id": 3, "service": "nope"}`, code: http.StatusNotFound},
		{name: "capacity", body: `{"id": 3, "constraints": ["charging"]}`, code: http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			srv.handler.ServeHTTP(w, req)

			assert.Equal(t, tt.code, w.Code, w.Body.String())
			body := decode[map[string]string](t, w)
			assert.NotEmpty(t, body["error"])
			if tt.field != "" {
				assert.Equal(t, tt.field, body["field"])
			}
		})
	}
}

func TestHandler_JobIDErrors(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})

	assert.Equal(t, http.StatusBadRequest, srv.do(t, http.MethodGet, "/v1/jobs/abc", "").Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(t, http.MethodDelete, "/v1/jobs/-5", "").Code)
	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, "/v1/jobs/77", "").Code)
}

func TestHandler_GetJob_EmptyID(t *testing.T) {
	t.Parallel()
	handler := &Handler{}

	w := httptest.NewRecorder()
	handler.GetJob(w, httptest.NewRequest(http.MethodGet, "/v1/jobs/", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Conditions(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})

	w := srv.do(t, http.MethodGet, "/v1/conditions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, conditions.Default(), decode[conditions.State](t, w))

	w = srv.do(t, http.MethodPut, "/v1/conditions", `{"charging": true, "network": "unmetered"}`)
	require.Equal(t, http.StatusOK, w.Code)
	state := decode[conditions.State](t, w)
	assert.True(t, state.Charging)
	assert.True(t, state.BatteryNotLow, "omitted fields keep their value")
	assert.Equal(t, conditions.NetworkUnmetered, state.Network)
	assert.Equal(t, state, srv.monitor.Current())

	w = srv.do(t, http.MethodPut, "/v1/conditions", `{"network": "satellite"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_CallbackStats(t *testing.T) {
	srv := newTestServer(t, RouterConfig{})
	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, "/v1/callbacks/stats", "").Code)

	withDispatcher := newTestServer(t, RouterConfig{Dispatcher: mockDispatcher{}})
	w := withDispatcher.do(t, http.MethodGet, "/v1/callbacks/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(3), decode[dispatcher.Stats](t, w).Delivered)
}

func TestRouter_Auth(t *testing.T) {
	srv := newTestServer(t, RouterConfig{APIKey: "secret"})

	assert.Equal(t, http.StatusUnauthorized, srv.do(t, http.MethodGet, "/v1/jobs", "").Code)
	assert.Equal(t, http.StatusUnauthorized, srv.do(t, http.MethodGet, "/v1/jobs", "", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, srv.do(t, http.MethodGet, "/v1/jobs", "", "Authorization", "secret").Code)
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/v1/jobs", "", "Authorization", "Bearer secret").Code)
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/livez", "").Code, "probes need no auth")
}

func TestRouter_RateLimit(t *testing.T) {
	srv := newTestServer(t, RouterConfig{RateLimit: 0.001, RateBurst: 2})

	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/v1/jobs", "").Code)
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/v1/jobs", "").Code)

	w := srv.do(t, http.MethodGet, "/v1/jobs", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/livez", "").Code, "probes are not limited")
}

func TestMiddleware_RateLimitDisabled(t *testing.T) {
	t.Parallel()
	calls := 0
	handler := RateLimitMiddleware(0, 0, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	for range 10 {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	assert.Equal(t, 10, calls)
}

func TestMiddleware_Logging(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	LoggingMiddleware()(inner).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.True(t, called, "inner handler was not called")
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	w := httptest.NewRecorder()
	RecoveryMiddleware()(inner).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	called := false
	handler := ContentTypeMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPut, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	assert.False(t, called)

	req = httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.True(t, called)

	called = false
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.True(t, called, "GET requests don't need content-type")
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	handler := CORSMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PUT")
}
