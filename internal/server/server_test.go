package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	courier "github.com/eugener/courier/internal"
	"github.com/eugener/courier/internal/app"
	"github.com/eugener/courier/internal/auth"
	"github.com/eugener/courier/internal/queue"
	"github.com/eugener/courier/internal/ratelimit"
	"github.com/eugener/courier/internal/revoke"
	"github.com/eugener/courier/internal/telemetry"
	"github.com/eugener/courier/internal/testutil"
)

const testKey = "admin-key"

type harness struct {
	handler http.Handler
	queue   *queue.Ready[*courier.Request]
	store   *testutil.FakeStore
}

func newHarness(t *testing.T, mut func(*Deps)) *harness {
	t.Helper()
	return newHarnessWithService(t, nil, mut)
}

func newHarnessWithService(t *testing.T, svcMut func(*app.TaskServiceDeps), mut func(*Deps)) *harness {
	t.Helper()
	store := testutil.NewFakeStore()
	reg, err := revoke.New(store, revoke.Options{})
	if err != nil {
		t.Fatal(err)
	}
	q := queue.NewReady[*courier.Request](2)
	svcDeps := app.TaskServiceDeps{
		Catalog:     testutil.FakeCatalog{"email.send", "report.build"},
		Queue:       q,
		Revocations: reg,
		EventStore:  store,
		Hostname:    "test-host",
	}
	if svcMut != nil {
		svcMut(&svcDeps)
	}
	svc := app.NewTaskService(svcDeps)
	deps := Deps{Tasks: svc, Auth: auth.NewAdminKeyAuth(testKey)}
	if mut != nil {
		mut(&deps)
	}
	return &harness{handler: New(deps), queue: q, store: store}
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	var ready error
	h := newHarness(t, func(d *Deps) {
		d.ReadyCheck = func(context.Context) error { return ready }
	})

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready: status = %d", rec.Code)
	}

	ready = errors.New("mediator stopped")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("not ready: status = %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/revocations", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	e := decode[apiError](t, rec)
	if e.Error.Code != "unauthorized" {
		t.Errorf("code = %q", e.Error.Code)
	}
}

func TestSubmitTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/v1/tasks", `{"name":"email.send","args":{"to":"kramer@example.com"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	task := decode[courier.Task](t, rec)
	if task.ID == "" || task.Name != "email.send" || task.Hostname != "test-host" {
		t.Errorf("task = %+v", task)
	}
	if string(task.Args) != `{"to":"kramer@example.com"}` {
		t.Errorf("args = %s", task.Args)
	}
	if h.queue.Len() != 1 {
		t.Errorf("queue len = %d, want 1", h.queue.Len())
	}
}

func TestSubmitTaskErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"invalid json", `{"name":`, http.StatusBadRequest},
		{"missing name", `{"args":[1]}`, http.StatusBadRequest},
		{"non-string name", `{"name":42}`, http.StatusBadRequest},
		{"unknown task", `{"name":"nope"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)
			rec := h.do(http.MethodPost, "/v1/tasks", tt.body)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d; body = %s", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestSubmitTaskQueueFull(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	for range 2 {
		if rec := h.do(http.MethodPost, "/v1/tasks", `{"name":"email.send"}`); rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d", rec.Code)
		}
	}
	rec := h.do(http.MethodPost, "/v1/tasks", `{"name":"email.send"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestSubmitTaskRateLimited(t *testing.T) {
	t.Parallel()
	h := newHarnessWithService(t, func(d *app.TaskServiceDeps) {
		d.RateLimits = ratelimit.NewRegistry(map[string]int64{"email.send": 1})
	}, nil)

	if rec := h.do(http.MethodPost, "/v1/tasks", `{"name":"email.send"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	rec := h.do(http.MethodPost, "/v1/tasks", `{"name":"email.send"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra != "60" {
		t.Errorf("Retry-After = %q, want 60", ra)
	}
	if e := decode[apiError](t, rec); e.Error.Code != "rate_limited" {
		t.Errorf("code = %q", e.Error.Code)
	}
}

func TestRevokeTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/v1/tasks/abc-123/revoke", `{"reason":"duplicate"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	rev := decode[courier.Revocation](t, rec)
	if rev.TaskID != "abc-123" || rev.Reason != "duplicate" {
		t.Errorf("revocation = %+v", rev)
	}

	// No body is fine.
	if rec := h.do(http.MethodPost, "/v1/tasks/def/revoke", ""); rec.Code != http.StatusOK {
		t.Fatalf("no body: status = %d", rec.Code)
	}

	rec = h.do(http.MethodGet, "/v1/revocations", "")
	list := decode[struct {
		Data []courier.Revocation `json:"data"`
	}](t, rec)
	if len(list.Data) != 2 {
		t.Errorf("revocations = %+v", list.Data)
	}
}

func TestListRevocationsEmpty(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/v1/revocations", "")
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("body = %s, want empty array", rec.Body.String())
	}
}

func TestRegisteredTasks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/v1/tasks/registered", "")
	list := decode[struct {
		Data []string `json:"data"`
	}](t, rec)
	if len(list.Data) != 2 || list.Data[0] != "email.send" || list.Data[1] != "report.build" {
		t.Errorf("tasks = %v", list.Data)
	}
}

func TestListEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_ = h.store.InsertEvents(context.Background(), []courier.TaskEvent{
		{ID: "1", TaskID: "t1", Type: courier.EventReceived, CreatedAt: base},
		{ID: "2", TaskID: "t1", Type: courier.EventSucceeded, CreatedAt: base.Add(time.Minute)},
		{ID: "3", TaskID: "t2", Type: courier.EventReceived, CreatedAt: base.Add(2 * time.Minute)},
	})

	type page struct {
		Data       []courier.TaskEvent `json:"data"`
		Pagination pagination          `json:"pagination"`
	}

	rec := h.do(http.MethodGet, "/v1/events?type=received", "")
	p := decode[page](t, rec)
	if p.Pagination.Total != 2 || len(p.Data) != 2 {
		t.Errorf("type filter: total=%d len=%d", p.Pagination.Total, len(p.Data))
	}

	rec = h.do(http.MethodGet, "/v1/events?task_id=t1&limit=1&offset=1", "")
	p = decode[page](t, rec)
	if p.Pagination.Total != 2 || len(p.Data) != 1 || p.Data[0].ID != "2" {
		t.Errorf("paged: %+v", p)
	}

	rec = h.do(http.MethodGet, "/v1/events?since=2026-03-01T12:01:00Z", "")
	p = decode[page](t, rec)
	if p.Pagination.Total != 2 {
		t.Errorf("since: total = %d, want 2", p.Pagination.Total)
	}
}

func TestListEventsBadQuery(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	for _, q := range []string{"type=exploded", "since=yesterday", "until=2026-13-01"} {
		if rec := h.do(http.MethodGet, "/v1/events?"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestRequestID(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "req-42" {
		t.Errorf("X-Request-Id = %q, want req-42", got)
	}

	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing generated X-Request-Id")
	}
}

func TestRecovery(t *testing.T) {
	t.Parallel()

	s := &server{}
	h := s.recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	h := newHarness(t, func(d *Deps) {
		d.Metrics = metrics
		d.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	})

	if rec := h.do(http.MethodPost, "/v1/tasks/x/revoke", ""); rec.Code != http.StatusOK {
		t.Fatalf("revoke: status = %d", rec.Code)
	}

	rec := h.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "courier_requests_total") {
		t.Error("metrics should contain courier_requests_total")
	}
	if !strings.Contains(body, `path="/v1/tasks/{id}/revoke"`) {
		t.Error("request metrics should be labelled with the route pattern")
	}
}

func TestErrorStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{courier.ErrUnauthorized, http.StatusUnauthorized},
		{courier.ErrNotFound, http.StatusNotFound},
		{courier.ErrBadRequest, http.StatusBadRequest},
		{courier.ErrUnknownTask, http.StatusBadRequest},
		{courier.ErrQueueFull, http.StatusServiceUnavailable},
		{&app.RateLimitError{Task: "a"}, http.StatusTooManyRequests},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
