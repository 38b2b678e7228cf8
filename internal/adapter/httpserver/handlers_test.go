package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalmesh/evalmesh/internal/adapter/repo/memory"
	"github.com/evalmesh/evalmesh/internal/config"
	"github.com/evalmesh/evalmesh/internal/domain"
	"github.com/evalmesh/evalmesh/internal/usecase"
)

type fakeBus struct {
	mu        sync.Mutex
	published []domain.Event
	tail      chan domain.Event
}

func (b *fakeBus) Publish(_ context.Context, ev domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, ev)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string, func(context.Context, domain.Event) error) error {
	return nil
}

func (b *fakeBus) Tail(ctx context.Context, _ string) (<-chan domain.Event, error) {
	if b.tail == nil {
		b.tail = make(chan domain.Event, 8)
	}
	go func() { <-ctx.Done() }()
	return b.tail, nil
}

type fakeBroker struct{ depth int64 }

func (b *fakeBroker) Enqueue(context.Context, domain.Task) (int64, error) {
	b.depth++
	return b.depth, nil
}
func (b *fakeBroker) Lease(context.Context, string) (*domain.Lease, error)        { return nil, nil }
func (b *fakeBroker) Ack(context.Context, string, string) error                   { return nil }
func (b *fakeBroker) Extend(context.Context, string, string, time.Duration) error { return nil }
func (b *fakeBroker) Nack(context.Context, string, string, bool) error            { return nil }
func (b *fakeBroker) Revoke(context.Context, string) error                        { return nil }

func newTestServer(t *testing.T) (*Server, *memory.Store, *fakeBus) {
	t.Helper()
	cfg := config.Config{MaxCodeBytes: 65536, MaxTimeoutMS: 60000, DefaultTimeoutMS: 10000}
	runtimes := config.Runtimes{"python": {Image: "python:3.12-alpine", Command: []string{"python3", "-c"}}}
	store := memory.New()
	bus := &fakeBus{}
	broker := &fakeBroker{}
	srv := NewServer(cfg,
		usecase.NewSubmitService(store, bus, broker, runtimes, cfg),
		usecase.NewStatusService(store),
		usecase.NewCancelService(store, bus, broker),
		bus,
	)
	return srv, store, bus
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestSubmitHandler_Accepted(t *testing.T) {
	srv, store, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/eval",
		strings.NewReader(`{"code":"print(1)","language":"python","priority":"high"}`))
	rec := httptest.NewRecorder()
	srv.SubmitHandler()(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	evalID, _ := body["eval_id"].(string)
	require.NotEmpty(t, evalID)
	assert.Equal(t, float64(1), body["queue_position"])

	e, err := store.Get(context.Background(), evalID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, e.Status)
}

func TestSubmitHandler_InvalidJSON(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/eval", strings.NewReader(`{"code":`))
	rec := httptest.NewRecorder()
	srv.SubmitHandler()(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "INVALID_ARGUMENT", body["error"].(map[string]any)["code"])
}

func TestSubmitHandler_MissingFields(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/eval", strings.NewReader(`{"language":"python"}`))
	rec := httptest.NewRecorder()
	srv.SubmitHandler()(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitHandler_OversizedCode413(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.Cfg.MaxCodeBytes = 64
	srv.Submit.MaxCodeBytes = 64

	big := strings.Repeat("a", 256)
	req := httptest.NewRequest(http.MethodPost, "/eval",
		strings.NewReader(`{"code":"`+big+`","language":"python"}`))
	rec := httptest.NewRecorder()
	srv.SubmitHandler()(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSubmitHandler_NotAcceptable(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/eval",
		strings.NewReader(`{"code":"print(1)","language":"python"}`))
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	srv.SubmitHandler()(rec, req)
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
}

func TestSubmitHandler_IdempotencyKey(t *testing.T) {
	srv, _, _ := newTestServer(t)

	send := func() string {
		req := httptest.NewRequest(http.MethodPost, "/eval",
			strings.NewReader(`{"code":"print(1)","language":"python"}`))
		req.Header.Set("Idempotency-Key", "req-7")
		rec := httptest.NewRecorder()
		srv.SubmitHandler()(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code)
		return decodeBody(t, rec)["eval_id"].(string)
	}
	assert.Equal(t, send(), send())
}

// newTestRouter mounts the handlers on the same paths the app router uses,
// without the middleware chain.
func newTestRouter(srv *Server) http.Handler {
	r := chi.NewRouter()
	r.Post("/eval", srv.SubmitHandler())
	r.Get("/eval", srv.ListHandler())
	r.Get("/eval/{id}", srv.StatusHandler())
	r.Post("/eval/{id}/cancel", srv.CancelHandler())
	r.Get("/events", srv.EventsHandler())
	return r
}

func routedRequest(srv *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux := newTestRouter(srv)
	mux.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestStatusHandler_RecordAndETag(t *testing.T) {
	srv, store, _ := newTestServer(t)
	_, err := store.Create(context.Background(), domain.Evaluation{
		ID: "e1", Code: "print(1)", Language: "python", Status: domain.StatusRunning,
		SubmittedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	rec := routedRequest(srv, http.MethodGet, "/eval/e1")
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	body := decodeBody(t, rec)
	assert.Equal(t, "running", body["status"])

	req := httptest.NewRequest(http.MethodGet, "/eval/e1", nil)
	req.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	newTestRouter(srv).ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusNotModified, rec2.Code)
}

func TestStatusHandler_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := routedRequest(srv, http.MethodGet, "/eval/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListHandler_FilterAndLimit(t *testing.T) {
	srv, store, _ := newTestServer(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i, st := range []domain.Status{domain.StatusQueued, domain.StatusSucceeded, domain.StatusQueued} {
		_, err := store.Create(ctx, domain.Evaluation{
			ID: []string{"e1", "e2", "e3"}[i], Status: st,
			SubmittedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	rec := routedRequest(srv, http.MethodGet, "/eval?status=queued&limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Len(t, body["items"], 2)

	rec = routedRequest(srv, http.MethodGet, "/eval?status=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = routedRequest(srv, http.MethodGet, "/eval?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelHandler_Accepted(t *testing.T) {
	srv, store, bus := newTestServer(t)
	_, err := store.Create(context.Background(), domain.Evaluation{
		ID: "e1", Status: domain.StatusQueued, SubmittedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	rec := routedRequest(srv, http.MethodPost, "/eval/e1/cancel")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, bus.published, 1)
	assert.Equal(t, domain.EventCancelled, bus.published[0].Kind)
}

func TestCancelHandler_TerminalConflict(t *testing.T) {
	srv, store, _ := newTestServer(t)
	_, err := store.Create(context.Background(), domain.Evaluation{
		ID: "e1", Status: domain.StatusSucceeded, SubmittedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	rec := routedRequest(srv, http.MethodPost, "/eval/e1/cancel")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelHandler_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := routedRequest(srv, http.MethodPost, "/eval/missing/cancel")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsHandler_StreamsUntilClose(t *testing.T) {
	srv, _, bus := newTestServer(t)
	bus.tail = make(chan domain.Event, 8)
	bus.tail <- domain.NewEvent("e1", domain.EventRunning, domain.EventPayload{WorkerID: "w1"})
	close(bus.tail)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events?eval_id=e1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	srv.EventsHandler()(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	out := rec.Body.String()
	assert.Contains(t, out, "event: running")
	assert.Contains(t, out, `"eval_id":"e1"`)
}
