package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/evalmesh/evalmesh/internal/adapter/httpserver"
	"github.com/evalmesh/evalmesh/internal/config"
)

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , ,"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example, https://b.example "))
}

func TestReadiness_Handler(t *testing.T) {
	ready := NewReadiness().
		Add("db", func(context.Context) error { return nil }).
		Add("redis", func(context.Context) error { return assertErr{} })

	rec := httptest.NewRecorder()
	ready.Handler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"db":"ok"`)
	assert.Contains(t, rec.Body.String(), "redis down")

	allOK := NewReadiness().Add("db", func(context.Context) error { return nil })
	rec = httptest.NewRecorder()
	allOK.Handler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type assertErr struct{}

func (assertErr) Error() string { return "redis down" }

func TestBuildRouter_HealthAndSecurityHeaders(t *testing.T) {
	cfg := config.Config{RateLimitPerMin: 30}
	srv := &httpserver.Server{Cfg: cfg}
	h := BuildRouter(cfg, srv, NewReadiness())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
