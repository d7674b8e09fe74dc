package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "nodelock/internal/errors"
	"nodelock/internal/registry"
	"nodelock/internal/services"
)

func newHealthRouter(store *registry.MemoryRegistry) *chi.Mux {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := services.NewHealthService("1.2.3", "2026-01-01T00:00:00Z", store, nil, time.Second, logger)
	h := NewHealthHandler(svc, logger)

	r := chi.NewRouter()
	r.Get("/api/health", h.HealthCheck)
	r.Get("/api/health/live", h.LivenessCheck)
	r.Get("/api/health/ready", h.ReadinessCheck)
	r.Get("/api/version", h.Version)
	return r
}

func TestHealthHandler(t *testing.T) {
	store := registry.NewMemoryRegistry()
	r := newHealthRouter(store)

	tests := []struct {
		name       string
		path       string
		failure    error
		wantStatus int
		wantBody   string
	}{
		{name: "health", path: "/api/health", wantStatus: http.StatusOK, wantBody: `"status":"ok"`},
		{name: "live", path: "/api/health/live", wantStatus: http.StatusOK, wantBody: `"status":"alive"`},
		{name: "ready", path: "/api/health/ready", wantStatus: http.StatusOK, wantBody: `"status":"ready"`},
		{
			name:       "registry down",
			path:       "/api/health/ready",
			failure:    apierrors.Transport(errors.New("connection refused")),
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `"status":"not_ready"`,
		},
		{name: "liveness ignores registry", path: "/api/health/live", failure: errors.New("down"), wantStatus: http.StatusOK},
		{name: "version", path: "/api/version", wantStatus: http.StatusOK, wantBody: `"version":"1.2.3"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store.FailWith(tt.failure)
			defer store.FailWith(nil)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
		})
	}
}
