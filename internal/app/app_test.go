package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"nodelock/internal/config"
	apperrors "nodelock/internal/errors"
	"nodelock/internal/registry"
	"nodelock/pkg/contracts/domain"
)

const (
	adminKey  = "admin-secret"
	clientKey = "client-secret"
)

func hashKey(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Security.AdminKeyHashes = []string{"alice:" + hashKey(t, adminKey)}
	cfg.Security.ClientKeyHashes = []string{"kiosk:" + hashKey(t, clientKey)}
	cfg.Security.RateLimit.Enabled = false
	cfg.Telemetry.EnableTracing = false
	cfg.Server.ShutdownTimeout = 5 * time.Second
	return cfg
}

func newTestApp(t *testing.T) (*Application, *registry.MemoryRegistry) {
	t.Helper()
	store := registry.NewMemoryRegistry()
	a, err := New(testConfig(t), store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return a, store
}

func request(t *testing.T, h http.Handler, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_RejectsMalformedKeyHash(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.AdminKeyHashes = []string{"plaintext"}

	_, err := New(cfg, registry.NewMemoryRegistry(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid API key configuration")
}

func TestRouter_Authorization(t *testing.T) {
	a, _ := newTestApp(t)
	machine := `{"cpu_serial":"Intel i7","mac_address":"aa:bb:cc:dd:ee:ff"}`

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		body   string
		want   int
	}{
		{"health is public", http.MethodGet, "/api/health", "", "", http.StatusOK},
		{"ready is public", http.MethodGet, "/api/health/ready", "", "", http.StatusOK},
		{"version is public", http.MethodGet, "/api/version", "", "", http.StatusOK},
		{"list needs a key", http.MethodGet, "/api/machines", "", "", http.StatusUnauthorized},
		{"list rejects client key", http.MethodGet, "/api/machines", clientKey, "", http.StatusForbidden},
		{"list with admin key", http.MethodGet, "/api/machines", adminKey, "", http.StatusOK},
		{"add with admin key", http.MethodPost, "/api/machines", adminKey, machine, http.StatusCreated},
		{"attest needs a key", http.MethodPost, "/api/attest", "", machine, http.StatusUnauthorized},
		{"attest with client key", http.MethodPost, "/api/attest", clientKey, `{"cpu_serial":"Intel i7","mac_address":"aa:bb:cc:dd:ee:ff","mode":"query"}`, http.StatusOK},
		{"attest with admin key", http.MethodPost, "/api/attest", adminKey, `{"cpu_serial":"Intel i7","mac_address":"aa:bb:cc:dd:ee:ff","mode":"query"}`, http.StatusOK},
		{"register rejects client key", http.MethodPost, "/api/attest", clientKey, `{"cpu_serial":"Intel i9","mac_address":"aa:bb:cc:dd:ee:01","mode":"register"}`, http.StatusForbidden},
		{"register with admin key", http.MethodPost, "/api/attest", adminKey, `{"cpu_serial":"Intel i9","mac_address":"aa:bb:cc:dd:ee:01","mode":"register"}`, http.StatusOK},
		{"unknown route", http.MethodGet, "/api/nope", adminKey, "", http.StatusNotFound},
		{"ws needs admin key", http.MethodGet, "/ws", clientKey, "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := request(t, a.Router, tt.method, tt.path, tt.key, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRouter_AttestAfterAdd(t *testing.T) {
	a, _ := newTestApp(t)

	rec := request(t, a.Router, http.MethodPost, "/api/machines", adminKey, `{"cpu_serial":"Intel i7","mac_address":"AA:BB:CC:DD:EE:FF"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var added domain.AttestationRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &added))
	assert.Equal(t, "alice", added.AddedBy)

	rec = request(t, a.Router, http.MethodPost, "/api/attest", clientKey, `{"cpu_serial":"Intel i7","mac_address":"aa:bb:cc:dd:ee:ff","mode":"query"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res domain.AttestationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, domain.StatusAuthorized, res.Status)

	rec = request(t, a.Router, http.MethodPost, "/api/attest", clientKey, `{"cpu_serial":"Other CPU","mac_address":"aa:bb:cc:dd:ee:ff","mode":"query"}`)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, domain.StatusDenied, res.Status)
}

func TestRouter_ClientKeyCannotSelfRegister(t *testing.T) {
	a, store := newTestApp(t)
	register := `{"cpu_serial":"Intel i7","mac_address":"aa:bb:cc:dd:ee:ff","mode":"register"}`

	rec := request(t, a.Router, http.MethodPost, "/api/attest", clientKey, register)
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	var problem map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, apperrors.TypeForbidden, problem["type"])

	records, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records, "refused register must not touch the allow-list")

	rec = request(t, a.Router, http.MethodPost, "/api/attest", adminKey, register)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res domain.AttestationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, domain.StatusAuthorized, res.Status)

	records, err = store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRouter_RegistryDown(t *testing.T) {
	a, store := newTestApp(t)
	store.FailWith(apperrors.Transport(errors.New("connection refused")))

	rec := request(t, a.Router, http.MethodGet, "/api/health/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// attestation degrades to indeterminate rather than failing the request
	rec = request(t, a.Router, http.MethodPost, "/api/attest", clientKey, `{"cpu_serial":"Intel i7","mac_address":"aa:bb:cc:dd:ee:ff","mode":"query"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res domain.AttestationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, domain.StatusIndeterminate, res.Status)
}

func TestRouter_MetricsAndHeaders(t *testing.T) {
	a, _ := newTestApp(t)

	rec := request(t, a.Router, http.MethodPost, "/api/attest", clientKey, `{"cpu_serial":"Intel i7","mac_address":"aa:bb:cc:dd:ee:ff","mode":"query"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = request(t, a.Router, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "attestation_attempts_total")
	assert.Contains(t, body, "http_requests_total")
	assert.Contains(t, body, "process_goroutines")
}

func TestServe_EventsAndShutdown(t *testing.T) {
	a, _ := newTestApp(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	header := http.Header{}
	header.Set("X-API-Key", adminKey)
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	read := func() map[string]interface{} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}
	assert.Equal(t, "connection", read()["type"])

	req, err := http.NewRequest(http.MethodPost, base+"/api/machines", strings.NewReader(`{"cpu_serial":"Intel i7","mac_address":"aa:bb:cc:dd:ee:ff"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", adminKey)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusCreated, res.StatusCode)

	event := read()
	assert.Equal(t, domain.EventMachineAdded, event["type"])
	record, ok := event["record"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", record["mac_address"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	select {
	case <-a.WebSocketHub.Done():
	default:
		t.Fatal("hub still running after shutdown")
	}
}
