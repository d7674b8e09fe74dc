package middleware

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	apperrors "nodelock/internal/errors"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "X-API-Key"

// Role is what an API key may do.
type Role string

const (
	// RoleAdmin may manage the allow-list.
	RoleAdmin Role = "admin"
	// RoleClient may only attest.
	RoleClient Role = "client"
)

// Principal identifies the holder of a verified API key.
type Principal struct {
	Name string
	Role Role
}

type principalKey struct{}

// PrincipalFromContext returns the principal set by APIKeyAuth.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ContextWithPrincipal attaches p to ctx.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

type apiKey struct {
	principal Principal
	hash      []byte
}

// APIKeyAuth checks X-API-Key against bcrypt hashes. Verified keys are
// remembered by SHA-256 digest so bcrypt runs once per key.
type APIKeyAuth struct {
	keys     []apiKey
	verified sync.Map // [32]byte -> Principal
	logger   *slog.Logger
	errors   *apperrors.ErrorHandler
}

// NewAPIKeyAuth parses admin and client key hashes. An entry is either a bare
// bcrypt hash or "name:hash"; the name is recorded as added_by.
func NewAPIKeyAuth(adminHashes, clientHashes []string, logger *slog.Logger, eh *apperrors.ErrorHandler) (*APIKeyAuth, error) {
	a := &APIKeyAuth{
		logger: logger.With(slog.String("component", "api_key_auth")),
		errors: eh,
	}
	for role, entries := range map[Role][]string{RoleAdmin: adminHashes, RoleClient: clientHashes} {
		for i, entry := range entries {
			k, err := parseKeyEntry(entry, role, i)
			if err != nil {
				return nil, err
			}
			a.keys = append(a.keys, k)
		}
	}
	return a, nil
}

func parseKeyEntry(entry string, role Role, index int) (apiKey, error) {
	entry = strings.TrimSpace(entry)
	name := fmt.Sprintf("%s-%d", role, index+1)
	if n, hash, ok := strings.Cut(entry, ":"); ok && !strings.HasPrefix(entry, "$") {
		name, entry = n, hash
	}
	if _, err := bcrypt.Cost([]byte(entry)); err != nil {
		return apiKey{}, fmt.Errorf("%s key %q: invalid bcrypt hash: %w", role, name, err)
	}
	return apiKey{principal: Principal{Name: name, Role: role}, hash: []byte(entry)}, nil
}

// Authenticate returns the principal owning key.
func (a *APIKeyAuth) Authenticate(key string) (Principal, bool) {
	if key == "" {
		return Principal{}, false
	}
	digest := sha256.Sum256([]byte(key))
	if p, ok := a.verified.Load(digest); ok {
		return p.(Principal), true
	}
	for _, k := range a.keys {
		if bcrypt.CompareHashAndPassword(k.hash, []byte(key)) == nil {
			a.verified.Store(digest, k.principal)
			return k.principal, true
		}
	}
	return Principal{}, false
}

// Require admits requests whose key has one of roles.
func (a *APIKeyAuth) Require(roles ...Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				a.logger.WarnContext(ctx, "missing API key",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				a.errors.HandleError(w, r, apperrors.Unauthorized())
				return
			}

			p, ok := a.Authenticate(key)
			if !ok {
				a.logger.WarnContext(ctx, "invalid API key",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				a.errors.HandleError(w, r, apperrors.Unauthorized())
				return
			}
			if !hasRole(p.Role, roles) {
				a.logger.WarnContext(ctx, "API key lacks role",
					"client", p.Name,
					"role", string(p.Role),
					"path", r.URL.Path,
				)
				a.errors.HandleError(w, r, apperrors.Forbidden())
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(ctx, p)))
		})
	}
}

func hasRole(role Role, allowed []Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// Audit event types.
const (
	AuditAllowListChange = "allow_list_change"
	AuditAttestation     = "attestation"
)

// AuditLog records who called a mutating endpoint, tagged with eventType.
// Safe requests pass through unlogged.
func AuditLog(logger *slog.Logger, eventType string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			start := time.Now()
			ww := &auditResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			var name, role string
			if p, ok := PrincipalFromContext(ctx); ok {
				name, role = p.Name, string(p.Role)
			}
			logger.InfoContext(ctx, "audit log",
				"event_type", eventType,
				"client", name,
				"role", role,
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"remote_addr", r.RemoteAddr,
				"duration", time.Since(start).String(),
			)
		})
	}
}

// auditResponseWriter captures the response status code
type auditResponseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *auditResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *auditResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
