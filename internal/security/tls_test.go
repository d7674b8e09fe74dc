package security

import (
	"crypto/tls"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeServerCA writes the httptest server's certificate as a CA bundle.
func writeServerCA(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	cert := srv.Certificate()
	path := filepath.Join(t.TempDir(), "ca.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func dial(t *testing.T, srv *httptest.Server, cfg *tls.Config) error {
	t.Helper()
	conn, err := tls.Dial("tcp", srv.Listener.Addr().String(), cfg)
	if err != nil {
		return err
	}
	return conn.Close()
}

func TestNewClientTLSConfig(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	caFile := writeServerCA(t, srv)

	t.Run("verifies against CA file", func(t *testing.T) {
		cfg, err := NewClientTLSConfig(TLSOptions{CAFile: caFile, ServerName: "example.com"})
		require.NoError(t, err)
		assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
		assert.False(t, cfg.InsecureSkipVerify)
		assert.NoError(t, dial(t, srv, cfg))
	})

	t.Run("rejects hostname mismatch", func(t *testing.T) {
		cfg, err := NewClientTLSConfig(TLSOptions{CAFile: caFile, ServerName: "registry.invalid"})
		require.NoError(t, err)
		assert.Error(t, dial(t, srv, cfg))
	})

	t.Run("rejects unknown CA", func(t *testing.T) {
		cfg, err := NewClientTLSConfig(TLSOptions{ServerName: "example.com"})
		require.NoError(t, err)
		assert.Error(t, dial(t, srv, cfg))
	})

	t.Run("matching pin", func(t *testing.T) {
		cfg, err := NewClientTLSConfig(TLSOptions{
			CAFile:     caFile,
			ServerName: "example.com",
			PinnedSPKI: []string{SPKIHash(srv.Certificate())},
		})
		require.NoError(t, err)
		assert.NoError(t, dial(t, srv, cfg))
	})

	t.Run("mismatched pin", func(t *testing.T) {
		cfg, err := NewClientTLSConfig(TLSOptions{
			CAFile:     caFile,
			ServerName: "example.com",
			PinnedSPKI: []string{"00"},
		})
		require.NoError(t, err)
		assert.Error(t, dial(t, srv, cfg))
	})

	t.Run("missing CA file", func(t *testing.T) {
		_, err := NewClientTLSConfig(TLSOptions{CAFile: filepath.Join(t.TempDir(), "nope.pem")})
		assert.Error(t, err)
	})

	t.Run("CA file without certificates", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.pem")
		require.NoError(t, os.WriteFile(path, []byte("not pem"), 0o600))
		_, err := NewClientTLSConfig(TLSOptions{CAFile: path})
		assert.Error(t, err)
	})
}
