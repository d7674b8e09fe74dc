package attestation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodelock/internal/config"
	apperrors "nodelock/internal/errors"
	"nodelock/internal/registry"
	"nodelock/internal/shared/testutil"
	"nodelock/pkg/contracts/domain"
)

// blockingRegistry waits for the context to end.
type blockingRegistry struct{}

func (blockingRegistry) Register(ctx context.Context, _ domain.MachineIdentity) error {
	<-ctx.Done()
	return apperrors.Transport(ctx.Err())
}

func (blockingRegistry) Exists(ctx context.Context, _ domain.MachineIdentity) (bool, error) {
	<-ctx.Done()
	return false, apperrors.Transport(ctx.Err())
}

// flakyRegistry fails the first failures calls with a transport error.
type flakyRegistry struct {
	*registry.MemoryRegistry
	failures int32
	calls    atomic.Int32
}

func (f *flakyRegistry) Exists(ctx context.Context, id domain.MachineIdentity) (bool, error) {
	if f.calls.Add(1) <= f.failures {
		return false, apperrors.Transport(errors.New("connection reset by peer"))
	}
	return f.MemoryRegistry.Exists(ctx, id)
}

// countingReader hands out a fixed identity and counts reads.
type countingReader struct {
	id    domain.MachineIdentity
	reads atomic.Int32
}

func (r *countingReader) Read() domain.MachineIdentity {
	r.reads.Add(1)
	return r.id
}

func seededMemory(t *testing.T) *registry.MemoryRegistry {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	require.NoError(t, reg.Register(context.Background(), testutil.RegisteredIdentity))
	return reg
}

func newTestClient(t *testing.T, reg registry.Registry, opts ...Option) *Client {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	return NewClient(reg, append([]Option{WithLogger(logger)}, opts...)...)
}

func TestAttest_Query(t *testing.T) {
	tests := []struct {
		name       string
		id         domain.MachineIdentity
		failWith   error
		wantStatus domain.AttestationStatus
		wantReason string
	}{
		{
			name:       "registered machine is authorized",
			id:         testutil.RegisteredIdentity,
			wantStatus: domain.StatusAuthorized,
		},
		{
			name:       "unknown MAC is denied",
			id:         testutil.StrangerIdentity,
			wantStatus: domain.StatusDenied,
		},
		{
			name:       "unreachable registry is indeterminate",
			id:         testutil.RegisteredIdentity,
			failWith:   apperrors.Transport(errors.New("dial tcp 10.0.0.1:5432: connect: connection refused")),
			wantStatus: domain.StatusIndeterminate,
			wantReason: "registry unreachable",
		},
		{
			name:       "failing query is indeterminate",
			id:         testutil.RegisteredIdentity,
			failWith:   apperrors.Query(errors.New(`relation "allowed_machines" does not exist`)),
			wantStatus: domain.StatusIndeterminate,
			wantReason: "registry query failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := seededMemory(t)
			reg.FailWith(tt.failWith)
			c := newTestClient(t, reg)

			res := c.Attest(context.Background(), tt.id, domain.ModeQuery)

			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, domain.ModeQuery, res.Mode)
			assert.Equal(t, tt.id, res.Identity)
			if tt.wantReason != "" {
				assert.Contains(t, res.Reason, tt.wantReason)
			} else {
				assert.Empty(t, res.Reason)
			}
		})
	}
}

func TestAttest_RegisterIsNeverDenied(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	c := newTestClient(t, reg)
	ctx := context.Background()

	first := c.Attest(ctx, testutil.StrangerIdentity, domain.ModeRegister)
	assert.Equal(t, domain.StatusAuthorized, first.Status)

	second := c.Attest(ctx, testutil.StrangerIdentity, domain.ModeRegister)
	assert.Equal(t, domain.StatusAuthorized, second.Status, "registration is idempotent")

	records, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	query := c.Attest(ctx, testutil.StrangerIdentity, domain.ModeQuery)
	assert.Equal(t, domain.StatusAuthorized, query.Status)

	reg.FailWith(apperrors.Transport(errors.New("no route to host")))
	failed := c.Attest(ctx, testutil.RegisteredIdentity, domain.ModeRegister)
	assert.Equal(t, domain.StatusIndeterminate, failed.Status)
	assert.NotEmpty(t, failed.Reason)
}

func TestAttest_SentinelIdentityNeverReachesRegistry(t *testing.T) {
	for _, mode := range []domain.AttestationMode{domain.ModeRegister, domain.ModeQuery} {
		t.Run(string(mode), func(t *testing.T) {
			reg := registry.NewMemoryRegistry()
			c := newTestClient(t, reg)

			res := c.Attest(context.Background(), testutil.SentinelIdentity, mode)

			assert.Equal(t, domain.StatusIndeterminate, res.Status)
			assert.NotEmpty(t, res.Reason)
			assert.Zero(t, reg.Calls())
		})
	}
}

func TestAttest_SingleSentinelFieldIsAttested(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	c := newTestClient(t, reg)
	ctx := context.Background()
	partial := domain.NewMachineIdentity("", "aa:bb:cc:dd:ee:01")

	assert.Equal(t, domain.StatusDenied, c.Attest(ctx, partial, domain.ModeQuery).Status)
	assert.Equal(t, domain.StatusAuthorized, c.Attest(ctx, partial, domain.ModeRegister).Status)
	assert.Equal(t, domain.StatusAuthorized, c.Attest(ctx, partial, domain.ModeQuery).Status)
}

func TestAttest_InvalidMode(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	c := newTestClient(t, reg)

	res := c.Attest(context.Background(), testutil.RegisteredIdentity, domain.AttestationMode("delete"))
	assert.Equal(t, domain.StatusIndeterminate, res.Status)
	assert.Contains(t, res.Reason, "unknown attestation mode")
	assert.Zero(t, reg.Calls())
}

func TestAttest_Cancellation(t *testing.T) {
	t.Run("already cancelled", func(t *testing.T) {
		reg := seededMemory(t)
		c := newTestClient(t, reg)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res := c.Attest(ctx, testutil.RegisteredIdentity, domain.ModeQuery)
		assert.Equal(t, domain.StatusIndeterminate, res.Status)
		assert.True(t, strings.HasPrefix(res.Reason, "cancelled"), res.Reason)
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		c := newTestClient(t, blockingRegistry{}, WithTimeout(0))
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		res := c.Attest(ctx, testutil.RegisteredIdentity, domain.ModeRegister)
		assert.Equal(t, domain.StatusIndeterminate, res.Status)
		assert.True(t, strings.HasPrefix(res.Reason, "cancelled"), res.Reason)
	})

	t.Run("attempt timeout", func(t *testing.T) {
		c := newTestClient(t, blockingRegistry{}, WithTimeout(30*time.Millisecond))

		res := c.Attest(context.Background(), testutil.RegisteredIdentity, domain.ModeQuery)
		assert.Equal(t, domain.StatusIndeterminate, res.Status)
		assert.Contains(t, res.Reason, "cancelled: attestation did not complete within 30ms")
		assert.GreaterOrEqual(t, res.Duration, 30*time.Millisecond)
	})
}

func TestAttest_ConcurrentCallersAreIsolated(t *testing.T) {
	reg := seededMemory(t)
	c := newTestClient(t, reg)

	var wg sync.WaitGroup
	results := make([]domain.AttestationResult, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := testutil.RegisteredIdentity
			if i%2 == 1 {
				id = domain.MachineIdentity{CPUBrand: "AMD Ryzen 7 5800X", MACAddress: fmt.Sprintf("02:00:00:00:00:%02x", i)}
			}
			results[i] = c.Attest(context.Background(), id, domain.ModeQuery)
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if i%2 == 0 {
			assert.Equal(t, domain.StatusAuthorized, res.Status, "caller %d", i)
		} else {
			assert.Equal(t, domain.StatusDenied, res.Status, "caller %d", i)
		}
	}
}

func TestAttest_SQLiteRegistry(t *testing.T) {
	ctx := context.Background()
	cfg := config.RegistryConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "registry.db"),
		Table:  config.DefaultRegistryTable,
	}
	reg, err := registry.NewSQLRegistry(cfg, "", nil)
	require.NoError(t, err)
	require.NoError(t, reg.EnsureSchema(ctx))

	c := newTestClient(t, reg)

	assert.Equal(t, domain.StatusDenied, c.Attest(ctx, testutil.RegisteredIdentity, domain.ModeQuery).Status)
	assert.Equal(t, domain.StatusAuthorized, c.Attest(ctx, testutil.RegisteredIdentity, domain.ModeRegister).Status)
	assert.Equal(t, domain.StatusAuthorized, c.Attest(ctx, testutil.RegisteredIdentity, domain.ModeQuery).Status)
	assert.Equal(t, domain.StatusDenied, c.Attest(ctx, testutil.StrangerIdentity, domain.ModeQuery).Status)

	t.Run("unreachable database", func(t *testing.T) {
		cfg := cfg
		cfg.Path = filepath.Join(t.TempDir(), "no", "such", "dir", "registry.db")
		broken, err := registry.NewSQLRegistry(cfg, "", nil)
		require.NoError(t, err)

		res := newTestClient(t, broken).Attest(ctx, testutil.RegisteredIdentity, domain.ModeQuery)
		assert.Equal(t, domain.StatusIndeterminate, res.Status)
		assert.Contains(t, res.Reason, "registry unreachable")
	})
}

func TestCheckOrRegisterMachine(t *testing.T) {
	t.Run("reads the local identity", func(t *testing.T) {
		reader := &countingReader{id: testutil.RegisteredIdentity}
		c := newTestClient(t, seededMemory(t), WithIdentityReader(reader))

		res := c.CheckOrRegisterMachine(context.Background(), domain.ModeQuery)
		assert.Equal(t, domain.StatusAuthorized, res.Status)
		assert.Equal(t, testutil.RegisteredIdentity, res.Identity)
		assert.EqualValues(t, 1, reader.reads.Load())
	})

	t.Run("retries indeterminate with a fresh identity", func(t *testing.T) {
		reader := &countingReader{id: testutil.RegisteredIdentity}
		reg := &flakyRegistry{MemoryRegistry: seededMemory(t), failures: 2}
		c := newTestClient(t, reg, WithIdentityReader(reader), WithRetry(3, time.Millisecond))

		res := c.CheckOrRegisterMachine(context.Background(), domain.ModeQuery)
		assert.Equal(t, domain.StatusAuthorized, res.Status)
		assert.EqualValues(t, 3, reader.reads.Load())
		assert.EqualValues(t, 3, reg.calls.Load())
	})

	t.Run("gives up after the configured retries", func(t *testing.T) {
		reader := &countingReader{id: testutil.RegisteredIdentity}
		reg := &flakyRegistry{MemoryRegistry: seededMemory(t), failures: 100}
		c := newTestClient(t, reg, WithIdentityReader(reader), WithRetry(2, time.Millisecond))

		res := c.CheckOrRegisterMachine(context.Background(), domain.ModeQuery)
		assert.Equal(t, domain.StatusIndeterminate, res.Status)
		assert.EqualValues(t, 3, reg.calls.Load())
	})

	t.Run("denied is final", func(t *testing.T) {
		reader := &countingReader{id: testutil.StrangerIdentity}
		c := newTestClient(t, seededMemory(t), WithIdentityReader(reader), WithRetry(5, time.Millisecond))

		res := c.CheckOrRegisterMachine(context.Background(), domain.ModeQuery)
		assert.Equal(t, domain.StatusDenied, res.Status)
		assert.EqualValues(t, 1, reader.reads.Load())
	})

	t.Run("sentinel identity is not retried", func(t *testing.T) {
		reader := &countingReader{id: testutil.SentinelIdentity}
		c := newTestClient(t, registry.NewMemoryRegistry(), WithIdentityReader(reader), WithRetry(5, time.Millisecond))

		res := c.CheckOrRegisterMachine(context.Background(), domain.ModeRegister)
		assert.Equal(t, domain.StatusIndeterminate, res.Status)
		assert.EqualValues(t, 1, reader.reads.Load())
	})

	t.Run("cancellation stops retrying", func(t *testing.T) {
		reader := &countingReader{id: testutil.RegisteredIdentity}
		reg := &flakyRegistry{MemoryRegistry: seededMemory(t), failures: 100}
		logger, logs := testutil.NewTestLogger(t)
		c := NewClient(reg, WithLogger(logger), WithIdentityReader(reader), WithRetry(10, time.Hour))

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		res := c.CheckOrRegisterMachine(ctx, domain.ModeQuery)
		assert.Equal(t, domain.StatusIndeterminate, res.Status)
		assert.True(t, strings.HasPrefix(res.Reason, "cancelled"), res.Reason)
		assert.Equal(t, testutil.RegisteredIdentity, res.Identity)
		assert.EqualValues(t, 1, reg.calls.Load())
		assert.EqualValues(t, 1, reader.reads.Load())

		// the backoff cancellation is not counted as another attempt
		completed := 0
		for _, r := range logs.GetRecords() {
			if r.Message == "attestation completed" {
				completed++
			}
		}
		assert.Equal(t, 1, completed)
	})
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Registry.Driver = config.DriverSQLite
	cfg.Registry.Path = filepath.Join(t.TempDir(), "registry.db")
	cfg.Attestation.Timeout = 3 * time.Second
	cfg.Attestation.Retries = 2

	c, err := NewFromConfig(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, c.timeout)
	assert.Equal(t, 2, c.retries)

	cfg.Registry.Driver = "oracle"
	_, err = NewFromConfig(context.Background(), cfg, nil)
	assert.Error(t, err)
}
