package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodelock/internal/config"
	apperrors "nodelock/internal/errors"
	"nodelock/internal/shared/testutil"
	"nodelock/pkg/contracts/domain"
)

func sqliteConfig(t *testing.T) config.RegistryConfig {
	t.Helper()
	return config.RegistryConfig{
		Driver:         config.DriverSQLite,
		Path:           filepath.Join(t.TempDir(), "registry.db"),
		Schema:         config.DefaultRegistrySchema,
		Table:          config.DefaultRegistryTable,
		ConnectTimeout: time.Second,
	}
}

func newSQLiteRegistry(t *testing.T) *SQLRegistry {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	r, err := NewSQLRegistry(sqliteConfig(t), "test-suite", logger)
	require.NoError(t, err)
	require.NoError(t, r.EnsureSchema(context.Background()))
	return r
}

func TestSQLRegistry_RegisterAndExists(t *testing.T) {
	ctx := context.Background()
	r := newSQLiteRegistry(t)

	found, err := r.Exists(ctx, testutil.RegisteredIdentity)
	require.NoError(t, err)
	assert.False(t, found, "empty registry must not contain the machine")

	require.NoError(t, r.Register(ctx, testutil.RegisteredIdentity))

	found, err = r.Exists(ctx, testutil.RegisteredIdentity)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = r.Exists(ctx, testutil.StrangerIdentity)
	require.NoError(t, err)
	assert.False(t, found, "same CPU with a different MAC is a different machine")
}

func TestSQLRegistry_RegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newSQLiteRegistry(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Register(ctx, testutil.RegisteredIdentity))
	}

	records, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, testutil.RegisteredIdentity, records[0].Identity())
	assert.Equal(t, "test-suite", records[0].AddedBy)
	assert.False(t, records[0].AddedOn.IsZero())
}

func TestSQLRegistry_NormalizesMAC(t *testing.T) {
	ctx := context.Background()
	r := newSQLiteRegistry(t)

	upper := domain.MachineIdentity{CPUBrand: testutil.RegisteredIdentity.CPUBrand, MACAddress: "AA-BB-CC-DD-EE-FF"}
	require.NoError(t, r.Register(ctx, upper))

	found, err := r.Exists(ctx, testutil.RegisteredIdentity)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSQLRegistry_OneSentinelFieldIsStored(t *testing.T) {
	ctx := context.Background()
	r := newSQLiteRegistry(t)

	partial := domain.NewMachineIdentity("ARMv7 Processor rev 4 (v7l)", "")
	require.NoError(t, r.Register(ctx, partial))

	found, err := r.Exists(ctx, partial)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSQLRegistry_SentinelIdentityNeverTouchesDatabase(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Path = filepath.Join(t.TempDir(), "missing", "dir", "registry.db")
	r, err := NewSQLRegistry(cfg, "", nil)
	require.NoError(t, err)

	err = r.Register(context.Background(), testutil.SentinelIdentity)
	assert.ErrorIs(t, err, apperrors.ErrSentinelIdentity)

	_, err = r.Exists(context.Background(), testutil.SentinelIdentity)
	assert.ErrorIs(t, err, apperrors.ErrSentinelIdentity)
	assert.NotErrorIs(t, err, apperrors.ErrTransportFailure)
}

func TestSQLRegistry_FailureClassification(t *testing.T) {
	t.Run("unopenable database is a transport failure", func(t *testing.T) {
		cfg := sqliteConfig(t)
		cfg.Path = filepath.Join(t.TempDir(), "missing", "dir", "registry.db")
		r, err := NewSQLRegistry(cfg, "", nil)
		require.NoError(t, err)

		_, err = r.Exists(context.Background(), testutil.RegisteredIdentity)
		assert.ErrorIs(t, err, apperrors.ErrTransportFailure)

		assert.ErrorIs(t, r.Ping(context.Background()), apperrors.ErrTransportFailure)
	})

	t.Run("missing table is a query failure", func(t *testing.T) {
		r, err := NewSQLRegistry(sqliteConfig(t), "", nil)
		require.NoError(t, err)

		_, err = r.Exists(context.Background(), testutil.RegisteredIdentity)
		assert.ErrorIs(t, err, apperrors.ErrQueryFailure)
		assert.NotErrorIs(t, err, apperrors.ErrTransportFailure)

		err = r.Register(context.Background(), testutil.RegisteredIdentity)
		assert.ErrorIs(t, err, apperrors.ErrQueryFailure)
	})

	t.Run("cancelled context fails before querying", func(t *testing.T) {
		r := newSQLiteRegistry(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := r.Exists(ctx, testutil.RegisteredIdentity)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestSQLRegistry_AdminOperations(t *testing.T) {
	ctx := context.Background()
	r := newSQLiteRegistry(t)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	first, err := r.Add(ctx, "Intel(R) Xeon(R) Gold 6230", "AA:BB:CC:00:00:01", "admin@example.com")
	require.NoError(t, err)
	assert.NotZero(t, first.MachineID)
	assert.Equal(t, "aa:bb:cc:00:00:01", first.MACAddress)

	second, err := r.Add(ctx, "AMD EPYC 7763", "aa:bb:cc:00:00:02", "")
	require.NoError(t, err)
	assert.Equal(t, "test-suite", second.AddedBy)

	t.Run("duplicate MAC is rejected", func(t *testing.T) {
		_, err := r.Add(ctx, "some other cpu", "aa:bb:cc:00:00:01", "admin@example.com")
		assert.ErrorIs(t, err, apperrors.ErrDuplicateMAC)
	})

	t.Run("invalid MAC is rejected", func(t *testing.T) {
		_, err := r.Add(ctx, "cpu", "zz:zz", "")
		assert.Error(t, err)
	})

	t.Run("list is newest first", func(t *testing.T) {
		records, err := r.List(ctx)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, second.MachineID, records[0].MachineID)
		assert.Equal(t, first.MachineID, records[1].MachineID)
		assert.True(t, records[0].AddedOn.Equal(second.AddedOn), "%v != %v", records[0].AddedOn, second.AddedOn)
	})

	t.Run("added machines attest", func(t *testing.T) {
		found, err := r.Exists(ctx, domain.MachineIdentity{CPUBrand: "AMD EPYC 7763", MACAddress: "aa:bb:cc:00:00:02"})
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("delete returns the removed record", func(t *testing.T) {
		removed, err := r.Delete(ctx, first.MachineID)
		require.NoError(t, err)
		assert.Equal(t, first.MACAddress, removed.MACAddress)
		assert.Equal(t, "admin@example.com", removed.AddedBy)
		assert.True(t, removed.AddedOn.Equal(first.AddedOn))

		_, err = r.Delete(ctx, first.MachineID)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, r.Ping(ctx))
	})
}

func TestSQLRegistry_EnsureSchemaIsIdempotent(t *testing.T) {
	r := newSQLiteRegistry(t)
	assert.NoError(t, r.EnsureSchema(context.Background()))
}

func TestSQLRegistry_ConnectionReleasedAfterEachCall(t *testing.T) {
	// With a single-writer SQLite file, a leaked connection holding a write
	// transaction would make the second registry's insert time out.
	cfg := sqliteConfig(t)
	a, err := NewSQLRegistry(cfg, "", nil)
	require.NoError(t, err)
	require.NoError(t, a.EnsureSchema(context.Background()))
	b, err := NewSQLRegistry(cfg, "", nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Register(context.Background(), testutil.RegisteredIdentity))
		require.NoError(t, b.Register(context.Background(), testutil.StrangerIdentity))
	}

	records, err := a.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestNewSQLRegistry_RejectsUnsafeIdentifiers(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Table = "machines; DROP TABLE users"
	_, err := NewSQLRegistry(cfg, "", nil)
	assert.Error(t, err)

	cfg = sqliteConfig(t)
	cfg.Driver = config.DriverPostgres
	cfg.Schema = "bad-schema"
	_, err = NewSQLRegistry(cfg, "", nil)
	assert.Error(t, err)
}
