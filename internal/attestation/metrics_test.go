package attestation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	apperrors "nodelock/internal/errors"
	"nodelock/internal/registry"
	"nodelock/internal/shared/testutil"
	"nodelock/pkg/contracts/domain"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumWhere(m metricdata.Metrics, key, value string) int64 {
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		return 0
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestMetrics_RecordsOutcomes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	metrics, err := NewMetrics(provider.Meter(MeterName))
	require.NoError(t, err)

	reg := registry.NewMemoryRegistry()
	require.NoError(t, reg.Register(context.Background(), testutil.RegisteredIdentity))
	c := newTestClient(t, reg, WithMetrics(metrics))
	ctx := context.Background()

	c.Attest(ctx, testutil.RegisteredIdentity, domain.ModeQuery)
	c.Attest(ctx, testutil.StrangerIdentity, domain.ModeQuery)
	reg.FailWith(apperrors.Transport(errors.New("connection refused")))
	c.Attest(ctx, testutil.RegisteredIdentity, domain.ModeQuery)

	got := collect(t, reader)

	require.Contains(t, got, "attestation_attempts_total")
	assert.EqualValues(t, 3, sumWhere(got["attestation_attempts_total"], "mode", "query"))

	results := got["attestation_results_total"]
	assert.EqualValues(t, 1, sumWhere(results, "status", "authorized"))
	assert.EqualValues(t, 1, sumWhere(results, "status", "denied"))
	assert.EqualValues(t, 1, sumWhere(results, "status", "indeterminate"))

	assert.EqualValues(t, 1, sumWhere(got["attestation_registry_errors_total"], "kind", "transport"))

	hist, ok := got["attestation_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.EqualValues(t, 3, count)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.record(context.Background(), domain.AttestationResult{Status: domain.StatusDenied}, nil)
	})
}
