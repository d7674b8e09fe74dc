package attestation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	apperrors "nodelock/internal/errors"
	"nodelock/pkg/contracts/domain"
)

const (
	TracerName = "nodelock/attestation"
	MeterName  = "nodelock/attestation"
)

// Metrics holds the attestation instruments.
type Metrics struct {
	Attempts       metric.Int64Counter
	Results        metric.Int64Counter
	Duration       metric.Float64Histogram
	RegistryErrors metric.Int64Counter
}

// NewMetrics creates the attestation instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Attempts, err = meter.Int64Counter(
		"attestation_attempts_total",
		metric.WithDescription("Total number of attestation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts counter: %w", err)
	}

	m.Results, err = meter.Int64Counter(
		"attestation_results_total",
		metric.WithDescription("Attestation outcomes by status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create results counter: %w", err)
	}

	m.Duration, err = meter.Float64Histogram(
		"attestation_duration_seconds",
		metric.WithDescription("Attestation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	m.RegistryErrors, err = meter.Int64Counter(
		"attestation_registry_errors_total",
		metric.WithDescription("Registry errors by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry errors counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) record(ctx context.Context, res domain.AttestationResult, cause error) {
	if m == nil {
		return
	}
	mode := attribute.String("mode", string(res.Mode))

	m.Attempts.Add(ctx, 1, metric.WithAttributes(mode))
	m.Results.Add(ctx, 1, metric.WithAttributes(mode, attribute.String("status", string(res.Status))))
	m.Duration.Record(ctx, res.Duration.Seconds(), metric.WithAttributes(mode))
	if cause != nil {
		m.RegistryErrors.Add(ctx, 1, metric.WithAttributes(mode, attribute.String("kind", apperrors.Kind(cause))))
	}
}

// durationMillis is used for span attributes.
func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
