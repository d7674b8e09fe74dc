package attestation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nodelock/internal/config"
	apperrors "nodelock/internal/errors"
	"nodelock/internal/registry"
	"nodelock/internal/security"
	"nodelock/pkg/contracts/domain"
)

const maxRetryDelay = 30 * time.Second

// IdentityReader produces the identity of the local machine.
type IdentityReader interface {
	Read() domain.MachineIdentity
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each attestation attempt. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetry makes CheckOrRegisterMachine repeat Indeterminate attempts up to
// retries more times, doubling delay between attempts.
func WithRetry(retries int, delay time.Duration) Option {
	return func(c *Client) {
		c.retries = retries
		c.retryDelay = delay
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records every attestation on m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithIdentityReader replaces the hardware fingerprint reader.
func WithIdentityReader(r IdentityReader) Option {
	return func(c *Client) { c.reader = r }
}

// Client attests machine identities against a registry. It holds no mutable
// state, so one Client may serve concurrent callers.
type Client struct {
	registry   registry.Registry
	reader     IdentityReader
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
}

// NewClient creates a Client over reg.
func NewClient(reg registry.Registry, opts ...Option) *Client {
	c := &Client{
		registry:   reg,
		timeout:    config.DefaultAttestationTimeout,
		retryDelay: time.Second,
		logger:     slog.Default(),
		tracer:     otel.Tracer(TracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.reader == nil {
		c.reader = security.NewFingerprintReader(c.logger)
	}
	c.logger = c.logger.With(slog.String("component", "attestation"))
	return c
}

// NewFromConfig builds the registry selected by cfg and a Client over it.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	reg, err := registry.New(ctx, cfg.Registry, cfg.Attestation.AddedBy, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	base := []Option{
		WithLogger(logger),
		WithTimeout(cfg.Attestation.Timeout),
		WithRetry(cfg.Attestation.Retries, time.Second),
	}
	return NewClient(reg, append(base, opts...)...), nil
}

// Attest registers or checks id according to mode.
func (c *Client) Attest(ctx context.Context, id domain.MachineIdentity, mode domain.AttestationMode) domain.AttestationResult {
	ctx, span := c.tracer.Start(ctx, "attestation.attest",
		trace.WithAttributes(
			attribute.String("attestation.mode", string(mode)),
			attribute.String("component", "attestation"),
		),
	)
	defer span.End()

	start := time.Now()
	res, cause := c.attest(ctx, id, mode)
	res.Duration = time.Since(start)

	c.metrics.record(ctx, res, cause)

	span.SetAttributes(
		attribute.String("attestation.status", string(res.Status)),
		attribute.Float64("attestation.duration_ms", durationMillis(res.Duration)),
	)
	if cause != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, res.Reason)
		span.SetAttributes(attribute.String("attestation.error_type", apperrors.Kind(cause)))
	} else {
		span.SetStatus(codes.Ok, string(res.Status))
	}

	level := slog.LevelInfo
	if res.Indeterminate() {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "attestation completed",
		slog.String("mode", string(mode)),
		slog.String("status", string(res.Status)),
		slog.String("cpu_brand", id.CPUBrand),
		slog.String("mac_address", id.MACAddress),
		slog.String("reason", res.Reason),
		slog.Duration("duration", res.Duration))

	return res
}

// attest returns the result and, for Indeterminate, the error behind it.
func (c *Client) attest(ctx context.Context, id domain.MachineIdentity, mode domain.AttestationMode) (domain.AttestationResult, error) {
	res := domain.AttestationResult{Mode: mode, Identity: id}

	if !mode.Valid() {
		err := fmt.Errorf("unknown attestation mode %q", mode)
		return indeterminate(res, err.Error()), err
	}
	if id.IsSentinel() {
		return indeterminate(res, apperrors.ErrSentinelIdentity.Error()), apperrors.ErrSentinelIdentity
	}
	if err := ctx.Err(); err != nil {
		return c.failed(ctx, res, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	switch mode {
	case domain.ModeRegister:
		if err := c.registry.Register(ctx, id); err != nil {
			return c.failed(ctx, res, err)
		}
		res.Status = domain.StatusAuthorized
	case domain.ModeQuery:
		found, err := c.registry.Exists(ctx, id)
		if err != nil {
			return c.failed(ctx, res, err)
		}
		if found {
			res.Status = domain.StatusAuthorized
		} else {
			res.Status = domain.StatusDenied
		}
	}
	return res, nil
}

// failed folds a registry error into an Indeterminate result.
func (c *Client) failed(ctx context.Context, res domain.AttestationResult, err error) (domain.AttestationResult, error) {
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		reason := "cancelled: " + err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && c.timeout > 0 {
			reason = fmt.Sprintf("cancelled: attestation did not complete within %s", c.timeout)
		}
		return indeterminate(res, reason), fmt.Errorf("%w: %w", apperrors.ErrCancelled, err)
	case errors.Is(err, apperrors.ErrTransportFailure):
		return indeterminate(res, "registry unreachable: "+err.Error()), err
	case errors.Is(err, apperrors.ErrQueryFailure):
		return indeterminate(res, "registry query failed: "+err.Error()), err
	default:
		return indeterminate(res, err.Error()), err
	}
}

func indeterminate(res domain.AttestationResult, reason string) domain.AttestationResult {
	res.Status = domain.StatusIndeterminate
	res.Reason = reason
	return res
}

// CheckOrRegisterMachine reads this machine's identity and attests it. A
// fresh identity is read for every attempt. Indeterminate attempts are
// retried as configured by WithRetry; Authorized and Denied are final.
func (c *Client) CheckOrRegisterMachine(ctx context.Context, mode domain.AttestationMode) domain.AttestationResult {
	delay := c.retryDelay
	var res domain.AttestationResult

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.logger.InfoContext(ctx, "retrying attestation",
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", delay),
				slog.String("previous_reason", res.Reason))

			select {
			case <-ctx.Done():
				return indeterminate(res, "cancelled: "+ctx.Err().Error())
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}

		res = c.Attest(ctx, c.reader.Read(), mode)
		if !res.Indeterminate() || res.Identity.IsSentinel() || ctx.Err() != nil {
			return res
		}
	}
	return res
}
