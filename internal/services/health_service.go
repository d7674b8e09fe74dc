package services

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

// Pinger is implemented by registries that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HubStats is implemented by the websocket hub.
type HubStats interface {
	ClientCount() int
	Stats() map[string]interface{}
}

// HealthService provides health check functionality
type HealthService struct {
	version     string
	buildTime   string
	registry    Pinger
	hub         HubStats
	pingTimeout time.Duration
	startTime   time.Time
	logger      *slog.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// NewHealthService creates a health service. hub may be nil.
func NewHealthService(version, buildTime string, registry Pinger, hub HubStats, pingTimeout time.Duration, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}

	return &HealthService{
		version:     version,
		buildTime:   buildTime,
		registry:    registry,
		hub:         hub,
		pingTimeout: pingTimeout,
		startTime:   time.Now(),
		logger:      logger.With(slog.String("component", "health_service")),
	}
}

// HealthCheck returns overall health status
func (hs *HealthService) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   hs.version,
	}
}

// ReadinessCheck pings the registry. The service is ready only when the
// registry answers.
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now(),
		Version:   hs.version,
		Services:  make(map[string]interface{}),
	}

	registryHealth := hs.checkRegistryHealth(ctx)
	status.Services["registry"] = registryHealth
	status.Services["websocket"] = hs.checkWebSocketHealth()

	if registryHealth.Status != "ready" {
		status.Status = "not_ready"
		hs.logger.WarnContext(ctx, "readiness check failed",
			slog.String("registry", registryHealth.Message))
	}
	return status
}

// LivenessCheck returns liveness status
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: time.Now(),
		Version:   hs.version,
		Runtime: map[string]interface{}{
			"uptime":     time.Since(hs.startTime).Seconds(),
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// Version returns version information
func (hs *HealthService) Version() map[string]interface{} {
	result := map[string]interface{}{
		"version":    hs.version,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     time.Since(hs.startTime).Seconds(),
		"start_time": hs.startTime.Format(time.RFC3339),
	}
	if hs.buildTime != "" {
		result["build_time"] = hs.buildTime
	}
	return result
}

func (hs *HealthService) checkRegistryHealth(ctx context.Context) ServiceHealth {
	if hs.registry == nil {
		return ServiceHealth{Status: "not_ready", Message: "registry not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, hs.pingTimeout)
	defer cancel()

	start := time.Now()
	if err := hs.registry.Ping(ctx); err != nil {
		return ServiceHealth{
			Status:  "not_ready",
			Message: fmt.Sprintf("registry unreachable: %v", err),
			Latency: time.Since(start).String(),
		}
	}
	return ServiceHealth{
		Status:  "ready",
		Message: "registry reachable",
		Latency: time.Since(start).String(),
	}
}

func (hs *HealthService) checkWebSocketHealth() interface{} {
	if hs.hub == nil {
		return ServiceHealth{Status: "ready", Message: "websocket events disabled"}
	}
	stats := hs.hub.Stats()
	stats["status"] = "ready"
	return stats
}
