package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"nodelock/internal/config"
	apperrors "nodelock/internal/errors"
	"nodelock/internal/security"
	"nodelock/pkg/contracts/domain"
)

// Registry is the attestation protocol.
type Registry interface {
	// Register inserts the identity, doing nothing if it is already present.
	Register(ctx context.Context, id domain.MachineIdentity) error
	// Exists reports whether the identity is on the allow-list.
	Exists(ctx context.Context, id domain.MachineIdentity) (bool, error)
}

// Store adds the allow-list administration operations used by the
// registry-server.
type Store interface {
	Registry
	List(ctx context.Context) ([]domain.AttestationRecord, error)
	// Add inserts a new record. It fails with apperrors.ErrDuplicateMAC when
	// the MAC address is already listed.
	Add(ctx context.Context, cpuSerial, macAddress, addedBy string) (domain.AttestationRecord, error)
	// Delete removes a record by id and returns it, or apperrors.ErrNotFound.
	Delete(ctx context.Context, machineID int64) (domain.AttestationRecord, error)
	Ping(ctx context.Context) error
}

// New builds the Registry selected by cfg.Driver.
func New(ctx context.Context, cfg config.RegistryConfig, addedBy string, logger *slog.Logger) (Registry, error) {
	switch cfg.Driver {
	case config.DriverPostgres, config.DriverSQLite:
		return NewSQLRegistry(cfg, addedBy, logger)
	case config.DriverSheets:
		return NewSheetsRegistry(ctx, cfg, addedBy, logger)
	case config.DriverHTTPS:
		return NewRemoteRegistry(cfg, logger)
	case config.DriverMemory:
		return newEphemeral(logger), nil
	default:
		return nil, fmt.Errorf("unsupported registry driver %q", cfg.Driver)
	}
}

// NewStore builds an administrable Store. Only the SQL and memory drivers
// support it.
func NewStore(cfg config.RegistryConfig, addedBy string, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres, config.DriverSQLite:
		return NewSQLRegistry(cfg, addedBy, logger)
	case config.DriverMemory:
		return newEphemeral(logger), nil
	default:
		return nil, fmt.Errorf("registry driver %q cannot back the admin service", cfg.Driver)
	}
}

func newEphemeral(logger *slog.Logger) *MemoryRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("using the in-memory registry; the allow-list is lost on exit",
		slog.String("driver", config.DriverMemory))
	return NewMemoryRegistry()
}

// canonical prepares an identity for storage and lookup. Registries refuse
// sentinel-only identities so that one can never end up on the list.
func canonical(id domain.MachineIdentity) (domain.MachineIdentity, error) {
	if id.IsSentinel() {
		return id, apperrors.ErrSentinelIdentity
	}
	if id.MACKnown() {
		if mac, err := security.NormalizeMAC(id.MACAddress); err == nil {
			id.MACAddress = mac
		}
	}
	id.CPUBrand = strings.TrimSpace(id.CPUBrand)
	return id, nil
}
