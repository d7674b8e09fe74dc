package registry

import (
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"nodelock/internal/config"
	"nodelock/internal/security"
)

// postgresConfig translates cfg into a pgx connection config. TLS is
// verify-full whenever TLSRequired is set; there is no plaintext fallback.
func postgresConfig(cfg config.RegistryConfig) (*pgx.ConnConfig, error) {
	// Start from a fixed baseline so no PG* environment TLS settings leak in.
	pc, err := pgx.ParseConfig("sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("failed to build postgres config: %w", err)
	}

	pc.Host = cfg.Host
	pc.Port = uint16(cfg.Port)
	pc.User = cfg.User
	pc.Password = cfg.Credential
	pc.Database = cfg.Database
	pc.ConnectTimeout = cfg.ConnectTimeout
	pc.Fallbacks = nil
	pc.RuntimeParams["application_name"] = config.AppName

	if cfg.TLSRequired {
		serverName := cfg.ServerName
		if serverName == "" {
			serverName = cfg.Host
		}
		tlsCfg, err := security.NewClientTLSConfig(security.TLSOptions{
			CAFile:     cfg.CAFile,
			ServerName: serverName,
			PinnedSPKI: cfg.PinnedSPKI,
		})
		if err != nil {
			return nil, err
		}
		pc.TLSConfig = tlsCfg
	} else {
		pc.TLSConfig = nil
	}

	return pc, nil
}

func postgresOpener(cfg config.RegistryConfig) (opener, error) {
	pc, err := postgresConfig(cfg)
	if err != nil {
		return nil, err
	}
	return func() (*sql.DB, error) {
		return stdlib.OpenDB(*pc.Copy()), nil
	}, nil
}
