package config

import "time"

// Application constants for the node-lock system
const (
	AppName    = "nodelock"
	AppVersion = "1.0.0"

	// EnvPrefix namespaces every environment variable, e.g. NODELOCK_REGISTRY_HOST.
	EnvPrefix = "NODELOCK"

	// Registry drivers
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
	DriverSheets   = "sheets"
	DriverHTTPS    = "https"
	// DriverMemory keeps the list in process memory; it is lost on exit.
	DriverMemory   = "memory"

	// Registry defaults
	DefaultRegistryPort   = 5432
	DefaultRegistrySchema = "datamanagement"
	DefaultRegistryTable  = "allowed_machines"
	DefaultSheetName      = "AllowedMachines"
	DefaultConnectTimeout = 10 * time.Second

	// Attestation defaults
	DefaultAttestationTimeout = 15 * time.Second
	DefaultAddedBy            = "SYSTEM_TOOL"

	// Rate Limiting
	DefaultRateLimitRPS   = 20
	DefaultRateLimitBurst = 40

	DefaultLogFile = "logs/nodelock.log"
)
