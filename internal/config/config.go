package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"nodelock/internal/security"
)

// Config represents the complete application configuration.
//
// Environment keys are derived with split_words only. An envconfig tag would
// make envconfig also read the bare tag name ($CREDENTIAL, $PORT, $LEVEL)
// when the prefixed key is unset.
type Config struct {
	Registry    RegistryConfig    `yaml:"registry" split_words:"true"`
	Attestation AttestationConfig `yaml:"attestation" split_words:"true"`
	Server      ServerConfig      `yaml:"server" split_words:"true"`
	Security    SecurityConfig    `yaml:"security" split_words:"true"`
	Logging     LoggingConfig     `yaml:"logging" split_words:"true"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" split_words:"true"`
}

// RegistryConfig describes how to reach the machine registry.
// Credentials are never compiled in; they come from the environment,
// a secret file or a sealed credential file.
type RegistryConfig struct {
	Driver string `yaml:"driver" split_words:"true"`

	Host     string `yaml:"host" split_words:"true"`
	Port     int    `yaml:"port" split_words:"true"`
	User     string `yaml:"user" split_words:"true"`
	Database string `yaml:"database" split_words:"true"`
	Schema   string `yaml:"schema" split_words:"true"`
	Table    string `yaml:"table" split_words:"true"`

	Credential           string `yaml:"-" split_words:"true"`
	CredentialFile       string `yaml:"credential_file" split_words:"true"`
	CredentialSealedFile string `yaml:"sealed_credential_file" split_words:"true"`
	CredentialPassphrase string `yaml:"-" split_words:"true"`

	TLSRequired    bool          `yaml:"tls_required" split_words:"true"`
	CAFile         string        `yaml:"ca_file" split_words:"true"`
	ServerName     string        `yaml:"server_name" split_words:"true"`
	PinnedSPKI     []string      `yaml:"pinned_spki" split_words:"true"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" split_words:"true"`

	// sqlite3 driver
	Path string `yaml:"path" split_words:"true"`

	// sheets driver
	SpreadsheetID         string `yaml:"spreadsheet_id" split_words:"true"`
	SheetName             string `yaml:"sheet_name" split_words:"true"`
	SheetsCredentialsFile string `yaml:"sheets_credentials_file" split_words:"true"`

	// https driver
	URL    string `yaml:"url" split_words:"true"`
	APIKey string `yaml:"-" split_words:"true"`
}

// LogValue keeps secrets out of structured logs.
func (r RegistryConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("driver", r.Driver),
		slog.String("host", r.Host),
		slog.Int("port", r.Port),
		slog.String("user", r.User),
		slog.String("database", r.Database),
		slog.String("table", r.QualifiedTable()),
		slog.Bool("tls_required", r.TLSRequired),
		slog.Bool("credential_set", r.Credential != ""),
	)
}

// QualifiedTable returns the table name with its schema prefix, if any.
func (r RegistryConfig) QualifiedTable() string {
	if r.Schema == "" {
		return r.Table
	}
	return r.Schema + "." + r.Table
}

// AttestationConfig controls a single attestation attempt.
type AttestationConfig struct {
	Timeout time.Duration `yaml:"timeout" split_words:"true"`
	Retries int           `yaml:"retries" split_words:"true"`
	AddedBy string        `yaml:"added_by" split_words:"true"`
}

// ServerConfig contains HTTP server configuration for the registry service
type ServerConfig struct {
	Port            int           `yaml:"port" split_words:"true"`
	ReadTimeout     time.Duration `yaml:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration `yaml:"write_timeout" split_words:"true"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
	TLSCertFile     string        `yaml:"tls_cert_file" split_words:"true"`
	TLSKeyFile      string        `yaml:"tls_key_file" split_words:"true"`

	// AllowedOrigins for /ws; empty means same host only.
	AllowedOrigins []string `yaml:"allowed_origins" split_words:"true"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	// AdminKeyHashes are bcrypt hashes of the API keys allowed to manage the allow-list.
	AdminKeyHashes []string `yaml:"admin_key_hashes" split_words:"true"`

	// ClientKeyHashes may call POST /api/attest but not manage the list.
	ClientKeyHashes []string        `yaml:"client_key_hashes" split_words:"true"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" split_words:"true"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" split_words:"true"`
	RPS     float64 `yaml:"rps" split_words:"true"`
	Burst   int     `yaml:"burst" split_words:"true"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" split_words:"true"`
	Output   string `yaml:"output" split_words:"true"`
	FilePath string `yaml:"file_path" split_words:"true"`
}

// TelemetryConfig contains OpenTelemetry configuration
type TelemetryConfig struct {
	Environment   string  `yaml:"environment" split_words:"true"`
	EnableMetrics bool    `yaml:"enable_metrics" split_words:"true"`
	EnableTracing bool    `yaml:"enable_tracing" split_words:"true"`
	TraceExporter string  `yaml:"trace_exporter" split_words:"true"`
	SampleRatio   float64 `yaml:"sample_ratio" split_words:"true"`
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	cfg := Default()

	// Load from config file if exists
	if configFile := getConfigFilePath(); configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Environment variables override file values
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.resolveCredential(); err != nil {
		return nil, fmt.Errorf("failed to resolve registry credential: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays YAML file values onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// resolveCredential fills Registry.Credential from a secret file or a sealed
// credential file when it was not supplied directly.
func (c *Config) resolveCredential() error {
	r := &c.Registry
	if r.Credential != "" {
		return nil
	}

	switch {
	case r.CredentialSealedFile != "":
		if r.CredentialPassphrase == "" {
			return fmt.Errorf("sealed credential file %s requires %s_REGISTRY_CREDENTIAL_PASSPHRASE", r.CredentialSealedFile, EnvPrefix)
		}
		secret, err := security.OpenSealedCredentialFile(r.CredentialSealedFile, []byte(r.CredentialPassphrase))
		if err != nil {
			return err
		}
		r.Credential = string(secret)
	case r.CredentialFile != "":
		data, err := os.ReadFile(r.CredentialFile)
		if err != nil {
			return fmt.Errorf("failed to read credential file: %w", err)
		}
		r.Credential = strings.TrimSpace(string(data))
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Registry.validate(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	if c.Attestation.Timeout <= 0 {
		return fmt.Errorf("attestation timeout must be positive")
	}
	if c.Attestation.Retries < 0 {
		return fmt.Errorf("attestation retries must not be negative")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server TLS requires both certificate and key files")
	}

	if c.Security.RateLimit.Enabled && (c.Security.RateLimit.RPS <= 0 || c.Security.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit requires positive rps and burst")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Output) {
	case "console", "file", "both":
	default:
		return fmt.Errorf("invalid logging output: %q", c.Logging.Output)
	}
	if c.Logging.Output != "console" && c.Logging.FilePath == "" {
		c.Logging.FilePath = DefaultLogFile
	}

	return nil
}

func (r *RegistryConfig) validate() error {
	switch r.Driver {
	case DriverPostgres:
		if r.Host == "" {
			return fmt.Errorf("host is required")
		}
		if r.Port <= 0 || r.Port > 65535 {
			return fmt.Errorf("invalid port: %d", r.Port)
		}
		if r.User == "" {
			return fmt.Errorf("user is required")
		}
		if r.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if r.Credential == "" {
			return fmt.Errorf("credential is required (set %s_REGISTRY_CREDENTIAL, _CREDENTIAL_FILE or _CREDENTIAL_SEALED_FILE)", EnvPrefix)
		}
		if !r.TLSRequired && !isLoopback(r.Host) {
			return fmt.Errorf("plaintext connections are only permitted to loopback hosts, got %q", r.Host)
		}
	case DriverSQLite:
		if r.Path == "" {
			return fmt.Errorf("path is required for the %s driver", DriverSQLite)
		}
	case DriverSheets:
		if r.SpreadsheetID == "" || r.SheetName == "" {
			return fmt.Errorf("spreadsheet id and sheet name are required for the %s driver", DriverSheets)
		}
	case DriverMemory:
	case DriverHTTPS:
		u, err := url.Parse(r.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid registry url %q", r.URL)
		}
		if u.Scheme != "https" && (r.TLSRequired || !isLoopback(u.Hostname())) {
			return fmt.Errorf("registry url must use https, got %q", u.Scheme)
		}
	default:
		return fmt.Errorf("unsupported driver %q", r.Driver)
	}

	if r.Table == "" {
		return fmt.Errorf("table is required")
	}
	if r.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if explicit := os.Getenv(EnvPrefix + "_CONFIG_FILE"); explicit != "" {
		return explicit
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			Driver:         DriverPostgres,
			Port:           DefaultRegistryPort,
			Schema:         DefaultRegistrySchema,
			Table:          DefaultRegistryTable,
			TLSRequired:    true,
			ConnectTimeout: DefaultConnectTimeout,
			SheetName:      DefaultSheetName,
		},
		Attestation: AttestationConfig{
			Timeout: DefaultAttestationTimeout,
			AddedBy: DefaultAddedBy,
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     DefaultRateLimitRPS,
				Burst:   DefaultRateLimitBurst,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: DefaultLogFile,
		},
		Telemetry: TelemetryConfig{
			Environment:   "development",
			EnableMetrics: true,
			EnableTracing: false,
			TraceExporter: "stdout",
			SampleRatio:   1.0,
		},
	}
}
