// Package config provides centralized configuration management for the
// node-lock tools. It loads configuration from multiple sources, validates it
// and exposes a typed API to the rest of the application.
//
// # Configuration Sources
//
// Configuration is assembled in order of increasing precedence:
//
//	1. Default values (Default)
//	2. YAML file (NODELOCK_CONFIG_FILE, config.yaml or configs/config.yaml)
//	3. Environment variables
//
// # Environment Variables
//
// All environment variables follow the pattern NODELOCK_<SECTION>_<FIELD>:
//
//	NODELOCK_REGISTRY_HOST=registry.example.com
//	NODELOCK_REGISTRY_USER=attestor
//	NODELOCK_REGISTRY_DATABASE=goldfinancemanagement
//	NODELOCK_REGISTRY_CREDENTIAL_FILE=/run/secrets/registry
//	NODELOCK_REGISTRY_TLS_REQUIRED=true
//	NODELOCK_LOGGING_LEVEL=debug
//
// # Credentials
//
// The registry credential is never part of the binary or the YAML file. It is
// read, in this order, from NODELOCK_REGISTRY_CREDENTIAL, from a sealed
// credential file (NODELOCK_REGISTRY_CREDENTIAL_SEALED_FILE plus
// NODELOCK_REGISTRY_CREDENTIAL_PASSPHRASE) or from a plain secret file
// (NODELOCK_REGISTRY_CREDENTIAL_FILE).
//
// # Validation
//
// Validate rejects incomplete registry settings and refuses plaintext
// connections to anything but a loopback host.
package config
