// Package config provides centralized configuration management for the
// entitled licensing service. It handles loading configuration from multiple
// sources, validation, and provides a type-safe API for accessing
// configuration values throughout the application.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. Configuration files (YAML)
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern ENTITLED_* for namespacing:
//
//	ENTITLED_SERVER_PORT=8080
//	ENTITLED_LOGGING_LEVEL=info
//	ENTITLED_LEDGER_LOCK_TIMEOUT=3s
//	ENTITLED_TRUST_LOW_RISK_THRESHOLD=80
//	ENTITLED_STORE_SNAPSHOT_PATH=data/entitled.json
//
// # Validation
//
// All configuration is validated at load time to ensure:
//
//	- Required fields are present
//	- Values are within acceptable ranges
//	- Risk thresholds are ordered (medium below low)
//
// # Usage
//
// Load configuration at application startup:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// For testing, use config.Default() to create a configuration with
// sensible defaults that don't require environment variables.
package config
