package config

// Application identity, reported by the version and health endpoints.
const (
	AppName    = "entitled"
	AppVersion = "1.0.0"
)
