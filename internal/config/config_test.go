package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Equal(t, "data/entitled.json", cfg.Store.SnapshotPath)
	assert.Equal(t, 5, cfg.Keygen.MaxCollisionRetries)

	assert.Equal(t, 3*time.Second, cfg.Ledger.LockTimeout)
	assert.Equal(t, 3, cfg.Ledger.BusyRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.Ledger.RetryDelay)

	assert.Equal(t, 30*24*time.Hour, cfg.Trust.ScoreWindow)
	assert.Equal(t, 24*time.Hour, cfg.Trust.ChurnWindow)
	assert.Equal(t, 80, cfg.Trust.LowRiskThreshold)
	assert.Equal(t, 50, cfg.Trust.MediumRiskThreshold)

	assert.True(t, cfg.Security.Attempts.Enabled)
	assert.Equal(t, 10, cfg.Security.Attempts.MaxFailures)
	assert.Equal(t, 15*time.Minute, cfg.Security.Attempts.BlockFor)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ENTITLED_SERVER_PORT", "9090")
	t.Setenv("ENTITLED_LOGGING_LEVEL", "debug")
	t.Setenv("ENTITLED_TRUST_CHURN_EVENT_THRESHOLD", "5")
	t.Setenv("ENTITLED_LEDGER_LOCK_TIMEOUT", "500ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Trust.ChurnEventThreshold)
	assert.Equal(t, 500*time.Millisecond, cfg.Ledger.LockTimeout)
}

func TestLoad_RejectsInvalidPort(t *testing.T) {
	t.Setenv("ENTITLED_SERVER_PORT", "70000")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsInvertedRiskThresholds(t *testing.T) {
	t.Setenv("ENTITLED_TRUST_MEDIUM_RISK_THRESHOLD", "90")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "risk threshold")
}

func TestDefault_PassesValidation(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero_port", func(c *Config) { c.Server.Port = 0 }, true},
		{"port_too_high", func(c *Config) { c.Server.Port = 65536 }, true},
		{"zero_read_timeout", func(c *Config) { c.Server.ReadTimeout = 0 }, true},
		{"zero_write_timeout", func(c *Config) { c.Server.WriteTimeout = 0 }, true},
		{"no_origins", func(c *Config) { c.Security.AllowedOrigins = nil }, true},
		{"zero_collision_retries", func(c *Config) { c.Keygen.MaxCollisionRetries = 0 }, true},
		{"zero_lock_timeout", func(c *Config) { c.Ledger.LockTimeout = 0 }, true},
		{"negative_busy_retries", func(c *Config) { c.Ledger.BusyRetries = -1 }, true},
		{"thresholds_equal", func(c *Config) { c.Trust.MediumRiskThreshold = c.Trust.LowRiskThreshold }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_CoercesLoggingSettings(t *testing.T) {
	cfg := Default()
	cfg.Logging.Format = "text"
	cfg.Logging.Output = "syslog"
	cfg.Logging.FilePath = ""

	require.NoError(t, cfg.validate())
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "both", cfg.Logging.Output)
	assert.Equal(t, "logs/entitled.log", cfg.Logging.FilePath)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9443
logging:
  level: warn
store:
  snapshot_path: /var/lib/entitled/state.json
keygen:
  max_collision_retries: 8
trust:
  low_risk_threshold: 85
  medium_risk_threshold: 55
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := loadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9443, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/var/lib/entitled/state.json", cfg.Store.SnapshotPath)
	assert.Equal(t, 8, cfg.Keygen.MaxCollisionRetries)
	assert.Equal(t, 85, cfg.Trust.LowRiskThreshold)
}

func TestLoadFromFile_Errors(t *testing.T) {
	_, err := loadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))
	_, err = loadFromFile(path)
	assert.Error(t, err)
}

func TestMergeConfigs_EnvTakesPrecedence(t *testing.T) {
	fileCfg := Config{}
	fileCfg.Server.Port = 9443
	fileCfg.Logging.Level = "warn"
	fileCfg.Store.SnapshotPath = "/var/lib/entitled/state.json"
	fileCfg.Keygen.MaxCollisionRetries = 8
	fileCfg.Ledger.LockTimeout = time.Second
	fileCfg.Trust.LowRiskThreshold = 85
	fileCfg.Trust.MediumRiskThreshold = 55

	envCfg := Config{}
	envCfg.Server.Port = 8081

	merged := mergeConfigs(fileCfg, envCfg)

	// env value wins
	assert.Equal(t, 8081, merged.Server.Port)

	// file values fill in the gaps
	assert.Equal(t, "warn", merged.Logging.Level)
	assert.Equal(t, "/var/lib/entitled/state.json", merged.Store.SnapshotPath)
	assert.Equal(t, 8, merged.Keygen.MaxCollisionRetries)
	assert.Equal(t, time.Second, merged.Ledger.LockTimeout)
	assert.Equal(t, 85, merged.Trust.LowRiskThreshold)
	assert.Equal(t, 55, merged.Trust.MediumRiskThreshold)
}
