package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Store    StoreConfig    `yaml:"store" envconfig:"STORE"`
	Keygen   KeygenConfig   `yaml:"keygen" envconfig:"KEYGEN"`
	Ledger   LedgerConfig   `yaml:"ledger" envconfig:"LEDGER"`
	Trust    TrustConfig    `yaml:"trust" envconfig:"TRUST"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"30s"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	// AdminAPIKeys maps API key values to client names for the
	// administrative endpoints. When empty, admin routes are open,
	// which is only acceptable for local development.
	AdminAPIKeys map[string]string `yaml:"admin_api_keys" envconfig:"ADMIN_API_KEYS"`
	RateLimit    RateLimitConfig   `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Attempts     AttemptConfig     `yaml:"attempts" envconfig:"ATTEMPTS"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// AttemptConfig controls per-address failed-attempt blocking
type AttemptConfig struct {
	Enabled     bool          `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	MaxFailures int           `yaml:"max_failures" envconfig:"MAX_FAILURES" default:"10"`
	Window      time.Duration `yaml:"window" envconfig:"WINDOW" default:"15m"`
	BlockFor    time.Duration `yaml:"block_for" envconfig:"BLOCK_FOR" default:"15m"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format      string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output      string `yaml:"output" envconfig:"OUTPUT" default:"both"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/entitled.log"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT" default:"false"`
}

// StoreConfig controls persistence of the license store
type StoreConfig struct {
	SnapshotPath     string        `yaml:"snapshot_path" envconfig:"SNAPSHOT_PATH" default:"data/entitled.json"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" envconfig:"SNAPSHOT_INTERVAL" default:"30s"`
}

// KeygenConfig controls license key generation
type KeygenConfig struct {
	// MaxCollisionRetries bounds regeneration attempts when a freshly
	// generated key already exists in the store.
	MaxCollisionRetries int `yaml:"max_collision_retries" envconfig:"MAX_COLLISION_RETRIES" default:"5"`
}

// LedgerConfig controls the activation ledger's lock behavior
type LedgerConfig struct {
	// LockTimeout converts per-license lock contention into a retryable
	// Busy error instead of an unbounded wait.
	LockTimeout time.Duration `yaml:"lock_timeout" envconfig:"LOCK_TIMEOUT" default:"3s"`
	// BusyRetries is how many times the ledger retries internally before
	// surfacing Busy to the caller.
	BusyRetries int           `yaml:"busy_retries" envconfig:"BUSY_RETRIES" default:"3"`
	RetryDelay  time.Duration `yaml:"retry_delay" envconfig:"RETRY_DELAY" default:"50ms"`
}

// TrustConfig contains trust scoring weights and risk thresholds
type TrustConfig struct {
	// ScoreWindow bounds how far back attempt history is read when
	// scoring. Penalties from attempts older than this age out.
	ScoreWindow          time.Duration `yaml:"score_window" envconfig:"SCORE_WINDOW" default:"720h"`
	ChurnWindow          time.Duration `yaml:"churn_window" envconfig:"CHURN_WINDOW" default:"24h"`
	ChurnEventThreshold  int           `yaml:"churn_event_threshold" envconfig:"CHURN_EVENT_THRESHOLD" default:"3"`
	ChurnPenaltyPerEvent int           `yaml:"churn_penalty_per_event" envconfig:"CHURN_PENALTY_PER_EVENT" default:"10"`
	ChurnPenaltyCap      int           `yaml:"churn_penalty_cap" envconfig:"CHURN_PENALTY_CAP" default:"30"`
	IPPenaltyPerAddress  int           `yaml:"ip_penalty_per_address" envconfig:"IP_PENALTY_PER_ADDRESS" default:"10"`
	IPPenaltyCap         int           `yaml:"ip_penalty_cap" envconfig:"IP_PENALTY_CAP" default:"40"`
	MismatchPenalty      int           `yaml:"mismatch_penalty" envconfig:"MISMATCH_PENALTY" default:"5"`
	MismatchPenaltyCap   int           `yaml:"mismatch_penalty_cap" envconfig:"MISMATCH_PENALTY_CAP" default:"20"`
	LowRiskThreshold     int           `yaml:"low_risk_threshold" envconfig:"LOW_RISK_THRESHOLD" default:"80"`
	MediumRiskThreshold  int           `yaml:"medium_risk_threshold" envconfig:"MEDIUM_RISK_THRESHOLD" default:"50"`
	ScoreCacheTTL        time.Duration `yaml:"score_cache_ttl" envconfig:"SCORE_CACHE_TTL" default:"1m"`
	ScoreCacheSize       int           `yaml:"score_cache_size" envconfig:"SCORE_CACHE_SIZE" default:"1000"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	// Load from environment variables first
	if err := envconfig.Process("ENTITLED", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// Load from config file if exists
	configFile := getConfigFilePath()
	if configFile != "" {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs merges file config with env config (env takes precedence)
func mergeConfigs(fileConfig, envConfig Config) Config {
	if envConfig.Server.Port == 0 {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if envConfig.Server.ReadTimeout == 0 {
		envConfig.Server.ReadTimeout = fileConfig.Server.ReadTimeout
	}
	if envConfig.Server.WriteTimeout == 0 {
		envConfig.Server.WriteTimeout = fileConfig.Server.WriteTimeout
	}
	if envConfig.Logging.Level == "" {
		envConfig.Logging.Level = fileConfig.Logging.Level
	}
	if envConfig.Store.SnapshotPath == "" {
		envConfig.Store.SnapshotPath = fileConfig.Store.SnapshotPath
	}
	if envConfig.Keygen.MaxCollisionRetries == 0 {
		envConfig.Keygen.MaxCollisionRetries = fileConfig.Keygen.MaxCollisionRetries
	}
	if envConfig.Ledger.LockTimeout == 0 {
		envConfig.Ledger.LockTimeout = fileConfig.Ledger.LockTimeout
	}
	if envConfig.Trust.LowRiskThreshold == 0 {
		envConfig.Trust.LowRiskThreshold = fileConfig.Trust.LowRiskThreshold
	}
	if envConfig.Trust.MediumRiskThreshold == 0 {
		envConfig.Trust.MediumRiskThreshold = fileConfig.Trust.MediumRiskThreshold
	}

	return envConfig
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified")
	}

	if c.Keygen.MaxCollisionRetries <= 0 {
		return fmt.Errorf("keygen max collision retries must be positive")
	}

	if c.Ledger.LockTimeout <= 0 {
		return fmt.Errorf("ledger lock timeout must be positive")
	}

	if c.Ledger.BusyRetries < 0 {
		return fmt.Errorf("ledger busy retries must not be negative")
	}

	if c.Trust.MediumRiskThreshold >= c.Trust.LowRiskThreshold {
		return fmt.Errorf("medium risk threshold %d must be below low risk threshold %d",
			c.Trust.MediumRiskThreshold, c.Trust.LowRiskThreshold)
	}

	if c.Logging.Format != "json" {
		// Structured JSON is the only supported log format
		c.Logging.Format = "json"
	}

	if c.Logging.Output != "both" && c.Logging.Output != "file" && c.Logging.Output != "console" {
		c.Logging.Output = "both"
	}

	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/entitled.log"
	}

	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	// Check for config file in common locations
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
		"../configs/config.yaml",
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
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
			Attempts: AttemptConfig{
				Enabled:     true,
				MaxFailures: 10,
				Window:      15 * time.Minute,
				BlockFor:    15 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "both",
			FilePath: "logs/entitled.log",
		},
		Store: StoreConfig{
			SnapshotPath:     "data/entitled.json",
			SnapshotInterval: 30 * time.Second,
		},
		Keygen: KeygenConfig{
			MaxCollisionRetries: 5,
		},
		Ledger: LedgerConfig{
			LockTimeout: 3 * time.Second,
			BusyRetries: 3,
			RetryDelay:  50 * time.Millisecond,
		},
		Trust: TrustConfig{
			ScoreWindow:          30 * 24 * time.Hour,
			ChurnWindow:          24 * time.Hour,
			ChurnEventThreshold:  3,
			ChurnPenaltyPerEvent: 10,
			ChurnPenaltyCap:      30,
			IPPenaltyPerAddress:  10,
			IPPenaltyCap:         40,
			MismatchPenalty:      5,
			MismatchPenaltyCap:   20,
			LowRiskThreshold:     80,
			MediumRiskThreshold:  50,
			ScoreCacheTTL:        time.Minute,
			ScoreCacheSize:       1000,
		},
	}
}
