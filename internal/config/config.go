// Package config loads the daemon configuration from an optional YAML file,
// a .env file and environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Environment string       `yaml:"environment"`
	Server      ServerConfig `yaml:"server"`
	Ledger      LedgerConfig `yaml:"ledger"`
	Backup      BackupConfig `yaml:"backup"`
	Log         LogConfig    `yaml:"log"`
}

// ServerConfig holds HTTP server configuration. TCPAddr enables the line
// protocol for badge readers when set.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	PublicDir       string        `yaml:"public_dir"`
	TCPAddr         string        `yaml:"tcp_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LedgerConfig holds where and in which timezone day files are kept.
type LedgerConfig struct {
	DataDir  string `yaml:"data_dir"`
	Timezone string `yaml:"timezone"`
}

// BackupConfig holds the offsite backup settings.
type BackupConfig struct {
	Enabled bool `yaml:"enabled"`
	// Driver is "http" for the remote store API or "dir" for a mounted directory.
	Driver     string        `yaml:"driver"`
	Endpoint   string        `yaml:"endpoint"`
	Dir        string        `yaml:"dir"`
	Bucket     string        `yaml:"bucket"`
	AccountID  string        `yaml:"account_id"`
	AccountKey string        `yaml:"account_key"`
	Timeout    time.Duration `yaml:"timeout"`
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
	// Format is json or console. Empty picks by environment.
	Format  string   `yaml:"format"`
	Outputs []string `yaml:"outputs"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Environment: "development",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Ledger: LedgerConfig{
			DataDir:  "./json",
			Timezone: "Local",
		},
		Backup: BackupConfig{
			Enabled:   true,
			Driver:    "http",
			Timeout:   2 * time.Minute,
			Workers:   1,
			QueueSize: 64,
			Attempts:  1,
			Backoff:   5 * time.Second,
		},
		Log: LogConfig{
			Level:   "info",
			Outputs: []string{"stderr"},
		},
	}
}

// Load reads configuration. LEDGER_CONFIG_PATH names an optional YAML file;
// environment variables override it.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := Default()

	if path := os.Getenv("LEDGER_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)

	cfg.Server.Host = getEnv("LEDGER_HOST", cfg.Server.Host)
	port, err := getPort(cfg.Server.Port)
	if err != nil {
		return err
	}
	cfg.Server.Port = port
	cfg.Server.PublicDir = getEnv("LEDGER_PUBLIC_DIR", cfg.Server.PublicDir)
	cfg.Server.TCPAddr = getEnv("LEDGER_TCP_ADDR", cfg.Server.TCPAddr)
	if cfg.Server.ReadTimeout, err = getEnvAsDuration("LEDGER_READ_TIMEOUT", cfg.Server.ReadTimeout); err != nil {
		return err
	}
	if cfg.Server.WriteTimeout, err = getEnvAsDuration("LEDGER_WRITE_TIMEOUT", cfg.Server.WriteTimeout); err != nil {
		return err
	}
	if cfg.Server.ShutdownTimeout, err = getEnvAsDuration("LEDGER_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout); err != nil {
		return err
	}

	cfg.Ledger.DataDir = getEnv("LEDGER_DATA_DIR", cfg.Ledger.DataDir)
	cfg.Ledger.Timezone = getEnv("LEDGER_TIMEZONE", cfg.Ledger.Timezone)

	if cfg.Backup.Enabled, err = getEnvAsBool("BACKUP_ENABLED", cfg.Backup.Enabled); err != nil {
		return err
	}
	cfg.Backup.Driver = getEnv("BACKUP_DRIVER", cfg.Backup.Driver)
	cfg.Backup.Endpoint = getEnv("BACKUP_ENDPOINT", cfg.Backup.Endpoint)
	cfg.Backup.Dir = getEnv("BACKUP_DIR", cfg.Backup.Dir)
	cfg.Backup.Bucket = getEnv("BACKUP_BUCKET", cfg.Backup.Bucket)
	cfg.Backup.AccountID = getEnv("BACKUP_ACCOUNT_ID", cfg.Backup.AccountID)
	cfg.Backup.AccountKey = getEnv("BACKUP_ACCOUNT_KEY", cfg.Backup.AccountKey)
	if cfg.Backup.Timeout, err = getEnvAsDuration("BACKUP_TIMEOUT", cfg.Backup.Timeout); err != nil {
		return err
	}
	if cfg.Backup.Workers, err = getEnvAsInt("BACKUP_WORKERS", cfg.Backup.Workers); err != nil {
		return err
	}
	if cfg.Backup.QueueSize, err = getEnvAsInt("BACKUP_QUEUE_SIZE", cfg.Backup.QueueSize); err != nil {
		return err
	}
	if cfg.Backup.Attempts, err = getEnvAsInt("BACKUP_ATTEMPTS", cfg.Backup.Attempts); err != nil {
		return err
	}
	if cfg.Backup.Backoff, err = getEnvAsDuration("BACKUP_BACKOFF", cfg.Backup.Backoff); err != nil {
		return err
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	if outputs := os.Getenv("LOG_OUTPUTS"); outputs != "" {
		cfg.Log.Outputs = strings.Split(outputs, ",")
	}
	return nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Ledger.DataDir == "" {
		return fmt.Errorf("ledger data dir is required")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Ledger.Timezone, err)
	}

	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log format %q (want json or console)", c.Log.Format)
	}
	if c.Log.Level == "" {
		return fmt.Errorf("log level is required")
	}

	// Without credentials the daemon runs with backups disabled, so the
	// remaining backup settings only matter once both halves are set.
	if !c.Backup.Enabled || !c.HasCredentials() {
		return nil
	}
	switch c.Backup.Driver {
	case "http":
		if c.Backup.Endpoint == "" {
			return fmt.Errorf("backup endpoint is required for the http driver")
		}
	case "dir":
		if c.Backup.Dir == "" {
			return fmt.Errorf("backup dir is required for the dir driver")
		}
	default:
		return fmt.Errorf("invalid backup driver %q (want http or dir)", c.Backup.Driver)
	}
	if c.Backup.Bucket == "" {
		return fmt.Errorf("backup bucket is required")
	}
	if c.Backup.Timeout <= 0 {
		return fmt.Errorf("backup timeout must be positive")
	}
	return nil
}

// HasCredentials reports whether both halves of the backup account are set.
// Missing credentials disable backups without stopping the daemon.
func (c *Config) HasCredentials() bool {
	return c.Backup.AccountID != "" && c.Backup.AccountKey != ""
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// Location resolves the ledger timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Ledger.Timezone == "" || c.Ledger.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Ledger.Timezone)
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort reads PORT, then LEDGER_PORT.
func getPort(def int) (int, error) {
	for _, key := range []string{"PORT", "LEDGER_PORT"} {
		if value := os.Getenv(key); value != "" {
			p, err := strconv.Atoi(value)
			if err != nil {
				return 0, fmt.Errorf("invalid %s: %w", key, err)
			}
			return p, nil
		}
	}
	return def, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}
