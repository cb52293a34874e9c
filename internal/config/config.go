package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Disabled is the endpoint value that switches the client to offline mode.
const Disabled = "disabled"

// Storage drivers.
const (
	StorageMemory    = "memory"
	StorageSQLite    = "sqlite"
	StorageSurrealDB = "surrealdb"
)

// Config holds all configuration values.
type Config struct {
	// Backend connection
	Endpoint    string        `yaml:"endpoint"`
	AuthToken   string        `yaml:"auth_token"`
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
	MaxQueue    int           `yaml:"max_queue"`
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Persistence
	Storage    string          `yaml:"storage"`
	SQLitePath string          `yaml:"sqlite_path"`
	SurrealDB  SurrealDBConfig `yaml:"surrealdb"`

	// Logging
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

// SurrealDBConfig holds the SurrealDB storage connection.
type SurrealDBConfig struct {
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
	Database  string `yaml:"database"`
	User      string `yaml:"user"`
	Pass      string `yaml:"pass"`
	AuthLevel string `yaml:"auth_level"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		MaxRetries:  8,
		BackoffBase: time.Second,
		BackoffCap:  16 * time.Second,
		MaxQueue:    200,
		DialTimeout: 10 * time.Second,

		Storage:    StorageSQLite,
		SQLitePath: defaultSQLitePath(),
		SurrealDB: SurrealDBConfig{
			URL:       "ws://localhost:8000/rpc",
			Namespace: "recipechat",
			Database:  "client",
			User:      "root",
			Pass:      "root",
			AuthLevel: "root",
		},

		LogFile:  "/tmp/recipechat.log",
		LogLevel: "INFO",
	}
}

// Load reads configuration from environment variables.
func Load() Config {
	cfg := Defaults()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML file over the defaults; environment variables still
// take precedence. A missing file is not an error.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Endpoint = getEnv("RECIPECHAT_WS_URL", c.Endpoint)
	c.AuthToken = getEnv("RECIPECHAT_AUTH_TOKEN", c.AuthToken)
	c.MaxRetries = getEnvInt("RECIPECHAT_MAX_RETRIES", c.MaxRetries)
	c.BackoffBase = getEnvDuration("RECIPECHAT_BACKOFF_BASE", c.BackoffBase)
	c.BackoffCap = getEnvDuration("RECIPECHAT_BACKOFF_CAP", c.BackoffCap)
	c.MaxQueue = getEnvInt("RECIPECHAT_MAX_QUEUE", c.MaxQueue)
	c.DialTimeout = getEnvDuration("RECIPECHAT_DIAL_TIMEOUT", c.DialTimeout)

	c.Storage = getEnv("RECIPECHAT_STORAGE", c.Storage)
	c.SQLitePath = getEnv("RECIPECHAT_SQLITE_PATH", c.SQLitePath)
	c.SurrealDB.URL = getEnv("SURREALDB_URL", c.SurrealDB.URL)
	c.SurrealDB.Namespace = getEnv("SURREALDB_NAMESPACE", c.SurrealDB.Namespace)
	c.SurrealDB.Database = getEnv("SURREALDB_DATABASE", c.SurrealDB.Database)
	c.SurrealDB.User = getEnv("SURREALDB_USER", c.SurrealDB.User)
	c.SurrealDB.Pass = getEnv("SURREALDB_PASS", c.SurrealDB.Pass)
	c.SurrealDB.AuthLevel = getEnv("SURREALDB_AUTH_LEVEL", c.SurrealDB.AuthLevel)

	c.LogFile = getEnv("RECIPECHAT_LOG_FILE", c.LogFile)
	c.LogLevel = getEnv("RECIPECHAT_LOG_LEVEL", c.LogLevel)
}

// Validate checks that values are usable.
func (c Config) Validate() error {
	var errs []string
	if c.MaxRetries < 0 {
		errs = append(errs, "max_retries must not be negative")
	}
	if c.BackoffBase <= 0 {
		errs = append(errs, "backoff_base must be positive")
	}
	if c.BackoffCap < c.BackoffBase {
		errs = append(errs, "backoff_cap must not be below backoff_base")
	}
	if c.MaxQueue <= 0 {
		errs = append(errs, "max_queue must be positive")
	}
	switch c.Storage {
	case StorageMemory, StorageSurrealDB:
	case StorageSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, "sqlite_path is required for sqlite storage")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown storage %q", c.Storage))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Offline reports whether no backend connection should be attempted.
func (c Config) Offline() bool {
	e := strings.TrimSpace(c.Endpoint)
	return e == "" || strings.EqualFold(e, Disabled)
}

// Level returns the parsed log level.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func defaultSQLitePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "recipechat.db"
	}
	return filepath.Join(dir, "recipechat", "recipechat.db")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("ignoring invalid integer env var", "key", key, "value", val)
		return defaultVal
	}
	return n
}

// getEnvDuration accepts Go durations ("1500ms") and plain milliseconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(val); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	slog.Warn("ignoring invalid duration env var", "key", key, "value", val)
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
