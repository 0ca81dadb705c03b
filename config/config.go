// Package config provides application configuration loaded from the
// environment, optionally seeded from a .env file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/warp/fleet-ledger/generic"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Engine    EngineConfig
	Log       LogConfig
	Reconcile ReconcileConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port        string
	CORSOrigins []string
}

// DatabaseConfig holds the SQLite location.
type DatabaseConfig struct {
	Path string
}

// RedisConfig enables shared locks and counters when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

// Enabled reports whether a Redis address was configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// EngineConfig bounds operations and transient-failure retries.
type EngineConfig struct {
	OperationTimeout time.Duration
	Retry            generic.Backoff
}

type LogConfig struct {
	Level  string
	Format string
}

// ReconcileConfig schedules background reconciliation. Zero disables it.
type ReconcileConfig struct {
	Interval time.Duration
}

// Load reads configuration from environment variables after loading .env
// files if present. Variables already set win over .env values.
func Load(envFiles ...string) *Config {
	_ = godotenv.Load(envFiles...)

	return &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			CORSOrigins: getEnvList("CORS_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Path: getEnv("DB_PATH", "fleet.db"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			LockTTL:  getEnvDuration("LOCK_TTL", 30*time.Second),
		},
		Engine: EngineConfig{
			OperationTimeout: getEnvDuration("OPERATION_TIMEOUT", 10*time.Second),
			Retry: generic.Backoff{
				Attempts: getEnvInt("RETRY_ATTEMPTS", generic.DefaultBackoff.Attempts),
				Initial:  getEnvDuration("RETRY_INITIAL", generic.DefaultBackoff.Initial),
				Max:      getEnvDuration("RETRY_MAX", generic.DefaultBackoff.Max),
			},
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Reconcile: ReconcileConfig{
			Interval: getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		},
	}
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s", "5m"). "0" disables.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if value == "0" {
		return 0
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable.
func getEnvList(key string, defaultValue []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
