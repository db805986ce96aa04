// Package config provides configuration management for minesync services.
// Values come from built-in defaults, an optional YAML file named by
// CONFIG_FILE, and environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Local store drivers
const (
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config holds the global configuration for minesync services
type Config struct {
	// Service identification
	ServiceName string `yaml:"service_name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`

	// HTTP API
	ListenAddr     string        `yaml:"listen_addr"`
	ListenPort     int           `yaml:"listen_port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`

	// Start/stop requests allowed per user per window
	CommandRateLimit  int           `yaml:"command_rate_limit"`
	CommandRateWindow time.Duration `yaml:"command_rate_window"`

	// Kafka configuration. No brokers disables the push channel and events.
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaGroupID string   `yaml:"kafka_group_id"`

	// Remote profile store (PostgreSQL)
	RemoteEnabled    bool   `yaml:"remote_enabled"`
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	// Redis: session locks, rate limits, stats cache and optionally snapshots
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// InfluxDB statistics
	InfluxURL    string `yaml:"influx_url"`
	InfluxToken  string `yaml:"influx_token"`
	InfluxOrg    string `yaml:"influx_org"`
	InfluxBucket string `yaml:"influx_bucket"`

	// Local snapshot store
	LocalStore string `yaml:"local_store"`
	SQLitePath string `yaml:"sqlite_path"`

	// Mining
	BaseRate         float64       `yaml:"base_rate"`
	PeriodSeconds    int           `yaml:"period_seconds"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	SaveInterval     time.Duration `yaml:"save_interval"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	PushTimeout      time.Duration `yaml:"push_timeout"`
	BalanceTolerance float64       `yaml:"balance_tolerance"`

	// How often connectivity to the remote store is probed
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// Drivers unused this long, with no session and no stream, are stopped
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ServiceName: "minerd",
		Version:     "dev",
		Environment: "development",

		ListenAddr:   "0.0.0.0",
		ListenPort:   8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,

		CommandRateLimit:  10,
		CommandRateWindow: time.Minute,

		KafkaBrokers: []string{"localhost:9092"},
		KafkaGroupID: "minerd",

		RemoteEnabled:    true,
		PostgresHost:     "localhost",
		PostgresPort:     5432,
		PostgresDB:       "minesync",
		PostgresUser:     "minesync",
		PostgresPassword: "minesync",
		PostgresSSLMode:  "disable",

		RedisAddr: "localhost:6379",

		InfluxURL:    "http://localhost:8086",
		InfluxOrg:    "minesync",
		InfluxBucket: "mining",

		LocalStore: StoreRedis,
		SQLitePath: "minesync.db",

		BaseRate:         0.003,
		PeriodSeconds:    21600,
		TickInterval:     time.Second,
		SaveInterval:     10 * time.Second,
		FetchTimeout:     10 * time.Second,
		PushTimeout:      30 * time.Second,
		BalanceTolerance: 1.2,

		HealthCheckInterval: 15 * time.Second,
		SessionIdleTimeout:  15 * time.Minute,

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load loads configuration from defaults, CONFIG_FILE and the environment
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFile overlays the keys present in a YAML file
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Version = getEnv("VERSION", c.Version)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)

	c.ListenAddr = getEnv("LISTEN_ADDR", c.ListenAddr)
	c.ListenPort = getEnvInt("LISTEN_PORT", c.ListenPort)
	c.ReadTimeout = getEnvDuration("READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", c.WriteTimeout)
	c.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", c.IdleTimeout)
	c.AllowedOrigins = getEnvSlice("ALLOWED_ORIGINS", c.AllowedOrigins)
	c.CommandRateLimit = getEnvInt("COMMAND_RATE_LIMIT", c.CommandRateLimit)
	c.CommandRateWindow = getEnvDuration("COMMAND_RATE_WINDOW", c.CommandRateWindow)

	c.KafkaBrokers = getEnvSlice("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaGroupID = getEnv("KAFKA_GROUP_ID", c.KafkaGroupID)

	c.RemoteEnabled = getEnvBool("REMOTE_ENABLED", c.RemoteEnabled)
	c.PostgresHost = getEnv("POSTGRES_HOST", c.PostgresHost)
	c.PostgresPort = getEnvInt("POSTGRES_PORT", c.PostgresPort)
	c.PostgresDB = getEnv("POSTGRES_DB", c.PostgresDB)
	c.PostgresUser = getEnv("POSTGRES_USER", c.PostgresUser)
	c.PostgresPassword = getEnv("POSTGRES_PASSWORD", c.PostgresPassword)
	c.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", c.PostgresSSLMode)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)

	c.InfluxURL = getEnv("INFLUX_URL", c.InfluxURL)
	c.InfluxToken = getEnv("INFLUX_TOKEN", c.InfluxToken)
	c.InfluxOrg = getEnv("INFLUX_ORG", c.InfluxOrg)
	c.InfluxBucket = getEnv("INFLUX_BUCKET", c.InfluxBucket)

	c.LocalStore = getEnv("LOCAL_STORE", c.LocalStore)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)

	c.BaseRate = getEnvFloat("BASE_RATE", c.BaseRate)
	c.PeriodSeconds = getEnvInt("PERIOD_SECONDS", c.PeriodSeconds)
	c.TickInterval = getEnvDuration("TICK_INTERVAL", c.TickInterval)
	c.SaveInterval = getEnvDuration("SAVE_INTERVAL", c.SaveInterval)
	c.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", c.FetchTimeout)
	c.PushTimeout = getEnvDuration("PUSH_TIMEOUT", c.PushTimeout)
	c.BalanceTolerance = getEnvFloat("BALANCE_TOLERANCE", c.BalanceTolerance)

	c.HealthCheckInterval = getEnvDuration("HEALTH_CHECK_INTERVAL", c.HealthCheckInterval)
	c.SessionIdleTimeout = getEnvDuration("SESSION_IDLE_TIMEOUT", c.SessionIdleTimeout)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT must be between 1 and 65535")
	}

	if c.BaseRate <= 0 {
		return fmt.Errorf("BASE_RATE must be positive")
	}

	if c.PeriodSeconds <= 0 {
		return fmt.Errorf("PERIOD_SECONDS must be positive")
	}

	if c.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be positive")
	}

	if c.SaveInterval <= 0 || c.FetchTimeout <= 0 || c.PushTimeout <= 0 {
		return fmt.Errorf("SAVE_INTERVAL, FETCH_TIMEOUT and PUSH_TIMEOUT must be positive")
	}

	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be positive")
	}

	if c.BalanceTolerance < 1 {
		return fmt.Errorf("BALANCE_TOLERANCE must be at least 1")
	}

	switch c.LocalStore {
	case StoreRedis, StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite local store")
		}
	default:
		return fmt.Errorf("LOCAL_STORE must be one of %s, %s, %s", StoreRedis, StoreSQLite, StoreMemory)
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
