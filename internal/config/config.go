package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "TOKENLEDGER_"

type Config struct {
	Store string

	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	RedisHost string
	RedisPort string

	BusProvider   string
	NatsHost      string
	NatsPort      string
	GRPCHost      string
	GRPCPort      string
	GRPCListen    string
	BusBufferSize int

	ApiEnabled    string
	ApiPort       string
	WorkerEnabled bool

	PricingFile string
	DefaultPlan string

	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
}

// New loads and validates configuration from environment variables, reading
// a .env file first when one is present.
// The HTTP server is optional: if TOKENLEDGER_API_ENABLED != "true", ApiAddr()
// returns an error and the HTTP server simply won't start. The gRPC server
// starts only when TOKENLEDGER_GRPC_LISTEN is set.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Store:         strings.ToLower(getEnv("STORE", "postgres")),
		DBUser:        getEnv("POSTGRES_USER", ""),
		DBPass:        getEnv("POSTGRES_PASSWORD", ""),
		DBHost:        getEnv("POSTGRES_HOST", ""),
		DBPort:        getEnv("POSTGRES_PORT", "5432"),
		DBName:        getEnv("POSTGRES_DB", ""),
		SSLMode:       getEnv("POSTGRES_SSLMODE", "disable"),
		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		BusProvider:   strings.ToLower(getEnv("BUS_PROVIDER", "none")),
		NatsHost:      getEnv("NATS_HOST", ""),
		NatsPort:      getEnv("NATS_PORT", "4222"),
		GRPCHost:      getEnv("GRPC_HOST", ""),
		GRPCPort:      getEnv("GRPC_PORT", ""),
		GRPCListen:    getEnv("GRPC_LISTEN", ""),
		BusBufferSize: getEnvInt("BUS_BUFFER_SIZE", 1024),
		ApiEnabled:    getEnv("API_ENABLED", ""),
		ApiPort:       getEnv("API_PORT", ""),
		WorkerEnabled: getEnv("WORKER_ENABLED", "") == "true",
		PricingFile:   getEnv("PRICING_FILE", ""),
		DefaultPlan:   getEnv("DEFAULT_PLAN", ""),
		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:     strings.ToLower(getEnv("LOG_FORMAT", "text")),
		LogFile:       getEnv("LOG_FILE", ""),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case "memory":
	case "postgres":
		if err := c.requirePostgres(); err != nil {
			return err
		}
	case "redis":
		if c.RedisHost == "" || c.RedisPort == "" {
			return fmt.Errorf("missing required env for redis store: %sREDIS_HOST/PORT", envPrefix)
		}
	default:
		return fmt.Errorf("invalid store %q, must be 'postgres', 'redis' or 'memory'", c.Store)
	}

	switch c.BusProvider {
	case "none":
	case "nats":
		if c.NatsHost == "" || c.NatsPort == "" {
			return fmt.Errorf("missing required env for nats bus: %sNATS_HOST/PORT", envPrefix)
		}
	case "grpc":
		if c.GRPCHost == "" || c.GRPCPort == "" {
			return fmt.Errorf("missing required env for grpc bus: %sGRPC_HOST/PORT", envPrefix)
		}
	default:
		return fmt.Errorf("invalid bus provider %q, must be 'nats', 'grpc' or 'none'", c.BusProvider)
	}

	if c.Store == "redis" && c.BusProvider == "none" {
		return fmt.Errorf("redis store needs a bus to archive entries: set %sBUS_PROVIDER", envPrefix)
	}
	if c.WorkerEnabled {
		// The worker archives into Postgres and consumes from NATS.
		if c.BusProvider != "nats" {
			return fmt.Errorf("%sWORKER_ENABLED requires the nats bus provider", envPrefix)
		}
		if err := c.requirePostgres(); err != nil {
			return err
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	return nil
}

func (c *Config) requirePostgres() error {
	if c.DBUser == "" || c.DBHost == "" || c.DBName == "" {
		return fmt.Errorf("missing required env for database: %sPOSTGRES_USER/HOST/DB", envPrefix)
	}
	return nil
}

// NeedsPostgres reports whether any configured component talks to Postgres.
func (c *Config) NeedsPostgres() bool {
	return c.Store == "postgres" || c.WorkerEnabled || (c.Store == "redis" && c.DBHost != "")
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// GRPCAddr is the remote EventService the gRPC bus publishes to.
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%s", c.GRPCHost, c.GRPCPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if TOKENLEDGER_API_ENABLED != "true"; callers should skip starting the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("%sAPI_PORT is required when %sAPI_ENABLED=true", envPrefix, envPrefix)
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (%sAPI_ENABLED != true)", envPrefix)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvInt(key string, defaultVal int) int {
	val := getEnv(key, "")
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
