package config

import (
	"strings"
	"testing"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(envPrefix+k, v)
	}
}

func TestNewMemoryDefaults(t *testing.T) {
	setEnv(t, map[string]string{"STORE": "memory"})

	cfg, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg.BusProvider != "none" || cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.NeedsPostgres() {
		t.Fatal("memory store should not need postgres")
	}
	if _, err := cfg.ApiAddr(); err == nil {
		t.Fatal("API should be disabled by default")
	}
}

func TestNewPostgres(t *testing.T) {
	setEnv(t, map[string]string{
		"STORE":             "postgres",
		"POSTGRES_USER":     "ledger",
		"POSTGRES_PASSWORD": "secret",
		"POSTGRES_HOST":     "db",
		"POSTGRES_DB":       "tokens",
		"API_ENABLED":       "true",
		"API_PORT":          "8080",
	})

	cfg, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, want := cfg.DSN(), "postgres://ledger:secret@db:5432/tokens?sslmode=disable"; got != want {
		t.Fatalf("DSN = %s, want %s", got, want)
	}
	addr, err := cfg.ApiAddr()
	if err != nil || addr != ":8080" {
		t.Fatalf("ApiAddr = %q, %v", addr, err)
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"unknown store", map[string]string{"STORE": "mongo"}, "invalid store"},
		{"postgres without host", map[string]string{"STORE": "postgres"}, "POSTGRES_USER/HOST/DB"},
		{"redis without bus", map[string]string{"STORE": "redis", "REDIS_HOST": "cache"}, "needs a bus"},
		{"nats without host", map[string]string{"STORE": "memory", "BUS_PROVIDER": "nats"}, "NATS_HOST/PORT"},
		{"unknown bus", map[string]string{"STORE": "memory", "BUS_PROVIDER": "kafka"}, "invalid bus provider"},
		{"worker on grpc", map[string]string{
			"STORE": "memory", "BUS_PROVIDER": "grpc", "GRPC_HOST": "peer", "GRPC_PORT": "50051", "WORKER_ENABLED": "true",
		}, "requires the nats bus"},
		{"bad log level", map[string]string{"STORE": "memory", "LOG_LEVEL": "loud"}, "invalid log level"},
		{"bad log format", map[string]string{"STORE": "memory", "LOG_FORMAT": "xml"}, "invalid log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.env)
			_, err := New()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestGetEnvIntFallback(t *testing.T) {
	setEnv(t, map[string]string{"LOG_MAX_BACKUPS": "many"})
	if got := getEnvInt("LOG_MAX_BACKUPS", 5); got != 5 {
		t.Fatalf("got %d, want fallback 5", got)
	}
}
