package config

import (
	"os"
	"testing"
)

func unsetDispatchEnv() {
	_ = os.Unsetenv("DISPATCH_STORE_DRIVER")
	_ = os.Unsetenv("DISPATCH_STORE_CONNECTION_STRING")
	_ = os.Unsetenv("DISPATCH_QUEUE_SIZE")
}

func TestConfigLoad_Defaults(t *testing.T) {
	unsetDispatchEnv()
	defer unsetDispatchEnv()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.StoreDriver != DriverSQLite || cfg.QueueSize != 1000 || cfg.EmitMaxBytes != 10_000_000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestConfigLoad_EnvOverride(t *testing.T) {
	unsetDispatchEnv()
	_ = os.Setenv("DISPATCH_QUEUE_SIZE", "42")
	defer unsetDispatchEnv()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.QueueSize != 42 {
		t.Fatalf("queue size override failed, got %d", cfg.QueueSize)
	}
}

func TestConfigLoad_PostgresRequiresDSN(t *testing.T) {
	unsetDispatchEnv()
	_ = os.Setenv("DISPATCH_STORE_DRIVER", "postgres")
	defer unsetDispatchEnv()

	if _, err := New(); err == nil {
		t.Fatalf("expected error when postgres driver has no connection string")
	}
}
