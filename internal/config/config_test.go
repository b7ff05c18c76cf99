package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Port != 3000 {
		t.Fatalf("port = %d, want 3000", cfg.Port)
	}
	if cfg.PoolSize != 5 {
		t.Fatalf("pool size = %d, want 5", cfg.PoolSize)
	}
	if cfg.HTTPTimeout != 60*time.Second {
		t.Fatalf("http timeout = %v", cfg.HTTPTimeout)
	}
	if cfg.GuestTimeout != 10*time.Second {
		t.Fatalf("guest timeout = %v", cfg.GuestTimeout)
	}
	if cfg.IdleTimeout != 255*time.Second {
		t.Fatalf("idle timeout = %v", cfg.IdleTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("POOL_SIZE", "2")
	t.Setenv("HTTP_TIMEOUT", "90s")
	t.Setenv("ADMIN_PASSWORD", "hunter2")

	cfg := Load()
	if cfg.Port != 8080 || cfg.PoolSize != 2 || cfg.HTTPTimeout != 90*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRequiresAdminPassword(t *testing.T) {
	t.Setenv("ADMIN_PASSWORD", "")
	cfg := Load()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing ADMIN_PASSWORD error")
	}
}

func TestEnvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	if got := Load().Port; got != 3000 {
		t.Fatalf("port = %d, want default on garbage", got)
	}
}
