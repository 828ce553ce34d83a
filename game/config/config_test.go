package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tankarena.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PoolSize != 32 || cfg.MaxPlayers != 8 {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
	if cfg.ReconnectBackoff != 5*time.Second || cfg.PollTimeout != time.Second {
		t.Errorf("Unexpected timing defaults: %v %v", cfg.ReconnectBackoff, cfg.PollTimeout)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
pool_size: 4
max_players: 2
reconnect_backoff: 250ms
nats_url: "nats://queue:4222"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PoolSize != 4 || cfg.MaxPlayers != 2 {
		t.Errorf("File values not applied: %+v", cfg)
	}
	if cfg.ReconnectBackoff != 250*time.Millisecond {
		t.Errorf("Expected 250ms backoff, got %v", cfg.ReconnectBackoff)
	}
	if cfg.TCPAddr != ":8888" {
		t.Errorf("Unset values should keep defaults, got %q", cfg.TCPAddr)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "pool_size: 4\n")
	t.Setenv("TANKARENA_POOL_SIZE", "12")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PoolSize != 12 {
		t.Errorf("Expected env to win, got %d", cfg.PoolSize)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected debug level, got %s", cfg.LogLevel)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, ErrConfigNotFound) {
			t.Errorf("Expected ErrConfigNotFound, got %v", err)
		}
	})

	t.Run("bad yaml", func(t *testing.T) {
		path := writeConfig(t, "pool_size: [1, 2\n")
		if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("Expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("bad env", func(t *testing.T) {
		t.Setenv("TANKARENA_POOL_SIZE", "lots")
		if _, err := Load(""); err == nil {
			t.Error("Expected env parse error")
		}
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero pool", func(c *Config) { c.PoolSize = 0 }},
		{"zero max players", func(c *Config) { c.MaxPlayers = 0 }},
		{"negative backoff", func(c *Config) { c.ReconnectBackoff = -time.Second }},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }},
		{"no ingress", func(c *Config) { c.TCPAddr, c.UDPAddr = "", "" }},
		{"ngrok without token", func(c *Config) { c.NgrokEnabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("Defaults must validate: %v", err)
	}
}
