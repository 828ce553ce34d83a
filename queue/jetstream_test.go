package queue

import (
	"context"
	"errors"
	"testing"
)

func TestJetStreamConfig_Defaults(t *testing.T) {
	cfg := JetStreamConfig{Subject: "custom.commands"}.withDefaults()
	if cfg.Subject != "custom.commands" {
		t.Errorf("Expected explicit subject to be kept, got %s", cfg.Subject)
	}
	if cfg.Stream != "TANK_COMMANDS" || cfg.Durable != "tank-command-consumer" {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
	if cfg.URL == "" {
		t.Error("Expected a default URL")
	}
}

func TestJetStreamSource_Unreachable(t *testing.T) {
	src := NewJetStreamSource(JetStreamConfig{URL: "nats://127.0.0.1:1"}, nil)
	_, err := src.Connect(context.Background())
	if !errors.Is(err, ErrDisconnected) {
		t.Errorf("Expected ErrDisconnected, got %v", err)
	}
}
