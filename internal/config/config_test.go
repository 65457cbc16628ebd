package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected defaults, got %v", err)
	}
	if cfg.Port != 8080 || cfg.SendQueue != 64 || cfg.MeshThreshold != 4 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.PingPeriod != 30*time.Second || cfg.ChatRateInterval != time.Second {
		t.Fatalf("unexpected durations: %s %s", cfg.PingPeriod, cfg.ChatRateInterval)
	}
	if cfg.DefaultRoom != "global" || len(cfg.STUNURLs) != 1 {
		t.Fatalf("unexpected room/stun defaults: %+v", cfg)
	}
	if cfg.Level() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", cfg.Level())
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	yaml := "port: 9090\nmesh_threshold: 3\nturn_urls:\n  - turn:relay.example.com:3478\nturn_username: u\nturn_credential: p\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MESH_PORT", "7070")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 7070 {
		t.Fatalf("env must override file, got port %d", cfg.Port)
	}
	if cfg.MeshThreshold != 3 || len(cfg.TURNURLs) != 1 || cfg.TURNUsername != "u" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Level() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", cfg.Level())
	}
}
