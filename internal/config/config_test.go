package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/fleetcore/internal/config"
)

func TestLoadAppliesDefaultsWhenConfigMissing(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)
	t.Setenv("FLEETCORE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis=true with no config.yaml present")
	}
	if cfg.BindAddr != "127.0.0.1:8080" {
		t.Fatalf("unexpected default bind_addr: %s", cfg.BindAddr)
	}
	if cfg.Reboot.DefaultConcurrency != 1 {
		t.Fatalf("unexpected default reboot concurrency: %d", cfg.Reboot.DefaultConcurrency)
	}
}

func TestLoadReadsConfigYAML(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLEETCORE_HOME", home)

	body := "bind_addr: 0.0.0.0:9090\nreboot:\n  default_concurrency: 4\n"
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis=false when config.yaml exists")
	}
	if cfg.BindAddr != "0.0.0.0:9090" {
		t.Fatalf("unexpected bind_addr: %s", cfg.BindAddr)
	}
	if cfg.Reboot.DefaultConcurrency != 4 {
		t.Fatalf("unexpected reboot concurrency: %d", cfg.Reboot.DefaultConcurrency)
	}
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("FLEETCORE_HOME", home)
	t.Setenv("FLEETCORE_BIND_ADDR", "10.0.0.1:7000")
	t.Setenv("FLEETCORE_LOG_LEVEL", "debug")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "10.0.0.1:7000" {
		t.Fatalf("expected env override to win, got %s", cfg.BindAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level override, got %s", cfg.LogLevel)
	}
}

func TestFingerprintChangesWithBindAddr(t *testing.T) {
	a := config.Config{BindAddr: "127.0.0.1:8080"}
	b := config.Config{BindAddr: "127.0.0.1:9090"}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected different fingerprints for different bind addrs")
	}
}

func TestSetAllocatorWeightPersists(t *testing.T) {
	home := t.TempDir()
	if err := config.SetAllocatorWeight(home, "unreserved_ram", 2.5); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLEETCORE_HOME", home)
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Allocator.Weights.UnreservedRAM != 2.5 {
		t.Fatalf("expected persisted weight override, got %+v", cfg.Allocator.Weights)
	}
}
