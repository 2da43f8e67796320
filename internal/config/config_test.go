package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("server address %s", cfg.Server.Address)
	}
	if cfg.Store.Backend != "memory" {
		t.Fatalf("store backend %s, want memory", cfg.Store.Backend)
	}
	if cfg.Resilience.FailureThreshold != 5 {
		t.Fatalf("failure threshold %d, want 5", cfg.Resilience.FailureThreshold)
	}
}

func TestLoadFromFileAndEnvOverrides(t *testing.T) {
	raw := `
server:
  address: ":9090"
sources:
  - id: who-flunet
    name: WHO FluNet
    baseURL: https://flunet.example.org
    fetchPath: /api/v1/observations
    reliability: 0.9
    diseases: [influenza]
    regions: [US-CA, US-NY]
aggregator:
  minSuccessfulSources: 2
fusion:
  regionCoords:
    US-CA: {lat: 36.78, lon: -119.42}
    US-NY: {lat: 42.17, lon: -74.95}
store:
  backend: postgres
  dsn: postgres://epiwatch@localhost/epiwatch
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("EPIWATCH_SERVER_ADDRESS", ":7070")
	t.Setenv("EPIWATCH_LOG_FORMAT", "json")
	t.Setenv("EPIWATCH_SESSION_INTERVAL", "5s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	// Environment wins over file.
	if cfg.Server.Address != ":7070" {
		t.Fatalf("server address %s, want :7070", cfg.Server.Address)
	}
	if !cfg.Logging.JSON {
		t.Fatal("log format override ignored")
	}
	if cfg.Detection.SessionInterval != 5*time.Second {
		t.Fatalf("session interval %v", cfg.Detection.SessionInterval)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].ID != "who-flunet" {
		t.Fatalf("sources %v", cfg.Sources)
	}
	if cfg.Sources[0].Reliability != 0.9 || len(cfg.Sources[0].Regions) != 2 {
		t.Fatalf("source detail %+v", cfg.Sources[0])
	}
	if cfg.Aggregator.MinSuccessfulSources != 2 {
		t.Fatalf("min sources %d", cfg.Aggregator.MinSuccessfulSources)
	}
	if cfg.Store.Backend != "postgres" {
		t.Fatalf("store backend %s", cfg.Store.Backend)
	}
	if ca, ok := cfg.Fusion.RegionCoords["US-CA"]; !ok || ca.Lat != 36.78 || ca.Lon != -119.42 {
		t.Fatalf("region coords %+v", cfg.Fusion.RegionCoords)
	}
	// Untouched sections keep defaults.
	if cfg.Aggregator.PerCallTimeout != 5*time.Second {
		t.Fatalf("per-call timeout %v", cfg.Aggregator.PerCallTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
