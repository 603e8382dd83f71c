package config

import (
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "kestrel-config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Remove(tmpfile.Name()) })

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Scoring.Threshold != 0.7 {
		t.Errorf("expected threshold 0.7, got %v", cfg.Scoring.Threshold)
	}
	if got := cfg.Scoring.Weights[domain.ComponentTabular]; got != 0.6 {
		t.Errorf("expected tabular weight 0.6, got %v", got)
	}
	if len(cfg.Velocity.Windows) != 4 || cfg.Velocity.Windows[3] != 120 {
		t.Errorf("expected windows [1 5 30 120], got %v", cfg.Velocity.Windows)
	}
	if cfg.Scoring.EmbeddingDim != 128 {
		t.Errorf("expected embedding dim 128, got %d", cfg.Scoring.EmbeddingDim)
	}
	if cfg.Scoring.LookupTimeout != 50*time.Millisecond {
		t.Errorf("expected lookup timeout 50ms, got %v", cfg.Scoring.LookupTimeout)
	}
	if cfg.Repository.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %s", cfg.Repository.Driver)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeTempConfig(t, `
scoring:
  threshold: 0.8
  lookup_timeout: 20ms
  weights:
    tabular: 0.5
    graph: 0.3
    anomaly: 0.2
  segments:
    gambling: ["7995"]
  overrides:
    - segment: gambling
      threshold: 0.5
velocity:
  windows: [120, 1, 5]
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Scoring.Threshold != 0.8 {
		t.Errorf("expected threshold 0.8, got %v", cfg.Scoring.Threshold)
	}
	if cfg.Scoring.LookupTimeout != 20*time.Millisecond {
		t.Errorf("expected 20ms, got %v", cfg.Scoring.LookupTimeout)
	}
	if cfg.Scoring.Weights[domain.ComponentGraph] != 0.3 {
		t.Errorf("expected graph weight 0.3, got %v", cfg.Scoring.Weights[domain.ComponentGraph])
	}
	if len(cfg.Scoring.Overrides) != 1 || cfg.Scoring.Overrides[0].Threshold == nil || *cfg.Scoring.Overrides[0].Threshold != 0.5 {
		t.Errorf("override not loaded: %+v", cfg.Scoring.Overrides)
	}
	if cfg.Velocity.Windows[0] != 1 || cfg.Velocity.Windows[2] != 120 {
		t.Errorf("windows should be sorted, got %v", cfg.Velocity.Windows)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("KESTREL_SCORING_THRESHOLD", "0.65")
	t.Setenv("KESTREL_SERVER_PORT", "9090")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Scoring.Threshold != 0.65 {
		t.Errorf("expected threshold 0.65 from env, got %v", cfg.Scoring.Threshold)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090 from env, got %d", cfg.Server.Port)
	}
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("KESTREL_TIER", "pro")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Repository.Driver != "postgres" {
		t.Errorf("expected postgres driver, got %s", cfg.Repository.Driver)
	}
	if cfg.Velocity.Backend != "redis" {
		t.Errorf("expected redis velocity backend, got %s", cfg.Velocity.Backend)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/kestrel.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	threshold := 1.5
	tests := []struct {
		name   string
		mutate func(c *domain.Config)
	}{
		{"bad port", func(c *domain.Config) { c.Server.Port = 0 }},
		{"bad driver", func(c *domain.Config) { c.Repository.Driver = "mysql" }},
		{"bad cache", func(c *domain.Config) { c.Cache.Type = "memcached" }},
		{"bad velocity backend", func(c *domain.Config) { c.Velocity.Backend = "disk" }},
		{"no windows", func(c *domain.Config) { c.Velocity.Windows = nil }},
		{"negative window", func(c *domain.Config) { c.Velocity.Windows = []int{-1} }},
		{"threshold above one", func(c *domain.Config) { c.Scoring.Threshold = 1.2 }},
		{"weights off by a lot", func(c *domain.Config) { c.Scoring.Weights[domain.ComponentGraph] = 0.5 }},
		{"weights missing component", func(c *domain.Config) { delete(c.Scoring.Weights, domain.ComponentAnomaly) }},
		{"zero timeout", func(c *domain.Config) { c.Scoring.LookupTimeout = 0 }},
		{"bad route", func(c *domain.Config) { c.Scoring.Route = "staging" }},
		{"override without key", func(c *domain.Config) {
			c.Scoring.Overrides = []domain.ScoringOverride{{}}
		}},
		{"override unknown segment", func(c *domain.Config) {
			c.Scoring.Overrides = []domain.ScoringOverride{{Segment: "crypto"}}
		}},
		{"override bad threshold", func(c *domain.Config) {
			c.Scoring.Overrides = []domain.ScoringOverride{{ModelVersion: "v2", Threshold: &threshold}}
		}},
		{"telegram without token", func(c *domain.Config) { c.Notify.Type = "telegram" }},
		{"bad log level", func(c *domain.Config) { c.Logging.Level = "trace" }},
	}

	if err := Validate(domain.DefaultConfig()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestValidateWeightsTolerance(t *testing.T) {
	w := map[string]float64{
		domain.ComponentTabular: 0.6,
		domain.ComponentGraph:   0.25,
		domain.ComponentAnomaly: 0.15 + 5e-7,
	}
	if err := ValidateWeights(w); err != nil {
		t.Errorf("weights within 1e-6 should pass: %v", err)
	}
}
