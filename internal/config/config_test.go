package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.FeedbackWindow != 10 {
		t.Errorf("expected default feedback window 10, got %d", cfg.FeedbackWindow)
	}
	if cfg.SessionBudget != 30*time.Second {
		t.Errorf("expected default session budget 30s, got %s", cfg.SessionBudget)
	}
	if cfg.ConfidenceThreshold != 0.55 {
		t.Errorf("expected default confidence threshold 0.55, got %v", cfg.ConfidenceThreshold)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAIWA_FEEDBACK_WINDOW", "5")
	t.Setenv("KAIWA_SESSION_BUDGET", "1m")
	t.Setenv("KAIWA_EMBEDDING_DIMENSIONS", "768")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.FeedbackWindow != 5 {
		t.Errorf("expected feedback window 5, got %d", cfg.FeedbackWindow)
	}
	if cfg.SessionBudget != time.Minute {
		t.Errorf("expected session budget 1m, got %s", cfg.SessionBudget)
	}
	if cfg.EmbeddingDimensions != 768 {
		t.Errorf("expected dimensions 768, got %d", cfg.EmbeddingDimensions)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(*Config) {}, false},
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }, true},
		{"zero dimensions", func(c *Config) { c.EmbeddingDimensions = 0 }, true},
		{"threshold above one", func(c *Config) { c.ConfidenceThreshold = 1.2 }, true},
		{"negative strength threshold", func(c *Config) { c.StrengthThreshold = -0.1 }, true},
		{"zero feedback window", func(c *Config) { c.FeedbackWindow = 0 }, true},
		{"zero workers", func(c *Config) { c.SessionWorkers = 0 }, true},
		{"zero repair batch", func(c *Config) { c.RepairBatchSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			tt.mutate(&cfg)
			err = cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvHelpersFallBackOnBadValues(t *testing.T) {
	t.Setenv("KAIWA_TEST_INT", "abc")
	t.Setenv("KAIWA_TEST_FLOAT", "xyz")
	t.Setenv("KAIWA_TEST_DUR", "soon")

	if got := envInt("KAIWA_TEST_INT", 7); got != 7 {
		t.Errorf("envInt fallback = %d, want 7", got)
	}
	if got := envFloat("KAIWA_TEST_FLOAT", 0.5); got != 0.5 {
		t.Errorf("envFloat fallback = %v, want 0.5", got)
	}
	if got := envDuration("KAIWA_TEST_DUR", time.Second); got != time.Second {
		t.Errorf("envDuration fallback = %s, want 1s", got)
	}
}
