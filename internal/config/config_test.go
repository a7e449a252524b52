package config

import (
	"strings"
	"testing"
	"time"

	"github.com/fpang/catalog-autotag/internal/failure"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadFrom_Defaults(t *testing.T) {
	c, err := LoadFrom(env(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Concurrency != 4 || c.MaxRetries != 3 || c.BaseDelay != time.Second {
		t.Errorf("unexpected defaults: %+v", c)
	}
	if c.Scene.FrameInterval != 2.0 || c.Scene.MaxFrames != 120 || !c.Scene.ShotDetection {
		t.Errorf("unexpected scene defaults: %+v", c.Scene)
	}
	if c.Image.Quality != "standard" {
		t.Errorf("unexpected image quality: %s", c.Image.Quality)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFrom_Overrides(t *testing.T) {
	c, err := LoadFrom(env(map[string]string{
		EnvProcessorURL:   "http://gpu-box:8000",
		EnvConcurrency:    "8",
		EnvBaseDelayMs:    "250",
		EnvRequestTimeout: "90s",
		EnvShotDetection:  "false",
		EnvConfidence:     "0.7",
		EnvImageQuality:   "high",
		EnvRunsTable:      "autotag-runs",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ProcessorURL != "http://gpu-box:8000" || c.Concurrency != 8 {
		t.Errorf("overrides not applied: %+v", c)
	}
	if c.BaseDelay != 250*time.Millisecond || c.RequestTimeout != 90*time.Second {
		t.Errorf("durations not applied: base=%s timeout=%s", c.BaseDelay, c.RequestTimeout)
	}
	if c.Scene.ShotDetection {
		t.Error("expected shot detection off")
	}
	if c.Scene.ConfidenceThreshold != 0.7 || c.Image.ConfidenceThreshold != 0.7 {
		t.Error("confidence should apply to both kinds")
	}
	if c.RunsTable != "autotag-runs" {
		t.Errorf("expected runs table, got %q", c.RunsTable)
	}

	p := c.RetryPolicy()
	if p.MaxAttempts != 3 || p.BaseDelay != 250*time.Millisecond {
		t.Errorf("unexpected retry policy: %+v", p)
	}
}

func TestLoadFrom_Malformed(t *testing.T) {
	_, err := LoadFrom(env(map[string]string{
		EnvConcurrency:   "many",
		EnvShotDetection: "maybe",
	}))
	fe := failure.As(err)
	if fe == nil || fe.Source != failure.Validation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(fe.Message, EnvConcurrency) || !strings.Contains(fe.Message, EnvShotDetection) {
		t.Errorf("expected both keys reported, got %q", fe.Message)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"huge concurrency", func(c *Config) { c.Concurrency = 1000 }},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }},
		{"max below base", func(c *Config) { c.MaxDelay = c.BaseDelay / 2 }},
		{"bad quality", func(c *Config) { c.Image.Quality = "ultra" }},
		{"confidence range", func(c *Config) { c.Scene.ConfidenceThreshold = 1.5 }},
		{"no processor", func(c *Config) { c.ProcessorURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
