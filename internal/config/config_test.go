package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Agent.CaptureWidth != 1280 || cfg.Agent.CaptureHeight != 720 {
		t.Errorf("unexpected default capture resolution %dx%d", cfg.Agent.CaptureWidth, cfg.Agent.CaptureHeight)
	}
	if cfg.Safety.MaxClicksPerMinute != 60 {
		t.Errorf("expected 60 clicks/min default, got %d", cfg.Safety.MaxClicksPerMinute)
	}
	if cfg.Safety.MaxActionsPerTask != 100 {
		t.Errorf("expected 100 actions/task default, got %d", cfg.Safety.MaxActionsPerTask)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing config file should not error: %v", err)
	}
	if cfg.Name != "ganesha" {
		t.Errorf("expected default name, got %q", cfg.Name)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.StateDir = dir
	cfg.Agent.MaxActions = 7
	cfg.Safety.Blacklist = []string{"terminal"}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	// YAML decodes an absent sequence as an empty one; treat them alike
	if diff := cmp.Diff(cfg, loaded, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("config did not round-trip (-saved +loaded):\n%s", diff)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capture width", func(c *Config) { c.Agent.CaptureWidth = 0 }},
		{"negative screen height", func(c *Config) { c.Agent.ScreenHeight = -1 }},
		{"zero max actions", func(c *Config) { c.Agent.MaxActions = 0 }},
		{"zero clicks per minute", func(c *Config) { c.Safety.MaxClicksPerMinute = 0 }},
		{"bad action delay", func(c *Config) { c.Agent.ActionDelay = "soon" }},
		{"bad task timeout", func(c *Config) { c.Safety.TaskTimeout = "5 parsecs" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GANESHA_STATE_DIR", "/tmp/ganesha-test-state")
	t.Setenv("GANESHA_PLANNER_URL", "http://planner:9000/v1/chat/completions")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.StateDir != "/tmp/ganesha-test-state" {
		t.Errorf("state dir override not applied: %q", cfg.StateDir)
	}
	if cfg.Planner.Endpoint != "http://planner:9000/v1/chat/completions" {
		t.Errorf("planner endpoint override not applied: %q", cfg.Planner.Endpoint)
	}
}

func TestPathHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateDir = "/var/lib/ganesha"

	if got := cfg.DatabasePath(); got != "/var/lib/ganesha/vla_tasks.db" {
		t.Errorf("unexpected database path %q", got)
	}
	if got := cfg.StopFilePath(); got != "/var/lib/ganesha/STOP" {
		t.Errorf("unexpected stop file path %q", got)
	}
	cfg.Memory.DatabasePath = string(os.PathSeparator) + "abs.db"
	if got := cfg.DatabasePath(); got != "/abs.db" {
		t.Errorf("absolute database path should pass through, got %q", got)
	}
}

func TestDurationFallback(t *testing.T) {
	if got := Duration("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", got)
	}
	if got := Duration("garbage", time.Second); got != time.Second {
		t.Errorf("expected fallback 1s, got %v", got)
	}
	if got := Duration("-5s", time.Second); got != time.Second {
		t.Errorf("non-positive duration should fall back, got %v", got)
	}
}
