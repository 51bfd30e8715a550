package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PluginsRoot != "./plugins" {
		t.Errorf("PluginsRoot = %q, want ./plugins", cfg.PluginsRoot)
	}
	if cfg.Reliability.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %d, want 3", cfg.Reliability.RetryAttempts)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := "plugins_root: /custom/plugins\nreliability:\n  scheduler_workers: 4\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PluginsRoot != "/custom/plugins" {
		t.Errorf("PluginsRoot = %q, want /custom/plugins", cfg.PluginsRoot)
	}
	if cfg.Reliability.SchedulerWorkers != 4 {
		t.Errorf("SchedulerWorkers = %d, want 4", cfg.Reliability.SchedulerWorkers)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TOKENWATCH_PLUGINS_ROOT", "/from/env")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PluginsRoot != "/from/env" {
		t.Errorf("PluginsRoot = %q, want /from/env", cfg.PluginsRoot)
	}
}

func TestValidate_RejectsInvalidJitter(t *testing.T) {
	cfg := defaultConfig()
	cfg.Reliability.RetryJitter = 1.5
	if err := Validate(cfg); err == nil {
		t.Fatal("expected rejection of out-of-range jitter")
	}
}

func TestValidate_RejectsOversizedWallClock(t *testing.T) {
	cfg := defaultConfig()
	cfg.Sandbox.WallClock = 31_000_000_000 // 31s, exceeds 30s ceiling
	if err := Validate(cfg); err == nil {
		t.Fatal("expected rejection of wall clock exceeding 30s")
	}
}
