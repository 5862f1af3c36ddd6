package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExpandPath(t *testing.T) {
	t.Parallel()
	got := ExpandPath("~/memory.db")
	if got == "~/memory.db" {
		t.Fatalf("expected home-expanded path, got %q", got)
	}
	if !strings.Contains(got, "memory.db") {
		t.Fatalf("expected expanded path to contain file name, got %q", got)
	}
}

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
}

func TestCleanupValidate_ThresholdOrdering(t *testing.T) {
	t.Parallel()
	c := DefaultCleanup()
	c.TriggerThreshold = 0.8
	c.TargetThreshold = 0.8
	if err := c.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for target >= trigger, got %v", err)
	}

	c = DefaultCleanup()
	c.MinCleanupCount = 20
	c.MaxCleanupCount = 10
	if err := c.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for max < min, got %v", err)
	}

	c = DefaultCleanup()
	c.Strategy = "random"
	if err := c.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for unknown strategy, got %v", err)
	}
}

func TestRemoveCount(t *testing.T) {
	t.Parallel()
	c := CleanupConfig{
		Enabled:          true,
		Strategy:         StrategyOldest,
		TriggerThreshold: 0.9,
		TargetThreshold:  0.7,
		MinCleanupCount:  1,
		MaxCleanupCount:  100,
		RetentionDays:    30,
	}
	if n := c.RemoveCount(89, 100); n != 0 {
		t.Fatalf("below trigger: expected 0, got %d", n)
	}
	if n := c.RemoveCount(90, 100); n != 20 {
		t.Fatalf("at trigger: expected 20, got %d", n)
	}

	c.MaxCleanupCount = 5
	if n := c.RemoveCount(95, 100); n != 5 {
		t.Fatalf("expected clamp to max 5, got %d", n)
	}

	c.Enabled = false
	if n := c.RemoveCount(100, 100); n != 0 {
		t.Fatalf("disabled: expected 0, got %d", n)
	}
}

func TestLoad_FoldsLegacyAliases(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "memstore.yaml")
	body := "storage_path: /tmp/x/memory.db\nauto_cleanup: false\ncleanup_days: 7\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Cleanup.Enabled {
		t.Fatal("expected auto_cleanup=false to disable cleanup")
	}
	if cfg.Cleanup.RetentionDays != 7 {
		t.Fatalf("expected retention_days 7, got %d", cfg.Cleanup.RetentionDays)
	}
	if cfg.AutoCleanup != nil || cfg.CleanupDays != nil {
		t.Fatal("expected legacy keys to be cleared after folding")
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxEntries != Default().MaxEntries {
		t.Fatalf("expected default max_entries, got %d", cfg.MaxEntries)
	}
}
