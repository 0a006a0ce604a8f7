package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"sqlopt/internal/config"
)

func TestReadScript(t *testing.T) {
	if _, err := readScript("", nil); err == nil {
		t.Fatalf("expected error without statements")
	}
	got, err := readScript("", []string{"SELECT 1;", "SELECT 2"})
	if err != nil || got != "SELECT 1; SELECT 2" {
		t.Fatalf("unexpected script %q %v", got, err)
	}
	path := filepath.Join(t.TempDir(), "q.sql")
	if err := os.WriteFile(path, []byte("SELECT 3"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err = readScript(path, []string{"ignored"})
	if err != nil || got != "SELECT 3" {
		t.Fatalf("unexpected script %q %v", got, err)
	}
	if _, err := readScript(filepath.Join(t.TempDir(), "missing.sql"), nil); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadConfigDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer func() { _ = os.Chdir(wd) }()
	cfg, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Batch.MaxKeys == 0 {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if _, err := loadConfig(filepath.Join(dir, "other.yaml")); err == nil {
		t.Fatalf("expected error for explicit missing config")
	}
}

func TestRunLoopOnSQLite(t *testing.T) {
	cfg := config.Default()
	cfg.DSN = ":memory:"
	cfg.Report.Enabled = false
	cfg.Plan.Enabled = false
	script := "SELECT * FROM users WHERE id IN (1); SELECT name FROM users WHERE id = 2"
	// Statements against missing tables resolve as errors and are reported, not returned.
	if err := run(context.Background(), cfg, script, true, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := run(context.Background(), cfg, script, false, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
