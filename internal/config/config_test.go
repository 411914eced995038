package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nlon.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "debug: true\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != ":7890" {
		t.Errorf("Address = %q, want :7890", cfg.Address)
	}
	if cfg.MetricsAddr != ":7891" {
		t.Errorf("MetricsAddr = %q, want :7891", cfg.MetricsAddr)
	}
	if cfg.LogFile != "nlon.log" {
		t.Errorf("LogFile = %q, want nlon.log", cfg.LogFile)
	}
	if cfg.HandlerTimeoutSeconds != 30 {
		t.Errorf("HandlerTimeoutSeconds = %d, want 30", cfg.HandlerTimeoutSeconds)
	}
	if cfg.CorrespondenceBuffer != 16 {
		t.Errorf("CorrespondenceBuffer = %d, want 16", cfg.CorrespondenceBuffer)
	}
	if !cfg.Debug {
		t.Errorf("Debug = false, want true")
	}
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	path := writeTempConfig(t, `
address: ":9999"
metrics_address: ":9998"
log_file: "/var/log/nlon.log"
handler_timeout_seconds: 5
correspondence_buffer: 64
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != ":9999" {
		t.Errorf("Address = %q, want :9999", cfg.Address)
	}
	if cfg.HandlerTimeoutSeconds != 5 {
		t.Errorf("HandlerTimeoutSeconds = %d, want 5", cfg.HandlerTimeoutSeconds)
	}
	if cfg.CorrespondenceBuffer != 64 {
		t.Errorf("CorrespondenceBuffer = %d, want 64", cfg.CorrespondenceBuffer)
	}
}

func TestLoadRejectsNegativeTimeout(t *testing.T) {
	path := writeTempConfig(t, "handler_timeout_seconds: -1\n")

	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error for negative handler_timeout_seconds, got nil")
	}
}

func TestLoadRejectsNegativeBuffer(t *testing.T) {
	path := writeTempConfig(t, "correspondence_buffer: -1\n")

	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error for negative correspondence_buffer, got nil")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load: want error for missing file, got nil")
	}
}
