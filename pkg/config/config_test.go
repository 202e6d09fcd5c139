package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("database:\n  url: postgres://localhost/inkforge\nbuilder:\n  api_server_url: http://localhost:8080\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Builder.WorkerCount != 1 {
		t.Errorf("WorkerCount = %d, want 1", cfg.Builder.WorkerCount)
	}
	if cfg.Builder.MaxBuildDuration != 3600 {
		t.Errorf("MaxBuildDuration = %d, want 3600", cfg.Builder.MaxBuildDuration)
	}
	if cfg.Builder.VolumeSize != "8G" {
		t.Errorf("VolumeSize = %q, want 8G", cfg.Builder.VolumeSize)
	}
	if cfg.Runtime.Namespace != "inkforge" {
		t.Errorf("Namespace = %q, want inkforge", cfg.Runtime.Namespace)
	}
}

func TestLoadMissingDatabaseURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("builder:\n  api_server_url: http://localhost\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() should fail without database.url")
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("database:\n  url: postgres://localhost/inkforge\nbuilder:\n  api_server_url: http://localhost:8080\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	t.Setenv("CONFIG_BUILDER_WORKER_COUNT", "4")
	t.Setenv("CONFIG_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Builder.WorkerCount != 4 {
		t.Errorf("WorkerCount = %d, want 4", cfg.Builder.WorkerCount)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}
