// Package config loads the build worker's configuration from a YAML
// file with environment variable overrides, layered over the built-in
// defaults returned by defaults().
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Database holds the PostgreSQL connection string.
type Database struct {
	URL string `yaml:"url"`
}

// Storage holds S3-compatible object storage access for reading source
// archives.
type Storage struct {
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Region          string `yaml:"region"`
	EndpointURL     string `yaml:"endpoint_url"`
	SourceBucket    string `yaml:"source_bucket"`
}

// Builder holds the session-pipeline tunables.
type Builder struct {
	ImagesPath         string `yaml:"images_path"`
	APIServerURL       string `yaml:"api_server_url"`
	WorkerCount        int    `yaml:"worker_count"`
	MaxBuildDuration   int    `yaml:"max_build_duration"`
	WasmSizeLimit      int    `yaml:"wasm_size_limit"`
	MetadataSizeLimit  int    `yaml:"metadata_size_limit"`
	MemoryLimit        int64  `yaml:"memory_limit"`
	MemorySwapLimit    int64  `yaml:"memory_swap_limit"`
	PidsLimit          int64  `yaml:"pids_limit"`
	VolumeSize         string `yaml:"volume_size"`
	AnalysisWorkers    int    `yaml:"static_analysis_workers"`
	AllowedToolchains  []string `yaml:"allowed_toolchains"`
}

// Runtime holds the container runtime connection details.
type Runtime struct {
	ContainerdSocket string `yaml:"containerd_socket"`
	Namespace        string `yaml:"containerd_namespace"`
}

// Config is the root configuration object.
type Config struct {
	LogLevel   string   `yaml:"log_level"`
	LogJSON    bool     `yaml:"log_json"`
	MetricsAddr string  `yaml:"metrics_addr"`
	Database   Database `yaml:"database"`
	Storage    Storage  `yaml:"storage"`
	Builder    Builder  `yaml:"builder"`
	Runtime    Runtime  `yaml:"runtime"`
}

func defaults() Config {
	return Config{
		LogLevel:    "info",
		LogJSON:     false,
		MetricsAddr: ":9090",
		Builder: Builder{
			ImagesPath:        "/var/lib/inkforge/volumes",
			WorkerCount:       1,
			MaxBuildDuration:  3600,
			WasmSizeLimit:     5 * 1024 * 1024,
			MetadataSizeLimit: 1 * 1024 * 1024,
			MemoryLimit:       4 * 1024 * 1024 * 1024,
			MemorySwapLimit:   4 * 1024 * 1024 * 1024,
			PidsLimit:         768,
			VolumeSize:        "8G",
			AnalysisWorkers:   2,
			AllowedToolchains: []string{"3.2.0", "4.0.0", "4.1.1"},
		},
		Runtime: Runtime{
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "inkforge",
		},
	}
}

// Load reads the YAML file at path (if non-empty), merges it onto the
// built-in defaults, then applies CONFIG_-prefixed environment variable
// overrides, matching the nesting of the YAML document with underscores
// (e.g. CONFIG_BUILDER_WORKER_COUNT overrides builder.worker_count).
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database.url is required")
	}
	if cfg.Builder.APIServerURL == "" {
		return nil, fmt.Errorf("builder.api_server_url is required")
	}

	return &cfg, nil
}

const envPrefix = "CONFIG_"

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"LOG_LEVEL":                      func(v string) { cfg.LogLevel = v },
		"LOG_JSON":                       func(v string) { cfg.LogJSON = parseBool(v, cfg.LogJSON) },
		"METRICS_ADDR":                   func(v string) { cfg.MetricsAddr = v },
		"DATABASE_URL":                   func(v string) { cfg.Database.URL = v },
		"STORAGE_ACCESS_KEY_ID":          func(v string) { cfg.Storage.AccessKeyID = v },
		"STORAGE_SECRET_ACCESS_KEY":      func(v string) { cfg.Storage.SecretAccessKey = v },
		"STORAGE_REGION":                 func(v string) { cfg.Storage.Region = v },
		"STORAGE_ENDPOINT_URL":           func(v string) { cfg.Storage.EndpointURL = v },
		"STORAGE_SOURCE_BUCKET":          func(v string) { cfg.Storage.SourceBucket = v },
		"BUILDER_IMAGES_PATH":            func(v string) { cfg.Builder.ImagesPath = v },
		"BUILDER_API_SERVER_URL":         func(v string) { cfg.Builder.APIServerURL = v },
		"BUILDER_WORKER_COUNT":           func(v string) { cfg.Builder.WorkerCount = parseInt(v, cfg.Builder.WorkerCount) },
		"BUILDER_MAX_BUILD_DURATION":     func(v string) { cfg.Builder.MaxBuildDuration = parseInt(v, cfg.Builder.MaxBuildDuration) },
		"BUILDER_WASM_SIZE_LIMIT":        func(v string) { cfg.Builder.WasmSizeLimit = parseInt(v, cfg.Builder.WasmSizeLimit) },
		"BUILDER_METADATA_SIZE_LIMIT":    func(v string) { cfg.Builder.MetadataSizeLimit = parseInt(v, cfg.Builder.MetadataSizeLimit) },
		"BUILDER_MEMORY_LIMIT":           func(v string) { cfg.Builder.MemoryLimit = parseInt64(v, cfg.Builder.MemoryLimit) },
		"BUILDER_MEMORY_SWAP_LIMIT":      func(v string) { cfg.Builder.MemorySwapLimit = parseInt64(v, cfg.Builder.MemorySwapLimit) },
		"BUILDER_PIDS_LIMIT":             func(v string) { cfg.Builder.PidsLimit = parseInt64(v, cfg.Builder.PidsLimit) },
		"BUILDER_VOLUME_SIZE":            func(v string) { cfg.Builder.VolumeSize = v },
		"BUILDER_STATIC_ANALYSIS_WORKERS": func(v string) { cfg.Builder.AnalysisWorkers = parseInt(v, cfg.Builder.AnalysisWorkers) },
		"RUNTIME_CONTAINERD_SOCKET":      func(v string) { cfg.Runtime.ContainerdSocket = v },
		"RUNTIME_CONTAINERD_NAMESPACE":   func(v string) { cfg.Runtime.Namespace = v },
	}

	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, envPrefix) {
			continue
		}
		key := strings.TrimPrefix(name, envPrefix)
		if apply, ok := overrides[key]; ok {
			apply(value)
		}
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func parseInt(v string, fallback int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func parseInt64(v string, fallback int64) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
