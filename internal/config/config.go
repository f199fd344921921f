// Package config provides configuration loading and structs for the
// embedding sidecar.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that points at a config file.
const EnvConfigPath = "AKIDB_CONFIG"

// Config holds all configuration for the sidecar process.
type Config struct {
	Debug bool `yaml:"debug"`
	// CacheDir overrides the model cache root. Empty keeps the resolution
	// chain (env var, then the user cache directory).
	CacheDir string `yaml:"cache_dir"`
	// MetricsAddr enables the observability listener when set, e.g.
	// "127.0.0.1:9090". Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
	// WatchCache enables the cache directory watcher.
	WatchCache bool          `yaml:"watch_cache"`
	Model      ModelConfig   `yaml:"model"`
	Backend    BackendConfig `yaml:"backend"`
}

// ModelConfig holds the serving settings applied to every model load.
type ModelConfig struct {
	// Name preloads one model at startup when set.
	Name    string `yaml:"name"`
	Pooling string `yaml:"pooling"`
	// Normalize defaults to true when unset.
	Normalize *bool `yaml:"normalize"`
	// MaxTokens caps sequence length; zero keeps each model's own limit.
	MaxTokens int `yaml:"max_tokens"`
	// AutoDownload permits fetching missing models; defaults to true.
	AutoDownload *bool `yaml:"auto_download"`
	BatchSize    int   `yaml:"batch_size"`
	// CacheSize bounds the per-model vector cache; zero disables it.
	CacheSize int `yaml:"cache_size"`
}

// NormalizeOrDefault returns the normalize flag; defaults to true when unset.
func (m *ModelConfig) NormalizeOrDefault() bool {
	if m.Normalize != nil {
		return *m.Normalize
	}
	return true
}

// AutoDownloadOrDefault returns the auto_download flag; defaults to true
// when unset.
func (m *ModelConfig) AutoDownloadOrDefault() bool {
	if m.AutoDownload != nil {
		return *m.AutoDownload
	}
	return true
}

// BackendConfig tunes inference runtime selection.
type BackendConfig struct {
	// Kind is auto, native, onnx, or fallback.
	Kind string `yaml:"kind"`
	// ORTLibraryPath points at a specific onnxruntime shared library.
	ORTLibraryPath string `yaml:"ort_library_path"`
	// IntraOpThreads caps ONNX Runtime parallelism; zero keeps its default.
	IntraOpThreads int `yaml:"intra_op_threads"`
}

// Load reads and parses the config file at path, expands paths, and applies
// defaults. Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	if cfg.CacheDir != "" {
		cfg.CacheDir = expandPath(cfg.CacheDir, filepath.Dir(path))
	}
	return &cfg, nil
}

// LoadDefault loads the first config file found: the path named by
// AKIDB_CONFIG, ./embedding_config.yaml, then
// ~/.config/akidb/embedding_config.yaml. With no file anywhere the defaults
// apply. A path set explicitly via the env var must exist.
func LoadDefault() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return Load(path)
	}
	candidates := []string{"embedding_config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "akidb", "embedding_config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg, nil
}

// expandPath converts a path to absolute. Paths starting with "./" are
// relative to configDir; other relative paths are relative to the home
// directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
