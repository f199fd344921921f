// Package cache manages the on-disk model artifact store.
//
// The filesystem is the source of truth: a model is cached iff its directory
// holds a config.json and at least one recognized weight file. No in-memory
// state survives between calls, so external deletions or partially copied
// directories are always observed on the next request.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/akidb/akidb-embed/internal/registry"
)

// ErrFetchFailed is returned when a snapshot download does not complete.
var ErrFetchFailed = errors.New("model fetch failed")

const (
	configFileName   = "config.json"
	metadataFileName = "akidb_metadata.json"

	// EnvCacheDir overrides the default cache root when set.
	EnvCacheDir = "AKIDB_CACHE_DIR"
)

// weightExts are the artifact extensions that count as model weights.
var weightExts = map[string]bool{
	".safetensors": true,
	".npz":         true,
	".onnx":        true,
}

// Metadata records provenance for a fetched snapshot. It is written after a
// successful download and never consulted for inference decisions.
type Metadata struct {
	ModelName    string    `json:"model_name"`
	SourceRepo   string    `json:"hf_repo"`
	Dimension    int       `json:"dimension"`
	MaxTokens    int       `json:"max_tokens"`
	DownloadedAt time.Time `json:"downloaded_at"`
	Version      string    `json:"akidb_version"`
}

// metadataVersion tags snapshots so future layout changes can be detected.
const metadataVersion = "1.0"

// Fetcher downloads a full model snapshot from a remote repository into a
// local directory.
type Fetcher interface {
	Fetch(ctx context.Context, repoID, destDir string) error
}

// Manager owns one cache root and answers completeness, fetch, and
// maintenance operations for the models in the registry catalog.
type Manager struct {
	root    string
	fetcher Fetcher
	logger  *zap.Logger
}

// NewManager creates a manager over root. A nil fetcher disables downloads;
// a nil logger discards logs.
func NewManager(root string, fetcher Fetcher, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{root: root, fetcher: fetcher, logger: logger}
}

// ResolveRoot determines the cache root directory and creates it if missing.
// Precedence: explicit override, AKIDB_CACHE_DIR, then the platform user
// cache directory under akidb/models.
func ResolveRoot(override string) (string, error) {
	root := override
	if root == "" {
		root = os.Getenv(EnvCacheDir)
	}
	if root == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve user cache dir: %w", err)
		}
		root = filepath.Join(base, "akidb", "models")
	}
	root, err := expandPath(root)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache root: %w", err)
	}
	return root, nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home dir: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

// WithRoot returns a manager over a different root sharing this manager's
// fetcher and logger. Used for per-request cache directory overrides.
func (m *Manager) WithRoot(root string) *Manager {
	return &Manager{root: root, fetcher: m.fetcher, logger: m.logger}
}

// Root returns the cache root directory.
func (m *Manager) Root() string {
	return m.root
}

// Dir returns the directory a model's artifacts live in. The directory may
// not exist.
func (m *Manager) Dir(name string) string {
	return filepath.Join(m.root, name)
}

// IsCached reports whether a model's artifacts are complete on disk. Any
// stat failure or missing piece counts as not cached. Unknown model names
// are an error.
func (m *Manager) IsCached(name string) (bool, error) {
	if _, err := registry.Lookup(name); err != nil {
		return false, err
	}
	return dirComplete(m.Dir(name)), nil
}

// dirComplete is the completeness predicate: config.json plus at least one
// weight file, both at the top level of dir.
func dirComplete(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, configFileName)); err != nil {
		return false
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if weightExts[strings.ToLower(filepath.Ext(entry.Name()))] {
			return true
		}
	}
	return false
}

// EnsureLocal returns the model's artifact directory, fetching the snapshot
// first when it is absent or force is set. A failed fetch removes the model
// directory entirely so the cache never holds a directory that passes the
// completeness check with bad contents.
func (m *Manager) EnsureLocal(ctx context.Context, name string, force bool) (string, error) {
	desc, err := registry.Lookup(name)
	if err != nil {
		return "", err
	}
	dir := m.Dir(name)
	if !force && dirComplete(dir) {
		return dir, nil
	}
	if m.fetcher == nil {
		return "", fmt.Errorf("%w: %s is not cached and downloads are disabled", ErrFetchFailed, name)
	}
	if force {
		if err := os.RemoveAll(dir); err != nil {
			return "", fmt.Errorf("failed to clear %s before fetch: %w", name, err)
		}
	}
	m.logger.Info("fetching model snapshot",
		zap.String("model", name),
		zap.String("repo", desc.SourceID),
		zap.String("dir", dir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create model dir: %w", err)
	}
	if err := m.fetcher.Fetch(ctx, desc.SourceID, dir); err != nil {
		m.cleanup(name, dir)
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if !dirComplete(dir) {
		m.cleanup(name, dir)
		return "", fmt.Errorf("%w: snapshot of %s has no config.json or weight files", ErrFetchFailed, name)
	}
	if err := m.writeMetadata(dir, desc); err != nil {
		m.cleanup(name, dir)
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	m.logger.Info("model snapshot ready", zap.String("model", name))
	return dir, nil
}

// cleanup removes a model directory after a failed fetch.
func (m *Manager) cleanup(name, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("failed to remove incomplete model dir",
			zap.String("model", name), zap.Error(err))
	}
}

func (m *Manager) writeMetadata(dir string, desc registry.Descriptor) error {
	meta := Metadata{
		ModelName:    desc.Name,
		SourceRepo:   desc.SourceID,
		Dimension:    desc.Dimension,
		MaxTokens:    desc.MaxTokens,
		DownloadedAt: time.Now().UTC(),
		Version:      metadataVersion,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// ReadMetadata returns the snapshot provenance record, or nil when the model
// has none (e.g. artifacts copied into place by hand).
func (m *Manager) ReadMetadata(name string) (*Metadata, error) {
	if _, err := registry.Lookup(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(m.Dir(name), metadataFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &meta, nil
}

// ListCached returns the registry models that are complete on disk, sorted.
func (m *Manager) ListCached() []string {
	var cached []string
	for _, name := range registry.Names() {
		if dirComplete(m.Dir(name)) {
			cached = append(cached, name)
		}
	}
	return cached
}

// Size returns the total on-disk size of a model's directory in bytes.
// A missing directory has size zero.
func (m *Manager) Size(name string) (int64, error) {
	if _, err := registry.Lookup(name); err != nil {
		return 0, err
	}
	var total int64
	err := filepath.WalkDir(m.Dir(name), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to measure %s: %w", name, err)
	}
	return total, nil
}

// Clear removes one model's artifacts from the cache.
func (m *Manager) Clear(name string) error {
	if _, err := registry.Lookup(name); err != nil {
		return err
	}
	if err := os.RemoveAll(m.Dir(name)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", name, err)
	}
	m.logger.Info("cleared model cache", zap.String("model", name))
	return nil
}

// ClearAll removes every entry under the cache root and recreates the root.
func (m *Manager) ClearAll() error {
	if err := os.RemoveAll(m.root); err != nil {
		return fmt.Errorf("failed to clear cache root: %w", err)
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return fmt.Errorf("failed to recreate cache root: %w", err)
	}
	m.logger.Info("cleared model cache root", zap.String("root", m.root))
	return nil
}
