package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// testModel is a registry entry used throughout; any catalog name works.
const testModel = "minilm-l6-v2"

// fakeFetcher writes a fixed file set into the destination and counts calls.
type fakeFetcher struct {
	calls int
	files map[string]string
	err   error
}

func (f *fakeFetcher) Fetch(_ context.Context, _, destDir string) error {
	f.calls++
	for name, content := range f.files {
		path := filepath.Join(destDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return f.err
}

func writeModelDir(t *testing.T, root, name string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for fname, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(fname))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestIsCachedCompleteness(t *testing.T) {
	tests := []struct {
		name   string
		files  map[string]string
		cached bool
	}{
		{"missing dir", nil, false},
		{"config only", map[string]string{"config.json": "{}"}, false},
		{"weights only", map[string]string{"model.safetensors": "w"}, false},
		{"config and safetensors", map[string]string{"config.json": "{}", "model.safetensors": "w"}, true},
		{"config and npz", map[string]string{"config.json": "{}", "weights.npz": "w"}, true},
		{"config and onnx", map[string]string{"config.json": "{}", "model.onnx": "w"}, true},
		{"partial weight does not count", map[string]string{"config.json": "{}", "model.safetensors.partial": "w"}, false},
		{"nested weight does not count", map[string]string{"config.json": "{}", "onnx/model.onnx": "w"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			if tt.files != nil {
				writeModelDir(t, root, testModel, tt.files)
			}
			m := NewManager(root, nil, nil)
			cached, err := m.IsCached(testModel)
			if err != nil {
				t.Fatalf("IsCached failed: %v", err)
			}
			if cached != tt.cached {
				t.Errorf("IsCached = %v, want %v", cached, tt.cached)
			}
		})
	}
}

func TestIsCachedUnknownModel(t *testing.T) {
	m := NewManager(t.TempDir(), nil, nil)
	if _, err := m.IsCached("bogus"); err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestEnsureLocalFastPath(t *testing.T) {
	root := t.TempDir()
	writeModelDir(t, root, testModel, map[string]string{
		"config.json":       "{}",
		"model.safetensors": "w",
	})
	fetcher := &fakeFetcher{}
	m := NewManager(root, fetcher, nil)

	dir, err := m.EnsureLocal(context.Background(), testModel, false)
	if err != nil {
		t.Fatalf("EnsureLocal failed: %v", err)
	}
	if dir != filepath.Join(root, testModel) {
		t.Errorf("dir = %q, want %q", dir, filepath.Join(root, testModel))
	}
	if fetcher.calls != 0 {
		t.Errorf("fetcher called %d times on cached model, want 0", fetcher.calls)
	}
}

func TestEnsureLocalFetches(t *testing.T) {
	root := t.TempDir()
	fetcher := &fakeFetcher{files: map[string]string{
		"config.json":       `{"hidden_size": 384}`,
		"model.safetensors": "weights",
	}}
	m := NewManager(root, fetcher, nil)

	dir, err := m.EnsureLocal(context.Background(), testModel, false)
	if err != nil {
		t.Fatalf("EnsureLocal failed: %v", err)
	}
	if fetcher.calls != 1 {
		t.Errorf("fetcher calls = %d, want 1", fetcher.calls)
	}
	if _, err := os.Stat(filepath.Join(dir, "akidb_metadata.json")); err != nil {
		t.Errorf("metadata not written: %v", err)
	}

	meta, err := m.ReadMetadata(testModel)
	if err != nil {
		t.Fatalf("ReadMetadata failed: %v", err)
	}
	if meta == nil {
		t.Fatal("metadata is nil after fetch")
	}
	if meta.ModelName != testModel {
		t.Errorf("metadata model = %q, want %q", meta.ModelName, testModel)
	}
	if meta.SourceRepo != "sentence-transformers/all-MiniLM-L6-v2" {
		t.Errorf("metadata repo = %q", meta.SourceRepo)
	}
	if meta.DownloadedAt.IsZero() {
		t.Error("metadata DownloadedAt is zero")
	}
}

func TestEnsureLocalFetchErrorCleansUp(t *testing.T) {
	root := t.TempDir()
	fetcher := &fakeFetcher{
		files: map[string]string{"config.json": "{}"},
		err:   errors.New("network down"),
	}
	m := NewManager(root, fetcher, nil)

	_, err := m.EnsureLocal(context.Background(), testModel, false)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("error = %v, want ErrFetchFailed", err)
	}
	if _, err := os.Stat(filepath.Join(root, testModel)); !os.IsNotExist(err) {
		t.Error("model dir left behind after failed fetch")
	}
}

func TestEnsureLocalIncompleteSnapshotCleansUp(t *testing.T) {
	root := t.TempDir()
	// Fetcher succeeds but delivers no weight files.
	fetcher := &fakeFetcher{files: map[string]string{"config.json": "{}"}}
	m := NewManager(root, fetcher, nil)

	_, err := m.EnsureLocal(context.Background(), testModel, false)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("error = %v, want ErrFetchFailed", err)
	}
	if _, err := os.Stat(filepath.Join(root, testModel)); !os.IsNotExist(err) {
		t.Error("incomplete model dir left behind")
	}
}

func TestEnsureLocalWithoutFetcher(t *testing.T) {
	m := NewManager(t.TempDir(), nil, nil)
	_, err := m.EnsureLocal(context.Background(), testModel, false)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("error = %v, want ErrFetchFailed", err)
	}
}

func TestEnsureLocalForceRefetches(t *testing.T) {
	root := t.TempDir()
	writeModelDir(t, root, testModel, map[string]string{
		"config.json":       "{}",
		"model.safetensors": "stale",
	})
	fetcher := &fakeFetcher{files: map[string]string{
		"config.json":       "{}",
		"model.safetensors": "fresh",
	}}
	m := NewManager(root, fetcher, nil)

	dir, err := m.EnsureLocal(context.Background(), testModel, true)
	if err != nil {
		t.Fatalf("EnsureLocal failed: %v", err)
	}
	if fetcher.calls != 1 {
		t.Errorf("fetcher calls = %d, want 1", fetcher.calls)
	}
	data, err := os.ReadFile(filepath.Join(dir, "model.safetensors"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "fresh" {
		t.Errorf("weights = %q, want refetched contents", data)
	}
}

func TestListCachedAndClear(t *testing.T) {
	root := t.TempDir()
	writeModelDir(t, root, "minilm-l6-v2", map[string]string{
		"config.json":       "{}",
		"model.safetensors": "w",
	})
	writeModelDir(t, root, "gemma-300m-4bit", map[string]string{
		"config.json": "{}",
		"weights.npz": "w",
	})
	// Incomplete entry must not be listed.
	writeModelDir(t, root, "qwen3-0.6b-4bit", map[string]string{
		"config.json": "{}",
	})
	m := NewManager(root, nil, nil)

	cached := m.ListCached()
	want := []string{"gemma-300m-4bit", "minilm-l6-v2"}
	if len(cached) != len(want) {
		t.Fatalf("ListCached = %v, want %v", cached, want)
	}
	for i := range want {
		if cached[i] != want[i] {
			t.Fatalf("ListCached = %v, want %v", cached, want)
		}
	}

	if err := m.Clear("minilm-l6-v2"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if got := m.ListCached(); len(got) != 1 || got[0] != "gemma-300m-4bit" {
		t.Errorf("after Clear, ListCached = %v", got)
	}

	if err := m.ClearAll(); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	if got := m.ListCached(); len(got) != 0 {
		t.Errorf("after ClearAll, ListCached = %v", got)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root not recreated after ClearAll: %v", err)
	}
}

func TestReadMetadataAbsent(t *testing.T) {
	root := t.TempDir()
	writeModelDir(t, root, testModel, map[string]string{
		"config.json":       "{}",
		"model.safetensors": "w",
	})
	m := NewManager(root, nil, nil)
	meta, err := m.ReadMetadata(testModel)
	if err != nil {
		t.Fatalf("ReadMetadata failed: %v", err)
	}
	if meta != nil {
		t.Errorf("metadata = %+v, want nil for hand-copied model", meta)
	}
}

func TestSize(t *testing.T) {
	root := t.TempDir()
	writeModelDir(t, root, testModel, map[string]string{
		"config.json":       "1234",
		"model.safetensors": "123456",
	})
	m := NewManager(root, nil, nil)
	size, err := m.Size(testModel)
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != 10 {
		t.Errorf("Size = %d, want 10", size)
	}

	missing, err := m.Size("qwen3-0.6b-4bit")
	if err != nil {
		t.Fatalf("Size of missing model failed: %v", err)
	}
	if missing != 0 {
		t.Errorf("Size of missing model = %d, want 0", missing)
	}
}

func TestResolveRoot(t *testing.T) {
	t.Run("override wins", func(t *testing.T) {
		want := filepath.Join(t.TempDir(), "models")
		t.Setenv(EnvCacheDir, "/ignored")
		got, err := ResolveRoot(want)
		if err != nil {
			t.Fatalf("ResolveRoot failed: %v", err)
		}
		if got != want {
			t.Errorf("root = %q, want %q", got, want)
		}
		if _, err := os.Stat(got); err != nil {
			t.Errorf("root not created: %v", err)
		}
	})

	t.Run("env fallback", func(t *testing.T) {
		want := filepath.Join(t.TempDir(), "envroot")
		t.Setenv(EnvCacheDir, want)
		got, err := ResolveRoot("")
		if err != nil {
			t.Fatalf("ResolveRoot failed: %v", err)
		}
		if got != want {
			t.Errorf("root = %q, want %q", got, want)
		}
	})

	t.Run("default under user cache dir", func(t *testing.T) {
		t.Setenv(EnvCacheDir, "")
		got, err := ResolveRoot("")
		if err != nil {
			t.Fatalf("ResolveRoot failed: %v", err)
		}
		if filepath.Base(got) != "models" || filepath.Base(filepath.Dir(got)) != "akidb" {
			t.Errorf("default root = %q, want .../akidb/models", got)
		}
	})
}
