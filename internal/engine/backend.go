package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Options tunes backend construction.
type Options struct {
	// Backend pins a single variant; KindAuto (or empty) walks the chain.
	Backend Kind
	// ORTLibraryPath points the bindings at a specific onnxruntime shared
	// library instead of the platform default.
	ORTLibraryPath string
	// IntraOpThreads caps ONNX Runtime intra-op parallelism; zero keeps the
	// runtime default.
	IntraOpThreads int
}

// openBackend returns the first variant that loads for the artifacts in
// dir, trying native, then onnx, then the reference fallback. Selection
// happens once per load; the choice holds for the session's lifetime.
func openBackend(dir string, mc *ModelConfig, opts Options, logger *zap.Logger) (Backend, error) {
	order := []Kind{KindNative, KindONNX, KindFallback}
	if opts.Backend != "" && opts.Backend != KindAuto {
		order = []Kind{opts.Backend}
	}
	var lastErr error
	for _, kind := range order {
		backend, err := openVariant(dir, mc, kind, opts)
		if err != nil {
			logger.Warn("backend unavailable",
				zap.String("backend", string(kind)),
				zap.Error(err))
			lastErr = err
			continue
		}
		return backend, nil
	}
	return nil, fmt.Errorf("no usable backend: %w", lastErr)
}

func openVariant(dir string, mc *ModelConfig, kind Kind, opts Options) (Backend, error) {
	switch kind {
	case KindNative, KindONNX:
		path, ok := findONNXModel(dir)
		if !ok {
			return nil, fmt.Errorf("no onnx graph under %s", dir)
		}
		return newORTBackend(path, kind, mc.HiddenSize, opts)
	case KindFallback:
		return NewReferenceBackend(mc.HiddenSize), nil
	}
	return nil, fmt.Errorf("unknown backend %q", kind)
}

// findONNXModel locates the graph file inside a snapshot: conventional
// locations first, then any top-level .onnx file.
func findONNXModel(dir string) (string, bool) {
	for _, name := range []string{"model.onnx", filepath.Join("onnx", "model.onnx")} {
		path := filepath.Join(dir, name)
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			return path, true
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.EqualFold(filepath.Ext(entry.Name()), ".onnx") {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0]), true
}
