// Package registry defines the catalog of embedding models the sidecar can serve.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownModel is returned when a logical model name is not in the catalog.
var ErrUnknownModel = errors.New("unknown model")

// Descriptor describes one embedding model: where its artifacts come from and
// the contract (dimension, token limit) the service promises for it.
type Descriptor struct {
	// Name is the logical name used in requests and as the cache directory name.
	Name string `json:"name"`
	// SourceID is the upstream HuggingFace repository id.
	SourceID string `json:"source_id"`
	// Dimension is the embedding vector length the model must produce.
	Dimension int `json:"dimension"`
	// MaxTokens is the sequence length inputs are padded or truncated to.
	MaxTokens int `json:"max_tokens"`
	// ApproxSizeMB is the rough on-disk artifact size, for listings only.
	ApproxSizeMB int `json:"approx_size_mb"`
	// Description is a short human-readable summary.
	Description string `json:"description"`
}

// catalog holds the built-in models plus any registered at runtime.
// Artifact reality wins over this table at load time: the model's own
// config.json must agree with Dimension or the load fails.
var catalogMu sync.RWMutex
var catalog = map[string]Descriptor{
	"qwen3-0.6b-4bit": {
		Name:         "qwen3-0.6b-4bit",
		SourceID:     "mlx-community/Qwen3-Embedding-0.6B-4bit-DWQ",
		Dimension:    1024,
		MaxTokens:    512,
		ApproxSizeMB: 600,
		Description:  "Qwen3 0.6B embedding model, 4-bit quantized",
	},
	"gemma-300m-4bit": {
		Name:         "gemma-300m-4bit",
		SourceID:     "mlx-community/embeddinggemma-300m-4bit",
		Dimension:    768,
		MaxTokens:    512,
		ApproxSizeMB: 200,
		Description:  "EmbeddingGemma 300M, 4-bit quantized",
	},
	"minilm-l6-v2": {
		Name:         "minilm-l6-v2",
		SourceID:     "sentence-transformers/all-MiniLM-L6-v2",
		Dimension:    384,
		MaxTokens:    256,
		ApproxSizeMB: 90,
		Description:  "MiniLM L6 v2 sentence encoder",
	},
	"multilingual-e5-small": {
		Name:         "multilingual-e5-small",
		SourceID:     "intfloat/multilingual-e5-small",
		Dimension:    384,
		MaxTokens:    512,
		ApproxSizeMB: 470,
		Description:  "Multilingual E5 small encoder",
	},
}

// Register adds a model to the catalog. Existing names, built-in or
// registered, cannot be replaced.
func Register(desc Descriptor) error {
	if desc.Name == "" {
		return errors.New("model name must not be empty")
	}
	if desc.Dimension <= 0 {
		return fmt.Errorf("model %q: dimension must be positive, got %d", desc.Name, desc.Dimension)
	}
	catalogMu.Lock()
	defer catalogMu.Unlock()
	if _, exists := catalog[desc.Name]; exists {
		return fmt.Errorf("model %q already registered", desc.Name)
	}
	catalog[desc.Name] = desc
	return nil
}

// Lookup returns the descriptor for a logical model name.
func Lookup(name string) (Descriptor, error) {
	catalogMu.RLock()
	desc, ok := catalog[name]
	catalogMu.RUnlock()
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q (available: %s)",
			ErrUnknownModel, name, strings.Join(Names(), ", "))
	}
	return desc, nil
}

// Names returns all catalog model names in sorted order.
func Names() []string {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the descriptors for every catalog model, sorted by name.
func All() []Descriptor {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	descs := make([]Descriptor, 0, len(names))
	for _, name := range names {
		descs = append(descs, catalog[name])
	}
	return descs
}
