package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/akidb/akidb-embed/internal/registry"
	"github.com/akidb/akidb-embed/internal/tokenize"
)

// Config carries the inference settings an engine is built with.
type Config struct {
	// Pooling is the default strategy when a request does not name one.
	Pooling Strategy
	// MaxTokens caps sequence length; the registry descriptor's limit
	// applies when this is unset or larger.
	MaxTokens int
	// CacheSize bounds the per-model vector cache; zero disables caching.
	CacheSize int
	// Backends tunes variant selection and the ONNX runtime.
	Backends Options
}

// Engine embeds texts for one loaded model: tokenizer, backend, pooling,
// and the vector cache behind a single facade.
type Engine struct {
	name      string
	desc      registry.Descriptor
	tokenizer tokenize.Tokenizer
	backend   Backend
	pooling   Strategy
	maxTokens int
	cache     *vectorCache
	logger    *zap.Logger
}

// New builds an engine from a model's artifact directory. The snapshot's
// config.json is authoritative for hidden size and padding and must agree
// with the registry descriptor's dimension; so must the backend's output.
func New(dir string, desc registry.Descriptor, cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mc, err := LoadModelConfig(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, err
	}
	if mc.HiddenSize != desc.Dimension {
		return nil, fmt.Errorf("%w: config.json declares hidden size %d, registry expects %d",
			ErrDimensionMismatch, mc.HiddenSize, desc.Dimension)
	}

	pooling := cfg.Pooling
	if pooling == "" {
		pooling = StrategyMean
	}
	if _, err := ParseStrategy(string(pooling)); err != nil {
		return nil, err
	}
	maxTokens := desc.MaxTokens
	if cfg.MaxTokens > 0 && (maxTokens <= 0 || cfg.MaxTokens < maxTokens) {
		maxTokens = cfg.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 512
	}

	backend, err := openBackend(dir, mc, cfg.Backends, logger)
	if err != nil {
		return nil, err
	}
	if backend.HiddenSize() != desc.Dimension {
		backend.Close()
		return nil, fmt.Errorf("%w: backend emits %d-wide vectors, registry expects %d",
			ErrDimensionMismatch, backend.HiddenSize(), desc.Dimension)
	}

	tok, tokKind, err := openTokenizer(dir, mc)
	if err != nil {
		backend.Close()
		return nil, err
	}

	eng := &Engine{
		name:      desc.Name,
		desc:      desc,
		tokenizer: tok,
		backend:   backend,
		pooling:   pooling,
		maxTokens: maxTokens,
		logger:    logger,
	}
	if cfg.CacheSize > 0 {
		eng.cache = newVectorCache(cfg.CacheSize)
	}
	logger.Info("engine ready",
		zap.String("model", desc.Name),
		zap.String("backend", string(backend.Kind())),
		zap.Strings("providers", backend.Providers()),
		zap.String("tokenizer", tokKind),
		zap.Int("dimension", desc.Dimension),
		zap.Int("max_tokens", maxTokens))
	return eng, nil
}

// openTokenizer prefers the snapshot's tokenizer.json; without one the
// hash-vocabulary word tokenizer keeps the model servable.
func openTokenizer(dir string, mc *ModelConfig) (tokenize.Tokenizer, string, error) {
	path := filepath.Join(dir, "tokenizer.json")
	if _, err := os.Stat(path); err == nil {
		tok, err := tokenize.NewHFTokenizer(path, mc.PadID())
		if err != nil {
			return nil, "", err
		}
		return tok, "huggingface", nil
	}
	return tokenize.WordTokenizer{}, "word", nil
}

// Embed converts texts into pooled, optionally normalized vectors, serving
// repeats from the cache. An empty strategy means the engine default.
func (e *Engine) Embed(ctx context.Context, texts []string, strategy Strategy, normalize bool) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, tokenize.ErrEmptyBatch
	}
	if strategy == "" {
		strategy = e.pooling
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}

	results := make([][]float32, len(texts))
	var missing []int
	if e.cache != nil {
		for i, text := range texts {
			if vec, ok := e.cache.get(vectorKey(text, strategy, normalize)); ok {
				results[i] = vec
			} else {
				missing = append(missing, i)
			}
		}
	} else {
		missing = make([]int, len(texts))
		for i := range texts {
			missing[i] = i
		}
	}
	if len(missing) == 0 {
		return results, nil
	}

	miss := make([]string, len(missing))
	for j, i := range missing {
		miss[j] = texts[i]
	}
	batch, err := tokenize.EncodeBatch(e.tokenizer, miss, e.maxTokens)
	if err != nil {
		return nil, err
	}
	hidden, err := e.backend.Forward(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	vecs, err := Pool(hidden, batch, strategy)
	if err != nil {
		return nil, err
	}
	for j, i := range missing {
		vec := vecs[j]
		if normalize {
			Normalize(vec)
		}
		results[i] = vec
		if e.cache != nil {
			e.cache.set(vectorKey(texts[i], strategy, normalize), vec)
		}
	}
	return results, nil
}

// Name returns the logical model name.
func (e *Engine) Name() string {
	return e.name
}

// Dimension returns the embedding vector length.
func (e *Engine) Dimension() int {
	return e.desc.Dimension
}

// MaxTokens returns the effective sequence length cap.
func (e *Engine) MaxTokens() int {
	return e.maxTokens
}

// BackendKind reports which variant the load chain selected.
func (e *Engine) BackendKind() Kind {
	return e.backend.Kind()
}

// Providers lists the execution providers in use.
func (e *Engine) Providers() []string {
	return e.backend.Providers()
}

// DefaultPooling returns the strategy used when requests omit one.
func (e *Engine) DefaultPooling() Strategy {
	return e.pooling
}

// Close releases the backend.
func (e *Engine) Close() error {
	return e.backend.Close()
}
