// Package engine turns token batches into fixed-dimension embedding vectors:
// model forward pass, pooling, and normalization behind one facade.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/akidb/akidb-embed/internal/tokenize"
)

var (
	// ErrDimensionMismatch is returned when artifacts, backend output, and
	// the registry contract disagree about the embedding dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrInvalidPooling is returned for pooling strategy names outside the
	// supported set.
	ErrInvalidPooling = errors.New("invalid pooling strategy")
)

// Kind identifies a backend variant.
type Kind string

const (
	// KindNative is ONNX Runtime bound to the platform's hardware execution
	// provider; loading fails when that provider cannot initialize.
	KindNative Kind = "native"
	// KindONNX is ONNX Runtime with provider selection left to the variant:
	// hardware when available, CPU always.
	KindONNX Kind = "onnx"
	// KindFallback is the pure-Go reference model. It always loads.
	KindFallback Kind = "fallback"
	// KindAuto tries native, onnx, fallback in order and keeps the first
	// that loads.
	KindAuto Kind = "auto"
)

// ParseKind validates a backend selector from configuration.
func ParseKind(name string) (Kind, error) {
	switch Kind(name) {
	case "", KindAuto:
		return KindAuto, nil
	case KindNative:
		return KindNative, nil
	case KindONNX:
		return KindONNX, nil
	case KindFallback:
		return KindFallback, nil
	}
	return "", fmt.Errorf("unknown backend %q (want auto, native, onnx, or fallback)", name)
}

// HiddenStates is a backend's per-token output, flat row-major
// [Batch x SeqLen x Hidden].
type HiddenStates struct {
	Data   []float32
	Batch  int
	SeqLen int
	Hidden int
}

// Backend runs the model forward pass. Implementations are chosen once at
// load time and serve the whole session.
type Backend interface {
	// Forward computes per-token hidden states for the batch.
	Forward(ctx context.Context, batch *tokenize.TokenBatch) (*HiddenStates, error)
	// HiddenSize is the width of each token's hidden state.
	HiddenSize() int
	// Kind reports the variant.
	Kind() Kind
	// Providers lists the execution providers actually in use.
	Providers() []string
	// Close releases runtime resources.
	Close() error
}
