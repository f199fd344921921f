package engine

import (
	"context"

	"github.com/x448/float16"

	"github.com/akidb/akidb-embed/internal/tokenize"
)

// referenceProvider is the provider label the fallback variant reports,
// mirroring how accelerated runtimes name theirs.
const referenceProvider = "ReferenceExecutionProvider"

// ReferenceBackend is the pure-Go fallback model: hidden states are derived
// from (token id, position, channel) by integer mixing, then squeezed
// through float16 so the values live in the same numeric envelope as
// half-precision accelerated runtimes. It is fully deterministic across
// platforms, needs no weight parsing and no shared libraries, and always
// loads.
type ReferenceBackend struct {
	hidden int
}

// NewReferenceBackend creates a fallback backend producing hiddenSize-wide
// states.
func NewReferenceBackend(hiddenSize int) *ReferenceBackend {
	return &ReferenceBackend{hidden: hiddenSize}
}

// Forward computes deterministic hidden states for every batch position,
// padding included; pooling masks the padding out.
func (b *ReferenceBackend) Forward(_ context.Context, batch *tokenize.TokenBatch) (*HiddenStates, error) {
	data := make([]float32, batch.Batch*batch.SeqLen*b.hidden)
	i := 0
	for r := 0; r < batch.Batch; r++ {
		for t := 0; t < batch.SeqLen; t++ {
			id := batch.InputIDs[r*batch.SeqLen+t]
			for c := 0; c < b.hidden; c++ {
				data[i] = referenceActivation(id, t, c)
				i++
			}
		}
	}
	return &HiddenStates{
		Data:   data,
		Batch:  batch.Batch,
		SeqLen: batch.SeqLen,
		Hidden: b.hidden,
	}, nil
}

// referenceActivation maps one (token, position, channel) coordinate to a
// half-precision value in [-1, 1). splitmix64-style mixing keeps the output
// identical on every platform; no floating transcendentals are involved.
func referenceActivation(id int64, pos, ch int) float32 {
	h := uint64(id+1)*0x9E3779B97F4A7C15 +
		uint64(pos)*0xC2B2AE3D27D4EB4F +
		uint64(ch)*0x165667B19E3779F9
	h ^= h >> 30
	h *= 0xBF58476D1CE4E5B9
	h ^= h >> 27
	h *= 0x94D049BB133111EB
	h ^= h >> 31
	v := float32(int64(h%8192)-4096) / 4096
	return float16.Fromfloat32(v).Float32()
}

// HiddenSize returns the hidden state width.
func (b *ReferenceBackend) HiddenSize() int {
	return b.hidden
}

// Kind reports the fallback variant.
func (b *ReferenceBackend) Kind() Kind {
	return KindFallback
}

// Providers returns the reference provider label.
func (b *ReferenceBackend) Providers() []string {
	return []string{referenceProvider}
}

// Close is a no-op; the reference model holds no runtime resources.
func (b *ReferenceBackend) Close() error {
	return nil
}
