package engine

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/blas/gonum"

	"github.com/akidb/akidb-embed/internal/tokenize"
)

// blasEngine is gonum's pure-Go float32 BLAS implementation.
var blasEngine = gonum.Implementation{}

// Strategy selects how per-token hidden states collapse into one vector.
type Strategy string

const (
	// StrategyMean averages the hidden states of attended tokens.
	StrategyMean Strategy = "mean"
	// StrategyCLS takes the first token's hidden state.
	StrategyCLS Strategy = "cls"
	// StrategyLast takes the hidden state of the last attended token.
	StrategyLast Strategy = "last"
)

// Numeric floors keeping division well-defined without branching on content.
const (
	meanDenomFloor = 1e-9
	normFloor      = 1e-12
)

// ParseStrategy validates a pooling strategy name from a request or config.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(name)); s {
	case StrategyMean, StrategyCLS, StrategyLast:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q (want mean, cls, or last)", ErrInvalidPooling, name)
}

// Pool collapses hidden states into one vector per batch row. The attention
// mask decides which token positions participate; masks are contiguous
// prefixes of ones, as EncodeBatch builds them.
func Pool(h *HiddenStates, batch *tokenize.TokenBatch, strategy Strategy) ([][]float32, error) {
	if h.Batch != batch.Batch || h.SeqLen != batch.SeqLen {
		return nil, fmt.Errorf("hidden states shaped %dx%d for a %dx%d token batch",
			h.Batch, h.SeqLen, batch.Batch, batch.SeqLen)
	}
	if len(h.Data) != h.Batch*h.SeqLen*h.Hidden {
		return nil, fmt.Errorf("hidden state buffer holds %d values, want %d",
			len(h.Data), h.Batch*h.SeqLen*h.Hidden)
	}

	out := make([][]float32, h.Batch)
	for r := 0; r < h.Batch; r++ {
		row := make([]float32, h.Hidden)
		mask := batch.AttentionMask[r*h.SeqLen : (r+1)*h.SeqLen]
		base := r * h.SeqLen * h.Hidden

		switch strategy {
		case StrategyMean:
			var count float32
			for t, m := range mask {
				if m == 0 {
					continue
				}
				blasEngine.Saxpy(h.Hidden, 1, h.Data[base+t*h.Hidden:base+(t+1)*h.Hidden], 1, row, 1)
				count++
			}
			denom := count
			if denom < meanDenomFloor {
				denom = meanDenomFloor
			}
			blasEngine.Sscal(h.Hidden, 1/denom, row, 1)

		case StrategyCLS:
			copy(row, h.Data[base:base+h.Hidden])

		case StrategyLast:
			attended := 0
			for _, m := range mask {
				if m == 1 {
					attended++
				}
			}
			if attended == 0 {
				return nil, fmt.Errorf("batch row %d has no attended tokens", r)
			}
			t := attended - 1
			copy(row, h.Data[base+t*h.Hidden:base+(t+1)*h.Hidden])

		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidPooling, strategy)
		}
		out[r] = row
	}
	return out, nil
}

// Normalize scales vec to unit L2 norm in place. The norm is floored so a
// zero vector stays finite instead of dividing by zero.
func Normalize(vec []float32) {
	norm := blasEngine.Snrm2(len(vec), vec, 1)
	if norm < normFloor {
		norm = normFloor
	}
	blasEngine.Sscal(len(vec), 1/norm, vec, 1)
}

// Dot returns the inner product of two equal-length vectors. On normalized
// embeddings this is their cosine similarity.
func Dot(a, b []float32) float32 {
	return blasEngine.Sdot(len(a), a, 1, b, 1)
}
