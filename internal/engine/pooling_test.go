package engine

import (
	"errors"
	"math"
	"testing"

	"github.com/akidb/akidb-embed/internal/tokenize"
)

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-5
}

// twoRowFixture is a 2x3x2 hidden state block with one padded row.
func twoRowFixture() (*HiddenStates, *tokenize.TokenBatch) {
	h := &HiddenStates{
		Data: []float32{
			1, 2, 3, 4, 5, 6,
			10, 20, 30, 40, 50, 60,
		},
		Batch:  2,
		SeqLen: 3,
		Hidden: 2,
	}
	batch := &tokenize.TokenBatch{
		InputIDs:      []int64{7, 8, 0, 7, 8, 9},
		AttentionMask: []int64{1, 1, 0, 1, 1, 1},
		Batch:         2,
		SeqLen:        3,
	}
	return h, batch
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"mean", StrategyMean, false},
		{"cls", StrategyCLS, false},
		{"last", StrategyLast, false},
		{"MEAN", StrategyMean, false},
		{"", "", true},
		{"max", "", true},
		{"average", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategy(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPooling) {
					t.Fatalf("error = %v, want ErrInvalidPooling", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseStrategy(%q) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseStrategy(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPoolStrategies(t *testing.T) {
	h, batch := twoRowFixture()
	tests := []struct {
		strategy Strategy
		want     [][]float32
	}{
		// Row 0 attends two of three tokens, row 1 all three.
		{StrategyMean, [][]float32{{2, 3}, {30, 40}}},
		{StrategyCLS, [][]float32{{1, 2}, {10, 20}}},
		{StrategyLast, [][]float32{{3, 4}, {50, 60}}},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			got, err := Pool(h, batch, tt.strategy)
			if err != nil {
				t.Fatalf("Pool failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d vectors, want %d", len(got), len(tt.want))
			}
			for r := range tt.want {
				for c := range tt.want[r] {
					if !approx(got[r][c], tt.want[r][c]) {
						t.Errorf("row %d: got %v, want %v", r, got[r], tt.want[r])
						break
					}
				}
			}
		})
	}
}

func TestPoolUnknownStrategy(t *testing.T) {
	h, batch := twoRowFixture()
	if _, err := Pool(h, batch, Strategy("median")); !errors.Is(err, ErrInvalidPooling) {
		t.Errorf("error = %v, want ErrInvalidPooling", err)
	}
}

func TestPoolShapeMismatch(t *testing.T) {
	h, batch := twoRowFixture()
	h.SeqLen = 4
	if _, err := Pool(h, batch, StrategyMean); err == nil {
		t.Error("expected error for mismatched shapes")
	}
}

func TestPoolFullyMaskedRow(t *testing.T) {
	h := &HiddenStates{Data: []float32{1, 2, 3, 4}, Batch: 1, SeqLen: 2, Hidden: 2}
	batch := &tokenize.TokenBatch{
		InputIDs:      []int64{0, 0},
		AttentionMask: []int64{0, 0},
		Batch:         1,
		SeqLen:        2,
	}

	// Mean over zero tokens divides by the floor and yields a zero vector.
	got, err := Pool(h, batch, StrategyMean)
	if err != nil {
		t.Fatalf("mean over masked row failed: %v", err)
	}
	for _, v := range got[0] {
		if !approx(v, 0) {
			t.Errorf("mean over masked row = %v, want zeros", got[0])
			break
		}
	}

	// Last-token pooling has no position to select.
	if _, err := Pool(h, batch, StrategyLast); err == nil {
		t.Error("expected error for last pooling over fully masked row")
	}
}

func TestNormalize(t *testing.T) {
	vec := []float32{3, 4}
	Normalize(vec)
	if !approx(vec[0], 0.6) || !approx(vec[1], 0.8) {
		t.Errorf("Normalize([3 4]) = %v, want [0.6 0.8]", vec)
	}

	norm := float64(Dot(vec, vec))
	if math.Abs(norm-1) > 1e-3 {
		t.Errorf("squared norm = %v, want 1 within 1e-3", norm)
	}
}

func TestNormalizeZeroVector(t *testing.T) {
	vec := []float32{0, 0, 0}
	Normalize(vec)
	for i, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("vec[%d] = %v after normalizing zero vector", i, v)
		}
	}
}

func TestDot(t *testing.T) {
	if got := Dot([]float32{1, 0}, []float32{0, 1}); !approx(got, 0) {
		t.Errorf("Dot orthogonal = %v, want 0", got)
	}
	if got := Dot([]float32{1, 2, 3}, []float32{4, 5, 6}); !approx(got, 32) {
		t.Errorf("Dot = %v, want 32", got)
	}
}
