// Package tokenize converts request texts into fixed-shape token batches.
package tokenize

import (
	"errors"
	"fmt"
)

// ErrEmptyBatch is returned when a batch operation receives no texts.
var ErrEmptyBatch = errors.New("empty batch")

// Tokenizer turns one text into model token IDs.
type Tokenizer interface {
	// Encode returns the token IDs for text, including any special tokens
	// the vocabulary defines. Must return at least one ID for any input.
	Encode(text string) ([]int64, error)
	// PadID is the token ID used to right-pad shorter sequences.
	PadID() int64
}

// TokenBatch is a fixed-shape token matrix for one forward pass. InputIDs
// and AttentionMask are flat row-major [Batch x SeqLen]; mask entries are 1
// for real tokens and 0 for padding. Every row shares the same SeqLen.
type TokenBatch struct {
	InputIDs      []int64
	AttentionMask []int64
	Batch         int
	SeqLen        int
}

// EncodeBatch encodes texts into a TokenBatch of width seqLen: longer
// encodings are truncated, shorter ones right-padded with the tokenizer's
// pad ID. An empty texts slice is ErrEmptyBatch.
func EncodeBatch(tok Tokenizer, texts []string, seqLen int) (*TokenBatch, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyBatch
	}
	if seqLen <= 0 {
		return nil, fmt.Errorf("sequence length must be positive, got %d", seqLen)
	}

	batch := &TokenBatch{
		InputIDs:      make([]int64, len(texts)*seqLen),
		AttentionMask: make([]int64, len(texts)*seqLen),
		Batch:         len(texts),
		SeqLen:        seqLen,
	}
	padID := tok.PadID()

	for i, text := range texts {
		ids, err := tok.Encode(text)
		if err != nil {
			return nil, fmt.Errorf("failed to tokenize text %d: %w", i, err)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("text %d produced no tokens", i)
		}
		if len(ids) > seqLen {
			ids = ids[:seqLen]
		}
		row := batch.InputIDs[i*seqLen : (i+1)*seqLen]
		mask := batch.AttentionMask[i*seqLen : (i+1)*seqLen]
		copy(row, ids)
		for j := range mask[:len(ids)] {
			mask[j] = 1
		}
		for j := len(ids); j < seqLen; j++ {
			row[j] = padID
		}
	}
	return batch, nil
}
