package tokenize

import (
	"fmt"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// HFTokenizer adapts a HuggingFace tokenizer.json vocabulary.
type HFTokenizer struct {
	inner *tokenizer.Tokenizer
	padID int64
}

// NewHFTokenizer loads a tokenizer.json file. padID is the model's padding
// token, typically pad_token_id or, when the config defines none, its EOS
// token.
func NewHFTokenizer(path string, padID int64) (*HFTokenizer, error) {
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer %s: %w", path, err)
	}
	return &HFTokenizer{inner: tk, padID: padID}, nil
}

// Encode returns the token IDs for text with special tokens enabled.
func (t *HFTokenizer) Encode(text string) ([]int64, error) {
	enc, err := t.inner.EncodeSingle(text, true)
	if err != nil {
		return nil, fmt.Errorf("failed to encode text: %w", err)
	}
	ids := make([]int64, len(enc.Ids))
	for i, id := range enc.Ids {
		ids[i] = int64(id)
	}
	return ids, nil
}

// PadID returns the padding token ID.
func (t *HFTokenizer) PadID() int64 {
	return t.padID
}
