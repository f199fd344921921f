package tokenize

import (
	"strings"
	"unicode"
)

// Hash vocabulary layout: 0 pads, 1 and 2 frame the sequence, everything
// else maps into [wordIDBase, wordVocabSize).
const (
	wordPadID     = 0
	wordBOSID     = 1
	wordEOSID     = 2
	wordIDBase    = 3
	wordVocabSize = 30000
)

// WordTokenizer is a deterministic whitespace tokenizer over a hash-derived
// vocabulary. It needs no artifact files, so it serves the reference backend
// and snapshots that ship without a tokenizer.json. Every encoding carries
// BOS and EOS sentinels, guaranteeing at least two real tokens per row.
type WordTokenizer struct{}

// Encode splits text on whitespace and hashes each word into the vocabulary.
func (WordTokenizer) Encode(text string) ([]int64, error) {
	words := strings.FieldsFunc(text, unicode.IsSpace)
	ids := make([]int64, 0, len(words)+2)
	ids = append(ids, wordBOSID)
	for _, word := range words {
		ids = append(ids, wordIDBase+hashWord(word))
	}
	ids = append(ids, wordEOSID)
	return ids, nil
}

// PadID returns the padding token ID.
func (WordTokenizer) PadID() int64 {
	return wordPadID
}

// hashWord maps a word into [0, wordVocabSize-wordIDBase).
func hashWord(word string) int64 {
	var h uint64
	for _, r := range word {
		h = 31*h + uint64(r)
	}
	return int64(h % (wordVocabSize - wordIDBase))
}
