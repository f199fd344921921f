package engine

import (
	"encoding/json"
	"fmt"
	"os"
)

// ModelConfig is the subset of a snapshot's config.json the engine reads.
// Absent fields take Qwen3-Embedding defaults, matching the models the
// catalog ships by default.
type ModelConfig struct {
	HiddenSize      int    `json:"hidden_size"`
	NumHiddenLayers int    `json:"num_hidden_layers"`
	VocabSize       int    `json:"vocab_size"`
	ModelType       string `json:"model_type"`
	PadTokenID      *int64 `json:"pad_token_id"`
	EOSTokenID      *int64 `json:"eos_token_id"`
}

// LoadModelConfig reads and parses a config.json. The file is mandatory; a
// cache entry without one never passes the completeness check.
func LoadModelConfig(path string) (*ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}
	var mc ModelConfig
	if err := json.Unmarshal(data, &mc); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}
	mc.applyDefaults()
	return &mc, nil
}

func (c *ModelConfig) applyDefaults() {
	if c.HiddenSize == 0 {
		c.HiddenSize = 1024
	}
	if c.NumHiddenLayers == 0 {
		c.NumHiddenLayers = 28
	}
	if c.VocabSize == 0 {
		c.VocabSize = 151669
	}
}

// PadID resolves the padding token: pad_token_id when declared, else the EOS
// token (decoder-style embedders pad with EOS), else zero.
func (c *ModelConfig) PadID() int64 {
	if c.PadTokenID != nil {
		return *c.PadTokenID
	}
	if c.EOSTokenID != nil {
		return *c.EOSTokenID
	}
	return 0
}
