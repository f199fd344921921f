package registry

import (
	"errors"
	"sort"
	"strings"
	"testing"
)

func TestLookupKnownModels(t *testing.T) {
	tests := []struct {
		name      string
		dimension int
		maxTokens int
	}{
		{"qwen3-0.6b-4bit", 1024, 512},
		{"gemma-300m-4bit", 768, 512},
		{"minilm-l6-v2", 384, 256},
		{"multilingual-e5-small", 384, 512},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := Lookup(tt.name)
			if err != nil {
				t.Fatalf("Lookup(%q) failed: %v", tt.name, err)
			}
			if desc.Name != tt.name {
				t.Errorf("Name = %q, want %q", desc.Name, tt.name)
			}
			if desc.Dimension != tt.dimension {
				t.Errorf("Dimension = %d, want %d", desc.Dimension, tt.dimension)
			}
			if desc.MaxTokens != tt.maxTokens {
				t.Errorf("MaxTokens = %d, want %d", desc.MaxTokens, tt.maxTokens)
			}
			if desc.SourceID == "" {
				t.Error("SourceID is empty")
			}
		})
	}
}

func TestLookupUnknownModel(t *testing.T) {
	_, err := Lookup("no-such-model")
	if err == nil {
		t.Fatal("expected error for unknown model")
	}
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("error = %v, want ErrUnknownModel", err)
	}
	// The message should help the caller discover valid names.
	if !strings.Contains(err.Error(), "no-such-model") {
		t.Errorf("error %q does not name the requested model", err)
	}
	if !strings.Contains(err.Error(), "qwen3-0.6b-4bit") {
		t.Errorf("error %q does not list available models", err)
	}
}

func TestNamesSorted(t *testing.T) {
	names := Names()
	if len(names) < 4 {
		t.Fatalf("got %d names, want at least the 4 built-ins", len(names))
	}
	if !sort.StringsAreSorted(names) {
		t.Errorf("names not sorted: %v", names)
	}
}

func TestAllMatchesNames(t *testing.T) {
	descs := All()
	names := Names()
	if len(descs) != len(names) {
		t.Fatalf("All returned %d descriptors, Names returned %d", len(descs), len(names))
	}
	for i, desc := range descs {
		if desc.Name != names[i] {
			t.Errorf("All()[%d].Name = %q, want %q", i, desc.Name, names[i])
		}
	}
}

func TestRegister(t *testing.T) {
	desc := Descriptor{
		Name:      "tiny-test-encoder",
		SourceID:  "example/tiny-test-encoder",
		Dimension: 4,
		MaxTokens: 16,
	}
	if err := Register(desc); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	got, err := Lookup(desc.Name)
	if err != nil {
		t.Fatalf("Lookup after Register failed: %v", err)
	}
	if got.Dimension != 4 {
		t.Errorf("Dimension = %d, want 4", got.Dimension)
	}
	if err := Register(desc); err == nil {
		t.Error("expected error re-registering the same name")
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	if err := Register(Descriptor{Dimension: 4}); err == nil {
		t.Error("expected error for empty name")
	}
	if err := Register(Descriptor{Name: "bad-dim"}); err == nil {
		t.Error("expected error for non-positive dimension")
	}
	if err := Register(Descriptor{Name: "minilm-l6-v2", Dimension: 384}); err == nil {
		t.Error("expected error overwriting a built-in model")
	}
}
