package main

import "fmt"

// ModelConfig holds the hyperparameters of a GPT-2 style model. It is
// fixed at construction time; nothing in the engine mutates it afterwards.
type ModelConfig struct {
	MaxSeqLen   int // Maximum sequence length (context window)
	VocabSize   int // Size of the real vocabulary
	PaddedVocab int // Vocabulary rounded up for alignment (>= VocabSize)
	NumLayers   int // Number of transformer blocks (L)
	NumHeads    int // Number of attention heads (NH)
	Channels    int // Embedding dimension (C)
}

// GPT2EOT is the GPT-2 end-of-text token, used to seed generation.
const GPT2EOT int32 = 50256

const (
	gpt2VocabSize   = 50257
	gpt2PaddedVocab = 50304 // 50257 rounded up to a multiple of 128
	gpt2MaxSeqLen   = 1024
)

// depthSpec maps a model depth to its channel and head counts. Only the
// canonical GPT-2 family depths are valid.
type depthSpec struct {
	channels int
	heads    int
}

var depthTable = map[int]depthSpec{
	6:  {384, 6},
	12: {768, 12},
	24: {1024, 16},
	36: {1280, 20},
	48: {1600, 25},
}

// ConfigForDepth returns the GPT-2 configuration for one of the canonical
// depths (6, 12, 24, 36, 48). Any other depth is a configuration error.
func ConfigForDepth(depth int) (ModelConfig, error) {
	spec, ok := depthTable[depth]
	if !ok {
		return ModelConfig{}, fmt.Errorf("config: invalid depth %d (valid: 6, 12, 24, 36, 48)", depth)
	}
	return ModelConfig{
		MaxSeqLen:   gpt2MaxSeqLen,
		VocabSize:   gpt2VocabSize,
		PaddedVocab: gpt2PaddedVocab,
		NumLayers:   depth,
		NumHeads:    spec.heads,
		Channels:    spec.channels,
	}, nil
}

// Validate checks internal consistency of a configuration.
func (c ModelConfig) Validate() error {
	switch {
	case c.MaxSeqLen <= 0 || c.VocabSize <= 0 || c.NumLayers <= 0 || c.NumHeads <= 0 || c.Channels <= 0:
		return fmt.Errorf("config: all dimensions must be positive: %+v", c)
	case c.PaddedVocab < c.VocabSize:
		return fmt.Errorf("config: padded vocab %d smaller than vocab %d", c.PaddedVocab, c.VocabSize)
	case c.Channels%c.NumHeads != 0:
		return fmt.Errorf("config: channels %d not divisible by heads %d", c.Channels, c.NumHeads)
	}
	return nil
}

func (c ModelConfig) String() string {
	return fmt.Sprintf("max_seq_len: %d | vocab_size: %d | padded_vocab_size: %d | num_layers: %d | num_heads: %d | channels: %d",
		c.MaxSeqLen, c.VocabSize, c.PaddedVocab, c.NumLayers, c.NumHeads, c.Channels)
}
