package main

import "fmt"

// Tokenizer is the decode-only surface the engine consumes: turning sampled
// token ids back into display text, and the end-of-text id that seeds
// generation. Encoding and vocabulary construction live with the data
// pipeline, outside the engine.
type Tokenizer interface {
	Decode(id int32) string
	EndOfText() int32
}

// IDTokenizer is the fallback used when no vocabulary is available: it
// renders token ids numerically. Generation output stays inspectable (same
// ids, same model) even without a vocab file.
type IDTokenizer struct {
	EOT int32
}

func (t IDTokenizer) Decode(id int32) string { return fmt.Sprintf("%d ", id) }
func (t IDTokenizer) EndOfText() int32       { return t.EOT }
