package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
)

// DataLoader is the collaborator surface the trainer consumes: fixed-shape
// (B, T) batches of input and target tokens, plus a resumable cursor
// (shard index, intra-shard token offset) that the training-state file
// persists for exact resume.
type DataLoader interface {
	// NextBatch returns the next (inputs, targets) pair, each B*T tokens,
	// advancing the cursor. The returned slices are owned by the loader
	// and valid until the next call.
	NextBatch() (inputs, targets []int32, err error)
	// Reset rewinds the cursor to this rank's start position.
	Reset()
	// Position reports the cursor for state persistence.
	Position() (shard int32, offset int64)
	// SetPosition restores a persisted cursor.
	SetPosition(shard int32, offset int64) error
	// TotalTokens is the token count of one epoch across all shards.
	TotalTokens() int64
}

// tokenBatcher slices batches out of one in-memory token stream. In a
// multi-process run rank r of P starts at r*B*T and strides P*B*T, so the
// ranks read disjoint batches of the same stream.
type tokenBatcher struct {
	B, T        int
	rank, world int
	pos         int64

	inputs  []int32
	targets []int32
}

func newTokenBatcher(B, T, rank, world int) tokenBatcher {
	return tokenBatcher{
		B: B, T: T, rank: rank, world: world,
		pos:     int64(rank * B * T),
		inputs:  make([]int32, B*T),
		targets: make([]int32, B*T),
	}
}

// next cuts a batch at the current cursor. ok is false when the stream has
// fewer than B*T+1 tokens left at the cursor, meaning the caller should
// move to the next shard (or wrap).
func (tb *tokenBatcher) next(tokens []int32) (ok bool) {
	bt := int64(tb.B * tb.T)
	if tb.pos+bt+1 > int64(len(tokens)) {
		return false
	}
	for i := int64(0); i < bt; i++ {
		tb.inputs[i] = tokens[tb.pos+i]
		tb.targets[i] = tokens[tb.pos+i+1]
	}
	tb.pos += int64(tb.world) * bt
	return true
}

func (tb *tokenBatcher) rewind() { tb.pos = int64(tb.rank * tb.B * tb.T) }

// MemoryLoader serves batches from one in-memory token stream, wrapping
// around at the end. Shard index is always zero.
type MemoryLoader struct {
	tokens []int32
	tb     tokenBatcher
}

// NewMemoryLoader wraps a token stream for rank/world striding. The stream
// must hold at least world*B*T+1 tokens.
func NewMemoryLoader(tokens []int32, B, T, rank, world int) (*MemoryLoader, error) {
	if len(tokens) < world*B*T+1 {
		return nil, fmt.Errorf("loader: stream of %d tokens too short for %d ranks of (B=%d, T=%d)",
			len(tokens), world, B, T)
	}
	return &MemoryLoader{tokens: tokens, tb: newTokenBatcher(B, T, rank, world)}, nil
}

func (l *MemoryLoader) NextBatch() ([]int32, []int32, error) {
	if !l.tb.next(l.tokens) {
		l.tb.rewind()
		if !l.tb.next(l.tokens) {
			return nil, nil, fmt.Errorf("loader: stream exhausted even after rewind")
		}
	}
	return l.tb.inputs, l.tb.targets, nil
}

func (l *MemoryLoader) Reset()                        { l.tb.rewind() }
func (l *MemoryLoader) Position() (int32, int64)      { return 0, l.tb.pos }
func (l *MemoryLoader) TotalTokens() int64            { return int64(len(l.tokens)) }
func (l *MemoryLoader) SetPosition(shard int32, offset int64) error {
	if shard != 0 {
		return fmt.Errorf("loader: memory stream has a single shard, got index %d", shard)
	}
	l.tb.pos = offset
	return nil
}

// TokenFileLoader serves batches from a set of raw little-endian uint16
// token shard files, advancing shard by shard and wrapping at the end of
// the epoch. The current shard is held decoded in memory.
type TokenFileLoader struct {
	paths  []string
	sizes  []int64 // token counts per shard
	shard  int
	tokens []int32
	tb     tokenBatcher
}

// NewTokenFileLoader opens the given shard files (sorted by path for a
// stable epoch order).
func NewTokenFileLoader(paths []string, B, T, rank, world int) (*TokenFileLoader, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("loader: no shard files")
	}
	paths = append([]string(nil), paths...)
	sort.Strings(paths)
	l := &TokenFileLoader{paths: paths, tb: newTokenBatcher(B, T, rank, world)}
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("loader: %w", err)
		}
		if st.Size()%2 != 0 {
			return nil, fmt.Errorf("loader: %s: odd byte count %d for uint16 tokens", p, st.Size())
		}
		l.sizes = append(l.sizes, st.Size()/2)
	}
	if err := l.openShard(0); err != nil {
		return nil, err
	}
	min := int64(world*B*T + 1)
	for i, n := range l.sizes {
		if n < min {
			return nil, fmt.Errorf("loader: shard %s holds %d tokens, need at least %d", paths[i], n, min)
		}
	}
	return l, nil
}

func (l *TokenFileLoader) openShard(i int) error {
	raw, err := os.ReadFile(l.paths[i])
	if err != nil {
		return fmt.Errorf("loader: %w", err)
	}
	tokens := make([]int32, len(raw)/2)
	for j := range tokens {
		tokens[j] = int32(binary.LittleEndian.Uint16(raw[2*j:]))
	}
	l.shard = i
	l.tokens = tokens
	return nil
}

func (l *TokenFileLoader) NextBatch() ([]int32, []int32, error) {
	for {
		if l.tb.next(l.tokens) {
			return l.tb.inputs, l.tb.targets, nil
		}
		next := (l.shard + 1) % len(l.paths)
		if err := l.openShard(next); err != nil {
			return nil, nil, err
		}
		l.tb.rewind()
	}
}

func (l *TokenFileLoader) Reset() {
	if l.shard != 0 {
		if err := l.openShard(0); err != nil {
			// Shards were readable at construction; treat disappearance
			// mid-run as fatal.
			panic(err)
		}
	}
	l.tb.rewind()
}

func (l *TokenFileLoader) Position() (int32, int64) { return int32(l.shard), l.tb.pos }

func (l *TokenFileLoader) SetPosition(shard int32, offset int64) error {
	if int(shard) >= len(l.paths) || shard < 0 {
		return fmt.Errorf("loader: shard index %d out of range [0, %d)", shard, len(l.paths))
	}
	if err := l.openShard(int(shard)); err != nil {
		return err
	}
	l.tb.pos = offset
	return nil
}

func (l *TokenFileLoader) TotalTokens() int64 {
	total := int64(0)
	for _, n := range l.sizes {
		total += n
	}
	return total
}
