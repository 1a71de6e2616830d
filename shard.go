package main

import "fmt"

// ShardStage selects how optimizer state is partitioned across processes.
type ShardStage int

const (
	// ShardNone replicates optimizer state on every process and
	// all-reduces full gradients.
	ShardNone ShardStage = 0
	// ShardOptimizer partitions optimizer state (ZeRO stage 1): gradients
	// are reduce-scattered so each process owns the averaged gradient for
	// its shard only, and updated parameter shards are all-gathered back.
	ShardOptimizer ShardStage = 1
)

// ShardDescriptor names the contiguous sub-range of the flat parameter
// vector whose optimizer state this process owns. With ShardNone (or a
// single process) the shard is the whole vector.
type ShardDescriptor struct {
	Rank        int
	WorldSize   int
	Stage       ShardStage
	Offset      int // start into the flat parameter vector
	NumElements int
}

// End returns the half-open end of the shard range.
func (s ShardDescriptor) End() int { return s.Offset + s.NumElements }

// shardFor computes rank's shard of an n-element parameter vector.
// Boundaries sit at floor(r*n/world), which yields equal shards whenever n
// divides evenly (it always does for the padded GPT-2 sizes) and still
// covers [0, n) exactly otherwise.
func shardFor(n, rank, world int, stage ShardStage) (ShardDescriptor, error) {
	if world <= 0 || rank < 0 || rank >= world {
		return ShardDescriptor{}, fmt.Errorf("shard: bad rank %d of %d", rank, world)
	}
	d := ShardDescriptor{Rank: rank, WorldSize: world, Stage: stage}
	if stage == ShardNone || world == 1 {
		d.Offset, d.NumElements = 0, n
		return d, nil
	}
	lo := rank * n / world
	hi := (rank + 1) * n / world
	d.Offset, d.NumElements = lo, hi-lo
	return d, nil
}

// intersect computes the overlap of a tensor's [start, start+count) range
// with a shard's element range. It returns the global offset of the overlap
// in the flat parameter vector, the shard-relative (local) offset for
// indexing moment and master-weight buffers, and the overlap length. ok is
// false when the ranges do not overlap; a tensor may also straddle a shard
// boundary, in which case only the covered part is returned.
func intersect(tensorStart, tensorCount int, shard ShardDescriptor) (globalOff, localOff, n int, ok bool) {
	lo := max(tensorStart, shard.Offset)
	hi := min(tensorStart+tensorCount, shard.End())
	if hi <= lo {
		return 0, 0, 0, false
	}
	return lo, lo - shard.Offset, hi - lo, true
}
