package main

import (
	"fmt"
	"os"
	"sort"
	"sync"
)

// ===========================================================================
// DISTRIBUTED COORDINATOR
// ===========================================================================
//
// Ranks are goroutines sharing one address space. A Group is the rendezvous
// point: collectives publish a buffer pointer into a per-rank slot, meet at
// a barrier, read every peer's slot, and meet at a second barrier before
// anyone may touch its buffer again. Reductions always walk ranks in rank
// order, so every collective is bit-deterministic regardless of scheduling.
//
// Collectives are barrier-like: every rank must enter a call for any rank to
// leave it. A crashed or stalled peer therefore blocks the whole group
// forever; there is deliberately no timeout, detection belongs to the
// operator, not the engine.
//
// The phase split (reduce-scatter, then all-gather) is the same one a ring
// all-reduce performs over a network; sharing memory just collapses the
// per-hop transfers into direct reads.
//
// ===========================================================================

// Group coordinates a fixed set of ranks. Create once, hand a Communicator
// to each rank.
type Group struct {
	world int
	stage ShardStage

	mu      sync.Mutex
	cond    *sync.Cond
	phase   int
	arrived int

	slots    []any // per-rank exchange slot, valid between the two barriers
	hostSlot []string
}

// NewGroup creates a coordinator for world ranks at the given sharding
// stage.
func NewGroup(world int, stage ShardStage) *Group {
	if world < 1 {
		panic(fmt.Sprintf("comm: world size %d", world))
	}
	g := &Group{
		world:    world,
		stage:    stage,
		slots:    make([]any, world),
		hostSlot: make([]string, world),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// barrier blocks until every rank of the group has arrived.
func (g *Group) barrier() {
	g.mu.Lock()
	p := g.phase
	g.arrived++
	if g.arrived == g.world {
		g.arrived = 0
		g.phase++
		g.cond.Broadcast()
	} else {
		for g.phase == p {
			g.cond.Wait()
		}
	}
	g.mu.Unlock()
}

// Communicator is one rank's handle on the group: rank identity, sharding
// stage, and the local device index assigned from the host topology. Every
// collective-calling operation takes its Communicator explicitly; there is
// no ambient global state.
type Communicator struct {
	Rank        int
	WorldSize   int
	Stage       ShardStage
	LocalDevice int

	group *Group
}

// NewSingleProcess returns the degenerate single-rank communicator: every
// collective is the identity and sharding is disabled.
func NewSingleProcess() *Communicator {
	return &Communicator{Rank: 0, WorldSize: 1, Stage: ShardNone, LocalDevice: 0}
}

// Join registers rank with the group and assigns its local device index.
// Ranks on the same host (same hostname) receive distinct consecutive
// indices ordered by rank, which is deterministic and collision-free:
// hostnames are compared as strings, never by hash alone. Join is itself a
// collective — every rank must call it.
func (g *Group) Join(rank int, hostname string) (*Communicator, error) {
	if rank < 0 || rank >= g.world {
		return nil, fmt.Errorf("comm: rank %d out of range [0, %d)", rank, g.world)
	}
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("comm: resolving hostname: %w", err)
		}
		hostname = h
	}
	g.hostSlot[rank] = hostname
	g.barrier()
	local := 0
	for r := 0; r < rank; r++ {
		if g.hostSlot[r] == hostname {
			local++
		}
	}
	g.barrier()
	return &Communicator{
		Rank:        rank,
		WorldSize:   g.world,
		Stage:       g.stage,
		LocalDevice: local,
		group:       g,
	}, nil
}

// Barrier blocks until every rank has entered it. Used only around
// checkpoint completion, so the "done" marker is written after every rank's
// state file is durable.
func (c *Communicator) Barrier() {
	if c.WorldSize == 1 {
		return
	}
	c.group.barrier()
}

// Hosts returns the deduplicated, sorted hostnames of the group as of Join.
func (g *Group) Hosts() []string {
	seen := map[string]bool{}
	var hosts []string
	for _, h := range g.hostSlot {
		if h != "" && !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// AllReduceMean replaces x on every rank with the element-wise mean across
// ranks. Implemented as reduce-scatter of rank-owned chunks followed by
// all-gather, reducing in rank order for determinism.
func (c *Communicator) AllReduceMean(x []float32) {
	if c.WorldSize == 1 {
		return
	}
	g := c.group
	g.slots[c.Rank] = x
	g.barrier()

	// reduce-scatter: own chunk only
	n := len(x)
	lo := c.Rank * n / c.WorldSize
	hi := (c.Rank + 1) * n / c.WorldSize
	inv := 1 / float32(c.WorldSize)
	chunk := make([]float32, hi-lo)
	for r := 0; r < c.WorldSize; r++ {
		peer := g.slots[r].([]float32)
		for i := range chunk {
			chunk[i] += peer[lo+i]
		}
	}
	for i := range chunk {
		chunk[i] *= inv
	}
	g.barrier() // all reads of peer buffers complete

	// all-gather: publish reduced chunks, copy all of them back
	g.slots[c.Rank] = chunk
	g.barrier()
	for r := 0; r < c.WorldSize; r++ {
		rlo := r * n / c.WorldSize
		copy(x[rlo:], g.slots[r].([]float32))
	}
	g.barrier()
}

// ReduceScatterMean averages gradients across ranks but materializes only
// this rank's shard, writing it in place into full[shard.Offset:]. The rest
// of full still holds this rank's unreduced local gradients afterwards.
func (c *Communicator) ReduceScatterMean(full []float32, shard ShardDescriptor) {
	if c.WorldSize == 1 {
		return
	}
	g := c.group
	g.slots[c.Rank] = full
	g.barrier()
	// Peers read this rank's buffer only inside their own shard ranges,
	// which are disjoint from ours, so reducing in place is race-free.
	inv := 1 / float32(c.WorldSize)
	own := full[shard.Offset:shard.End()]
	for i := range own {
		acc := float32(0)
		for r := 0; r < c.WorldSize; r++ {
			acc += g.slots[r].([]float32)[shard.Offset+i]
		}
		own[i] = acc * inv
	}
	g.barrier()
}

// AllGather reconstitutes the full parameter vector on every rank from the
// per-rank shards: rank r's [shard r] range is authoritative and is copied
// into everyone's buffer.
func (c *Communicator) AllGather(full []float32, shard ShardDescriptor) {
	if c.WorldSize == 1 {
		return
	}
	g := c.group
	g.slots[c.Rank] = full
	g.barrier()
	n := len(full)
	for r := 0; r < c.WorldSize; r++ {
		if r == c.Rank {
			continue
		}
		peer, err := shardFor(n, r, c.WorldSize, ShardOptimizer)
		if err != nil {
			panic(err) // rank validated at Join
		}
		copy(full[peer.Offset:peer.End()], g.slots[r].([]float32)[peer.Offset:peer.End()])
	}
	g.barrier()
}

// AllReduceSumScalar returns the sum of v across ranks, reduced in rank
// order on every rank.
func (c *Communicator) AllReduceSumScalar(v float64) float64 {
	if c.WorldSize == 1 {
		return v
	}
	g := c.group
	g.slots[c.Rank] = v
	g.barrier()
	sum := float64(0)
	for r := 0; r < c.WorldSize; r++ {
		sum += g.slots[r].(float64)
	}
	g.barrier()
	return sum
}

// SyncGradients performs the per-step gradient collective for the active
// sharding stage: stage 0 all-reduce-averages the whole gradient vector,
// stage 1 reduce-scatter-averages so each rank holds only its shard's
// averaged gradient.
func (c *Communicator) SyncGradients(grads []float32, shard ShardDescriptor) {
	if c.WorldSize == 1 {
		return
	}
	switch c.Stage {
	case ShardNone:
		c.AllReduceMean(grads)
	case ShardOptimizer:
		c.ReduceScatterMean(grads, shard)
	}
}
