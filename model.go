package main

import (
	"fmt"
	"math"
	"math/rand"
)

// GPT2 owns all memory for one model replica: parameters, gradients,
// activations, backward scratch, and (once the optimizer runs) moment and
// master-weight buffers. Each group is one contiguous arena, allocated
// lazily on first need and never reallocated for the life of the container.
//
// The container is not safe for concurrent use; in a multi-process run every
// rank owns its own replica.
type GPT2 struct {
	Config    ModelConfig
	DType     DType
	Recompute int // activation recomputation level, 0..2
	GradAccum int // micro-batches per optimizer step; folds into the seed gradient scale

	ParamsMemory  []float32
	Params        ParameterSet
	NumParameters int
	paramOffs     [NumParamTensors]int

	GradsMemory []float32
	Grads       ParameterSet

	ActsMemory []float32
	acts       [][]float32 // indexed by Act* constants; nil view = recomputed
	batchSize  int
	seqLen     int

	GradActsMemory []float32
	gradActs       [][]float32 // indexed by GradAct* constants

	// Optimizer state, sized to this process's shard. Allocated on the
	// first update.
	shard        ShardDescriptor
	shardSet     bool
	MMemory      []float32
	VMemory      []float32
	MasterMemory []float32 // full-precision shadow of the shard; nil for float32 or when disabled
	KeepMaster   bool      // keep a master copy when DType is reduced precision

	Inputs  []int32
	Targets []int32

	// MeanLoss holds the mean loss of the last forward pass with targets,
	// or -1 as the "no loss available" sentinel.
	MeanLoss float32
}

const noLoss = float32(-1)

// newModel allocates the parameter arena for cfg. Weights start at zero;
// callers fill them from a seed or a checkpoint.
func newModel(cfg ModelConfig, dtype DType, recompute int) (*GPT2, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if recompute < 0 || recompute > 2 {
		return nil, fmt.Errorf("model: recompute level %d out of range [0,2]", recompute)
	}
	offs, total := paramOffsets(cfg)
	m := &GPT2{
		Config:        cfg,
		DType:         dtype,
		Recompute:     recompute,
		GradAccum:     1,
		KeepMaster:    dtype != DTypeFloat32,
		ParamsMemory:  make([]float32, total),
		NumParameters: total,
		paramOffs:     offs,
		MeanLoss:      noLoss,
	}
	m.Params = sliceParams(m.ParamsMemory, cfg)
	return m, nil
}

// BuildRandom constructs a GPT-2 of the given depth with seeded random
// weights. The depth fixes channel and head counts via the canonical table;
// identical (depth, seed) pairs produce identical parameters.
func BuildRandom(depth int, seed int64, dtype DType, recompute int) (*GPT2, error) {
	cfg, err := ConfigForDepth(depth)
	if err != nil {
		return nil, err
	}
	m, err := newModel(cfg, dtype, recompute)
	if err != nil {
		return nil, err
	}
	m.initRandom(seed)
	return m, nil
}

// initRandom fills the parameter arena GPT-2 style: normal(0, 0.02) for
// embeddings and weight matrices, with the residual projections scaled down
// by 1/sqrt(2L) so depth does not inflate the residual stream, norm weights
// at one, and all biases at zero. Rows of wte beyond the real vocabulary
// stay zero. Draw order is fixed, so a seed pins every weight.
func (m *GPT2) initRandom(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	c := m.Config
	std := 0.02
	resStd := 0.02 / math.Sqrt(float64(2*c.NumLayers))

	fill := func(dst []float32, sd float64) {
		for i := range dst {
			dst[i] = float32(rng.NormFloat64() * sd)
		}
	}

	fill(m.Params.WTE[:c.VocabSize*c.Channels], std)
	fill(m.Params.WPE, std)
	fill(m.Params.QKVW, std)
	fill(m.Params.AttProjW, resStd)
	fill(m.Params.FCW, std)
	fill(m.Params.FCProjW, resStd)
	for i := range m.Params.LN1W {
		m.Params.LN1W[i] = 1
	}
	for i := range m.Params.LN2W {
		m.Params.LN2W[i] = 1
	}
	for i := range m.Params.LNFW {
		m.Params.LNFW[i] = 1
	}

	m.DType.quantize(m.ParamsMemory)
}

// allocActivations sizes the activation arena for a (B, T) shape. The first
// forward call fixes the shape for the container's lifetime.
func (m *GPT2) allocActivations(B, T int) {
	counts := activationCounts(m.Config, B, T, m.Recompute)
	m.ActsMemory = make([]float32, sumCounts(counts[:]))
	m.acts = sliceArena(m.ActsMemory, counts[:])
	m.batchSize, m.seqLen = B, T
	m.Inputs = make([]int32, B*T)
	m.Targets = make([]int32, B*T)
}

// allocGradients lazily sizes the parameter-gradient and backward-scratch
// arenas on the first backward call.
func (m *GPT2) allocGradients() {
	m.GradsMemory = make([]float32, m.NumParameters)
	m.Grads = sliceParams(m.GradsMemory, m.Config)
	counts := gradActCounts(m.Config, m.batchSize, m.seqLen)
	m.GradActsMemory = make([]float32, sumCounts(counts[:]))
	m.gradActs = sliceArena(m.GradActsMemory, counts[:])
}

// ZeroGrads clears the accumulated parameter gradients. The trainer calls
// this after each optimizer step; gradients within a step sum across
// micro-batches by design.
func (m *GPT2) ZeroGrads() {
	clear(m.GradsMemory)
}

// Free releases every arena the container owns. The container is unusable
// afterwards.
func (m *GPT2) Free() {
	m.ParamsMemory, m.GradsMemory, m.ActsMemory, m.GradActsMemory = nil, nil, nil, nil
	m.MMemory, m.VMemory, m.MasterMemory = nil, nil, nil
	m.Params, m.Grads = ParameterSet{}, ParameterSet{}
	m.acts, m.gradActs = nil, nil
	m.Inputs, m.Targets = nil, nil
	m.MeanLoss = noLoss
}

func (m *GPT2) String() string {
	return fmt.Sprintf("[GPT-2]\n%s\nnum_parameters: %d\ndtype: %v\nrecompute: %d",
		m.Config, m.NumParameters, m.DType, m.Recompute)
}

// layer-view helpers over the activation arena. A nil base view means the
// tensor was planned away by the recomputation level; callers treat that as
// "recompute on demand".

func (m *GPT2) actView(id int) []float32 { return m.acts[id] }

// actLayer returns layer l's slab of a per-layer activation tensor.
func (m *GPT2) actLayer(id, l, stride int) []float32 {
	v := m.acts[id]
	return v[l*stride : (l+1)*stride : (l+1)*stride]
}
