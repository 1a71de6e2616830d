package main

// ===========================================================================
// TENSOR LAYOUT PLANNER
// ===========================================================================
//
// Every tensor group (parameters, gradients, activations, activation
// gradients) lives in one contiguous float32 arena. The planner computes an
// ordered (name, element count) table from the model hyperparameters and the
// batch shape, and the arena is sliced into named views at fixed offsets.
//
// A planned count of zero means the tensor does not exist under the current
// recomputation level; its view is nil, and downstream code uses that nil as
// the "recompute this during backward" flag. A zero-size tensor is never a
// valid zero-length buffer.
//
// Recomputation levels trade activation memory for extra forward-shaped
// compute during the backward pass:
//
//	r=0: keep everything                      (O(L) memory, fastest backward)
//	r=1: drop per-layer GELU outputs          (saves L*B*T*4C floats)
//	r=2: additionally drop layernorm outputs  (saves another 2*L*B*T*C floats)
//
// ===========================================================================

// Parameter tensor indices, in declaration order. This order is the flat
// layout of the parameter arena and the byte order of checkpoints; it must
// never change.
const (
	ParamWTE      = iota // (Vp, C) token embeddings, weight-tied output projection
	ParamWPE             // (maxT, C) position embeddings
	ParamLN1W            // (L, C)
	ParamLN1B            // (L, C)
	ParamQKVW            // (L, 3C, C)
	ParamQKVB            // (L, 3C)
	ParamAttProjW        // (L, C, C)
	ParamAttProjB        // (L, C)
	ParamLN2W            // (L, C)
	ParamLN2B            // (L, C)
	ParamFCW             // (L, 4C, C)
	ParamFCB             // (L, 4C)
	ParamFCProjW         // (L, C, 4C)
	ParamFCProjB         // (L, C)
	ParamLNFW            // (C,)
	ParamLNFB            // (C,)

	NumParamTensors = 16
)

// paramTensorSpec describes one named parameter tensor. Decay marks the
// tensors that are conceptually 2-D matrices; only those receive weight
// decay. Note wte is decayed even though it serves two roles (embedding and
// output projection) through weight tying.
type paramTensorSpec struct {
	name  string
	decay bool
}

var paramSpecs = [NumParamTensors]paramTensorSpec{
	ParamWTE:      {"wte", true},
	ParamWPE:      {"wpe", false},
	ParamLN1W:     {"ln1w", false},
	ParamLN1B:     {"ln1b", false},
	ParamQKVW:     {"qkvw", true},
	ParamQKVB:     {"qkvb", false},
	ParamAttProjW: {"attprojw", true},
	ParamAttProjB: {"attprojb", false},
	ParamLN2W:     {"ln2w", false},
	ParamLN2B:     {"ln2b", false},
	ParamFCW:      {"fcw", true},
	ParamFCB:      {"fcb", false},
	ParamFCProjW:  {"fcprojw", true},
	ParamFCProjB:  {"fcprojb", false},
	ParamLNFW:     {"lnfw", false},
	ParamLNFB:     {"lnfb", false},
}

// paramCounts returns the element count of every parameter tensor in
// declaration order.
func paramCounts(c ModelConfig) [NumParamTensors]int {
	L, C := c.NumLayers, c.Channels
	Vp, maxT := c.PaddedVocab, c.MaxSeqLen
	return [NumParamTensors]int{
		ParamWTE:      Vp * C,
		ParamWPE:      maxT * C,
		ParamLN1W:     L * C,
		ParamLN1B:     L * C,
		ParamQKVW:     L * 3 * C * C,
		ParamQKVB:     L * 3 * C,
		ParamAttProjW: L * C * C,
		ParamAttProjB: L * C,
		ParamLN2W:     L * C,
		ParamLN2B:     L * C,
		ParamFCW:      L * 4 * C * C,
		ParamFCB:      L * 4 * C,
		ParamFCProjW:  L * C * 4 * C,
		ParamFCProjB:  L * C,
		ParamLNFW:     C,
		ParamLNFB:     C,
	}
}

// totalParams is the size of the flat parameter vector.
func totalParams(c ModelConfig) int {
	n := 0
	for _, cnt := range paramCounts(c) {
		n += cnt
	}
	return n
}

// paramOffsets returns the start offset of every parameter tensor within the
// flat parameter vector, plus the total. Offsets are what the sharded
// optimizer intersects against.
func paramOffsets(c ModelConfig) ([NumParamTensors]int, int) {
	var offs [NumParamTensors]int
	total := 0
	for i, cnt := range paramCounts(c) {
		offs[i] = total
		total += cnt
	}
	return offs, total
}

// ParameterSet is the sixteen named views over one parameter (or gradient)
// arena.
type ParameterSet struct {
	WTE, WPE           []float32
	LN1W, LN1B         []float32
	QKVW, QKVB         []float32
	AttProjW, AttProjB []float32
	LN2W, LN2B         []float32
	FCW, FCB           []float32
	FCProjW, FCProjB   []float32
	LNFW, LNFB         []float32
}

// sliceParams carves an arena into a ParameterSet. The arena must have been
// allocated with totalParams elements.
func sliceParams(mem []float32, c ModelConfig) ParameterSet {
	counts := paramCounts(c)
	views := make([][]float32, NumParamTensors)
	off := 0
	for i, cnt := range counts {
		views[i] = mem[off : off+cnt : off+cnt]
		off += cnt
	}
	return ParameterSet{
		WTE: views[ParamWTE], WPE: views[ParamWPE],
		LN1W: views[ParamLN1W], LN1B: views[ParamLN1B],
		QKVW: views[ParamQKVW], QKVB: views[ParamQKVB],
		AttProjW: views[ParamAttProjW], AttProjB: views[ParamAttProjB],
		LN2W: views[ParamLN2W], LN2B: views[ParamLN2B],
		FCW: views[ParamFCW], FCB: views[ParamFCB],
		FCProjW: views[ParamFCProjW], FCProjB: views[ParamFCProjB],
		LNFW: views[ParamLNFW], LNFB: views[ParamLNFB],
	}
}

// Activation tensor indices, in arena order.
const (
	ActEncoded = iota // (B, T, C)
	ActLN1            // (L, B, T, C); absent at r>=2
	ActLN1Mean        // (L, B, T)
	ActLN1Rstd        // (L, B, T)
	ActQKV            // (L, B, T, 3C)
	ActAtty           // (L, B, T, C)
	ActPreatt         // (B, NH, T, T) shared scratch, overwritten per layer
	ActAtt            // (L, B, NH, T, T)
	ActAttProj        // (B, T, C) shared scratch
	ActResidual2      // (L, B, T, C)
	ActLN2            // (L, B, T, C); absent at r>=2
	ActLN2Mean        // (L, B, T)
	ActLN2Rstd        // (L, B, T)
	ActFCH            // (L, B, T, 4C)
	ActFCHGelu        // (L, B, T, 4C); absent at r>=1
	ActFCProj         // (B, T, C) shared scratch
	ActResidual3      // (L, B, T, C)
	ActLNF            // (B, T, C)
	ActLNFMean        // (B, T)
	ActLNFRstd        // (B, T)
	ActLogits         // (B, T, Vp); reused as dlogits scratch during backward
	ActLosses         // (B, T)
	ActLNScratch      // (B, T, C) shared recompute target; present only at r>=2
	ActGeluScratch    // (B, T, 4C) shared recompute target; present only at r>=1

	NumActTensors = 24
)

var actNames = [NumActTensors]string{
	"encoded", "ln1", "ln1_mean", "ln1_rstd", "qkv", "atty", "preatt", "att",
	"attproj", "residual2", "ln2", "ln2_mean", "ln2_rstd", "fch", "fch_gelu",
	"fcproj", "residual3", "lnf", "lnf_mean", "lnf_rstd", "logits", "losses",
	"ln_scratch", "gelu_scratch",
}

// activationCounts plans the activation arena for a (B, T) batch shape at
// recomputation level r. Tensors recomputed away plan to zero elements and
// a shared scratch buffer appears in their place.
func activationCounts(c ModelConfig, B, T, recompute int) [NumActTensors]int {
	L, C, NH, Vp := c.NumLayers, c.Channels, c.NumHeads, c.PaddedVocab
	counts := [NumActTensors]int{
		ActEncoded:   B * T * C,
		ActLN1:       L * B * T * C,
		ActLN1Mean:   L * B * T,
		ActLN1Rstd:   L * B * T,
		ActQKV:       L * B * T * 3 * C,
		ActAtty:      L * B * T * C,
		ActPreatt:    B * NH * T * T,
		ActAtt:       L * B * NH * T * T,
		ActAttProj:   B * T * C,
		ActResidual2: L * B * T * C,
		ActLN2:       L * B * T * C,
		ActLN2Mean:   L * B * T,
		ActLN2Rstd:   L * B * T,
		ActFCH:       L * B * T * 4 * C,
		ActFCHGelu:   L * B * T * 4 * C,
		ActFCProj:    B * T * C,
		ActResidual3: L * B * T * C,
		ActLNF:       B * T * C,
		ActLNFMean:   B * T,
		ActLNFRstd:   B * T,
		ActLogits:    B * T * Vp,
		ActLosses:    B * T,
	}
	if recompute >= 1 {
		counts[ActFCHGelu] = 0
		counts[ActGeluScratch] = B * T * 4 * C
	}
	if recompute >= 2 {
		counts[ActLN1] = 0
		counts[ActLN2] = 0
		counts[ActLNScratch] = B * T * C
	}
	return counts
}

// Gradient-activation scratch indices. The backward pass consumes
// activations layer by layer in reverse, so a fixed handful of buffers
// suffices regardless of depth: backward memory is O(1) in L where forward
// is O(L).
const (
	GradActStreamA  = iota // (B, T, C) residual-gradient stream
	GradActStreamB         // (B, T, C) residual-gradient stream (previous layer)
	GradActRes2            // (B, T, C)
	GradActAttProj         // (B, T, C)
	GradActFCProj          // (B, T, C)
	GradActAtty            // (B, T, C)
	GradActLN              // (B, T, C)
	GradActQKV             // (B, T, 3C)
	GradActPreatt          // (B, NH, T, T)
	GradActAtt             // (B, NH, T, T)
	GradActFCH             // (B, T, 4C)
	GradActFCHGelu         // (B, T, 4C)

	NumGradActTensors = 12
)

// gradActCounts plans the backward scratch arena. The gradient with respect
// to the logits has no buffer here: backward reuses the forward logits
// buffer in place once forward's outputs are dead, an aliasing the planner
// must preserve.
func gradActCounts(c ModelConfig, B, T int) [NumGradActTensors]int {
	C, NH := c.Channels, c.NumHeads
	return [NumGradActTensors]int{
		GradActStreamA: B * T * C,
		GradActStreamB: B * T * C,
		GradActRes2:    B * T * C,
		GradActAttProj: B * T * C,
		GradActFCProj:  B * T * C,
		GradActAtty:    B * T * C,
		GradActLN:      B * T * C,
		GradActQKV:     B * T * 3 * C,
		GradActPreatt:  B * NH * T * T,
		GradActAtt:     B * NH * T * T,
		GradActFCH:     B * T * 4 * C,
		GradActFCHGelu: B * T * 4 * C,
	}
}

// sliceArena carves a flat arena into views following counts. A zero count
// yields a nil view, never an empty valid slice: presence is the flag.
func sliceArena(mem []float32, counts []int) [][]float32 {
	views := make([][]float32, len(counts))
	off := 0
	for i, cnt := range counts {
		if cnt == 0 {
			continue
		}
		views[i] = mem[off : off+cnt : off+cnt]
		off += cnt
	}
	return views
}

func sumCounts(counts []int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}
