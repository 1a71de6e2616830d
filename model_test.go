package main

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// tinyConfig is a hand-sized model for tests: real topology, toy dimensions.
func tinyConfig() ModelConfig {
	return ModelConfig{
		MaxSeqLen:   16,
		VocabSize:   31,
		PaddedVocab: 32,
		NumLayers:   2,
		NumHeads:    2,
		Channels:    8,
	}
}

func tinyModel(t *testing.T, dtype DType, recompute int) *GPT2 {
	t.Helper()
	m, err := newModel(tinyConfig(), dtype, recompute)
	if err != nil {
		t.Fatal(err)
	}
	m.initRandom(42)
	return m
}

// tinyBatch returns deterministic (inputs, targets) within the tiny vocab.
func tinyBatch(seed int64, B, T, V int) ([]int32, []int32) {
	rng := rand.New(rand.NewSource(seed))
	inputs := make([]int32, B*T)
	targets := make([]int32, B*T)
	for i := range inputs {
		inputs[i] = int32(rng.Intn(V))
		targets[i] = int32(rng.Intn(V))
	}
	return inputs, targets
}

func TestConfigForDepth(t *testing.T) {
	want := map[int][2]int{ // depth -> {channels, heads}
		6: {384, 6}, 12: {768, 12}, 24: {1024, 16}, 36: {1280, 20}, 48: {1600, 25},
	}
	for depth, ch := range want {
		cfg, err := ConfigForDepth(depth)
		if err != nil {
			t.Fatalf("depth %d: %v", depth, err)
		}
		if cfg.Channels != ch[0] || cfg.NumHeads != ch[1] || cfg.NumLayers != depth {
			t.Errorf("depth %d: got (C=%d, NH=%d, L=%d), want (C=%d, NH=%d)",
				depth, cfg.Channels, cfg.NumHeads, cfg.NumLayers, ch[0], ch[1])
		}
		if cfg.VocabSize != 50257 || cfg.PaddedVocab != 50304 || cfg.MaxSeqLen != 1024 {
			t.Errorf("depth %d: wrong vocabulary or context: %+v", depth, cfg)
		}
	}
	if _, err := ConfigForDepth(7); err == nil {
		t.Error("depth 7 should be rejected")
	}
}

func TestBuildRandomDeterministic(t *testing.T) {
	a, err := BuildRandom(6, 1234, DTypeFloat32, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := BuildRandom(6, 1234, DTypeFloat32, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a.ParamsMemory[:4096], b.ParamsMemory[:4096]); diff != "" {
		t.Errorf("same seed must give identical weights:\n%s", diff)
	}
	c, err := BuildRandom(6, 1235, DTypeFloat32, 0)
	if err != nil {
		t.Fatal(err)
	}
	if cmp.Equal(a.ParamsMemory[:4096], c.ParamsMemory[:4096]) {
		t.Error("different seeds gave identical weights")
	}
}

func TestInitRandomInvariants(t *testing.T) {
	m := tinyModel(t, DTypeFloat32, 0)
	c := m.Config

	// Padded vocabulary rows stay zero.
	for i := c.VocabSize * c.Channels; i < c.PaddedVocab*c.Channels; i++ {
		if m.Params.WTE[i] != 0 {
			t.Fatalf("padded wte row element %d = %v, want 0", i, m.Params.WTE[i])
		}
	}
	// Norm weights at one, biases at zero.
	for i, v := range m.Params.LN1W {
		if v != 1 {
			t.Fatalf("ln1w[%d] = %v, want 1", i, v)
		}
	}
	for i, v := range m.Params.QKVB {
		if v != 0 {
			t.Fatalf("qkvb[%d] = %v, want 0", i, v)
		}
	}
}

func TestGPT2SmallParameterCount(t *testing.T) {
	cfg, err := ConfigForDepth(12)
	if err != nil {
		t.Fatal(err)
	}
	m, err := newModel(cfg, DTypeFloat32, 0)
	if err != nil {
		t.Fatal(err)
	}
	if m.NumParameters != 124475904 {
		t.Errorf("NumParameters = %d, want 124475904", m.NumParameters)
	}
}

func TestForwardShapeLock(t *testing.T) {
	m := tinyModel(t, DTypeFloat32, 0)
	inputs, targets := tinyBatch(1, 2, 4, m.Config.VocabSize)
	if _, err := m.Forward(inputs, targets, 2, 4); err != nil {
		t.Fatal(err)
	}
	other, otherTgt := tinyBatch(2, 4, 2, m.Config.VocabSize)
	if _, err := m.Forward(other, otherTgt, 4, 2); err == nil {
		t.Error("changing the batch shape after the first call must fail")
	}
}

func TestForwardValidation(t *testing.T) {
	m := tinyModel(t, DTypeFloat32, 0)
	V := m.Config.VocabSize

	bad := []int32{0, int32(V), 1, 2}
	_, tgt := tinyBatch(3, 1, 4, V)
	if _, err := m.Forward(bad, tgt, 1, 4); err == nil {
		t.Error("out-of-range input token must fail")
	}
	inp, _ := tinyBatch(3, 1, 4, V)
	if _, err := m.Forward(inp, []int32{0, 1, 2, -1}, 1, 4); err == nil {
		t.Error("out-of-range target token must fail")
	}
	if _, err := m.Forward(inp, tgt, 1, 64); err == nil {
		t.Error("T beyond max sequence length must fail")
	}
}

func TestForwardLossNearUniform(t *testing.T) {
	// With random init, the model is near-uniform over the vocabulary, so the
	// loss lands near log(V).
	m := tinyModel(t, DTypeFloat32, 0)
	B, T := 2, 8
	inputs, targets := tinyBatch(4, B, T, m.Config.VocabSize)
	loss, err := m.Forward(inputs, targets, B, T)
	if err != nil {
		t.Fatal(err)
	}
	want := math.Log(float64(m.Config.VocabSize))
	if math.Abs(float64(loss)-want) > 1.0 {
		t.Errorf("initial loss = %v, want within 1.0 of log(V)=%v", loss, want)
	}
	if loss != m.MeanLoss {
		t.Error("returned loss and recorded MeanLoss disagree")
	}
}

func TestForwardWithoutTargets(t *testing.T) {
	m := tinyModel(t, DTypeFloat32, 0)
	inputs, _ := tinyBatch(5, 1, 8, m.Config.VocabSize)
	loss, err := m.Forward(inputs, nil, 1, 8)
	if err != nil {
		t.Fatal(err)
	}
	if loss != noLoss || m.MeanLoss != noLoss {
		t.Errorf("no-target forward should record the %v sentinel, got %v", noLoss, loss)
	}
	if err := m.Backward(); err == nil {
		t.Error("backward without a loss must fail")
	}
}

func TestRecomputeLevelsBitIdentical(t *testing.T) {
	// Recomputation trades memory for compute; losses and gradients must not
	// change at all, because the same expressions are re-evaluated from the
	// same stats.
	B, T := 2, 8
	inputs, targets := tinyBatch(6, B, T, tinyConfig().VocabSize)

	var baseline []float32
	var baseLoss float32
	for _, r := range []int{0, 1, 2} {
		m := tinyModel(t, DTypeFloat32, r)
		loss, err := m.Forward(inputs, targets, B, T)
		if err != nil {
			t.Fatalf("recompute %d: %v", r, err)
		}
		if err := m.Backward(); err != nil {
			t.Fatalf("recompute %d: %v", r, err)
		}
		if r == 0 {
			baseline = append([]float32(nil), m.GradsMemory...)
			baseLoss = loss
			continue
		}
		if loss != baseLoss {
			t.Errorf("recompute %d: loss %v differs from level 0's %v", r, loss, baseLoss)
		}
		if diff := cmp.Diff(baseline, m.GradsMemory); diff != "" {
			t.Errorf("recompute %d: gradients differ from level 0:\n%s", r, diff)
		}
	}
}

func TestGradAccumEquivalence(t *testing.T) {
	// Accumulating 4 micro-batches with the 1/(B*T*4) seed scale matches the
	// average of 4 independent single-batch gradients, up to float32
	// re-association.
	B, T := 1, 8
	V := tinyConfig().VocabSize
	batches := make([][2][]int32, 4)
	for i := range batches {
		inp, tgt := tinyBatch(int64(100+i), B, T, V)
		batches[i] = [2][]int32{inp, tgt}
	}

	accum := tinyModel(t, DTypeFloat32, 0)
	accum.GradAccum = 4
	for _, b := range batches {
		if _, err := accum.Forward(b[0], b[1], B, T); err != nil {
			t.Fatal(err)
		}
		if err := accum.Backward(); err != nil {
			t.Fatal(err)
		}
	}

	mean := make([]float32, accum.NumParameters)
	for _, b := range batches {
		m := tinyModel(t, DTypeFloat32, 0)
		if _, err := m.Forward(b[0], b[1], B, T); err != nil {
			t.Fatal(err)
		}
		if err := m.Backward(); err != nil {
			t.Fatal(err)
		}
		for i, g := range m.GradsMemory {
			mean[i] += g / 4
		}
	}

	opt := cmpopts.EquateApprox(1e-3, 1e-6)
	if diff := cmp.Diff(mean, accum.GradsMemory, opt); diff != "" {
		t.Errorf("accumulated gradients diverge from the micro-batch mean:\n%s", diff)
	}
}

func TestZeroGradsAndFree(t *testing.T) {
	m := tinyModel(t, DTypeFloat32, 0)
	inputs, targets := tinyBatch(7, 1, 4, m.Config.VocabSize)
	if _, err := m.Forward(inputs, targets, 1, 4); err != nil {
		t.Fatal(err)
	}
	if err := m.Backward(); err != nil {
		t.Fatal(err)
	}
	m.ZeroGrads()
	for i, g := range m.GradsMemory {
		if g != 0 {
			t.Fatalf("grad %d = %v after ZeroGrads", i, g)
		}
	}
	m.Free()
	if m.ParamsMemory != nil || m.ActsMemory != nil || m.GradsMemory != nil {
		t.Error("Free must release every arena")
	}
}

func TestForwardDepth6LossSanity(t *testing.T) {
	if testing.Short() {
		t.Skip("full-vocabulary model")
	}
	m, err := BuildRandom(6, 1337, DTypeFloat32, 0)
	if err != nil {
		t.Fatal(err)
	}
	B, T := 2, 8
	inputs, targets := tinyBatch(8, B, T, m.Config.VocabSize)
	loss, err := m.Forward(inputs, targets, B, T)
	if err != nil {
		t.Fatal(err)
	}
	// log(50257) is about 10.82; a fresh model should sit close to it.
	if loss < 9.5 || loss > 12 {
		t.Errorf("fresh depth-6 loss = %v, want near log(50257)", loss)
	}
}
