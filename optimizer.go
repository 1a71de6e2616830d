package main

import (
	"fmt"
	"log/slog"
	"math"
)

// ===========================================================================
// SHARDED ADAMW
// ===========================================================================
//
// Each process updates exactly the parameter elements of its shard. Moments
// (and the optional master copy) are indexed with shard-relative offsets;
// parameters and gradients with global offsets. A tensor may straddle a
// shard boundary, so every tensor is first intersected with the shard range
// and only the overlap is touched.
//
// The gradient norm used for clipping is global: stage 1 ranks hold partial
// squared norms over their shard and sum them cooperatively before the
// square root.
//
// ===========================================================================

// UpdateConfig carries the AdamW hyperparameters for one step.
type UpdateConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Eps          float32
	WeightDecay  float32
	GradClip     float32 // global-norm clip threshold
}

// clipScale returns the gradient scale factor for a given global norm:
// exactly 1 when the norm is within the threshold, threshold/norm above it.
func clipScale(norm, clip float32) float32 {
	if norm <= clip {
		return 1
	}
	return clip / norm
}

// Update applies one sharded AdamW step. step is 1-based and drives bias
// correction; seed fixes the stochastic-rounding noise for this step, so
// identical (state, seed) pairs produce identical parameters on every rank.
//
// A non-finite global gradient norm skips the entire update — parameters
// and moments are left untouched and the norm is returned so the caller can
// log the wasted step. The step counter and schedule advance anyway; that
// matches the reference behavior of counting unstable steps.
func (m *GPT2) Update(comm *Communicator, cfg UpdateConfig, step int, seed uint64) (float32, error) {
	if m.GradsMemory == nil {
		return 0, fmt.Errorf("update: no gradients; run backward first")
	}
	if step < 1 {
		return 0, fmt.Errorf("update: step must be >= 1, got %d", step)
	}

	shard, err := shardFor(m.NumParameters, comm.Rank, comm.WorldSize, comm.Stage)
	if err != nil {
		return 0, err
	}
	if !m.shardSet {
		m.shard = shard
		m.shardSet = true
		m.MMemory = make([]float32, shard.NumElements)
		m.VMemory = make([]float32, shard.NumElements)
		if m.KeepMaster && m.DType != DTypeFloat32 {
			m.MasterMemory = make([]float32, shard.NumElements)
			copy(m.MasterMemory, m.ParamsMemory[shard.Offset:shard.End()])
		}
	} else if m.shard != shard {
		return 0, fmt.Errorf("update: shard changed from %+v to %+v", m.shard, shard)
	}

	// Global gradient norm. Stage 1 ranks see only their shard's averaged
	// gradient; partial squared norms sum across the group.
	normSq := float64(0)
	for _, g := range m.GradsMemory[shard.Offset:shard.End()] {
		normSq += float64(g) * float64(g)
	}
	if comm.Stage == ShardOptimizer && comm.WorldSize > 1 {
		normSq = comm.AllReduceSumScalar(normSq)
	}
	norm := float32(math.Sqrt(normSq))

	if math.IsNaN(float64(norm)) || math.IsInf(float64(norm), 0) {
		slog.Warn("skipping optimizer update: non-finite gradient norm", "norm", norm, "step", step)
		return norm, nil
	}
	scale := clipScale(norm, cfg.GradClip)

	biasCorr1 := float32(1 - math.Pow(float64(cfg.Beta1), float64(step)))
	biasCorr2 := float32(1 - math.Pow(float64(cfg.Beta2), float64(step)))
	stochastic := m.DType != DTypeFloat32 && m.MasterMemory == nil

	offs := m.paramOffs
	counts := paramCounts(m.Config)
	for i := 0; i < NumParamTensors; i++ {
		globalOff, localOff, n, ok := intersect(offs[i], counts[i], shard)
		if !ok {
			continue
		}
		wd := float32(0)
		if paramSpecs[i].decay {
			wd = cfg.WeightDecay
		}
		for k := 0; k < n; k++ {
			gi, li := globalOff+k, localOff+k
			grad := m.GradsMemory[gi] * scale

			m1 := cfg.Beta1*m.MMemory[li] + (1-cfg.Beta1)*grad
			v1 := cfg.Beta2*m.VMemory[li] + (1-cfg.Beta2)*grad*grad
			m.MMemory[li] = m1
			m.VMemory[li] = v1
			mHat := m1 / biasCorr1
			vHat := v1 / biasCorr2

			old := m.ParamsMemory[gi]
			if m.MasterMemory != nil {
				old = m.MasterMemory[li]
			}
			upd := old - cfg.LearningRate*(mHat/(float32(math.Sqrt(float64(vHat)))+cfg.Eps)+wd*old)

			switch {
			case m.MasterMemory != nil:
				m.MasterMemory[li] = upd
				m.ParamsMemory[gi] = m.DType.round(upd)
			case stochastic:
				noise := uint32(splitmix64(seed ^ uint64(gi)))
				m.ParamsMemory[gi] = m.DType.roundStochastic(upd, noise)
			default:
				m.ParamsMemory[gi] = upd
			}
		}
	}
	return norm, nil
}

// GatherParams reconstitutes the full parameter vector on every rank after
// a stage-1 update, copying each rank's freshly updated shard to the whole
// group. A no-op for stage 0, where every rank performed the identical full
// update.
func (m *GPT2) GatherParams(comm *Communicator) {
	if comm.Stage != ShardOptimizer || comm.WorldSize == 1 {
		return
	}
	comm.AllGather(m.ParamsMemory, m.shard)
}
