package main

import "fmt"

// ===========================================================================
// EXECUTION ENGINE — BACKWARD
// ===========================================================================
//
// Mirrors forward in strict reverse order, one layer at a time. Because
// activations are consumed in reverse, the scratch set is a fixed handful of
// buffers reused every layer; only two residual-gradient "stream" buffers
// thread state between layers. Parameter gradients accumulate (+=) so that
// micro-batches of a gradient-accumulation loop sum into one step.
//
// The gradient with respect to the logits was already produced by the fused
// classifier during forward, in place, inside the logits buffer: by the time
// backward runs, forward's outputs are dead and the buffer is reused as
// untyped scratch.
//
// Under recomputation, dropped activations are rebuilt just in time: the
// GELU output from its retained pre-activation (level >= 1), normalization
// outputs from their inputs and retained stats (level >= 2).
//
// ===========================================================================

// Backward computes gradients for the last forward pass. It requires that
// forward ran with targets (checked via the loss sentinel), and lazily
// allocates gradient memory on first call.
func (m *GPT2) Backward() error {
	if m.MeanLoss == noLoss {
		return fmt.Errorf("backward: must run forward with targets first")
	}
	if m.GradsMemory == nil {
		m.allocGradients()
	}

	c := m.Config
	B, T := m.batchSize, m.seqLen
	L, C, NH, Vp := c.NumLayers, c.Channels, c.NumHeads, c.PaddedVocab
	BT := B * T
	BTC := BT * C
	p, g := &m.Params, &m.Grads

	dlogits := m.actView(ActLogits) // holds dlogits since the fused classifier ran
	lnf := m.actView(ActLNF)

	streamA := m.gradActs[GradActStreamA]
	streamB := m.gradActs[GradActStreamB]
	dres2 := m.gradActs[GradActRes2]
	dattproj := m.gradActs[GradActAttProj]
	dfcproj := m.gradActs[GradActFCProj]
	datty := m.gradActs[GradActAtty]
	dln := m.gradActs[GradActLN]
	dqkv := m.gradActs[GradActQKV]
	dpreatt := m.gradActs[GradActPreatt]
	datt := m.gradActs[GradActAtt]
	dfch := m.gradActs[GradActFCH]
	dfchGelu := m.gradActs[GradActFCHGelu]

	// output projection, then the final normalization; its input gradient
	// seeds the residual stream.
	clear(dln)
	matmulBackward(dln, g.WTE, nil, dlogits, lnf, p.WTE, B, T, C, Vp)
	clear(streamA)
	layernormBackward(streamA, g.LNFW, g.LNFB, dln,
		m.actLayer(ActResidual3, L-1, BTC), p.LNFW,
		m.actView(ActLNFMean), m.actView(ActLNFRstd), BT, C)

	for l := L - 1; l >= 0; l-- {
		residual2 := m.actLayer(ActResidual2, l, BTC)
		fch := m.actLayer(ActFCH, l, BT*4*C)
		qkv := m.actLayer(ActQKV, l, BT*3*C)
		atty := m.actLayer(ActAtty, l, BTC)
		att := m.actLayer(ActAtt, l, B*NH*T*T)
		resPrev := m.actView(ActEncoded)
		if l > 0 {
			resPrev = m.actLayer(ActResidual3, l-1, BTC)
		}

		// streamA carries d(residual3[l]); split it across the residual.
		clear(dres2)
		clear(dfcproj)
		residualBackward(dres2, dfcproj, streamA, BTC)

		// feed-forward block backward
		fchGelu := m.fchGelu(l)
		if m.acts[ActFCHGelu] == nil {
			geluForward(fchGelu, fch, BT*4*C)
		}
		clear(dfchGelu)
		matmulBackward(dfchGelu, g.FCProjW[l*4*C*C:(l+1)*4*C*C], g.FCProjB[l*C:(l+1)*C],
			dfcproj, fchGelu, p.FCProjW[l*4*C*C:(l+1)*4*C*C], B, T, 4*C, C)
		clear(dfch)
		geluBackward(dfch, fch, dfchGelu, BT*4*C)

		ln2 := m.ln2(l)
		if m.acts[ActLN2] == nil {
			normRecomputeForward(ln2, residual2, p.LN2W[l*C:(l+1)*C], p.LN2B[l*C:(l+1)*C],
				m.actLayer(ActLN2Mean, l, BT), m.actLayer(ActLN2Rstd, l, BT), BT, C)
		}
		clear(dln)
		matmulBackward(dln, g.FCW[l*4*C*C:(l+1)*4*C*C], g.FCB[l*4*C:(l+1)*4*C],
			dfch, ln2, p.FCW[l*4*C*C:(l+1)*4*C*C], B, T, C, 4*C)
		layernormBackward(dres2, g.LN2W[l*C:(l+1)*C], g.LN2B[l*C:(l+1)*C], dln,
			residual2, p.LN2W[l*C:(l+1)*C],
			m.actLayer(ActLN2Mean, l, BT), m.actLayer(ActLN2Rstd, l, BT), BT, C)

		// dres2 now carries d(residual2[l]); split it again.
		clear(streamB)
		clear(dattproj)
		residualBackward(streamB, dattproj, dres2, BTC)

		// attention block backward
		clear(datty)
		matmulBackward(datty, g.AttProjW[l*C*C:(l+1)*C*C], g.AttProjB[l*C:(l+1)*C],
			dattproj, atty, p.AttProjW[l*C*C:(l+1)*C*C], B, T, C, C)
		clear(dqkv)
		clear(dpreatt)
		clear(datt)
		attentionBackward(dqkv, dpreatt, datt, datty, qkv, att, B, T, C, NH)

		ln1 := m.ln1(l)
		if m.acts[ActLN1] == nil {
			normRecomputeForward(ln1, resPrev, p.LN1W[l*C:(l+1)*C], p.LN1B[l*C:(l+1)*C],
				m.actLayer(ActLN1Mean, l, BT), m.actLayer(ActLN1Rstd, l, BT), BT, C)
		}
		clear(dln)
		matmulBackward(dln, g.QKVW[l*3*C*C:(l+1)*3*C*C], g.QKVB[l*3*C:(l+1)*3*C],
			dqkv, ln1, p.QKVW[l*3*C*C:(l+1)*3*C*C], B, T, C, 3*C)
		layernormBackward(streamB, g.LN1W[l*C:(l+1)*C], g.LN1B[l*C:(l+1)*C], dln,
			resPrev, p.LN1W[l*C:(l+1)*C],
			m.actLayer(ActLN1Mean, l, BT), m.actLayer(ActLN1Rstd, l, BT), BT, C)

		// streamB now carries the gradient of the previous residual.
		streamA, streamB = streamB, streamA
	}

	// streamA is d(encoded); scatter into the embedding tables.
	encoderBackward(g.WTE, g.WPE, streamA, m.Inputs, B, T, C)
	return nil
}
