package main

import "fmt"

// ===========================================================================
// EXECUTION ENGINE — FORWARD
// ===========================================================================
//
// One forward pass over the fixed topology:
//
//	encoder -> ln1(0) -> L x [attention block, feed-forward block] -> lnf
//	        -> output projection -> (optional) fused loss
//
// The residual add at the end of each block is fused with the NEXT
// normalization: residual2 fuses with ln2, residual3 fuses with the next
// layer's ln1 (or with lnf after the last layer). Only the very first ln1
// runs standalone. The fusion saves a full sweep over activation memory per
// block boundary and does not change the math.
//
// ===========================================================================

// Forward runs the model over a (B, T) batch of token ids. If targets is
// non-nil it must have the same shape; the fused classifier then fills the
// per-position losses, leaves the scaled dlogits in the logits buffer for
// the backward pass, and the mean loss is returned and recorded. Without
// targets the loss sentinel -1 is recorded and the logits stay intact for
// sampling.
//
// The first call fixes (B, T) for the container's lifetime; a different
// shape on a later call is a fatal configuration error, never a silent
// reallocation.
func (m *GPT2) Forward(inputs, targets []int32, B, T int) (float32, error) {
	c := m.Config
	if m.ParamsMemory == nil {
		return 0, fmt.Errorf("forward: model parameters not initialized")
	}
	if len(inputs) != B*T || (targets != nil && len(targets) != B*T) {
		return 0, fmt.Errorf("forward: batch length %d does not match B*T=%d", len(inputs), B*T)
	}
	if m.ActsMemory == nil {
		if B <= 0 || T <= 0 || T > c.MaxSeqLen {
			return 0, fmt.Errorf("forward: invalid batch shape (B=%d, T=%d, max T=%d)", B, T, c.MaxSeqLen)
		}
		m.allocActivations(B, T)
	} else if B != m.batchSize || T != m.seqLen {
		return 0, fmt.Errorf("forward: batch shape (%d, %d) differs from allocated (%d, %d); shape is fixed after the first call",
			B, T, m.batchSize, m.seqLen)
	}

	// Token validation happens during the copy into the engine-owned
	// buffers, before any compute is issued.
	V := c.VocabSize
	for i, tok := range inputs {
		if tok < 0 || int(tok) >= V {
			return 0, fmt.Errorf("forward: input token %d at position %d outside [0, %d)", tok, i, V)
		}
		m.Inputs[i] = tok
	}
	if targets != nil {
		for i, tok := range targets {
			if tok < 0 || int(tok) >= V {
				return 0, fmt.Errorf("forward: target token %d at position %d outside [0, %d)", tok, i, V)
			}
			m.Targets[i] = tok
		}
	}

	L, C, NH, Vp := c.NumLayers, c.Channels, c.NumHeads, c.PaddedVocab
	BT := B * T
	BTC := BT * C
	p := &m.Params

	encoded := m.actView(ActEncoded)
	encoderForward(encoded, m.Inputs, p.WTE, p.WPE, B, T, C)

	// First normalization is the only unfused one.
	layernormForward(m.ln1(0), m.actLayer(ActLN1Mean, 0, BT), m.actLayer(ActLN1Rstd, 0, BT),
		encoded, p.LN1W[:C], p.LN1B[:C], BT, C)

	preatt := m.actView(ActPreatt)
	attproj := m.actView(ActAttProj)
	fcproj := m.actView(ActFCProj)
	lnf := m.actView(ActLNF)

	for l := 0; l < L; l++ {
		qkv := m.actLayer(ActQKV, l, BT*3*C)
		atty := m.actLayer(ActAtty, l, BTC)
		att := m.actLayer(ActAtt, l, B*NH*T*T)
		residual2 := m.actLayer(ActResidual2, l, BTC)
		residual3 := m.actLayer(ActResidual3, l, BTC)
		fch := m.actLayer(ActFCH, l, BT*4*C)

		// attention block
		matmulForward(qkv, m.ln1(l), p.QKVW[l*3*C*C:(l+1)*3*C*C], p.QKVB[l*3*C:(l+1)*3*C], B, T, C, 3*C)
		attentionForward(atty, preatt, att, qkv, B, T, C, NH)
		matmulForward(attproj, atty, p.AttProjW[l*C*C:(l+1)*C*C], p.AttProjB[l*C:(l+1)*C], B, T, C, C)

		resPrev := encoded
		if l > 0 {
			resPrev = m.actLayer(ActResidual3, l-1, BTC)
		}
		fusedResidualLayernormForward(residual2, m.ln2(l),
			m.actLayer(ActLN2Mean, l, BT), m.actLayer(ActLN2Rstd, l, BT),
			resPrev, attproj, p.LN2W[l*C:(l+1)*C], p.LN2B[l*C:(l+1)*C], BT, C)

		// feed-forward block
		matmulForward(fch, m.ln2(l), p.FCW[l*4*C*C:(l+1)*4*C*C], p.FCB[l*4*C:(l+1)*4*C], B, T, C, 4*C)
		geluForward(m.fchGelu(l), fch, BT*4*C)
		matmulForward(fcproj, m.fchGelu(l), p.FCProjW[l*4*C*C:(l+1)*4*C*C], p.FCProjB[l*C:(l+1)*C], B, T, 4*C, C)

		if l == L-1 {
			fusedResidualLayernormForward(residual3, lnf,
				m.actView(ActLNFMean), m.actView(ActLNFRstd),
				residual2, fcproj, p.LNFW, p.LNFB, BT, C)
		} else {
			fusedResidualLayernormForward(residual3, m.ln1(l+1),
				m.actLayer(ActLN1Mean, l+1, BT), m.actLayer(ActLN1Rstd, l+1, BT),
				residual2, fcproj, p.LN1W[(l+1)*C:(l+2)*C], p.LN1B[(l+1)*C:(l+2)*C], BT, C)
		}
	}

	logits := m.actView(ActLogits)
	matmulForward(logits, lnf, p.WTE, nil, B, T, C, Vp)

	if targets == nil {
		m.MeanLoss = noLoss
		return noLoss, nil
	}

	losses := m.actView(ActLosses)
	scale := 1 / float32(BT*m.GradAccum)
	fusedClassifier(logits, losses, m.Targets, B, T, V, Vp, scale)
	sum := float32(0)
	for _, l := range losses {
		sum += l
	}
	m.MeanLoss = sum / float32(BT)
	return m.MeanLoss, nil
}

// ln1 returns layer l's first-normalization output, or the shared recompute
// buffer when the per-layer copy was planned away.
func (m *GPT2) ln1(l int) []float32 {
	if v := m.acts[ActLN1]; v != nil {
		stride := m.batchSize * m.seqLen * m.Config.Channels
		return v[l*stride : (l+1)*stride]
	}
	return m.acts[ActLNScratch]
}

func (m *GPT2) ln2(l int) []float32 {
	if v := m.acts[ActLN2]; v != nil {
		stride := m.batchSize * m.seqLen * m.Config.Channels
		return v[l*stride : (l+1)*stride]
	}
	return m.acts[ActLNScratch]
}

// fchGelu returns layer l's GELU output, or the shared recompute buffer at
// recomputation level >= 1.
func (m *GPT2) fchGelu(l int) []float32 {
	if v := m.acts[ActFCHGelu]; v != nil {
		stride := m.batchSize * m.seqLen * 4 * m.Config.Channels
		return v[l*stride : (l+1)*stride]
	}
	return m.acts[ActGeluScratch]
}
