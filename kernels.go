package main

import (
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// REFERENCE CPU KERNELS
// ===========================================================================
//
// Every kernel operates on flat float32 slices at offsets handed out by the
// layout planner. The contracts here (which buffers a kernel reads and
// writes, and whether writes assign or accumulate) are what the execution
// engine schedules against; the arithmetic itself is the standard GPT-2
// math.
//
// Backward kernels ACCUMULATE into their input-gradient and
// parameter-gradient arguments. That is load-bearing twice over: parameter
// gradients sum across micro-batches of a gradient-accumulation loop, and
// the residual-gradient stream sums across the two paths that touch each
// residual. Callers zero scratch buffers explicitly before first use.
//
// Parallel kernels split their index space into disjoint contiguous ranges,
// one goroutine per range. No two goroutines ever write the same element,
// and each output element is reduced in a fixed order, so results are
// bit-identical for any worker count.
//
// ===========================================================================

// parallelRange runs fn over [0, n) split into contiguous chunks, one per
// worker. fn must only write state owned by its range.
func parallelRange(n int, fn func(start, end int)) {
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}
	var g errgroup.Group
	chunk := (n + workers - 1) / workers
	for start := 0; start < n; start += chunk {
		start, end := start, min(start+chunk, n)
		g.Go(func() error {
			fn(start, end)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors
}

// encoderForward sums token and position embeddings:
// out[b,t,:] = wte[inp[b,t],:] + wpe[t,:].
func encoderForward(out []float32, inp []int32, wte, wpe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			dst := out[(b*T+t)*C : (b*T+t+1)*C]
			tok := wte[int(inp[b*T+t])*C:]
			pos := wpe[t*C:]
			for c := 0; c < C; c++ {
				dst[c] = tok[c] + pos[c]
			}
		}
	}
}

// encoderBackward scatters position gradients and accumulates token
// gradients. Multiple positions may reference the same vocabulary row, so
// the scatter is parallelized over disjoint channel ranges: each worker owns
// a contiguous slice of channels and walks every position, which makes the
// accumulation order independent of scheduling.
func encoderBackward(dwte, dwpe, dout []float32, inp []int32, B, T, C int) {
	parallelRange(C, func(c0, c1 int) {
		for b := 0; b < B; b++ {
			for t := 0; t < T; t++ {
				src := dout[(b*T+t)*C:]
				dtok := dwte[int(inp[b*T+t])*C:]
				dpos := dwpe[t*C:]
				for c := c0; c < c1; c++ {
					dtok[c] += src[c]
					dpos[c] += src[c]
				}
			}
		}
	})
}

const lnEps = 1e-5

// layernormForward normalizes each C-length row of inp, recording the mean
// and reciprocal standard deviation for the backward pass.
func layernormForward(out, mean, rstd, inp, weight, bias []float32, N, C int) {
	for i := 0; i < N; i++ {
		row := inp[i*C : (i+1)*C]
		m := float32(0)
		for _, v := range row {
			m += v
		}
		m /= float32(C)
		va := float32(0)
		for _, v := range row {
			d := v - m
			va += d * d
		}
		va /= float32(C)
		s := float32(1.0 / math.Sqrt(float64(va)+lnEps))
		dst := out[i*C : (i+1)*C]
		for c := 0; c < C; c++ {
			n := (row[c] - m) * s
			dst[c] = n*weight[c] + bias[c]
		}
		mean[i] = m
		rstd[i] = s
	}
}

// normRecomputeForward rebuilds a normalization output from its input and
// the stats stored during forward. Used by the backward pass at recompute
// level 2; produces bit-identical values to the original forward because it
// evaluates the same expression with the same stats.
func normRecomputeForward(out, inp, weight, bias, mean, rstd []float32, N, C int) {
	for i := 0; i < N; i++ {
		row := inp[i*C : (i+1)*C]
		dst := out[i*C : (i+1)*C]
		m, s := mean[i], rstd[i]
		for c := 0; c < C; c++ {
			n := (row[c] - m) * s
			dst[c] = n*weight[c] + bias[c]
		}
	}
}

// fusedResidualLayernormForward computes res = inp1 + inp2 and the
// layernorm of res in a single pass over the row. Fusing the residual add
// with the next block's normalization avoids one full read-write sweep of
// activation memory; the math is unchanged.
func fusedResidualLayernormForward(res, normed, mean, rstd, inp1, inp2, weight, bias []float32, N, C int) {
	for i := 0; i < N; i++ {
		r := res[i*C : (i+1)*C]
		a := inp1[i*C:]
		b := inp2[i*C:]
		m := float32(0)
		for c := 0; c < C; c++ {
			v := a[c] + b[c]
			r[c] = v
			m += v
		}
		m /= float32(C)
		va := float32(0)
		for c := 0; c < C; c++ {
			d := r[c] - m
			va += d * d
		}
		va /= float32(C)
		s := float32(1.0 / math.Sqrt(float64(va)+lnEps))
		dst := normed[i*C : (i+1)*C]
		for c := 0; c < C; c++ {
			n := (r[c] - m) * s
			dst[c] = n*weight[c] + bias[c]
		}
		mean[i] = m
		rstd[i] = s
	}
}

// layernormBackward accumulates into dinp, dweight and dbias. dinp receives
// the residual-stream contribution of this normalization; the caller relies
// on += semantics to merge the two paths that meet at each residual.
func layernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, N, C int) {
	for i := 0; i < N; i++ {
		row := inp[i*C : (i+1)*C]
		dor := dout[i*C : (i+1)*C]
		dir := dinp[i*C : (i+1)*C]
		m, s := mean[i], rstd[i]

		dnormMean := float32(0)
		dnormNormMean := float32(0)
		for c := 0; c < C; c++ {
			norm := (row[c] - m) * s
			dnorm := weight[c] * dor[c]
			dnormMean += dnorm
			dnormNormMean += dnorm * norm
		}
		dnormMean /= float32(C)
		dnormNormMean /= float32(C)

		for c := 0; c < C; c++ {
			norm := (row[c] - m) * s
			dnorm := weight[c] * dor[c]
			dweight[c] += norm * dor[c]
			dbias[c] += dor[c]
			dir[c] += (dnorm - dnormMean - norm*dnormNormMean) * s
		}
	}
}

// matmulForward computes out = inp @ weight^T + bias where inp is
// (B*T, C), weight is (OC, C) and out is (B*T, OC). Rows are independent,
// so the work parallelizes over B*T.
func matmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	parallelRange(B*T, func(r0, r1 int) {
		for bt := r0; bt < r1; bt++ {
			row := inp[bt*C : (bt+1)*C]
			dst := out[bt*OC : (bt+1)*OC]
			for o := 0; o < OC; o++ {
				w := weight[o*C : (o+1)*C]
				acc := float32(0)
				for c := 0; c < C; c++ {
					acc += row[c] * w[c]
				}
				if bias != nil {
					acc += bias[o]
				}
				dst[o] = acc
			}
		}
	})
}

// matmulBackward accumulates the three gradients of matmulForward. dinp is
// parallel over rows, dweight/dbias over output channels; the two passes
// touch disjoint memory. dbias may be nil for the unbiased output
// projection.
func matmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	parallelRange(B*T, func(r0, r1 int) {
		for bt := r0; bt < r1; bt++ {
			dor := dout[bt*OC : (bt+1)*OC]
			dir := dinp[bt*C : (bt+1)*C]
			for o := 0; o < OC; o++ {
				d := dor[o]
				w := weight[o*C : (o+1)*C]
				for c := 0; c < C; c++ {
					dir[c] += w[c] * d
				}
			}
		}
	})
	parallelRange(OC, func(o0, o1 int) {
		for o := o0; o < o1; o++ {
			dw := dweight[o*C : (o+1)*C]
			dbAcc := float32(0)
			for bt := 0; bt < B*T; bt++ {
				d := dout[bt*OC+o]
				row := inp[bt*C : (bt+1)*C]
				for c := 0; c < C; c++ {
					dw[c] += row[c] * d
				}
				dbAcc += d
			}
			if dbias != nil {
				dbias[o] += dbAcc
			}
		}
	})
}

// attentionForward runs causal multi-head attention over the packed
// (B, T, 3C) qkv buffer. preatt holds pre-softmax scores, att the
// post-softmax weights (retained for backward). Heads are independent, so
// the work parallelizes over B*NH.
func attentionForward(out, preatt, att, qkv []float32, B, T, C, NH int) {
	hs := C / NH
	scale := float32(1.0 / math.Sqrt(float64(hs)))
	parallelRange(B*NH, func(i0, i1 int) {
		for i := i0; i < i1; i++ {
			b, h := i/NH, i%NH
			for t := 0; t < T; t++ {
				q := qkv[(b*T+t)*3*C+h*hs:]
				prow := preatt[(b*NH+h)*T*T+t*T:]
				arow := att[(b*NH+h)*T*T+t*T:]

				// pass 1: scores and running max (causal: t2 <= t)
				maxv := float32(-10000.0)
				for t2 := 0; t2 <= t; t2++ {
					k := qkv[(b*T+t2)*3*C+C+h*hs:]
					acc := float32(0)
					for c := 0; c < hs; c++ {
						acc += q[c] * k[c]
					}
					acc *= scale
					prow[t2] = acc
					if acc > maxv {
						maxv = acc
					}
				}
				// pass 2: softmax over the causal prefix
				sum := float32(0)
				for t2 := 0; t2 <= t; t2++ {
					e := float32(math.Exp(float64(prow[t2] - maxv)))
					arow[t2] = e
					sum += e
				}
				inv := float32(0)
				if sum != 0 {
					inv = 1 / sum
				}
				for t2 := 0; t2 < T; t2++ {
					if t2 <= t {
						arow[t2] *= inv
					} else {
						arow[t2] = 0 // future positions carry exactly zero weight
					}
				}
				// pass 3: weighted sum of values
				dst := out[(b*T+t)*C+h*hs:]
				for c := 0; c < hs; c++ {
					dst[c] = 0
				}
				for t2 := 0; t2 <= t; t2++ {
					v := qkv[(b*T+t2)*3*C+2*C+h*hs:]
					a := arow[t2]
					for c := 0; c < hs; c++ {
						dst[c] += a * v[c]
					}
				}
			}
		}
	})
}

// attentionBackward accumulates dqkv from dout given the retained att
// weights. dpreatt and datt are zeroed scratch. Each head writes only its
// own channel block of dqkv, so parallelizing over B*NH is race-free.
func attentionBackward(dqkv, dpreatt, datt, dout, qkv, att []float32, B, T, C, NH int) {
	hs := C / NH
	scale := float32(1.0 / math.Sqrt(float64(hs)))
	parallelRange(B*NH, func(i0, i1 int) {
		for i := i0; i < i1; i++ {
			b, h := i/NH, i%NH
			for t := 0; t < T; t++ {
				arow := att[(b*NH+h)*T*T+t*T:]
				darow := datt[(b*NH+h)*T*T+t*T:]
				dprow := dpreatt[(b*NH+h)*T*T+t*T:]
				dor := dout[(b*T+t)*C+h*hs:]
				q := qkv[(b*T+t)*3*C+h*hs:]
				dq := dqkv[(b*T+t)*3*C+h*hs:]

				// backward through the value accumulation
				for t2 := 0; t2 <= t; t2++ {
					v := qkv[(b*T+t2)*3*C+2*C+h*hs:]
					dv := dqkv[(b*T+t2)*3*C+2*C+h*hs:]
					for c := 0; c < hs; c++ {
						darow[t2] += v[c] * dor[c]
						dv[c] += arow[t2] * dor[c]
					}
				}
				// backward through softmax
				for t2 := 0; t2 <= t; t2++ {
					for t3 := 0; t3 <= t; t3++ {
						ind := float32(0)
						if t2 == t3 {
							ind = 1
						}
						dprow[t3] += arow[t2] * (ind - arow[t3]) * darow[t2]
					}
				}
				// backward through the scaled dot product
				for t2 := 0; t2 <= t; t2++ {
					k := qkv[(b*T+t2)*3*C+C+h*hs:]
					dk := dqkv[(b*T+t2)*3*C+C+h*hs:]
					d := dprow[t2] * scale
					for c := 0; c < hs; c++ {
						dq[c] += k[c] * d
						dk[c] += q[c] * d
					}
				}
			}
		}
	})
}

var geluScale = float32(math.Sqrt(2.0 / math.Pi))

// geluForward applies the tanh-approximated GELU elementwise.
func geluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		x := inp[i]
		cube := 0.044715 * x * x * x
		out[i] = 0.5 * x * (1 + float32(math.Tanh(float64(geluScale*(x+cube)))))
	}
}

// geluBackward accumulates dinp from the GELU pre-activation input.
func geluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		x := inp[i]
		cube := 0.044715 * x * x * x
		arg := geluScale * (x + cube)
		tanhArg := float32(math.Tanh(float64(arg)))
		sech2 := 1 - tanhArg*tanhArg
		local := 0.5*(1+tanhArg) + x*0.5*sech2*geluScale*(1+3*0.044715*x*x)
		dinp[i] += local * dout[i]
	}
}

// residualBackward fans the residual gradient out to both inputs.
func residualBackward(dinp1, dinp2, dout []float32, n int) {
	for i := 0; i < n; i++ {
		dinp1[i] += dout[i]
		dinp2[i] += dout[i]
	}
}

// fusedClassifier computes per-position cross-entropy losses and the
// gradient with respect to the logits in a single pass, overwriting the
// logits buffer with dlogits. dlossScale folds the 1/(B*T*accum) averaging
// into the seed gradient so that accumulated micro-batch losses average
// correctly. The softmax runs over the real vocabulary only; gradients for
// padded columns are exactly zero.
func fusedClassifier(logits, losses []float32, targets []int32, B, T, V, Vp int, dlossScale float32) {
	parallelRange(B*T, func(r0, r1 int) {
		for bt := r0; bt < r1; bt++ {
			row := logits[bt*Vp : bt*Vp+Vp]
			maxv := float32(math.Inf(-1))
			for i := 0; i < V; i++ {
				if row[i] > maxv {
					maxv = row[i]
				}
			}
			sum := float32(0)
			for i := 0; i < V; i++ {
				sum += float32(math.Exp(float64(row[i] - maxv)))
			}
			logsum := float32(math.Log(float64(sum)))
			tgt := int(targets[bt])
			losses[bt] = -(row[tgt] - maxv - logsum)

			inv := 1 / sum
			for i := 0; i < V; i++ {
				p := float32(math.Exp(float64(row[i]-maxv))) * inv
				ind := float32(0)
				if i == tgt {
					ind = 1
				}
				row[i] = (p - ind) * dlossScale
			}
			for i := V; i < Vp; i++ {
				row[i] = 0
			}
		}
	})
}

// softmaxProbs converts one logits row into probabilities over the real
// vocabulary. Host-side helper for sampling.
func softmaxProbs(dst, logits []float32, V int) {
	maxv := float32(math.Inf(-1))
	for i := 0; i < V; i++ {
		if logits[i] > maxv {
			maxv = logits[i]
		}
	}
	sum := float32(0)
	for i := 0; i < V; i++ {
		e := float32(math.Exp(float64(logits[i] - maxv)))
		dst[i] = e
		sum += e
	}
	for i := 0; i < V; i++ {
		dst[i] /= sum
	}
}

// sampleMult draws an index from a probability distribution given a uniform
// coin in [0, 1).
func sampleMult(probs []float32, coin float32) int {
	cdf := float32(0)
	for i, p := range probs {
		cdf += p
		if coin < cdf {
			return i
		}
	}
	return len(probs) - 1
}
