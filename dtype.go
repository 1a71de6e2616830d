package main

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType selects the storage precision of model parameters. Compute is
// always float32; reduced precisions constrain what values the parameter
// arena may hold (every stored float32 is exactly representable in the
// active dtype) and how wide the checkpoint payload is.
type DType int

const (
	DTypeFloat32 DType = iota
	DTypeFloat16
	DTypeBFloat16
)

func (d DType) String() string {
	switch d {
	case DTypeFloat32:
		return "float32"
	case DTypeFloat16:
		return "float16"
	case DTypeBFloat16:
		return "bfloat16"
	}
	return fmt.Sprintf("DType(%d)", int(d))
}

// ParseDType converts a user-facing name into a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "float32", "fp32", "f32":
		return DTypeFloat32, nil
	case "float16", "fp16", "f16":
		return DTypeFloat16, nil
	case "bfloat16", "bf16":
		return DTypeBFloat16, nil
	}
	return 0, fmt.Errorf("dtype: unknown precision %q", s)
}

// checkpointVersion returns the model-file format version for this
// precision. A checkpoint written at one precision refuses to load into a
// model built at another.
func (d DType) checkpointVersion() int32 {
	switch d {
	case DTypeFloat32:
		return 3
	case DTypeFloat16:
		return 4
	case DTypeBFloat16:
		return 5
	}
	panic(fmt.Sprintf("dtype: no checkpoint version for %v", d))
}

func dtypeForVersion(v int32) (DType, bool) {
	switch v {
	case 3:
		return DTypeFloat32, true
	case 4:
		return DTypeFloat16, true
	case 5:
		return DTypeBFloat16, true
	}
	return 0, false
}

// round converts x to the nearest value representable in d
// (round-to-nearest-even), returned as a float32.
func (d DType) round(x float32) float32 {
	switch d {
	case DTypeFloat32:
		return x
	case DTypeFloat16:
		return float16.Fromfloat32(x).Float32()
	case DTypeBFloat16:
		return bf16RoundNearest(x)
	}
	return x
}

// roundStochastic converts x to a representable value of d, rounding up or
// down with probability proportional to the distance. The random bits come
// from the caller so that the result is reproducible: the same (value,
// noise) pair always rounds the same way. This is what avoids the
// systematic underflow bias of truncation when many tiny updates hit a
// reduced-precision parameter with no master copy behind it.
func (d DType) roundStochastic(x float32, noise uint32) float32 {
	switch d {
	case DTypeFloat32:
		return x
	case DTypeFloat16:
		bits := math.Float32bits(x)
		// float16 keeps 10 mantissa bits of float32's 23; add noise below
		// the cut, then truncate.
		bits += noise & 0x1fff
		return float16.Frombits(uint16(truncF16Bits(bits))).Float32()
	case DTypeBFloat16:
		bits := math.Float32bits(x)
		// bfloat16 keeps the top 16 bits; add noise into the dropped 16.
		bits += noise & 0xffff
		return math.Float32frombits(bits &^ 0xffff)
	}
	return x
}

// truncF16Bits truncates float32 bits to the float16 bit layout without
// rounding. Overflow saturates to infinity, which cannot happen for the
// parameter magnitudes this engine produces but keeps the helper total.
func truncF16Bits(bits uint32) uint32 {
	sign := (bits >> 16) & 0x8000
	exp := int32((bits>>23)&0xff) - 127 + 15
	mant := (bits >> 13) & 0x3ff
	if exp >= 0x1f {
		return sign | 0x7c00
	}
	if exp <= 0 {
		return sign // flush subnormals to zero
	}
	return sign | uint32(exp)<<10 | mant
}

func bf16RoundNearest(x float32) float32 {
	bits := math.Float32bits(x)
	if bits&0x7fffffff > 0x7f800000 { // NaN passes through
		return x
	}
	// Round to nearest even on the 16-bit boundary.
	round := uint32(0x7fff) + ((bits >> 16) & 1)
	return math.Float32frombits((bits + round) &^ 0xffff)
}

// quantize rounds every element of p in place to the active precision.
// Used once after random init so the arena starts representable.
func (d DType) quantize(p []float32) {
	if d == DTypeFloat32 {
		return
	}
	for i, v := range p {
		p[i] = d.round(v)
	}
}

// splitmix64 is the per-element seed mixer for stochastic rounding. Each
// (step seed, element index) pair yields an independent noise word, so the
// rounding decisions do not depend on update order.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
