package main

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDType(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want DType
	}{
		{"fp32", DTypeFloat32}, {"float32", DTypeFloat32}, {"f32", DTypeFloat32},
		{"fp16", DTypeFloat16}, {"float16", DTypeFloat16},
		{"bf16", DTypeBFloat16}, {"bfloat16", DTypeBFloat16},
	} {
		got, err := ParseDType(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
	_, err := ParseDType("int8")
	require.Error(t, err)
}

func TestCheckpointVersionRoundTrip(t *testing.T) {
	for _, d := range []DType{DTypeFloat32, DTypeFloat16, DTypeBFloat16} {
		back, ok := dtypeForVersion(d.checkpointVersion())
		require.True(t, ok)
		require.Equal(t, d, back)
	}
	_, ok := dtypeForVersion(99)
	require.False(t, ok)
}

func TestRoundIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, d := range []DType{DTypeFloat16, DTypeBFloat16} {
		for i := 0; i < 1000; i++ {
			x := float32(rng.NormFloat64())
			once := d.round(x)
			require.Equal(t, once, d.round(once), "%v: round not idempotent for %v", d, x)
		}
	}
}

func TestRoundStochasticKeepsRepresentable(t *testing.T) {
	// A value already representable in the dtype must survive any noise word.
	rng := rand.New(rand.NewSource(8))
	for _, d := range []DType{DTypeFloat16, DTypeBFloat16} {
		for i := 0; i < 200; i++ {
			x := d.round(float32(rng.NormFloat64()))
			for _, noise := range []uint32{0, 1, 0x1fff, 0xffff, 0xffffffff} {
				require.Equal(t, x, d.roundStochastic(x, noise), "%v at noise %#x", d, noise)
			}
		}
	}
}

func TestRoundStochasticBracketsValue(t *testing.T) {
	// The result is always one of the two representable neighbors: the
	// truncation (noise 0) or the value one step above it.
	rng := rand.New(rand.NewSource(9))
	for _, d := range []DType{DTypeFloat16, DTypeBFloat16} {
		for i := 0; i < 1000; i++ {
			x := float32(rng.NormFloat64())
			lo := d.roundStochastic(x, 0)
			hi := d.roundStochastic(x, 0xffffffff)
			got := d.roundStochastic(x, rng.Uint32())
			require.True(t, got == lo || got == hi,
				"%v: rounded %v to %v, neighbors are %v and %v", d, x, got, lo, hi)
		}
	}
}

func TestRoundStochasticFloat32Identity(t *testing.T) {
	require.Equal(t, float32(0.1), DTypeFloat32.roundStochastic(0.1, 0xdeadbeef))
}

func TestQuantizeMakesRepresentable(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	p := make([]float32, 256)
	for i := range p {
		p[i] = float32(rng.NormFloat64())
	}
	orig := append([]float32(nil), p...)

	DTypeFloat32.quantize(p)
	require.Equal(t, orig, p, "float32 quantize must be the identity")

	DTypeBFloat16.quantize(p)
	for i, v := range p {
		require.Equal(t, DTypeBFloat16.round(v), v, "element %d not representable", i)
	}
}

func TestSplitmix64KnownAnswers(t *testing.T) {
	// Reference outputs of the splitmix64 sequence seeded at 0.
	require.Equal(t, uint64(0xe220a8397b1dcdaf), splitmix64(0))
	require.NotEqual(t, splitmix64(1), splitmix64(2))
	require.Equal(t, splitmix64(12345), splitmix64(12345))
}
