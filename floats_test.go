package conject

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func Test_FloatToLex_Encodes_Small_Integers_Verbatim(t *testing.T) {
	t.Parallel()

	for _, f := range []float64{0, 1, 2, 3, 100, 1 << 30, float64(uint64(1)<<56 - 8)} {
		assert.Equal(t, uint64(f), floatToLex(f), "f=%v", f)
	}
}

func Test_FloatToLex_Tags_Non_Simple_Values(t *testing.T) {
	t.Parallel()

	for _, f := range []float64{0.5, 1.5, math.Pi, math.Inf(1), math.NaN(), float64(uint64(1) << 56)} {
		assert.NotZero(t, floatToLex(f)>>63, "f=%v should use the tagged encoding", f)
	}
}

func Test_LexToFloat_Inverts_FloatToLex(t *testing.T) {
	t.Parallel()

	values := []float64{
		0, 1, 2.5, 8.000000000000007, 1.9, 10e100,
		math.Pi, math.SmallestNonzeroFloat64, math.MaxFloat64, math.Inf(1),
	}

	for _, f := range values {
		got := lexToFloat(floatToLex(f))
		assert.Equal(t, f, got, "f=%v", f)
	}

	// NaN round-trips as NaN.
	got := lexToFloat(floatToLex(math.NaN()))
	assert.True(t, math.IsNaN(got))
}

func Test_LexToFloat_Decodes_Every_Input(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		u := rapid.Uint64().Draw(t, "u")

		f := lexToFloat(u)

		require.False(t, math.Signbit(f), "decoded floats are non-negative")

		if math.IsNaN(f) {
			return
		}

		// Re-encoding a decoded value must decode back to itself.
		assert.Equal(t, f, lexToFloat(floatToLex(f)))
	})
}

func Test_FloatToLex_Round_Trips_Random_Floats(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		f := math.Abs(rapid.Float64().Draw(t, "f"))

		got := lexToFloat(floatToLex(f))

		if math.IsNaN(f) {
			assert.True(t, math.IsNaN(got))

			return
		}

		assert.Equal(t, f, got)
	})
}

func Test_Lexical_Order_Prefers_Simple_Values(t *testing.T) {
	t.Parallel()

	// Each pair is (simpler, more complex); the encoding must order them.
	pairs := [][2]float64{
		{0, 1},
		{1, 2},
		{100, 0.5},
		{2, 2.5},
		{2.5, 2.25},
		{1000000, math.Inf(1)},
		{math.MaxFloat64, math.Inf(1)},
	}

	for _, pair := range pairs {
		assert.Less(t, floatToLex(pair[0]), floatToLex(pair[1]),
			"%v should encode below %v", pair[0], pair[1])
	}
}

func Test_Reversed_Mantissa_Orders_By_Fraction_Length(t *testing.T) {
	t.Parallel()

	// The fractional mantissa bits are stored reversed, so values with
	// shorter binary fractions encode smaller within the same exponent.
	require.Less(t, floatToLex(2.5), floatToLex(2.25))
	require.Less(t, floatToLex(2.25), floatToLex(2.75))

	// Adjacent encodings within the exponent differ only in the mantissa.
	assert.Equal(t, floatToLex(2.5)+1, floatToLex(2.25))
	assert.Equal(t, floatToLex(2.25)+1, floatToLex(2.75))
}

func Test_UpdateMantissa_Is_An_Involution(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		exp := rapid.IntRange(-1100, 1100).Draw(t, "exp")
		mantissa := rapid.Uint64Range(0, mantissaMask).Draw(t, "mantissa")

		assert.Equal(t, mantissa, updateMantissa(exp, updateMantissa(exp, mantissa)))
	})
}

func Test_IsSimpleFloat_Rejects_Fractions_And_Large_Values(t *testing.T) {
	t.Parallel()

	assert.True(t, isSimpleFloat(0))
	assert.True(t, isSimpleFloat(float64(uint64(1)<<56-8)))
	assert.False(t, isSimpleFloat(0.5))
	assert.False(t, isSimpleFloat(-1))
	assert.False(t, isSimpleFloat(math.Inf(1)))
	assert.False(t, isSimpleFloat(math.NaN()))
	assert.False(t, isSimpleFloat(float64(uint64(1)<<56)))
}
