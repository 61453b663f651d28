package conject

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_CompareSortKey_Orders_By_Length_Then_Bytes(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		a    []byte
		b    []byte
		want int
	}{
		{name: "BothEmpty", a: nil, b: nil, want: 0},
		{name: "ShorterWins", a: []byte{0xff}, b: []byte{0, 0}, want: -1},
		{name: "LongerLoses", a: []byte{0, 0}, b: []byte{0xff}, want: 1},
		{name: "SameLengthLexicographic", a: []byte{1, 2}, b: []byte{1, 3}, want: -1},
		{name: "Equal", a: []byte{5, 5}, b: []byte{5, 5}, want: 0},
		{name: "EmptySmallest", a: nil, b: []byte{0}, want: -1},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.want, compareSortKey(testCase.a, testCase.b))
			assert.Equal(t, testCase.want < 0, sortKeyLess(testCase.a, testCase.b))
		})
	}
}

func Test_BitsToBytes_Rounds_Up(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		bits uint
		want int
	}{
		{0, 0},
		{1, 1},
		{7, 1},
		{8, 1},
		{9, 2},
		{64, 8},
		{65, 9},
	}

	for _, testCase := range testCases {
		assert.Equal(t, testCase.want, bitsToBytes(testCase.bits), "bits=%d", testCase.bits)
	}
}

func Test_MaskToWidth_Clears_High_Bits(t *testing.T) {
	t.Parallel()

	b := []byte{0xff, 0xff}
	maskToWidth(b, 10)

	assert.Equal(t, []byte{0x03, 0xff}, b)

	b = []byte{0xff}
	maskToWidth(b, 8)

	assert.Equal(t, []byte{0xff}, b)
}

func Test_Uint64_Bytes_Round_Trip(t *testing.T) {
	t.Parallel()

	for _, v := range []uint64{0, 1, 255, 256, 1 << 16, 1<<64 - 1} {
		b := uint64ToBytes(v, 8)
		require.Len(t, b, 8)
		assert.Equal(t, v, uint64FromBytes(b))
	}

	assert.Equal(t, []byte{1, 0}, uint64ToBytes(256, 2))
	assert.Equal(t, uint64(256), uint64FromBytes([]byte{1, 0}))
}

func Test_Uint64ToBytes_Panics_When_Value_Too_Wide(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { uint64ToBytes(256, 1) })
}

func Test_BigToBytes_Reports_Fit(t *testing.T) {
	t.Parallel()

	out, ok := bigToBytes(big.NewInt(256), 2)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 0}, out)

	_, ok = bigToBytes(big.NewInt(256), 1)
	assert.False(t, ok)

	_, ok = bigToBytes(big.NewInt(-1), 4)
	assert.False(t, ok)

	out, ok = bigToBytes(big.NewInt(0), 3)
	require.True(t, ok)
	assert.Equal(t, []byte{0, 0, 0}, out)
}

func Test_AllZero_Detects_Nonzero_Bytes(t *testing.T) {
	t.Parallel()

	assert.True(t, allZero(nil))
	assert.True(t, allZero([]byte{0, 0, 0}))
	assert.False(t, allZero([]byte{0, 1, 0}))
}
