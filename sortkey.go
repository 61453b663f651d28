package conject

import (
	"bytes"
	"math/big"
	"math/rand"
)

// compareSortKey orders buffers shortlex: first by length, then
// lexicographically. It returns -1, 0, or 1. Shortlex is the engine's only
// notion of "simpler": every shrink transformation must strictly decrease
// this key, which is what makes shrinking terminate and makes minimal
// results canonical.
func compareSortKey(a, b []byte) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}

		return 1
	}

	return bytes.Compare(a, b)
}

// sortKeyLess reports whether a is strictly shortlex-smaller than b.
func sortKeyLess(a, b []byte) bool {
	return compareSortKey(a, b) < 0
}

// bitsToBytes returns the number of bytes needed to hold n bits.
func bitsToBytes(n uint) int {
	return int((n + 7) / 8)
}

// highByteMask returns the mask for the most significant byte of an n-bit
// value stored big-endian in bitsToBytes(n) bytes.
func highByteMask(n uint) byte {
	rem := n % 8
	if rem == 0 {
		return 0xff
	}

	return byte(1<<rem) - 1
}

// maskToWidth truncates a big-endian byte string in place so that it holds
// at most n bits.
func maskToWidth(b []byte, n uint) {
	if len(b) > 0 {
		b[0] &= highByteMask(n)
	}
}

// uint64FromBytes interprets up to 8 big-endian bytes as an unsigned
// integer. Longer inputs panic; callers use bigFromBytes for wide blocks.
func uint64FromBytes(b []byte) uint64 {
	if len(b) > 8 {
		panic("conject: uint64FromBytes on more than 8 bytes")
	}

	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}

	return v
}

// uint64ToBytes writes v big-endian into exactly width bytes. Values that do
// not fit are a programming error.
func uint64ToBytes(v uint64, width int) []byte {
	out := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}

	if v != 0 {
		panic("conject: uint64ToBytes value does not fit in width")
	}

	return out
}

// bigFromBytes interprets a big-endian byte string of any length as an
// unsigned integer.
func bigFromBytes(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

// bigToBytes writes v big-endian into exactly width bytes, returning false
// if it does not fit.
func bigToBytes(v *big.Int, width int) ([]byte, bool) {
	if v.Sign() < 0 || (v.BitLen()+7)/8 > width {
		return nil, false
	}

	out := make([]byte, width)
	v.FillBytes(out)

	return out, true
}

// allZero reports whether every byte of b is zero.
func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}

	return true
}

// uniformBytes draws bitsToBytes(nBits) random bytes masked to nBits.
func uniformBytes(rnd *rand.Rand, nBits uint) []byte {
	out := make([]byte, bitsToBytes(nBits))
	for i := range out {
		out[i] = byte(rnd.Intn(256))
	}

	maskToWidth(out, nBits)

	return out
}
