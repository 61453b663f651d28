package conject

import (
	"math"
	"math/bits"
	"sort"
)

// Lexical encoding of non-negative float64 values.
//
// The goal is that the shortlex order on the 64-bit encoding agrees with a
// human notion of float simplicity: small non-negative integers encode
// smallest, then values with short fractional parts, then everything else,
// with infinities and NaN encoding largest. The sign is never part of the
// encoding; callers store it in a separate draw.
//
// Bit 63 is a tag. Tag 0: the low 56 bits hold an integer-valued float
// verbatim. Tag 1: bits 52..62 hold a reordered exponent and bits 0..51 a
// mantissa whose fractional bits are reversed, so that clearing trailing
// encoded bits shortens the decimal expansion of the decoded float.

const (
	maxExponent  = 0x7ff
	exponentBias = 1023
	mantissaMask = (uint64(1) << 52) - 1

	// maxSimpleInteger is the largest integer representable on the tag-0
	// path: 56 bits, chosen so the tag-1 path keeps 7 bits of headroom
	// above the 52-bit mantissa plus 11-bit exponent.
	maxSimpleInteger = (uint64(1) << 56) - 1
)

// encodingTable maps an encoded exponent ordinal to a raw IEEE exponent,
// ordered so that simpler exponents get smaller ordinals: non-negative
// unbiased exponents ascending, then negative unbiased exponents, then the
// special max exponent (inf/NaN) last.
var (
	encodingTable [maxExponent + 1]uint64
	decodingTable [maxExponent + 1]uint64
)

func init() {
	for i := range encodingTable {
		encodingTable[i] = uint64(i)
	}

	key := func(e uint64) uint64 {
		if e == maxExponent {
			return math.MaxUint64
		}

		unbiased := int(e) - exponentBias
		if unbiased < 0 {
			return uint64(10000 - unbiased)
		}

		return uint64(unbiased)
	}

	sort.Slice(encodingTable[:], func(i, j int) bool {
		return key(encodingTable[i]) < key(encodingTable[j])
	})

	for i, e := range encodingTable {
		decodingTable[e] = uint64(i)
	}
}

// updateMantissa reverses the fractional bits of the mantissa. The mapping
// is an involution, so encode and decode share it.
func updateMantissa(unbiasedExponent int, mantissa uint64) uint64 {
	switch {
	case unbiasedExponent <= 0:
		// The whole mantissa is fractional.
		return bits.Reverse64(mantissa) >> (64 - 52)
	case unbiasedExponent <= 51:
		nFractional := uint(52 - unbiasedExponent)
		fractional := mantissa & ((uint64(1) << nFractional) - 1)
		mantissa ^= fractional
		mantissa |= bits.Reverse64(fractional) >> (64 - nFractional)

		return mantissa
	default:
		// No fractional bits.
		return mantissa
	}
}

// isSimpleFloat reports whether f is a non-negative integer small enough for
// the tag-0 encoding.
func isSimpleFloat(f float64) bool {
	if math.IsInf(f, 0) || math.IsNaN(f) || f < 0 {
		return false
	}

	if f != math.Trunc(f) {
		return false
	}

	return f < float64(uint64(1)<<56)
}

// floatToLex encodes a non-negative float64 into its 64-bit lexical form.
func floatToLex(f float64) uint64 {
	if isSimpleFloat(f) {
		return uint64(f)
	}

	return baseFloatToLex(f)
}

func baseFloatToLex(f float64) uint64 {
	i := math.Float64bits(f)
	i &= (uint64(1) << 63) - 1
	exponent := i >> 52
	mantissa := i & mantissaMask
	mantissa = updateMantissa(int(exponent)-exponentBias, mantissa)
	exponent = decodingTable[exponent]

	return (uint64(1) << 63) | (exponent << 52) | mantissa
}

// lexToFloat decodes a 64-bit lexical encoding into a non-negative float64.
// Every input decodes; floatToLex(lexToFloat(u)) is not always u, but
// lexToFloat(floatToLex(f)) always equals f (including NaN payloads).
func lexToFloat(u uint64) float64 {
	hasFractionalPart := u>>63 != 0
	if hasFractionalPart {
		exponent := encodingTable[(u>>52)&maxExponent]
		mantissa := u & mantissaMask
		mantissa = updateMantissa(int(exponent)-exponentBias, mantissa)

		return math.Float64frombits(exponent<<52 | mantissa)
	}

	return float64(u & maxSimpleInteger)
}

// canonicalNaN is the NaN every shrink converges to, so that distinct NaN
// payloads compare equal for caching purposes.
var canonicalNaN = math.Float64frombits(0x7ff8000000000000)
