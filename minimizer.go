package conject

import (
	"bytes"
	"math"
	"math/big"
	"sort"
)

// findInteger returns the largest n such that f(n) is true, assuming f(0)
// is true and f is approximately monotone: once it goes false it is
// unlikely to come back. It spends O(1) calls on small answers (by far the
// common case during shrinking) and O(log n) on large ones: a linear scan
// up to 4, then exponential probing, then binary search.
func findInteger(f func(n uint64) bool) uint64 {
	for i := uint64(1); i < 5; i++ {
		if !f(i) {
			return i - 1
		}
	}

	lo := uint64(4)
	hi := uint64(5)

	for f(hi) {
		lo = hi
		hi *= 2
	}

	for lo+1 < hi {
		mid := lo + (hi-lo)/2
		if f(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}

	return lo
}

// lexMinimizer shrinks a fixed-length byte string towards the
// lexicographically smallest value accepted by its predicate. It is an
// assemblage: a float-specific unsticking hack, integer minimization of
// the whole value, and a partial byte sort.
type lexMinimizer struct {
	current []byte
	pred    func([]byte) bool
	full    bool
	seen    map[string]struct{}
	changes int
}

// minimizeLexical returns the smallest byte string of the same length as
// initial that pred accepts, under lexicographic order. pred(initial) must
// be true. With full set, runs to a fixed point.
func minimizeLexical(initial []byte, pred func([]byte) bool, full bool) []byte {
	m := &lexMinimizer{
		current: append([]byte(nil), initial...),
		pred:    pred,
		full:    full,
		seen:    map[string]struct{}{string(initial): {}},
	}
	m.run()

	return m.current
}

func (m *lexMinimizer) consider(value []byte) bool {
	if len(value) != len(m.current) {
		panic("conject: lexical minimizer changed length")
	}

	if bytes.Compare(value, m.current) >= 0 {
		return false
	}

	if _, ok := m.seen[string(value)]; ok {
		return false
	}

	m.seen[string(value)] = struct{}{}

	if m.pred(value) {
		m.current = append(m.current[:0], value...)
		m.changes++

		return true
	}

	return false
}

func (m *lexMinimizer) considerInt(v *big.Int) bool {
	b, ok := bigToBytes(v, len(m.current))
	if !ok {
		return false
	}

	return m.consider(b)
}

func (m *lexMinimizer) run() {
	if len(m.current) == 0 || allZero(m.current) {
		return
	}

	if !m.full {
		m.runStep()

		return
	}

	for {
		prev := m.changes
		m.runStep()

		if m.changes == prev {
			return
		}
	}
}

func (m *lexMinimizer) runStep() {
	m.floatHack()
	m.minimizeAsInteger()
	m.partialSort()
}

// floatHack exploits the float codec: an 8-byte value with the tag bit set
// may decode to a float whose canonical re-encoding is smaller, or to an
// integral float that belongs on the untagged path entirely.
func (m *lexMinimizer) floatHack() {
	if len(m.current) != 8 || m.current[0]>>7 != 1 {
		return
	}

	i := uint64FromBytes(m.current)
	f := lexToFloat(i)

	g := floatToLex(f)
	if g < i {
		m.consider(uint64ToBytes(g, 8))
	}

	if !math.IsInf(f, 0) && !math.IsNaN(f) && f == math.Trunc(f) && f >= 0 && f < float64(uint64(1)<<63) {
		m.consider(uint64ToBytes(uint64(f), 8))
	}
}

func (m *lexMinimizer) minimizeAsInteger() {
	minimizeInteger(bigFromBytes(m.current), func(v *big.Int) bool {
		return v.Cmp(bigFromBytes(m.current)) == 0 || m.considerInt(v)
	}, false)
}

func (m *lexMinimizer) partialSort() {
	minimizeOrdering(append([]byte(nil), m.current...), func(a, b byte) bool { return a < b }, m.consider)
}

// minimizeInteger shrinks a non-negative integer towards zero under pred.
// pred(initial) must be true. The probes exploit how integers are usually
// consumed: small constants, high-bit masks, right shifts, and subtracting
// small multiples all correspond to natural simplifications of the drawn
// value.
func minimizeInteger(initial *big.Int, pred func(*big.Int) bool, full bool) *big.Int {
	m := &intMinimizer{current: new(big.Int).Set(initial), pred: pred, full: full}
	m.run()

	return m.current
}

type intMinimizer struct {
	current *big.Int
	pred    func(*big.Int) bool
	full    bool
	changes int
}

func (m *intMinimizer) consider(v *big.Int) bool {
	if v.Sign() < 0 || v.Cmp(m.current) >= 0 {
		return false
	}

	if m.pred(v) {
		m.current = new(big.Int).Set(v)
		m.changes++

		return true
	}

	return false
}

func (m *intMinimizer) considerUint(v uint64) bool {
	return m.consider(new(big.Int).SetUint64(v))
}

func (m *intMinimizer) run() {
	// 0 and 1 are overwhelmingly the most common minima.
	if m.considerUint(0) || m.considerUint(1) {
		return
	}

	m.maskHighBits()

	if !m.full {
		m.runStep()

		return
	}

	for {
		prev := m.changes
		m.runStep()

		if m.changes == prev {
			return
		}
	}
}

func (m *intMinimizer) runStep() {
	m.shiftRight()
	m.shrinkByMultiples(2)
	m.shrinkByMultiples(1)
}

func (m *intMinimizer) shiftRight() {
	base := new(big.Int).Set(m.current)
	size := uint64(base.BitLen())

	findInteger(func(k uint64) bool {
		if k > size {
			return false
		}

		return m.consider(new(big.Int).Rsh(base, uint(k)))
	})
}

func (m *intMinimizer) maskHighBits() {
	base := new(big.Int).Set(m.current)
	n := uint64(base.BitLen())

	findInteger(func(k uint64) bool {
		if k >= n {
			return false
		}

		mask := new(big.Int).Lsh(big.NewInt(1), uint(n-k))
		mask.Sub(mask, big.NewInt(1))

		return m.consider(mask.And(mask, base))
	})
}

func (m *intMinimizer) shrinkByMultiples(k int64) {
	base := new(big.Int).Set(m.current)

	findInteger(func(n uint64) bool {
		attempt := new(big.Int).Mul(new(big.Int).SetUint64(n), big.NewInt(k))
		attempt.Sub(base, attempt)

		if attempt.Sign() < 0 {
			return false
		}

		return m.consider(attempt)
	})
}

// minimizeOrdering reorders items towards sortedness under less, keeping
// only rearrangements accepted by consider. It never changes the multiset
// of items. Returns the final arrangement.
func minimizeOrdering[T any](items []T, less func(a, b T) bool, consider func([]T) bool) []T {
	m := &orderingMinimizer[T]{
		current:  append([]T(nil), items...),
		less:     less,
		consider: consider,
	}
	m.run()

	return m.current
}

type orderingMinimizer[T any] struct {
	current  []T
	less     func(a, b T) bool
	consider func([]T) bool
}

func (m *orderingMinimizer[T]) isSorted(items []T) bool {
	for i := 1; i < len(items); i++ {
		if m.less(items[i], items[i-1]) {
			return false
		}
	}

	return true
}

func (m *orderingMinimizer[T]) try(attempt []T) bool {
	if m.consider(attempt) {
		m.current = attempt

		return true
	}

	return false
}

func (m *orderingMinimizer[T]) run() {
	if len(m.current) <= 1 || m.isSorted(m.current) {
		return
	}

	// Fully sorting in one go is the best case and often works.
	full := append([]T(nil), m.current...)
	sort.SliceStable(full, func(i, j int) bool { return m.less(full[i], full[j]) })

	if m.try(full) {
		return
	}

	m.sortRegions()
	m.sortRegionsWithGaps()
}

// sortRegions finds, for each position, the longest region starting there
// that can be sorted in place.
func (m *orderingMinimizer[T]) sortRegions() {
	i := 0
	for i+1 < len(m.current) {
		k := findInteger(func(k uint64) bool {
			j := i + int(k)
			if j > len(m.current) {
				return false
			}

			attempt := append([]T(nil), m.current...)
			region := attempt[i:j]
			sort.SliceStable(region, func(a, b int) bool { return m.less(region[a], region[b]) })

			if sliceEqualFunc(attempt, m.current, m.equivalent) {
				return false
			}

			return m.try(attempt)
		})

		if k == 0 {
			i++
		} else {
			i += int(k)
		}
	}
}

// sortRegionsWithGaps tries pairwise swaps of out-of-order elements that
// region sorting cannot fix because of elements pinned between them.
func (m *orderingMinimizer[T]) sortRegionsWithGaps() {
	for i := 0; i < len(m.current); i++ {
		for j := i + 1; j < len(m.current); j++ {
			if !m.less(m.current[j], m.current[i]) {
				continue
			}

			attempt := append([]T(nil), m.current...)
			attempt[i], attempt[j] = attempt[j], attempt[i]
			m.try(attempt)
		}
	}
}

func (m *orderingMinimizer[T]) equivalent(a, b T) bool {
	return !m.less(a, b) && !m.less(b, a)
}

func sliceEqualFunc[T any](a, b []T, eq func(T, T) bool) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if !eq(a[i], b[i]) {
			return false
		}
	}

	return true
}

// minimizeFloat shrinks a non-negative float towards lexical simplicity
// under pred. Works on the decoded value: small changes to a float (integer
// truncation at various precisions) can be huge improvements to its lexical
// encoding, which pure byte-level shrinking essentially never finds.
func minimizeFloat(initial float64, pred func(float64) bool) float64 {
	m := &floatMinimizer{current: canonicalFloat(initial), pred: pred}
	m.run()

	return m.current
}

type floatMinimizer struct {
	current float64
	pred    func(float64) bool
	changes int
}

func canonicalFloat(f float64) float64 {
	if math.IsNaN(f) {
		return canonicalNaN
	}

	return f
}

func (m *floatMinimizer) consider(f float64) bool {
	f = canonicalFloat(f)
	if f < 0 {
		return false
	}

	if floatToLex(f) >= floatToLex(m.current) {
		return false
	}

	if m.pred(f) {
		m.current = f
		m.changes++

		return true
	}

	return false
}

func (m *floatMinimizer) run() {
	// Anything at least as bad as these standard nasty values is handled by
	// trying them directly.
	for _, g := range []float64{canonicalNaN, math.Inf(1), math.MaxFloat64} {
		m.consider(g)
	}

	if math.IsInf(m.current, 0) || math.IsNaN(m.current) {
		return
	}

	// Past the last precise integer there is no fractional structure to
	// exploit; hand over to integer shrinking.
	const maxPreciseInteger = uint64(1) << 53

	if m.current >= float64(maxPreciseInteger) {
		minimizeInteger(bigIntFromFloat(m.current), func(v *big.Int) bool {
			f, ok := floatFromBigInt(v)
			if !ok {
				return false
			}

			return f == m.current || m.consider(f)
		}, false)

		return
	}

	for {
		prev := m.changes
		m.runStep()

		if m.changes == prev {
			return
		}
	}
}

func (m *floatMinimizer) runStep() {
	m.consider(math.Trunc(m.current))

	// Truncate after p binary digits of fraction, rounding both ways.
	for p := 0; p < 10; p++ {
		scale := math.Ldexp(1, p)
		scaled := m.current * scale

		if math.IsInf(scaled, 0) {
			continue
		}

		m.consider(math.Floor(scaled) / scale)
		m.consider(math.Ceil(scaled) / scale)
	}
}

func bigIntFromFloat(f float64) *big.Int {
	v, _ := big.NewFloat(math.Trunc(f)).Int(nil)

	return v
}

func floatFromBigInt(v *big.Int) (float64, bool) {
	f, acc := new(big.Float).SetInt(v).Float64()
	if acc != big.Exact {
		return 0, false
	}

	return f, true
}
