package conject

import (
	"math"
	"math/bits"
	"sort"
)

// DrawInteger draws an integer in [lower, upper], biased towards lower.
// Equal bounds consume a single forced byte so the draw still occupies a
// block and replays deterministically.
func (d *Data) DrawInteger(lower, upper int64) int64 {
	if lower > upper {
		panic("conject: DrawInteger bounds inverted")
	}

	return d.integerRange(lower, upper, lower)
}

// DrawIntegerCentered draws an integer in [lower, upper] shrinking towards
// center rather than lower.
func (d *Data) DrawIntegerCentered(lower, upper, center int64) int64 {
	if lower > upper {
		panic("conject: DrawIntegerCentered bounds inverted")
	}

	if center < lower {
		center = lower
	}

	if center > upper {
		center = upper
	}

	return d.integerRange(lower, upper, center)
}

func (d *Data) integerRange(lower, upper, center int64) int64 {
	if lower == upper {
		d.write([]byte{0})

		return lower
	}

	d.StartExample(labelIntegerRange)
	defer d.StopExample(false)

	var above bool

	switch {
	case center == upper:
		above = false
	case center == lower:
		above = true
	default:
		above = d.DrawBits(1) == 1
	}

	var gap uint64
	if above {
		gap = uint64(upper - center)
	} else {
		gap = uint64(center - lower)
	}

	nBits := uint(bits.Len64(gap))

	// Rejection-sample an integer in [0, gap]. Probes that miss are
	// recorded as discarded examples so the shrinker can delete them.
	probe := gap + 1
	for probe > gap && !d.Stopped() {
		d.StartExample(labelIntegerProbe)
		probe = d.DrawBits(nBits)
		d.StopExample(probe > gap)
	}

	if d.Stopped() {
		return lower
	}

	if above {
		return center + int64(probe)
	}

	return center - int64(probe)
}

// DrawBoolean draws true with probability p. The encoding is chosen so the
// all-zeros buffer decodes to false and so narrowing p reuses a prefix of
// the same draws.
func (d *Data) DrawBoolean(p float64) bool {
	return d.biasedCoin(p, nil)
}

func (d *Data) biasedCoin(p float64, forced *bool) bool {
	d.StartExample(labelBiasedCoin)
	defer d.StopExample(false)

	for !d.Stopped() {
		if p <= 0 {
			d.drawBitsForced(1, 0)

			return false
		}

		if p >= 1 {
			d.drawBitsForced(1, 1)

			return true
		}

		// Use just enough bits that both outcomes have at least one value.
		nBits := uint(math.Ceil(-math.Log2(math.Min(p, 1-p))))
		if nBits < 1 {
			nBits = 1
		}

		if nBits > 62 {
			nBits = 62
		}

		size := uint64(1) << nBits
		falsey := uint64(math.Floor(float64(size) * (1 - p)))
		truthy := uint64(math.Floor(float64(size) * p))
		remainder := float64(size)*p - float64(truthy)
		partial := falsey+truthy < size

		var i uint64
		if forced != nil {
			if *forced {
				i = d.drawBitsForced(nBits, 1)
			} else {
				i = d.drawBitsForced(nBits, 0)
			}
		} else {
			i = d.DrawBits(nBits)
		}

		if d.Stopped() {
			return false
		}

		// The top value carries the probability mass the integer split
		// could not represent; landing on it retries at that scale.
		if partial && i == size-1 {
			p = remainder

			continue
		}

		if i <= 1 {
			return i == 1
		}

		return i > falsey
	}

	return false
}

// DrawFloat draws a float64. All values including infinities and NaN are
// possible; the magnitude is drawn through the lexical codec and the sign
// separately, so shrinking moves towards small non-negative integers.
func (d *Data) DrawFloat() float64 {
	d.StartExample(labelFloat)
	defer d.StopExample(false)

	f := lexToFloat(d.DrawBits(64))
	if d.DrawBits(1) == 1 {
		f = -f
	}

	if d.Stopped() {
		return 0
	}

	return f
}

// DrawBytes draws exactly n bytes as a single block.
func (d *Data) DrawBytes(n int) []byte {
	if n < 0 {
		panic("conject: DrawBytes negative length")
	}

	d.StartExample(labelBytes)
	defer d.StopExample(false)

	b := d.drawRaw(uint(8*n), nil)
	if b == nil {
		return make([]byte, n)
	}

	return b
}

// DrawString draws between minSize and maxSize runes from alphabet, with
// collection size steered towards averageSize.
func (d *Data) DrawString(alphabet []rune, minSize, maxSize int, averageSize float64) string {
	if len(alphabet) == 0 {
		if minSize > 0 {
			panic("conject: DrawString empty alphabet with nonzero minSize")
		}

		return ""
	}

	d.StartExample(labelString)
	defer d.StopExample(false)

	out := make([]rune, 0, minSize)

	elements := NewMany(d, minSize, maxSize, averageSize)
	for elements.More() {
		i := d.integerRange(0, int64(len(alphabet)-1), 0)
		out = append(out, alphabet[i])
	}

	return string(out)
}

// DrawIntegerWeights draws lower+i with probability proportional to
// weights[i]. The weight table is rebuilt on every call; callers drawing
// from one distribution repeatedly should hold a [Sampler] instead.
func (d *Data) DrawIntegerWeights(lower int64, weights []float64) int64 {
	return lower + int64(NewSampler(weights).Sample(d))
}

// Sampler draws from a weighted discrete distribution using the alias
// method: one bounded integer draw to pick a table row, one coin to pick
// between the row's two outcomes. Construction is O(n) and sampling cost
// is independent of n.
type Sampler struct {
	table []samplerEntry
}

type samplerEntry struct {
	base            int
	alternate       int
	alternateChance float64
}

// NewSampler builds a sampler over weights, which must be non-negative and
// not all zero.
func NewSampler(weights []float64) *Sampler {
	n := len(weights)
	if n == 0 {
		panic("conject: NewSampler with no weights")
	}

	var total float64

	for _, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			panic("conject: NewSampler weight must be finite and non-negative")
		}

		total += w
	}

	if total <= 0 {
		panic("conject: NewSampler weights sum to zero")
	}

	scaled := make([]float64, n)
	for i, w := range weights {
		scaled[i] = w * float64(n) / total
	}

	var small, large []int

	for i, w := range scaled {
		if w < 1 {
			small = append(small, i)
		} else {
			large = append(large, i)
		}
	}

	s := &Sampler{table: make([]samplerEntry, 0, n)}

	for len(small) > 0 && len(large) > 0 {
		lo := small[len(small)-1]
		small = small[:len(small)-1]
		hi := large[len(large)-1]
		large = large[:len(large)-1]

		s.table = append(s.table, samplerEntry{
			base:            lo,
			alternate:       hi,
			alternateChance: 1 - scaled[lo],
		})

		scaled[hi] = scaled[hi] - (1 - scaled[lo])
		if scaled[hi] < 1 {
			small = append(small, hi)
		} else {
			large = append(large, hi)
		}
	}

	for _, i := range append(small, large...) {
		s.table = append(s.table, samplerEntry{base: i, alternate: i, alternateChance: 0})
	}

	// Sorted tables make equivalent draws byte-identical across runs,
	// which the tree and the shrinker both rely on.
	sort.Slice(s.table, func(i, j int) bool {
		a, b := s.table[i], s.table[j]
		if a.base != b.base {
			return a.base < b.base
		}

		if a.alternate != b.alternate {
			return a.alternate < b.alternate
		}

		return a.alternateChance < b.alternateChance
	})

	return s
}

// Sample draws an index distributed according to the sampler's weights.
func (s *Sampler) Sample(d *Data) int {
	d.StartExample(labelSample)
	defer d.StopExample(false)

	i := d.integerRange(0, int64(len(s.table)-1), 0)
	if d.Stopped() {
		return 0
	}

	entry := s.table[i]

	if d.biasedCoin(entry.alternateChance, nil) {
		return entry.alternate
	}

	return entry.base
}

// Many drives drawing a variable-size collection: call More before each
// element and stop when it returns false. Size bounds are enforced by
// rigging the continuation coin, so the byte stream always contains an
// explicit stop/continue decision that the shrinker can flip.
type Many struct {
	data       *Data
	minSize    int
	maxSize    int
	pContinue  float64
	count      int
	rejections int
	drawn      bool
	rejected   bool
	forceStop  bool
}

// NewMany returns a collection driver for between minSize and maxSize
// elements, averaging averageSize when unconstrained.
func NewMany(d *Data, minSize, maxSize int, averageSize float64) *Many {
	if minSize < 0 || maxSize < minSize {
		panic("conject: NewMany invalid size bounds")
	}

	return &Many{
		data:      d,
		minSize:   minSize,
		maxSize:   maxSize,
		pContinue: 1 - 1/(1+averageSize),
	}
}

// More reports whether another element should be drawn, opening an example
// around it. The previous element's example is closed, marked discarded if
// Reject was called for it.
func (m *Many) More() bool {
	if m.drawn {
		m.data.StopExample(m.rejected)
	}

	m.drawn = true
	m.rejected = false

	if m.data.Stopped() {
		return false
	}

	var shouldContinue bool

	switch {
	case m.minSize == m.maxSize:
		// Fixed-size collections have no decision to record.
		shouldContinue = m.count < m.minSize
	case m.forceStop:
		shouldContinue = false
	default:
		var forced *bool

		if m.count < m.minSize {
			t := true
			forced = &t
		} else if m.count >= m.maxSize {
			f := false
			forced = &f
		}

		shouldContinue = m.data.biasedCoin(m.pContinue, forced)
	}

	if !shouldContinue || m.data.Stopped() {
		return false
	}

	m.data.StartExample(labelCollection)
	m.count++

	return true
}

// Reject undoes the current element: a containing filter did not accept it.
// Too many rejections either invalidate the run (below minSize) or force
// the collection to stop where it is.
func (m *Many) Reject() {
	if m.count <= 0 {
		panic("conject: Reject before any element was drawn")
	}

	m.count--
	m.rejections++
	m.rejected = true

	if m.rejections > 2*m.count+10 {
		if m.count < m.minSize {
			m.data.MarkInvalid()
		} else {
			m.forceStop = true
		}
	}
}
