package conject

import (
	"bytes"
	"math/big"
	"sort"
)

type namedPass struct {
	name string
	run  passFunc
}

// defaultPasses run in registration order on the first iteration; their
// later scheduling is earned, not fixed. The order matters for ties only,
// but deliberately puts cheap structural passes before expensive
// value-level ones.
var defaultPasses = []namedPass{
	{"alphabetMinimize", (*Shrinker).alphabetMinimize},
	{"passToDescendant", (*Shrinker).passToDescendant},
	{"zeroExamples", (*Shrinker).zeroExamples},
	{"adaptiveExampleDeletion", (*Shrinker).adaptiveExampleDeletion},
	{"reorderExamples", (*Shrinker).reorderExamples},
	{"minimizeFloats", (*Shrinker).minimizeFloats},
	{"minimizeDuplicatedBlocks", (*Shrinker).minimizeDuplicatedBlocks},
	{"minimizeIndividualBlocks", (*Shrinker).minimizeIndividualBlocks},
}

// emergencyPasses start avoided: they are expensive and rarely needed, but
// each one unsticks a specific pattern the default passes plateau on.
var emergencyPasses = []namedPass{
	{`blockProgram("-XX")`, blockProgram("-XX")},
	{`blockProgram("XX")`, blockProgram("XX")},
	{"exampleDeletionWithBlockLowering", (*Shrinker).exampleDeletionWithBlockLowering},
	{"shrinkOffsetPairs", (*Shrinker).shrinkOffsetPairs},
	{"minimizeBlockPairsRetainingSum", (*Shrinker).minimizeBlockPairsRetainingSum},
}

// eachNonTrivialExample walks the example tree preorder, skipping trivial
// subtrees, re-resolving indices against the current target after every
// callback since the body may shrink it.
func (s *Shrinker) eachNonTrivialExample(body func(ex *Example)) {
	stack := []int{0}

	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if i >= len(s.target.examples) {
			continue
		}

		ex := s.target.examples[i]
		if ex.Trivial {
			continue
		}

		body(ex)

		if i >= len(s.target.examples) {
			continue
		}

		ex = s.target.examples[i]
		if ex.Trivial {
			continue
		}

		for j := len(ex.Children) - 1; j >= 0; j-- {
			stack = append(stack, ex.Children[j].Index)
		}
	}
}

// passToDescendant replaces an example with one of its own strictly
// smaller descendants of the same label. This is what collapses recursive
// structures: a tree node shrinks directly to one of its subtrees.
func (s *Shrinker) passToDescendant() {
	s.eachNonTrivialExample(func(ex *Example) {
		target := s.target

		seen := make(map[string]struct{})

		var descendants [][]byte

		for _, d := range target.examples {
			if d.Start < ex.Start || d.End > ex.End || d.Length() >= ex.Length() || d.Label != ex.Label {
				continue
			}

			piece := target.buffer[d.Start:d.End]
			if _, ok := seen[string(piece)]; ok {
				continue
			}

			seen[string(piece)] = struct{}{}
			descendants = append(descendants, append([]byte(nil), piece...))
		}

		sort.Slice(descendants, func(i, j int) bool {
			return sortKeyLess(descendants[i], descendants[j])
		})

		for _, d := range descendants {
			attempt := append([]byte(nil), target.buffer[:ex.Start]...)
			attempt = append(attempt, d...)
			attempt = append(attempt, target.buffer[ex.End:]...)

			if s.incorporateNewBuffer(attempt) {
				break
			}
		}
	})
}

// zeroExamples tries to replace each example with zeros. If zeroing works
// but used fewer bytes, a second attempt zero-fills only what was used so
// the buffer also gets shorter.
func (s *Shrinker) zeroExamples() {
	s.eachNonTrivialExample(func(ex *Example) {
		u, v := ex.Start, ex.End

		attemptBuf := append([]byte(nil), s.buffer()[:u]...)
		attemptBuf = append(attemptBuf, make([]byte, v-u)...)
		attemptBuf = append(attemptBuf, s.buffer()[v:]...)

		attempt := s.cachedTestFunction(attemptBuf)

		if attempt.Status() == StatusOverrun || ex.Index >= len(attempt.examples) {
			return
		}

		inReplacement := attempt.examples[ex.Index]
		used := inReplacement.Length()

		if attempt != s.target && inReplacement.End < attempt.Len() && used < v-u {
			shorter := append([]byte(nil), s.buffer()[:u]...)
			shorter = append(shorter, make([]byte, used)...)
			shorter = append(shorter, s.buffer()[v:]...)
			s.incorporateNewBuffer(shorter)
		}
	})
}

// adaptiveExampleDeletion deletes runs of sibling examples. Depth by
// depth, the examples at that depth partition the buffer into intervals;
// each interval is tried alone and, when one deletes cleanly, the run is
// expanded leftwards adaptively so a hundred list elements go in a handful
// of calls instead of a hundred.
func (s *Shrinker) adaptiveExampleDeletion() {
	for depth := 0; ; depth++ {
		parts := s.endpointPartition(depth)
		if len(parts) == 0 {
			return
		}

		i := len(parts) - 1

		for i >= 0 {
			parts = s.endpointPartition(depth)

			if i >= len(parts) {
				i = len(parts) - 1

				continue
			}

			snapshot := append([]byte(nil), s.buffer()...)

			deleteRun := func(lo, hi int) bool {
				if lo < 0 || hi > len(parts) || lo >= hi {
					return false
				}

				attempt := append([]byte(nil), snapshot[:parts[lo].u]...)

				for k := lo; k < hi-1; k++ {
					attempt = append(attempt, snapshot[parts[k].v:parts[k+1].u]...)
				}

				attempt = append(attempt, snapshot[parts[hi-1].v:]...)

				return s.incorporateNewBuffer(attempt)
			}

			if deleteRun(i, i+1) {
				// Expand the deletion leftwards from the same snapshot.
				k := findInteger(func(k uint64) bool {
					return deleteRun(i-int(k), i+1)
				})
				i -= int(k) + 1
			} else {
				i--
			}
		}
	}
}

type interval struct{ u, v int }

// endpointPartition returns the byte intervals spanned by the non-empty
// examples at the given depth, in buffer order, merged where they touch.
func (s *Shrinker) endpointPartition(depth int) []interval {
	var parts []interval

	for _, ex := range s.target.examples {
		if ex.Depth != depth || ex.End <= ex.Start {
			continue
		}

		if len(parts) > 0 && parts[len(parts)-1].v >= ex.Start {
			if ex.End > parts[len(parts)-1].v {
				parts[len(parts)-1].v = ex.End
			}

			continue
		}

		parts = append(parts, interval{ex.Start, ex.End})
	}

	return parts
}

// reorderExamples sorts the children of each example by sort key. Values
// that are exchangeable at the format level get canonically ordered, which
// both simplifies output and creates the duplicate blocks later passes
// collapse.
func (s *Shrinker) reorderExamples() {
	s.eachNonTrivialExample(func(ex *Example) {
		target := s.target

		var pieces [][]byte

		for _, c := range ex.Children {
			if c.End > c.Start {
				pieces = append(pieces, append([]byte(nil), target.buffer[c.Start:c.End]...))
			}
		}

		if len(pieces) <= 1 {
			return
		}

		prefix := append([]byte(nil), target.buffer[:ex.Start]...)
		suffix := append([]byte(nil), target.buffer[ex.End:]...)

		minimizeOrdering(pieces, sortKeyLess, func(ls [][]byte) bool {
			attempt := append([]byte(nil), prefix...)

			for _, p := range ls {
				attempt = append(attempt, p...)
			}

			attempt = append(attempt, suffix...)

			return s.incorporateNewBuffer(attempt)
		})
	})
}

// minimizeFloats shrinks float draws through the decoded value instead of
// the raw bytes. Float examples are recognized by label and shape: a
// labelled example whose first child is the 8-byte magnitude block.
func (s *Shrinker) minimizeFloats() {
	for i := 0; i < len(s.target.examples); i++ {
		ex := s.target.examples[i]
		if ex.Label != labelFloat || len(ex.Children) != 2 || ex.Children[0].Length() != 8 {
			continue
		}

		u, v := ex.Children[0].Start, ex.Children[0].End

		buf := s.buffer()
		b := append([]byte(nil), buf[u:v]...)
		f := lexToFloat(uint64FromBytes(b))
		b2 := uint64ToBytes(floatToLex(f), 8)

		replace := func(enc []byte) []byte {
			cur := s.buffer()
			attempt := append([]byte(nil), cur[:u]...)
			attempt = append(attempt, enc...)
			attempt = append(attempt, cur[v:]...)

			return attempt
		}

		// Only shrink through the decoded value once the canonical
		// encoding is in place; otherwise decode/encode disagree about
		// what the bytes mean.
		if bytes.Equal(b, b2) || s.considerNewBuffer(replace(b2)) {
			minimizeFloat(f, func(val float64) bool {
				return s.considerNewBuffer(replace(uint64ToBytes(floatToLex(val), 8)))
			})
		}
	}
}

// minimizeDuplicatedBlocks lowers all copies of a repeated value together.
// Values that appear in several blocks usually have to agree (a length
// and the count of drawn elements, say), so shrinking them simultaneously
// succeeds where one at a time cannot.
func (s *Shrinker) minimizeDuplicatedBlocks() {
	// Leading zeros are stripped before comparing so that the same value
	// at different widths still counts as a duplicate.
	canon := func(b []byte) []byte {
		i := 0
		for i < len(b) && b[i] == 0 {
			i++
		}

		return b[i:]
	}

	counts := make(map[string]int)

	for _, blk := range s.blocks() {
		c := canon(s.buffer()[blk.Start:blk.End])
		if len(c) == 0 {
			continue
		}

		counts[string(c)]++
	}

	var duplicated [][]byte

	for b, n := range counts {
		if n > 1 {
			duplicated = append(duplicated, []byte(b))
		}
	}

	// Prefer the blocks with the most total bytes at stake; break ties
	// towards lexicographically larger, which have more room to shrink.
	sort.Slice(duplicated, func(i, j int) bool {
		wi := counts[string(duplicated[i])] * len(duplicated[i])
		wj := counts[string(duplicated[j])] * len(duplicated[j])

		if wi != wj {
			return wi > wj
		}

		return bytes.Compare(duplicated[i], duplicated[j]) > 0
	})

	for _, block := range duplicated {
		var targets []int

		for i, blk := range s.blocks() {
			if bytes.Equal(canon(s.buffer()[blk.Start:blk.End]), block) {
				targets = append(targets, i)
			}
		}

		if len(targets) <= 1 {
			continue
		}

		minimizeLexical(block, func(b []byte) bool {
			return s.tryShrinkingBlocks(targets, b)
		}, false)
	}
}

// minimizeIndividualBlocks runs the lexical minimizer over every block,
// last to first so early shrinks do not invalidate later indices.
func (s *Shrinker) minimizeIndividualBlocks() {
	for i := len(s.blocks()) - 1; i >= 0; i-- {
		if i >= len(s.blocks()) {
			continue
		}

		blk := s.blocks()[i]
		idx := i

		minimizeLexical(s.buffer()[blk.Start:blk.End], func(b []byte) bool {
			return s.tryShrinkingBlocks([]int{idx}, b)
		}, false)
	}
}

// alphabetMinimize replaces whole byte values across the buffer at once.
// Generated data is full of bytes whose exact value is irrelevant;
// normalizing them to small values in bulk is far cheaper than shrinking
// each occurrence separately.
func (s *Shrinker) alphabetMinimize() {
	seen := make(map[byte]struct{})

	var alphabet []byte

	for _, c := range s.buffer() {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			alphabet = append(alphabet, c)
		}
	}

	// Random order mixes likely-to-succeed rare bytes with high-impact
	// common ones without needing to know which is which.
	s.engine.rnd.Shuffle(len(alphabet), func(i, j int) {
		alphabet[i], alphabet[j] = alphabet[j], alphabet[i]
	})

	for _, c := range alphabet {
		if c == 0 || !bytes.Contains(s.buffer(), []byte{c}) {
			continue
		}

		buf := append([]byte(nil), s.buffer()...)

		canReplaceWith := func(d int) bool {
			if d < 0 {
				return false
			}

			attempt := append([]byte(nil), buf...)

			for i, b := range attempt {
				if b == c {
					attempt[i] = byte(d)
				}
			}

			if !s.considerNewBuffer(attempt) {
				return false
			}

			if d <= 1 {
				// Replacing with 0 or 1 worked, so bulk-substitute nearby
				// larger values too: dead bytes tend to come in clusters.
				findInteger(func(k uint64) bool {
					if k > uint64(255-c) {
						return false
					}

					bulk := append([]byte(nil), buf...)

					for i, b := range bulk {
						if b >= c && uint64(b-c) <= k {
							bulk[i] = byte(d)
						}
					}

					return s.considerNewBuffer(bulk)
				})
			}

			return true
		}

		// One cheap probe (c-1) bounds the cost per byte value when the
		// byte is already minimal. 0, 1 and c-2 then establish whether a
		// binary search between them can pay off.
		if !canReplaceWith(int(c)-1) && !canReplaceWith(0) && !canReplaceWith(1) && !canReplaceWith(int(c)-2) {
			continue
		}

		lo := 1
		hi := int(c) - 2

		for lo+1 < hi {
			mid := lo + (hi-lo)/2
			if canReplaceWith(mid) {
				hi = mid
			} else {
				lo = mid
			}
		}
	}
}

// exampleDeletionWithBlockLowering pairs a decrement of a shrinking block
// with deleting one example after it. A stuck size counter often cannot go
// down alone because some element still depends on it; removing an element
// and the count together can.
func (s *Shrinker) exampleDeletionWithBlockLowering() {
	for i := 0; i < len(s.blocks()); i++ {
		if !s.isShrinkingBlock(i) {
			continue
		}

		u, v := s.blocks()[i].Bounds()

		for j := 0; j < len(s.target.examples); j++ {
			n := bigFromBytes(s.buffer()[u:v])
			if n.Sign() == 0 {
				break
			}

			ex := s.target.examples[j]
			if ex.Start < v || ex.Length() == 0 {
				continue
			}

			lowered, ok := bigToBytes(new(big.Int).Sub(n, big.NewInt(1)), v-u)
			if !ok {
				break
			}

			attempt := append([]byte(nil), s.buffer()[:u]...)
			attempt = append(attempt, lowered...)
			attempt = append(attempt, s.buffer()[v:ex.Start]...)
			attempt = append(attempt, s.buffer()[ex.End:]...)

			if s.incorporateNewBuffer(attempt) {
				// Example j was consumed; the next candidate now has its
				// index.
				j--
			}
		}
	}
}

// shrinkOffsetPairs lowers pairs of payload blocks by the same amount,
// preserving their difference. Catches values defined relative to each
// other, like interval endpoints.
func (s *Shrinker) shrinkOffsetPairs() {
	blockValue := func(i int) *big.Int {
		u, v := s.blocks()[i].Bounds()

		return bigFromBytes(s.buffer()[u:v])
	}

	for i := 0; i < len(s.blocks()); i++ {
		if !s.isPayloadBlock(i) || s.blocks()[i].AllZero {
			continue
		}

		for j := i + 1; j < len(s.blocks()); j++ {
			if j >= len(s.blocks()) || !s.isPayloadBlock(j) || s.blocks()[j].AllZero {
				continue
			}

			vi := blockValue(i)
			vj := blockValue(j)

			limit := new(big.Int).Set(vi)
			if vj.Cmp(limit) < 0 {
				limit.Set(vj)
			}

			if limit.Sign() == 0 {
				continue
			}

			reoffset := func(k *big.Int) bool {
				if k.Cmp(limit) > 0 {
					return false
				}

				ui, viEnd := s.blocks()[i].Bounds()
				uj, vjEnd := s.blocks()[j].Bounds()

				bi, ok := bigToBytes(new(big.Int).Sub(vi, k), viEnd-ui)
				if !ok {
					return false
				}

				bj, ok := bigToBytes(new(big.Int).Sub(vj, k), vjEnd-uj)
				if !ok {
					return false
				}

				attempt := append([]byte(nil), s.buffer()...)
				copy(attempt[ui:viEnd], bi)
				copy(attempt[uj:vjEnd], bj)

				return s.considerNewBuffer(attempt)
			}

			findInteger(func(k uint64) bool {
				return reoffset(new(big.Int).SetUint64(k))
			})
		}
	}
}

// minimizeBlockPairsRetainingSum moves value from an earlier block to a
// later equal-width block, keeping the total constant. This is how "x + y
// == 10" failures end up at x == 0 instead of an arbitrary split.
func (s *Shrinker) minimizeBlockPairsRetainingSum() {
	for i := 0; i < len(s.blocks()); i++ {
		if !s.isPayloadBlock(i) {
			continue
		}

		for j := i + 1; j < len(s.blocks()); j++ {
			if j >= len(s.blocks()) || !s.isPayloadBlock(j) {
				continue
			}

			if s.blocks()[i].Length() != s.blocks()[j].Length() {
				continue
			}

			ui, vi := s.blocks()[i].Bounds()
			uj, vj := s.blocks()[j].Bounds()

			valueI := bigFromBytes(s.buffer()[ui:vi])
			valueJ := bigFromBytes(s.buffer()[uj:vj])

			if valueI.Sign() == 0 {
				continue
			}

			trial := func(k *big.Int) bool {
				if k.Cmp(valueI) > 0 {
					return false
				}

				bi, ok := bigToBytes(new(big.Int).Sub(valueI, k), vi-ui)
				if !ok {
					return false
				}

				bj, ok := bigToBytes(new(big.Int).Add(valueJ, k), vj-uj)
				if !ok {
					return false
				}

				attempt := append([]byte(nil), s.buffer()...)
				copy(attempt[ui:vi], bi)
				copy(attempt[uj:vj], bj)

				return s.considerNewBuffer(attempt)
			}

			findInteger(func(k uint64) bool {
				return trial(new(big.Int).SetUint64(k))
			})
		}
	}
}

// blockProgram compiles a tiny rewrite over consecutive blocks: "-"
// decrements a block, "0" zeroes it, "X" deletes it, "." leaves it alone.
// The window slides over every block position and stays put after a
// success, since the rewritten position often supports the same rewrite
// again.
func blockProgram(description string) passFunc {
	return func(s *Shrinker) {
		n := len(description)

		i := 0
		for i+n <= len(s.blocks()) {
			attempt := append([]byte(nil), s.buffer()...)
			failed := false

			for k := n - 1; k >= 0; k-- {
				blk := s.blocks()[i+k]
				u, v := blk.Bounds()

				switch description[k] {
				case '-':
					value := bigFromBytes(attempt[u:v])
					if value.Sign() == 0 {
						failed = true

						break
					}

					lowered, ok := bigToBytes(value.Sub(value, big.NewInt(1)), v-u)
					if !ok {
						failed = true

						break
					}

					copy(attempt[u:v], lowered)
				case 'X':
					attempt = append(attempt[:u], attempt[v:]...)
				case '0':
					for b := u; b < v; b++ {
						attempt[b] = 0
					}
				case '.':
					// Leave unchanged.
				default:
					panic("conject: unknown block program command " + string(description[k]))
				}

				if failed {
					break
				}
			}

			if failed || !s.incorporateNewBuffer(attempt) {
				i++
			}
		}
	}
}
