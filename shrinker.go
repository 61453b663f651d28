package conject

import (
	"bytes"
	"container/heap"
	"fmt"
	"math/big"
	"sort"
)

// passClass grades how much a shrink pass is currently expected to earn
// its keep. The grades drive scheduling: hopeful passes run freely,
// candidates get one trial per iteration, dubious and avoid passes run
// only when everything else is stuck, and special passes are invoked by
// name rather than queued.
type passClass int

const (
	classCandidate passClass = iota
	classHopeful
	classDubious
	classAvoid
	classSpecial
)

func (c passClass) String() string {
	switch c {
	case classCandidate:
		return "candidate"
	case classHopeful:
		return "hopeful"
	case classDubious:
		return "dubious"
	case classAvoid:
		return "avoid"
	case classSpecial:
		return "special"
	default:
		return "unknown"
	}
}

type passFunc func(s *Shrinker)

type shrinkPass struct {
	name      string
	run       passFunc
	index     int
	class     passClass
	successes int
	runs      int
	calls     int
	shrinks   int
}

func (p *shrinkPass) failures() int {
	return p.runs - p.successes
}

// passQueue is a min-heap ordering passes by how little work they have
// done and how rarely they have disappointed: fewer runs first, then fewer
// failures, then fewer calls, then registration order.
type passQueue []*shrinkPass

func (q passQueue) Len() int { return len(q) }

func (q passQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.runs != b.runs {
		return a.runs < b.runs
	}

	if a.failures() != b.failures() {
		return a.failures() < b.failures()
	}

	if a.calls != b.calls {
		return a.calls < b.calls
	}

	return a.index < b.index
}

func (q passQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *passQueue) Push(x any) { *q = append(*q, x.(*shrinkPass)) }

func (q *passQueue) Pop() any {
	old := *q
	n := len(old)
	p := old[n-1]
	*q = old[:n-1]

	return p
}

// Shrinker minimizes one interesting result to the shortlex-smallest
// buffer that still satisfies its predicate. All mutation goes through
// incorporateNewBuffer, so the invariant that the target only ever gets
// strictly smaller holds no matter what the individual passes do.
type Shrinker struct {
	engine    *Runner
	predicate func(*Data) bool
	target    *Data

	initialSize  int
	initialCalls int
	shrinks      int

	passes       []*shrinkPass
	passesByName map[string]*shrinkPass
	queues       map[passClass]*passQueue

	shrinkingPrefixes   map[string]struct{}
	shrinkingBlockCache map[int]bool
	changedBlocks       map[int]struct{}
}

func newShrinker(engine *Runner, initial *Data, predicate func(*Data) bool) *Shrinker {
	s := &Shrinker{
		engine:            engine,
		predicate:         predicate,
		initialSize:       initial.Len(),
		initialCalls:      engine.callCount,
		passesByName:      make(map[string]*shrinkPass),
		shrinkingPrefixes: make(map[string]struct{}),
		changedBlocks:     make(map[int]struct{}),
	}
	s.updateShrinkTarget(initial)
	s.shrinks = 0

	for _, p := range defaultPasses {
		s.addPass(p.name, p.run, classCandidate)
	}

	for _, p := range emergencyPasses {
		s.addPass(p.name, p.run, classAvoid)
	}

	s.addPass("lowerCommonBlockOffset", (*Shrinker).lowerCommonBlockOffset, classSpecial)
	s.addPass("removeDiscarded", (*Shrinker).removeDiscarded, classSpecial)

	return s
}

func (s *Shrinker) addPass(name string, run passFunc, class passClass) {
	p := &shrinkPass{name: name, run: run, index: len(s.passes), class: class}
	s.passes = append(s.passes, p)
	s.passesByName[name] = p
}

func (s *Shrinker) buffer() []byte {
	return s.target.buffer
}

func (s *Shrinker) blocks() []Block {
	return s.target.blocks
}

func (s *Shrinker) calls() int {
	return s.engine.callCount
}

func (s *Shrinker) debugf(format string, args ...any) {
	s.engine.debugf(format, args...)
}

// considerNewBuffer is incorporateNewBuffer minus the pointless call when
// the attempt is what we already have.
func (s *Shrinker) considerNewBuffer(buf []byte) bool {
	return bytes.HasPrefix(buf, s.buffer()) || s.incorporateNewBuffer(buf)
}

// incorporateNewBuffer runs buf through the engine and adopts the result
// as the new target if it satisfies the predicate and is strictly
// shortlex-smaller. This is the only way the target changes.
func (s *Shrinker) incorporateNewBuffer(buf []byte) bool {
	buf = append([]byte(nil), buf...)
	if len(buf) > s.target.Len() {
		buf = buf[:s.target.Len()]
	}

	if compareSortKey(buf, s.buffer()) >= 0 {
		return false
	}

	if bytes.HasPrefix(s.buffer(), buf) {
		return false
	}

	previous := s.target
	s.cachedTestFunction(buf)

	return previous != s.target
}

// cachedTestFunction executes buf (through the engine's cache) and feeds
// the result to incorporation.
func (s *Shrinker) cachedTestFunction(buf []byte) *Data {
	result := s.engine.CachedTestFunction(buf)
	s.incorporateTestData(result)

	return result
}

func (s *Shrinker) incorporateTestData(data *Data) bool {
	if data == s.target {
		return false
	}

	if s.predicate(data) && sortKeyLess(data.buffer, s.buffer()) {
		s.updateShrinkTarget(data)

		return true
	}

	return false
}

func (s *Shrinker) updateShrinkTarget(newTarget *Data) {
	if !newTarget.frozen {
		panic("conject: shrink target must be frozen")
	}

	if s.target != nil {
		s.shrinks++

		current := s.target.buffer
		next := newTarget.buffer

		if !sameBlockStructure(s.target.blocks, newTarget.blocks) {
			s.clearChangeTracking()
		} else {
			for i, b := range s.target.blocks {
				if _, ok := s.changedBlocks[i]; ok {
					continue
				}

				if !bytes.Equal(current[b.Start:b.End], next[b.Start:b.End]) {
					s.changedBlocks[i] = struct{}{}
				}
			}
		}
	}

	s.target = newTarget
	s.shrinkingBlockCache = make(map[int]bool)
}

func sameBlockStructure(a, b []Block) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i].Start != b[i].Start || a[i].End != b[i].End {
			return false
		}
	}

	return true
}

func (s *Shrinker) clearChangeTracking() {
	s.changedBlocks = make(map[int]struct{})
}

// markShrinking records that the given blocks are being actively lowered,
// by remembering the buffer prefix up to each block. Blocks at the same
// prefix in later targets count as shrinking too, which lets deletion
// passes coordinate with lowering passes across target changes.
func (s *Shrinker) markShrinking(blocks []int) {
	t := s.target
	for _, i := range blocks {
		if done, ok := s.shrinkingBlockCache[i]; ok && done {
			continue
		}

		s.shrinkingBlockCache[i] = true
		s.shrinkingPrefixes[string(t.buffer[:t.blocks[i].Start])] = struct{}{}
	}
}

func (s *Shrinker) isShrinkingBlock(i int) bool {
	if v, ok := s.shrinkingBlockCache[i]; ok {
		return v
	}

	t := s.target
	_, ok := s.shrinkingPrefixes[string(t.buffer[:t.blocks[i].Start])]
	s.shrinkingBlockCache[i] = ok

	return ok
}

// isPayloadBlock reports whether block i holds drawn data rather than
// structure the shrinker is relying on.
func (s *Shrinker) isPayloadBlock(i int) bool {
	return !s.blocks()[i].Forced && !s.isShrinkingBlock(i)
}

// Shrink runs the whole minimization. On return, the target is at a local
// minimum of every pass (or the engine asked to stop).
func (s *Shrinker) Shrink() {
	// An all-zero buffer of the right length is the global minimum for
	// most failures; try it before anything clever.
	if allZero(s.buffer()) || s.incorporateNewBuffer(make([]byte, s.target.Len())) {
		return
	}

	s.greedyShrink()

	s.debugf(
		"shrinking complete: %d shrinks, %d bytes deleted, %d calls",
		s.shrinks, s.initialSize-s.target.Len(), s.calls()-s.initialCalls,
	)

	for _, p := range s.passes {
		if p.runs > 0 {
			s.debugf(
				"  pass %s (%s): %d runs, %d calls, %d shrinks",
				p.name, p.class, p.runs, p.calls, p.shrinks,
			)
		}
	}
}

// greedyShrink iterates to a fixed point. After every productive iteration
// the common offset of the blocks that iteration changed is lowered, which
// resolves the frequent case where several values must move in lockstep.
func (s *Shrinker) greedyShrink() {
	for s.singleGreedyShrinkIteration() {
		if s.engine.shouldStop() {
			return
		}

		s.runShrinkPassNamed("lowerCommonBlockOffset")
	}
}

// singleGreedyShrinkIteration runs passes by grade until something shrinks
// or every pass has had its chance. Returns whether progress was made.
func (s *Shrinker) singleGreedyShrinkIteration() bool {
	initialShrinks := s.shrinks
	initialLength := s.target.Len()

	s.requeuePasses()

	s.runShrinkPassNamed("removeDiscarded")

	for s.queueLen(classHopeful) > 0 {
		if s.engine.shouldStop() {
			return false
		}

		s.runShrinkPass(s.popQueued(classHopeful))
	}

	// If the hopeful passes deleted data, bank the progress: restarting
	// pays better than speculating with unproven passes on a stale view.
	if s.shrinks != initialShrinks && s.target.Len() < initialLength {
		return true
	}

	if s.queueLen(classCandidate) > 0 {
		s.runShrinkPass(s.popQueued(classCandidate))
	}

	for s.shrinks == initialShrinks &&
		(s.queueLen(classDubious) > 0 || s.queueLen(classCandidate) > 0 || s.queueLen(classAvoid) > 0) {
		if s.engine.shouldStop() {
			return false
		}

		for _, class := range []passClass{classDubious, classCandidate, classAvoid} {
			if s.queueLen(class) > 0 {
				s.runShrinkPass(s.popQueued(class))

				break
			}
		}
	}

	return s.shrinks != initialShrinks
}

func (s *Shrinker) requeuePasses() {
	s.queues = make(map[passClass]*passQueue)

	for _, p := range s.passes {
		if p.class == classSpecial {
			continue
		}

		q, ok := s.queues[p.class]
		if !ok {
			q = &passQueue{}
			s.queues[p.class] = q
		}

		heap.Push(q, p)
	}
}

func (s *Shrinker) queueLen(class passClass) int {
	q, ok := s.queues[class]
	if !ok {
		return 0
	}

	return q.Len()
}

func (s *Shrinker) popQueued(class passClass) *shrinkPass {
	q := s.queues[class]

	return heap.Pop(q).(*shrinkPass)
}

func (s *Shrinker) runShrinkPassNamed(name string) {
	p, ok := s.passesByName[name]
	if !ok {
		panic(fmt.Sprintf("conject: unknown shrink pass %q", name))
	}

	s.runShrinkPass(p)
}

// runShrinkPass runs one pass to completion, then regrades it on the
// evidence: a pass that shrank something is hopeful (or promoted out of
// avoid one step at a time), a pass that burned calls for nothing is
// dubious if it ever worked and avoided if it never has.
func (s *Shrinker) runShrinkPass(p *shrinkPass) {
	s.debugf("shrink pass %s", p.name)

	initialShrinks := s.shrinks
	initialCalls := s.calls()

	p.run(s)

	calls := s.calls() - initialCalls
	shrinks := s.shrinks - initialShrinks
	p.calls += calls
	p.shrinks += shrinks
	p.runs++

	if p.class == classSpecial || calls == 0 {
		return
	}

	if shrinks > 0 {
		p.successes++

		if p.class == classAvoid {
			p.class = classDubious
		} else {
			p.class = classHopeful
		}
	} else {
		if p.successes > 0 {
			p.class = classDubious
		} else {
			p.class = classAvoid
		}
	}
}

// tryShrinkingBlocks replaces every listed block with b (right-aligned,
// truncated to each block's width) and tries to rescue the attempt if the
// test then finishes early: a shorter valid run means the blocks steered
// how much data was drawn, so matching regions after the replaced span are
// deleted to restore a well-formed, now shorter, buffer.
func (s *Shrinker) tryShrinkingBlocks(blockIndices []int, b []byte) bool {
	target := s.target
	attempt := append([]byte(nil), target.buffer...)

	live := blockIndices[:0:0]

	for _, bi := range blockIndices {
		if bi >= len(target.blocks) {
			break
		}

		live = append(live, bi)
		u, v := target.blocks[bi].Bounds()

		n := v - u
		if len(b) < n {
			n = len(b)
		}

		copy(attempt[v-n:v], b[len(b)-n:])
	}

	if len(live) == 0 {
		return false
	}

	start := target.blocks[live[0]].Start
	end := target.blocks[live[len(live)-1]].End

	initialData := s.cachedTestFunction(attempt)

	if initialData.Status() == StatusInteresting {
		return initialData == s.target
	}

	if initialData.Status() < StatusValid {
		return false
	}

	lostData := target.Len() - initialData.Len()
	if lostData <= 0 {
		return false
	}

	s.markShrinking(live)

	type region struct{ u, v int }

	regions := []region{{end, end + lostData}}

	for _, ex := range target.examples {
		if ex.Start > start || ex.End <= end || ex.Index >= len(initialData.examples) {
			continue
		}

		replacement := initialData.examples[ex.Index]

		var inOriginal, inReplaced []*Example

		for _, c := range ex.Children {
			if c.Start >= end {
				inOriginal = append(inOriginal, c)
			}
		}

		for _, c := range replacement.Children {
			if c.Start >= end {
				inReplaced = append(inReplaced, c)
			}
		}

		if len(inReplaced) >= len(inOriginal) {
			continue
		}

		// The shrunk run drew fewer children here; delete the surplus from
		// the front, keeping as many trailing children as survived.
		cut := len(inOriginal) - len(inReplaced)
		regions = append(regions, region{inOriginal[0].Start, inOriginal[cut-1].End})
	}

	// Largest deletions first.
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].v-regions[i].u > regions[j].v-regions[j].u
	})

	for _, r := range regions {
		if r.u < 0 || r.v > len(attempt) || r.u >= r.v {
			continue
		}

		withDeleted := append([]byte(nil), attempt[:r.u]...)
		withDeleted = append(withDeleted, attempt[r.v:]...)

		if s.incorporateNewBuffer(withDeleted) {
			return true
		}
	}

	return false
}

// lowerCommonBlockOffset shifts every recently changed non-trivial block
// down by a common offset. Lockstep values (a size and a count, say) often
// cannot move one at a time; moving them together can.
func (s *Shrinker) lowerCommonBlockOffset() {
	if len(s.changedBlocks) <= 1 {
		return
	}

	target := s.target

	var changed []int

	for i := range s.changedBlocks {
		if i < len(target.blocks) && !target.blocks[i].Trivial() {
			changed = append(changed, i)
		}
	}

	if len(changed) == 0 {
		s.clearChangeTracking()

		return
	}

	sort.Ints(changed)

	ints := make([]*big.Int, len(changed))

	offset := (*big.Int)(nil)

	for k, i := range changed {
		u, v := target.blocks[i].Bounds()
		ints[k] = bigFromBytes(target.buffer[u:v])

		if offset == nil || ints[k].Cmp(offset) < 0 {
			offset = new(big.Int).Set(ints[k])
		}
	}

	if offset.Sign() == 0 {
		s.clearChangeTracking()

		return
	}

	for _, v := range ints {
		v.Sub(v, offset)
	}

	reoffset := func(o *big.Int) bool {
		attempt := append([]byte(nil), target.buffer...)

		for k, i := range changed {
			u, v := target.blocks[i].Bounds()

			nv := new(big.Int).Add(ints[k], o)

			bs, ok := bigToBytes(nv, v-u)
			if !ok {
				return false
			}

			copy(attempt[u:v], bs)
		}

		return s.incorporateNewBuffer(attempt)
	}

	minimizeInteger(offset, func(o *big.Int) bool {
		return o.Cmp(offset) == 0 || reoffset(o)
	}, false)

	s.clearChangeTracking()
}

// removeDiscarded deletes every discarded example in one attempt, looping
// while the test keeps accepting. Discarded spans are rejection-sampling
// misses; removing them is almost free progress, which is why this runs
// unconditionally at the top of every iteration.
func (s *Shrinker) removeDiscarded() {
	for {
		type span struct{ u, v int }

		var discarded []span

		for _, ex := range s.target.examples {
			if !ex.Discarded || ex.End <= ex.Start {
				continue
			}

			if len(discarded) > 0 && ex.Start < discarded[len(discarded)-1].v {
				continue
			}

			discarded = append(discarded, span{ex.Start, ex.End})
		}

		if len(discarded) == 0 {
			return
		}

		attempt := make([]byte, 0, s.target.Len())
		prev := 0

		for _, d := range discarded {
			attempt = append(attempt, s.buffer()[prev:d.u]...)
			prev = d.v
		}

		attempt = append(attempt, s.buffer()[prev:]...)

		if !s.incorporateNewBuffer(attempt) {
			return
		}
	}
}
