package conject

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"time"
)

// ExitReason records why a run stopped looking for (or shrinking) failures.
type ExitReason int

const (
	// ExitRunning means the run has not stopped yet.
	ExitRunning ExitReason = iota
	// ExitMaxExamples means the configured number of valid examples ran.
	ExitMaxExamples
	// ExitMaxIterations means too many examples were rejected or overran
	// relative to the valid budget.
	ExitMaxIterations
	// ExitMaxShrinks means the shrinker improved the failure the maximum
	// number of times.
	ExitMaxShrinks
	// ExitTimeout means the configured wall-clock budget ran out.
	ExitTimeout
	// ExitFinished means the whole search space was explored.
	ExitFinished
	// ExitFlaky means a replay contradicted a recorded conclusion.
	ExitFlaky
)

func (r ExitReason) String() string {
	switch r {
	case ExitRunning:
		return "running"
	case ExitMaxExamples:
		return "max_examples"
	case ExitMaxIterations:
		return "max_iterations"
	case ExitMaxShrinks:
		return "max_shrinks"
	case ExitTimeout:
		return "timeout"
	case ExitFinished:
		return "finished"
	case ExitFlaky:
		return "flaky"
	default:
		return "unknown"
	}
}

const (
	// mutationPoolSize bounds how many recent good examples are kept as
	// mutation bases.
	mutationPoolSize = 100
	// maxExampleDepth bounds example nesting before the zero bound kicks
	// in, keeping runaway recursion in generated data under control.
	maxExampleDepth = 100
)

// Runner drives the whole lifecycle for one test function: replaying the
// stored corpus, generating novel inputs, deduplicating failures by origin
// and shrinking each to a minimal reproduction. Everything is strictly
// sequential and deterministic for a fixed seed and deterministic test.
type Runner struct {
	test     TestFunc
	settings Settings
	rnd      *rand.Rand
	tree     *DataTree
	cache    *resultCache

	interesting map[Origin]*Data
	shrunk      map[Origin]struct{}

	callCount    int
	validCount   int
	invalidCount int
	overrunCount int
	shrinkCount  int

	exitReason ExitReason
	fatalErr   error
	startTime  time.Time

	targets *targetSelector

	zeroBoundQueue []*Data
}

// NewRunner returns a runner for test with the given settings. Settings
// are validated lazily by Run.
func NewRunner(test TestFunc, settings Settings) *Runner {
	seed := settings.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	rnd := rand.New(rand.NewSource(seed))

	return &Runner{
		test:        test,
		settings:    settings,
		rnd:         rnd,
		tree:        NewDataTree(),
		cache:       newResultCache(cacheSize(settings)),
		interesting: make(map[Origin]*Data),
		shrunk:      make(map[Origin]struct{}),
		targets:     newTargetSelector(rnd, mutationPoolSize),
	}
}

func cacheSize(settings Settings) int {
	n := settings.MaxExamples * 10
	if n < 1000 {
		n = 1000
	}

	return n
}

// Run executes all enabled phases. It returns a *FlakyError if the test
// contradicted its own recorded behaviour, or the settings validation
// error; exhausting a budget is a normal outcome, not an error.
func (r *Runner) Run() error {
	err := r.settings.validate()
	if err != nil {
		return err
	}

	r.startTime = time.Now()

	r.reuseExistingExamples()
	r.generateNewExamples()
	r.shrinkInterestingExamples()

	if r.exitReason == ExitRunning {
		r.exitWith(ExitFinished)
	}

	r.debugf("run complete: %s, %d calls, %d valid, %d invalid, %d overrun, %d failures",
		r.exitReason, r.callCount, r.validCount, r.invalidCount, r.overrunCount, len(r.interesting))

	return r.fatalErr
}

// Interesting returns the minimal known reproduction for each distinct
// failure origin.
func (r *Runner) Interesting() map[Origin]*Data {
	out := make(map[Origin]*Data, len(r.interesting))
	for k, v := range r.interesting {
		out[k] = v
	}

	return out
}

// ExitReason reports why the run stopped.
func (r *Runner) ExitReason() ExitReason {
	return r.exitReason
}

// CallCount reports how many times the test function ran.
func (r *Runner) CallCount() int {
	return r.callCount
}

func (r *Runner) exitWith(reason ExitReason) {
	if r.exitReason == ExitRunning {
		r.exitReason = reason
	}
}

func (r *Runner) shouldStop() bool {
	return r.exitReason != ExitRunning
}

func (r *Runner) debugf(format string, args ...any) {
	if r.settings.DebugWriter == nil {
		return
	}

	fmt.Fprintf(r.settings.DebugWriter, format+"\n", args...)
}

// testFunction executes the test on d, freezes the result, and updates all
// run accounting: counters, the mutation pool, the interesting map, the
// database, and the exit conditions.
func (r *Runner) testFunction(d *Data) {
	r.callCount++

	r.test(d)
	d.Freeze()

	if d.observerErr != nil {
		r.fatalErr = d.observerErr
		r.exitWith(ExitFlaky)

		return
	}

	switch d.Status() {
	case StatusValid:
		r.validCount++
	case StatusInvalid:
		r.invalidCount++
	case StatusOverrun:
		r.overrunCount++
	case StatusInteresting:
		r.validCount++
	}

	r.targets.add(d)

	if d.hitZeroBound {
		r.zeroBoundQueue = append(r.zeroBoundQueue, d)
	}

	if d.Status() == StatusInteresting {
		origin := d.InterestingOrigin()
		existing, ok := r.interesting[origin]

		if !ok || sortKeyLess(d.buffer, existing.buffer) {
			if ok {
				r.shrinkCount++
				r.downgradeBuffer(existing.buffer)

				if r.shrinkCount >= r.settings.MaxShrinks {
					r.exitWith(ExitMaxShrinks)
				}
			}

			r.interesting[origin] = d
			delete(r.shrunk, origin)
			r.saveBuffer(d.buffer)
		}
	}

	if len(r.interesting) == 0 {
		if r.validCount >= r.settings.MaxExamples {
			r.exitWith(ExitMaxExamples)
		}

		maxIterations := r.settings.MaxExamples * 10
		if maxIterations < 1000 {
			maxIterations = 1000
		}

		if r.callCount >= maxIterations {
			r.exitWith(ExitMaxIterations)
		}
	}

	if r.settings.timeout() > 0 && time.Since(r.startTime) > r.settings.timeout() {
		r.exitWith(ExitTimeout)
	}

	if r.tree.IsExhausted() {
		r.exitWith(ExitFinished)
	}
}

// CachedTestFunction evaluates the buffer, reusing a cached result when the
// exact bytes have run before and skipping execution entirely when the tree
// already knows the outcome.
func (r *Runner) CachedTestFunction(buf []byte) *Data {
	if len(buf) > r.settings.BufferSize {
		buf = buf[:r.settings.BufferSize]
	}

	if d, ok := r.cache.get(buf); ok {
		return d
	}

	rewritten, known := r.tree.Rewrite(buf)
	if known != nil {
		if d, ok := r.cache.get(rewritten); ok {
			r.cache.put(buf, d)

			return d
		}

		if *known == StatusOverrun {
			d := overrunResult(rewritten)
			r.cache.put(buf, d)
			r.cache.put(rewritten, d)

			return d
		}
	}

	if r.shouldStop() {
		// The run is over; report the attempt as unusable without
		// executing anything further.
		return overrunResult(nil)
	}

	d := newDataForBuffer(buf, r.tree.NewObserver())
	r.testFunction(d)

	r.cache.put(buf, d)
	r.cache.put(d.buffer, d)

	return d
}

// overrunResult builds a frozen overrun result without running anything.
func overrunResult(buf []byte) *Data {
	d := newDataForBuffer(nil, nil)
	d.buffer = append([]byte(nil), buf...)
	d.stopWith(StatusOverrun, "")
	d.Freeze()

	return d
}

// reuseExistingExamples replays the stored corpus for this test, smallest
// first, pruning entries that no longer fail.
func (r *Runner) reuseExistingExamples() {
	if !r.settings.phaseEnabled(PhaseReuse) || r.settings.Database == nil {
		return
	}

	corpus, err := r.settings.Database.Fetch(r.settings.DatabaseKey)
	if err != nil {
		r.debugf("cannot fetch stored examples: %v", err)

		return
	}

	sort.Slice(corpus, func(i, j int) bool { return sortKeyLess(corpus[i], corpus[j]) })

	for _, existing := range corpus {
		if r.shouldStop() {
			return
		}

		data := r.CachedTestFunction(existing)
		if data.Status() != StatusInteresting {
			_ = r.settings.Database.Delete(r.settings.DatabaseKey, existing)
			_ = r.settings.Database.Delete(r.secondaryKey(), existing)
		}
	}
}

// generateNewExamples is the main search loop: novel-prefix generation
// while the space is young, then mutation of known-good examples,
// recycling buffers that hit the zero bound in between.
func (r *Runner) generateNewExamples() {
	if !r.settings.phaseEnabled(PhaseGenerate) {
		return
	}

	if r.shouldStop() {
		return
	}

	zeroData := r.CachedTestFunction(make([]byte, r.settings.BufferSize))
	if zeroData.Status() == StatusOverrun ||
		(zeroData.Status() == StatusValid && zeroData.Len()*2 > r.settings.BufferSize) {
		r.debugf("the all-zero example consumes most of the buffer; generation will struggle")
	}

	smallExampleCap := r.settings.MaxExamples / 10
	if smallExampleCap > 50 {
		smallExampleCap = 50
	}

	count := 0
	mutations := 0
	mutator := r.newMutator()

	for !r.shouldStop() && len(r.interesting) == 0 {
		if len(r.zeroBoundQueue) > 0 {
			// A buffer that hit the zero bound wasted most of its draws.
			// Reusing its bytes in a different order often lands in
			// territory that plain prefix generation takes much longer to
			// reach.
			data := r.zeroBoundQueue[len(r.zeroBoundQueue)-1]
			r.zeroBoundQueue = r.zeroBoundQueue[:len(r.zeroBoundQueue)-1]

			buf := append([]byte(nil), data.buffer...)
			r.rnd.Shuffle(len(buf), func(i, j int) {
				buf[i], buf[j] = buf[j], buf[i]
			})

			r.CachedTestFunction(buf)

			continue
		}

		if count <= smallExampleCap || r.targets.empty() {
			if r.tree.IsExhausted() {
				r.exitWith(ExitFinished)

				return
			}

			prefix := r.tree.GenerateNovelPrefix(r.rnd)
			d := newData(r.settings.BufferSize, r.providerWithPrefix(prefix), r.tree.NewObserver())
			r.testFunction(d)
			count++

			continue
		}

		origin := r.targets.next()
		d := newData(r.settings.BufferSize, mutator.drawFor(origin), r.tree.NewObserver())
		r.testFunction(d)

		mutations++

		switch {
		case d.Status() > origin.Status():
			mutations = 0
		case d.Status() < origin.Status() || mutations >= 10:
			// This mutator is not earning its keep on this target.
			mutator = r.newMutator()
			mutations = 0
		}
	}
}

// shrinkInterestingExamples re-verifies then minimizes each failure,
// smallest first.
func (r *Runner) shrinkInterestingExamples() {
	if !r.settings.phaseEnabled(PhaseShrink) || len(r.interesting) == 0 {
		return
	}

	r.debugf("shrinking %d interesting example(s)", len(r.interesting))

	ordered := make([]*Data, 0, len(r.interesting))
	for _, v := range r.interesting {
		ordered = append(ordered, v)
	}

	sort.Slice(ordered, func(i, j int) bool {
		return sortKeyLess(ordered[i].buffer, ordered[j].buffer)
	})

	// Replaying through the tree surfaces nondeterminism now, before the
	// shrinker builds a tower of conclusions on top of it.
	for _, prev := range ordered {
		if r.shouldStop() {
			return
		}

		d := newDataForBuffer(prev.buffer, r.tree.NewObserver())
		r.testFunction(d)

		if r.fatalErr != nil {
			return
		}
	}

	r.clearSecondaryKey()

	for len(r.shrunk) < len(r.interesting) && !r.shouldStop() {
		var (
			target  Origin
			example *Data
		)

		for k, v := range r.interesting {
			if _, done := r.shrunk[k]; done {
				continue
			}

			if example == nil || sortKeyLess(v.buffer, example.buffer) ||
				(compareSortKey(v.buffer, example.buffer) == 0 && k < target) {
				target = k
				example = v
			}
		}

		r.debugf("shrinking origin %q", target)

		shrinker := newShrinker(r, example, func(d *Data) bool {
			return d.Status() == StatusInteresting && d.InterestingOrigin() == target
		})
		shrinker.Shrink()

		r.shrunk[target] = struct{}{}
	}
}

// Database plumbing. All failures are best-effort: a broken database
// should never break the run.

func (r *Runner) secondaryKey() string {
	return r.settings.DatabaseKey + ".secondary"
}

func (r *Runner) saveBuffer(buf []byte) {
	if r.settings.Database == nil {
		return
	}

	_ = r.settings.Database.Save(r.settings.DatabaseKey, buf)
}

func (r *Runner) downgradeBuffer(buf []byte) {
	if r.settings.Database == nil {
		return
	}

	_ = r.settings.Database.Move(r.settings.DatabaseKey, r.secondaryKey(), buf)
}

// clearSecondaryKey retries superseded buffers that are still smaller than
// the current best, then drops the secondary corpus either way.
func (r *Runner) clearSecondaryKey() {
	if r.settings.Database == nil {
		return
	}

	corpus, err := r.settings.Database.Fetch(r.secondaryKey())
	if err != nil {
		return
	}

	sort.Slice(corpus, func(i, j int) bool { return sortKeyLess(corpus[i], corpus[j]) })

	var best []byte

	for _, v := range r.interesting {
		if best == nil || sortKeyLess(best, v.buffer) {
			best = v.buffer
		}
	}

	for _, c := range corpus {
		if best != nil && sortKeyLess(best, c) {
			_ = r.settings.Database.Delete(r.secondaryKey(), c)

			continue
		}

		if !r.shouldStop() {
			r.CachedTestFunction(c)
		}

		_ = r.settings.Database.Delete(r.secondaryKey(), c)
	}
}

// providerWithPrefix draws from prefix first, then uniform randomness,
// applying the zero bound throughout.
func (r *Runner) providerWithPrefix(prefix []byte) drawProvider {
	offset := 0

	return func(d *Data, n int) []byte {
		out := make([]byte, n)

		took := copy(out, prefix[min(offset, len(prefix)):])
		offset += took

		for i := took; i < n; i++ {
			out[i] = byte(r.rnd.Intn(256))
		}

		return r.zeroBound(d, out)
	}
}

// zeroBound forces draws to zero once a run is too deep or has consumed
// half the buffer, and kills the branch in the tree so generation never
// returns here. Shrinking is length-biased, so letting huge examples
// through just produces failures that take forever to minimize.
func (r *Runner) zeroBound(d *Data, result []byte) []byte {
	if d.maxDepth*2 >= maxExampleDepth || (d.Len()+len(result))*2 >= r.settings.BufferSize {
		if !allZero(result) {
			d.hitZeroBound = true
		}

		d.KillBranch()

		return make([]byte, len(result))
	}

	return result
}

// targetSelector keeps a bounded pool of the best-status examples seen so
// far as bases for mutation. Better statuses evict the whole pool: once
// valid examples exist there is no point mutating invalid ones.
type targetSelector struct {
	rnd        *rand.Rand
	poolSize   int
	bestStatus Status
	fresh      []*Data
	used       []*Data
}

func newTargetSelector(rnd *rand.Rand, poolSize int) *targetSelector {
	return &targetSelector{rnd: rnd, poolSize: poolSize, bestStatus: StatusOverrun}
}

func (t *targetSelector) empty() bool {
	return len(t.fresh) == 0 && len(t.used) == 0
}

func (t *targetSelector) add(d *Data) {
	if d.Status() == StatusInteresting {
		return
	}

	if d.Status() < t.bestStatus {
		return
	}

	if d.Status() > t.bestStatus {
		t.bestStatus = d.Status()
		t.fresh = nil
		t.used = nil
	}

	t.fresh = append(t.fresh, d)

	for len(t.fresh)+len(t.used) > t.poolSize {
		if len(t.used) >= len(t.fresh) {
			t.popRandom(&t.used)
		} else {
			t.popRandom(&t.fresh)
		}
	}
}

func (t *targetSelector) popRandom(list *[]*Data) *Data {
	l := *list
	i := t.rnd.Intn(len(l))
	l[i], l[len(l)-1] = l[len(l)-1], l[i]
	d := l[len(l)-1]
	*list = l[:len(l)-1]

	return d
}

// next prefers examples that have never been mutated.
func (t *targetSelector) next() *Data {
	if len(t.fresh) > 0 {
		d := t.popRandom(&t.fresh)
		t.used = append(t.used, d)

		return d
	}

	return t.used[t.rnd.Intn(len(t.used))]
}

// mutator perturbs a known example. Three byte-level strategies are chosen
// at random per mutator and one of them is applied per draw, so a single
// mutator has a consistent "style" across a run but styles vary between
// runs.
type mutator struct {
	runner *Runner
	draws  []mutatorDraw
}

type mutatorDraw func(target *Data, d *Data, n int) []byte

func (r *Runner) newMutator() *mutator {
	options := []mutatorDraw{
		r.drawNew,
		r.reuseExisting, r.reuseExisting,
		r.drawExisting,
		r.drawSmaller,
		r.drawLarger,
		r.flipBit,
		r.drawZero,
		r.drawMax,
		r.drawConstant,
		r.redrawLast, r.redrawLast,
	}

	m := &mutator{runner: r}
	for i := 0; i < 3; i++ {
		m.draws = append(m.draws, options[r.rnd.Intn(len(options))])
	}

	return m
}

// drawFor returns a provider that mutates target.
func (m *mutator) drawFor(target *Data) drawProvider {
	return func(d *Data, n int) []byte {
		var out []byte

		if d.Len()+n > target.Len() {
			out = m.runner.uniform(n)
		} else {
			out = m.draws[m.runner.rnd.Intn(len(m.draws))](target, d, n)
		}

		return m.runner.zeroBound(d, out)
	}
}

func (r *Runner) uniform(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(r.rnd.Intn(256))
	}

	return out
}

func (r *Runner) drawNew(_ *Data, _ *Data, n int) []byte {
	return r.uniform(n)
}

func existingBytes(target *Data, d *Data, n int) []byte {
	return append([]byte(nil), target.buffer[d.Len():d.Len()+n]...)
}

func (r *Runner) drawExisting(target *Data, d *Data, n int) []byte {
	return existingBytes(target, d, n)
}

func (r *Runner) drawSmaller(target *Data, d *Data, n int) []byte {
	existing := existingBytes(target, d, n)

	u := r.uniform(n)
	if bytes.Compare(u, existing) <= 0 {
		return u
	}

	return r.drawPredecessor(existing)
}

func (r *Runner) drawLarger(target *Data, d *Data, n int) []byte {
	existing := existingBytes(target, d, n)

	u := r.uniform(n)
	if bytes.Compare(u, existing) >= 0 {
		return u
	}

	return r.drawSuccessor(existing)
}

// reuseExisting copies a random same-width block from the buffer drawn so
// far, which concentrates the value distribution the way real data tends
// to.
func (r *Runner) reuseExisting(_ *Data, d *Data, n int) []byte {
	var starts []int

	for _, b := range d.blocks {
		if b.Length() == n {
			starts = append(starts, b.Start)
		}
	}

	if len(starts) == 0 {
		return r.uniform(n)
	}

	s := starts[r.rnd.Intn(len(starts))]

	return append([]byte(nil), d.buffer[s:s+n]...)
}

func (r *Runner) flipBit(target *Data, d *Data, n int) []byte {
	buf := existingBytes(target, d, n)
	i := r.rnd.Intn(n)
	k := r.rnd.Intn(8)
	buf[i] ^= 1 << k

	return buf
}

func (r *Runner) drawZero(_ *Data, _ *Data, n int) []byte {
	return make([]byte, n)
}

func (r *Runner) drawMax(_ *Data, _ *Data, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = 0xff
	}

	return out
}

func (r *Runner) drawConstant(_ *Data, _ *Data, n int) []byte {
	c := byte(r.rnd.Intn(256))
	out := make([]byte, n)

	for i := range out {
		out[i] = c
	}

	return out
}

// redrawLast keeps the target intact up to its final block and redraws
// from there, which retries just the "ending" of an almost-good example.
func (r *Runner) redrawLast(target *Data, d *Data, n int) []byte {
	u := 0
	if len(target.blocks) > 0 {
		u = target.blocks[len(target.blocks)-1].Start
	}

	if d.Len()+n <= u {
		return existingBytes(target, d, n)
	}

	return r.uniform(n)
}

// drawPredecessor returns uniformly random bytes lexicographically at most
// xs.
func (r *Runner) drawPredecessor(xs []byte) []byte {
	out := make([]byte, len(xs))
	strict := false

	for i, x := range xs {
		if !strict {
			c := byte(r.rnd.Intn(int(x) + 1))
			if c < x {
				strict = true
			}

			out[i] = c
		} else {
			out[i] = byte(r.rnd.Intn(256))
		}
	}

	return out
}

// drawSuccessor returns uniformly random bytes lexicographically at least
// xs.
func (r *Runner) drawSuccessor(xs []byte) []byte {
	out := make([]byte, len(xs))
	strict := false

	for i, x := range xs {
		if !strict {
			c := x + byte(r.rnd.Intn(256-int(x)))
			if c > x {
				strict = true
			}

			out[i] = c
		} else {
			out[i] = byte(r.rnd.Intn(256))
		}
	}

	return out
}
