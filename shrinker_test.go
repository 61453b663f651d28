package conject

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// interestingAbove returns a runner and a frozen interesting result for a
// test failing when its first byte is at least bound.
func interestingAbove(t *testing.T, bound uint64, buf []byte) (*Runner, *Data) {
	t.Helper()

	r := NewRunner(func(d *Data) {
		if d.DrawBits(8) >= bound {
			d.MarkInteresting("above bound")
		}
	}, testSettings())

	result := r.CachedTestFunction(buf)
	require.Equal(t, StatusInteresting, result.Status())

	return r, result
}

func Test_PassQueue_Prefers_Fresh_And_Reliable_Passes(t *testing.T) {
	t.Parallel()

	fresh := &shrinkPass{name: "fresh", index: 3}
	reliable := &shrinkPass{name: "reliable", index: 1, runs: 2, successes: 2}
	flaky := &shrinkPass{name: "flaky", index: 0, runs: 2, successes: 1, calls: 5}
	cheap := &shrinkPass{name: "cheap", index: 2, runs: 2, successes: 1, calls: 3}

	q := &passQueue{}
	for _, p := range []*shrinkPass{flaky, reliable, fresh, cheap} {
		heap.Push(q, p)
	}

	var order []string
	for q.Len() > 0 {
		order = append(order, heap.Pop(q).(*shrinkPass).name)
	}

	assert.Equal(t, []string{"fresh", "reliable", "cheap", "flaky"}, order)
}

func Test_Shrinker_RunShrinkPass_Regrades_On_Evidence(t *testing.T) {
	t.Parallel()

	engine, initial := interestingAbove(t, 100, []byte{231})
	s := newShrinker(engine, initial, func(d *Data) bool {
		return d.Status() == StatusInteresting
	})

	// A pass that burns a call without shrinking has never succeeded, so it
	// drops to avoid.
	s.addPass("useless", func(s *Shrinker) {
		s.cachedTestFunction([]byte{5})
	}, classCandidate)
	s.runShrinkPassNamed("useless")
	assert.Equal(t, classAvoid, s.passesByName["useless"].class)

	// A pass that shrinks gets promoted to hopeful.
	s.addPass("useful", func(s *Shrinker) {
		s.incorporateNewBuffer([]byte{120})
	}, classCandidate)
	s.runShrinkPassNamed("useful")
	assert.Equal(t, classHopeful, s.passesByName["useful"].class)

	// An avoided pass earns its way back one grade at a time.
	s.addPass("recovering", func(s *Shrinker) {
		s.incorporateNewBuffer([]byte{110})
	}, classAvoid)
	s.runShrinkPassNamed("recovering")
	assert.Equal(t, classDubious, s.passesByName["recovering"].class)

	// A pass that makes no calls keeps its grade.
	s.addPass("idle", func(*Shrinker) {}, classCandidate)
	s.runShrinkPassNamed("idle")
	assert.Equal(t, classCandidate, s.passesByName["idle"].class)
}

func Test_Shrinker_IncorporateNewBuffer_Only_Accepts_Improvements(t *testing.T) {
	t.Parallel()

	engine, initial := interestingAbove(t, 100, []byte{200})
	s := newShrinker(engine, initial, func(d *Data) bool {
		return d.Status() == StatusInteresting
	})

	// Larger or equal buffers are rejected without running anything.
	calls := s.calls()
	assert.False(t, s.incorporateNewBuffer([]byte{200}))
	assert.False(t, s.incorporateNewBuffer([]byte{201}))
	assert.Equal(t, calls, s.calls())

	// A smaller buffer that still fails becomes the target.
	assert.True(t, s.incorporateNewBuffer([]byte{150}))
	assert.Equal(t, []byte{150}, s.buffer())

	// A smaller buffer that passes does not.
	assert.False(t, s.incorporateNewBuffer([]byte{50}))
	assert.Equal(t, []byte{150}, s.buffer())
}

func Test_Shrinker_RemoveDiscarded_Deletes_Rejection_Probes(t *testing.T) {
	t.Parallel()

	// Range [0, 4] rejects 3-bit probes above 4. Buffer: one failed probe
	// (7), then an accepted 4.
	r := NewRunner(func(d *Data) {
		if d.DrawInteger(0, 4) == 4 {
			d.MarkInteresting("max value")
		}
	}, testSettings())

	result := r.CachedTestFunction([]byte{0x07, 0x04})
	require.Equal(t, StatusInteresting, result.Status())

	s := newShrinker(r, result, func(d *Data) bool {
		return d.Status() == StatusInteresting
	})
	s.removeDiscarded()

	assert.Equal(t, []byte{0x04}, s.buffer())
}

func Test_Shrinker_Shrink_Tries_All_Zeros_First(t *testing.T) {
	t.Parallel()

	engine, initial := interestingAbove(t, 0, []byte{37})
	s := newShrinker(engine, initial, func(d *Data) bool {
		return d.Status() == StatusInteresting
	})

	callsBefore := s.calls()
	s.Shrink()

	assert.Equal(t, []byte{0}, s.buffer())
	assert.Equal(t, 1, s.calls()-callsBefore, "the zero buffer should end the shrink immediately")
}
