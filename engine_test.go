package conject

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() Settings {
	s := DefaultSettings()
	s.Seed = 12345
	s.BufferSize = 1024

	return s
}

func Test_Runner_Rejects_Invalid_Settings(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	settings.MaxExamples = 0

	r := NewRunner(func(*Data) {}, settings)

	err := r.Run()
	require.ErrorIs(t, err, errSettingsInvalid)
}

func Test_Runner_Reports_MaxExamples_When_Test_Passes(t *testing.T) {
	t.Parallel()

	r := NewRunner(func(d *Data) {
		d.DrawBits(64)
	}, testSettings())

	require.NoError(t, r.Run())

	assert.Equal(t, ExitMaxExamples, r.ExitReason())
	assert.Empty(t, r.Interesting())
}

func Test_Runner_Reports_Finished_When_Space_Is_Exhausted(t *testing.T) {
	t.Parallel()

	r := NewRunner(func(d *Data) {
		d.DrawBits(1)
	}, testSettings())

	require.NoError(t, r.Run())

	assert.Equal(t, ExitFinished, r.ExitReason())
	assert.Empty(t, r.Interesting())
}

func Test_Runner_Reports_MaxIterations_When_Everything_Is_Invalid(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	settings.MaxExamples = 10

	r := NewRunner(func(d *Data) {
		d.DrawBits(64)
		d.MarkInvalid()
	}, settings)

	require.NoError(t, r.Run())

	assert.Equal(t, ExitMaxIterations, r.ExitReason())
	assert.Equal(t, 1000, r.CallCount())
}

func Test_Runner_Shrinks_Bounded_Integer_To_Boundary(t *testing.T) {
	t.Parallel()

	r := NewRunner(func(d *Data) {
		n := d.DrawInteger(0, 10000)
		if n >= 1000 {
			d.MarkInteresting("too big")
		}
	}, testSettings())

	require.NoError(t, r.Run())

	interesting := r.Interesting()
	require.Len(t, interesting, 1)

	result := interesting["too big"]
	require.NotNil(t, result)

	// The minimal reproduction is the single 14-bit probe encoding exactly
	// 1000, with every rejection probe deleted.
	assert.Equal(t, []byte{0x03, 0xe8}, result.Buffer())

	replay := ForBuffer(result.Buffer())
	assert.Equal(t, int64(1000), replay.DrawInteger(0, 10000))
}

func Test_Runner_Shrinks_Trivial_Failure_To_Zero_Buffer(t *testing.T) {
	t.Parallel()

	r := NewRunner(func(d *Data) {
		d.DrawBits(8)
		d.MarkInteresting("always")
	}, testSettings())

	require.NoError(t, r.Run())

	interesting := r.Interesting()
	require.Len(t, interesting, 1)
	assert.Equal(t, []byte{0}, interesting["always"].Buffer())
}

func Test_Runner_Shrinks_Duplicated_Values_In_Lockstep(t *testing.T) {
	t.Parallel()

	// Exact equality of two independent draws is a rare event; give the
	// generator a bigger budget so mutation can find it reliably.
	settings := testSettings()
	settings.MaxExamples = 2000

	r := NewRunner(func(d *Data) {
		a := d.DrawBits(8)
		b := d.DrawBits(8)

		if a == b && a >= 10 {
			d.MarkInteresting("equal and large")
		}
	}, settings)

	require.NoError(t, r.Run())

	interesting := r.Interesting()
	require.Len(t, interesting, 1)
	assert.Equal(t, []byte{10, 10}, interesting["equal and large"].Buffer())
}

func Test_Runner_Shrinks_Sum_Constraint_To_Canonical_Split(t *testing.T) {
	t.Parallel()

	r := NewRunner(func(d *Data) {
		x := d.DrawBits(8)
		y := d.DrawBits(8)

		if x+y >= 200 {
			d.MarkInteresting("sum too big")
		}
	}, testSettings())

	require.NoError(t, r.Run())

	interesting := r.Interesting()
	require.Len(t, interesting, 1)

	// Block-pair shrinking moves all the weight onto the later draw, then
	// the sum minimizes down to the bound.
	assert.Equal(t, []byte{0, 200}, interesting["sum too big"].Buffer())
}

func Test_Runner_Keeps_Distinct_Origins_Separately(t *testing.T) {
	t.Parallel()

	r := NewRunner(func(d *Data) {
		v := d.DrawBits(8)

		switch {
		case v >= 200:
			d.MarkInteresting("very big")
		case v >= 100:
			d.MarkInteresting("big")
		}
	}, testSettings())

	require.NoError(t, r.Run())

	interesting := r.Interesting()
	require.Len(t, interesting, 2)
	assert.Equal(t, []byte{100}, interesting["big"].Buffer())
	assert.Equal(t, []byte{200}, interesting["very big"].Buffer())
}

func Test_Runner_Is_Deterministic_For_Fixed_Seed(t *testing.T) {
	t.Parallel()

	run := func() (map[Origin]*Data, int) {
		r := NewRunner(func(d *Data) {
			a := d.DrawInteger(0, 1000)
			b := d.DrawInteger(0, 1000)

			if a > 100 && b > a {
				d.MarkInteresting("ordered pair")
			}
		}, testSettings())

		require.NoError(t, r.Run())

		return r.Interesting(), r.CallCount()
	}

	first, firstCalls := run()
	second, secondCalls := run()

	require.Len(t, second, len(first))

	for origin, d := range first {
		other := second[origin]
		require.NotNil(t, other)
		assert.Equal(t, d.Buffer(), other.Buffer())
	}

	assert.Equal(t, firstCalls, secondCalls)
}

func Test_Runner_Surfaces_Flaky_Tests(t *testing.T) {
	t.Parallel()

	calls := 0

	r := NewRunner(func(d *Data) {
		d.DrawBits(8)
		calls++

		if calls == 1 {
			d.MarkInteresting("first origin")
		} else {
			d.MarkInteresting("changed origin")
		}
	}, testSettings())

	err := r.Run()
	require.Error(t, err)
	assert.True(t, IsFlaky(err))
	assert.Equal(t, ExitFlaky, r.ExitReason())
}

func Test_Runner_Tolerates_Failures_That_Stop_Reproducing(t *testing.T) {
	t.Parallel()

	calls := 0

	r := NewRunner(func(d *Data) {
		d.DrawBits(8)
		calls++

		if calls == 1 {
			d.MarkInteresting("transient")
		}
	}, testSettings())

	err := r.Run()
	require.NoError(t, err, "interesting degrading to valid is tolerated")
}

func Test_Runner_Reuses_Stored_Corpus(t *testing.T) {
	t.Parallel()

	db := NewDirDatabase(t.TempDir())

	test := func(d *Data) {
		if d.DrawBits(8) >= 100 {
			d.MarkInteresting("big byte")
		}
	}

	settings := testSettings()
	settings.Database = db
	settings.DatabaseKey = "big-byte"

	first := NewRunner(test, settings)
	require.NoError(t, first.Run())
	require.Len(t, first.Interesting(), 1)

	// A reuse-only run must reproduce the failure from the database alone.
	replaySettings := settings
	replaySettings.Phases = []Phase{PhaseReuse}

	second := NewRunner(test, replaySettings)
	require.NoError(t, second.Run())

	interesting := second.Interesting()
	require.Len(t, interesting, 1)
	assert.Equal(t, []byte{100}, interesting["big byte"].Buffer())
}

func Test_Runner_Prunes_Stale_Corpus_Entries(t *testing.T) {
	t.Parallel()

	db := NewDirDatabase(t.TempDir())
	require.NoError(t, db.Save("passing", []byte{1, 2, 3}))

	settings := testSettings()
	settings.Database = db
	settings.DatabaseKey = "passing"
	settings.Phases = []Phase{PhaseReuse}

	r := NewRunner(func(d *Data) {
		d.DrawBits(8)
	}, settings)

	require.NoError(t, r.Run())

	stored, err := db.Fetch("passing")
	require.NoError(t, err)
	assert.Empty(t, stored, "entries that no longer fail are deleted")
}

func Test_Runner_CachedTestFunction_Skips_Repeat_Executions(t *testing.T) {
	t.Parallel()

	executions := 0

	r := NewRunner(func(d *Data) {
		d.DrawBits(8)
		executions++
	}, testSettings())

	first := r.CachedTestFunction([]byte{7})
	countAfterFirst := executions

	second := r.CachedTestFunction([]byte{7})

	assert.Equal(t, countAfterFirst, executions)
	assert.Same(t, first, second)
}

func Test_Runner_CachedTestFunction_Canonicalizes_Extended_Buffers(t *testing.T) {
	t.Parallel()

	r := NewRunner(func(d *Data) {
		d.DrawBits(8)
		d.MarkInvalid()
	}, testSettings())

	r.CachedTestFunction([]byte{7})
	executionsBefore := r.CallCount()

	// A longer buffer with the same prefix replays a recorded conclusion;
	// the tree rewrite answers it without running the test.
	result := r.CachedTestFunction([]byte{7, 8, 9})

	assert.Equal(t, executionsBefore, r.CallCount())
	assert.Equal(t, StatusInvalid, result.Status())
	assert.Equal(t, []byte{7}, result.Buffer())
}

func Test_TargetSelector_Prefers_Better_Status_Pools(t *testing.T) {
	t.Parallel()

	settings := testSettings()
	r := NewRunner(func(*Data) {}, settings)

	invalid := overrunResult(nil)
	invalid.status = StatusInvalid

	valid := overrunResult(nil)
	valid.status = StatusValid

	r.targets.add(invalid)
	require.False(t, r.targets.empty())

	// A valid example evicts the invalid pool entirely.
	r.targets.add(valid)
	got := r.targets.next()

	assert.Same(t, valid, got)
	assert.Same(t, valid, r.targets.next(), "only the valid example remains")
}
