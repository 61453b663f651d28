package conject

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Data_DrawBits_Consumes_Big_Endian_Bytes(t *testing.T) {
	t.Parallel()

	d := ForBuffer([]byte{0x01, 0x02, 0x03})

	assert.Equal(t, uint64(0x0102), d.DrawBits(16))
	assert.Equal(t, uint64(0x03), d.DrawBits(8))
	assert.Equal(t, 3, d.Len())
}

func Test_Data_DrawBits_Masks_Partial_High_Byte(t *testing.T) {
	t.Parallel()

	d := ForBuffer([]byte{0xff, 0xff})

	// 10 bits keep only the low 2 bits of the first byte.
	assert.Equal(t, uint64(0x03ff), d.DrawBits(10))
	assert.Equal(t, []byte{0x03, 0xff}, d.Buffer())
}

func Test_Data_DrawBits_Concludes_Overrun_Past_Buffer_End(t *testing.T) {
	t.Parallel()

	d := ForBuffer([]byte{0xaa})

	assert.Equal(t, uint64(0xaa), d.DrawBits(8))
	assert.Equal(t, uint64(0), d.DrawBits(8))
	assert.True(t, d.Stopped())
	assert.Equal(t, StatusOverrun, d.Status())

	// The overrun draw consumed nothing.
	assert.Equal(t, 1, d.Len())
}

func Test_Data_Draws_Return_Zero_Once_Stopped(t *testing.T) {
	t.Parallel()

	d := ForBuffer([]byte{0xff, 0xff, 0xff})
	d.MarkInvalid()

	assert.True(t, d.Stopped())
	assert.Equal(t, uint64(0), d.DrawBits(8))
	assert.Equal(t, int64(0), d.DrawInteger(0, 100))
	assert.Equal(t, 0, d.Len())
}

func Test_Data_Conclude_After_Stop_Keeps_First_Conclusion(t *testing.T) {
	t.Parallel()

	d := ForBuffer([]byte{1})
	d.MarkInteresting("first")
	d.MarkInvalid()

	assert.Equal(t, StatusInteresting, d.Status())
	assert.Equal(t, Origin("first"), d.InterestingOrigin())
}

func Test_Data_Operations_Panic_When_Frozen(t *testing.T) {
	t.Parallel()

	d := ForBuffer([]byte{1, 2, 3})
	d.DrawBits(8)
	d.Freeze()

	require.True(t, d.Frozen())
	assert.Panics(t, func() { d.DrawBits(8) })
	assert.Panics(t, func() { d.MarkInvalid() })
	assert.Panics(t, func() { d.StartExample(labelTop) })
	assert.Panics(t, func() { d.StopExample(false) })
}

func Test_Data_Freeze_Concludes_Valid_And_Is_Idempotent(t *testing.T) {
	t.Parallel()

	d := ForBuffer([]byte{1})
	d.DrawBits(8)
	d.Freeze()
	d.Freeze()

	assert.Equal(t, StatusValid, d.Status())
	assert.True(t, d.Frozen())
}

func Test_Data_Records_One_Block_Per_Draw(t *testing.T) {
	t.Parallel()

	d := ForBuffer([]byte{0x00, 0xab, 0xcd, 0x00})
	d.DrawBits(8)
	d.DrawBits(16)
	d.write([]byte{0x07})
	d.Freeze()

	blocks := d.Blocks()
	require.Len(t, blocks, 3)

	assert.Equal(t, Block{Index: 0, Start: 0, End: 1, AllZero: true}, blocks[0])
	assert.Equal(t, Block{Index: 1, Start: 1, End: 3}, blocks[1])
	assert.Equal(t, Block{Index: 2, Start: 3, End: 4, Forced: true}, blocks[2])

	// Forced draws replace the replay bytes.
	assert.Equal(t, []byte{0x00, 0xab, 0xcd, 0x07}, d.Buffer())
}

func Test_Data_Examples_Nest_And_Close_On_Freeze(t *testing.T) {
	t.Parallel()

	d := ForBuffer([]byte{1, 2, 3})

	d.StartExample(labelFromName("outer"))
	d.DrawBits(8)
	d.StartExample(labelFromName("inner"))
	d.DrawBits(8)
	// Both examples are left open; Freeze closes them.
	d.Freeze()

	examples := d.Examples()
	require.Len(t, examples, 5) // root, outer, leaf, inner, leaf

	root := examples[0]
	assert.Equal(t, 0, root.Depth)
	assert.Equal(t, 2, root.End)

	outer := examples[1]
	assert.Equal(t, 1, outer.Depth)
	assert.Equal(t, 0, outer.Start)
	assert.Equal(t, 2, outer.End)

	inner := examples[3]
	assert.Equal(t, 2, inner.Depth)
	assert.Equal(t, 1, inner.Start)
	assert.Equal(t, 2, inner.End)
}

func Test_Data_StopExample_Marks_Discarded_Spans(t *testing.T) {
	t.Parallel()

	d := ForBuffer([]byte{1, 2})

	d.StartExample(labelFromName("probe"))
	d.DrawBits(8)
	d.StopExample(true)
	d.DrawBits(8)
	d.Freeze()

	examples := d.Examples()

	var discarded int

	for _, ex := range examples {
		if ex.Discarded {
			discarded++
		}
	}

	assert.Equal(t, 1, discarded)
}

func Test_Data_StopExample_Panics_Without_Start(t *testing.T) {
	t.Parallel()

	d := ForBuffer([]byte{1})

	assert.Panics(t, func() { d.StopExample(false) })
}

func Test_Data_Triviality_Tracks_Forced_And_Zero_Blocks(t *testing.T) {
	t.Parallel()

	d := ForBuffer([]byte{0x00, 0xff})

	d.StartExample(labelFromName("zero"))
	d.DrawBits(8)
	d.StopExample(false)

	d.StartExample(labelFromName("nonzero"))
	d.DrawBits(8)
	d.StopExample(false)

	d.Freeze()

	examples := d.Examples()
	require.Len(t, examples, 5)

	assert.False(t, examples[0].Trivial, "root spans a nonzero byte")
	assert.True(t, examples[1].Trivial, "all-zero draw is trivial")
	assert.False(t, examples[3].Trivial)
}

func Test_Data_Freeze_Reports_To_Observer(t *testing.T) {
	t.Parallel()

	tree := NewDataTree()

	d := newDataForBuffer([]byte{5}, tree.NewObserver())
	d.DrawBits(8)
	d.MarkInteresting("boom")
	d.Freeze()

	// Replaying the same buffer through the tree is now fully simulated.
	replay := ForBuffer([]byte{5})
	err := tree.SimulateTestFunction(replay)
	require.NoError(t, err)

	replay.Freeze()
	assert.Equal(t, StatusInteresting, replay.Status())
	assert.Equal(t, Origin("boom"), replay.InterestingOrigin())
}

func labelFromNameHelper(t *testing.T, name string) uint64 {
	t.Helper()

	return labelFromName(name)
}

func Test_LabelFromName_Is_Stable_And_Distinct(t *testing.T) {
	t.Parallel()

	a := labelFromNameHelper(t, "integer_range")
	b := labelFromNameHelper(t, "biased_coin")

	assert.Equal(t, a, labelFromName("integer_range"))
	assert.NotEqual(t, a, b)
}
