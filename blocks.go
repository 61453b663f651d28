package conject

// Block describes the bytes consumed by a single primitive draw. Blocks
// tile the buffer of a frozen Data exactly: block 0 starts at offset 0,
// each block starts where the previous one ended, and the last block ends
// at the end of the buffer.
type Block struct {
	// Index is the position of this block in the draw sequence.
	Index int
	// Start and End are the byte bounds of the block in the buffer,
	// half-open.
	Start int
	End   int
	// Forced is set when the block's bytes were written by the test
	// machinery rather than drawn from the source of randomness.
	Forced bool
	// AllZero is set when every byte of the block is zero.
	AllZero bool
}

// Length returns the number of bytes in the block.
func (b Block) Length() int {
	return b.End - b.Start
}

// Bounds returns the half-open byte range of the block.
func (b Block) Bounds() (start, end int) {
	return b.Start, b.End
}

// Trivial reports whether the block cannot be shrunk: its bytes are either
// forced or already all zero.
func (b Block) Trivial() bool {
	return b.Forced || b.AllZero
}
