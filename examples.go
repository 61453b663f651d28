package conject

import "hash/fnv"

// Example is a labelled span of the buffer, recording the hierarchical
// structure of draws: strategies open an example, perform draws (each of
// which records a leaf example around its block), and close it. Examples
// nest strictly; an example's children partition the draws made while it
// was open.
type Example struct {
	// Label identifies the kind of value the example was drawn for.
	// Examples with the same label are presumed structurally exchangeable,
	// which shrink passes exploit.
	Label uint64
	// Index is the position of the example in a preorder traversal.
	// Index 0 is always the root example spanning the whole buffer.
	Index int
	// Depth is the nesting depth; the root has depth 0.
	Depth int
	// Start and End are the half-open byte bounds in the buffer.
	Start int
	End   int
	// Discarded is set when the strategy rejected the drawn value, e.g. a
	// failed rejection-sampling probe. Discarded spans contribute nothing
	// to the final value and can be deleted wholesale.
	Discarded bool
	// Trivial is set on frozen data when every byte in the span is forced
	// or zero, meaning no shrink pass can improve it.
	Trivial bool
	// Children are the examples opened directly inside this one, in order.
	Children []*Example
}

// Length returns the number of bytes the example spans.
func (ex *Example) Length() int {
	return ex.End - ex.Start
}

// labelFromName derives a stable example label from a strategy name.
func labelFromName(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))

	return h.Sum64()
}

// Labels for the draws this package itself performs.
var (
	labelTop          = labelFromName("top")
	labelDrawBits     = labelFromName("draw_bits")
	labelIntegerRange = labelFromName("integer_range")
	labelIntegerProbe = labelFromName("integer_range probe")
	labelBiasedCoin   = labelFromName("biased_coin")
	labelSample       = labelFromName("sampler")
	labelCollection   = labelFromName("collection")
	labelFloat        = labelFromName("float")
	labelString       = labelFromName("string")
	labelBytes        = labelFromName("bytes")
)
