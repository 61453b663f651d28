package conject

// TestFunc is a user test. It draws values from d and concludes by calling
// MarkInteresting (failure), MarkInvalid (rejected input), or simply
// returning (valid). Returning without concluding records a valid run.
type TestFunc func(d *Data)

// DataObserver receives the draw sequence of a run as it happens. The
// engine installs a tree-recording observer; tests may install their own.
//
// DrawBits may return an error to reject the draw as structurally
// misaligned with previously recorded behaviour; the Data then concludes
// StatusInvalid. ConcludeTest may return an error (conventionally a
// *FlakyError) which is surfaced through the Runner.
type DataObserver interface {
	DrawBits(nBits uint, forced bool, value []byte) error
	KillBranch()
	ConcludeTest(status Status, origin Origin) error
}

// drawProvider supplies fresh bytes for a draw during generation. It must
// return exactly nBytes bytes that the caller may retain.
type drawProvider func(d *Data, nBytes int) []byte

// Data records a single execution of a test function: the bytes every draw
// consumed, the block and example structure over them, and the conclusion.
//
// A Data is live while the test runs and frozen afterwards. Once the run
// has stopped (concluded or overrun) all draw methods return zero values
// and consume nothing; once frozen, draw and conclude methods panic.
type Data struct {
	maxLength int
	source    []byte // replay source; nil when generating
	provider  drawProvider
	observer  DataObserver

	buffer       []byte
	blocks       []Block
	examples     []*Example
	exampleStack []*Example
	maxDepth     int
	drawCount    int

	status  Status
	origin  Origin
	stopped bool
	frozen  bool

	invalidAt    *InvalidAt
	observerErr  error
	hitZeroBound bool
}

// ForBuffer returns a Data that replays the given bytes. Draws consume the
// buffer left to right; a draw past the end concludes StatusOverrun.
func ForBuffer(buf []byte) *Data {
	return newDataForBuffer(buf, nil)
}

func newDataForBuffer(buf []byte, obs DataObserver) *Data {
	d := &Data{
		maxLength: len(buf),
		source:    append([]byte(nil), buf...),
		observer:  obs,
	}
	d.openRootExample()

	return d
}

func newData(maxLength int, provider drawProvider, obs DataObserver) *Data {
	d := &Data{
		maxLength: maxLength,
		provider:  provider,
		observer:  obs,
	}
	d.openRootExample()

	return d
}

func (d *Data) openRootExample() {
	root := &Example{Label: labelTop}
	d.examples = append(d.examples, root)
	d.exampleStack = append(d.exampleStack, root)
}

// Stopped reports whether the run has concluded. Strategies that loop on
// drawn values must check this and return early, since draws on a stopped
// Data return zero values indefinitely.
func (d *Data) Stopped() bool {
	return d.stopped
}

// Frozen reports whether the Data has been finalized into a result.
func (d *Data) Frozen() bool {
	return d.frozen
}

// Status returns the conclusion. Only meaningful once the run has stopped.
func (d *Data) Status() Status {
	return d.status
}

// InterestingOrigin returns the failure origin of an interesting result.
func (d *Data) InterestingOrigin() Origin {
	return d.origin
}

// Buffer returns a copy of the bytes consumed so far.
func (d *Data) Buffer() []byte {
	return append([]byte(nil), d.buffer...)
}

// Len returns the number of bytes consumed so far.
func (d *Data) Len() int {
	return len(d.buffer)
}

// Blocks returns the blocks recorded so far. The returned slice is shared;
// callers must not modify it.
func (d *Data) Blocks() []Block {
	return d.blocks
}

// Examples returns the example tree in preorder. Index 0 is the root.
// Triviality is only computed on frozen data.
func (d *Data) Examples() []*Example {
	return d.examples
}

// InvalidAt describes the structural misalignment that invalidated a
// replayed run, or nil.
func (d *Data) InvalidAt() *InvalidAt {
	return d.invalidAt
}

// DrawBits draws an n-bit unsigned integer, n <= 64. It consumes
// (n+7)/8 bytes, of which the top byte is masked down to n%8 bits, so the
// all-zeros buffer always decodes to zero.
func (d *Data) DrawBits(n uint) uint64 {
	if n > 64 {
		panic("conject: DrawBits width exceeds 64")
	}

	b := d.drawRaw(n, nil)
	if b == nil {
		return 0
	}

	return uint64FromBytes(b)
}

// drawBitsForced records a draw whose value was chosen by the caller
// rather than the randomness source.
func (d *Data) drawBitsForced(n uint, value uint64) uint64 {
	if n > 64 {
		panic("conject: DrawBits width exceeds 64")
	}

	b := d.drawRaw(n, uint64ToBytes(value, bitsToBytes(n)))
	if b == nil {
		return 0
	}

	return uint64FromBytes(b)
}

// write records a forced draw of exactly the given bytes.
func (d *Data) write(b []byte) {
	if len(b) == 0 {
		return
	}

	d.drawRaw(uint(8*len(b)), b)
}

// drawRaw is the primitive underneath every draw: it obtains
// bitsToBytes(nBits) bytes (forced, replayed, or from the provider), masks
// them to nBits, reports them to the observer, and records a block and a
// leaf example. It returns nil if the run is or becomes stopped.
func (d *Data) drawRaw(nBits uint, forced []byte) []byte {
	if d.frozen {
		panic("conject: draw on frozen Data")
	}

	if d.stopped {
		return nil
	}

	nBytes := bitsToBytes(nBits)
	if len(d.buffer)+nBytes > d.maxLength {
		d.stopWith(StatusOverrun, "")

		return nil
	}

	var buf []byte

	switch {
	case forced != nil:
		if len(forced) != nBytes {
			panic("conject: forced draw width mismatch")
		}

		buf = append([]byte(nil), forced...)
	case d.source != nil:
		buf = append([]byte(nil), d.source[len(d.buffer):len(d.buffer)+nBytes]...)
	default:
		buf = d.provider(d, nBytes)
		if d.stopped {
			return nil
		}
	}

	maskToWidth(buf, nBits)
	d.drawCount++

	if d.observer != nil {
		err := d.observer.DrawBits(nBits, forced != nil, buf)
		if err != nil {
			var mis *misalignedError
			if asMisaligned(err, &mis) {
				d.invalidAt = &mis.at
			}

			d.stopWith(StatusInvalid, "")

			return nil
		}
	}

	start := len(d.buffer)
	d.buffer = append(d.buffer, buf...)
	d.blocks = append(d.blocks, Block{
		Index:   len(d.blocks),
		Start:   start,
		End:     len(d.buffer),
		Forced:  forced != nil,
		AllZero: allZero(buf),
	})
	d.recordLeafExample(start, len(d.buffer))

	return buf
}

func (d *Data) recordLeafExample(start, end int) {
	parent := d.exampleStack[len(d.exampleStack)-1]
	ex := &Example{
		Label: labelDrawBits,
		Index: len(d.examples),
		Depth: len(d.exampleStack),
		Start: start,
		End:   end,
	}
	parent.Children = append(parent.Children, ex)
	d.examples = append(d.examples, ex)

	if ex.Depth > d.maxDepth {
		d.maxDepth = ex.Depth
	}
}

// StartExample opens a labelled example. Every StartExample must be paired
// with a StopExample, though examples still open when the run concludes are
// closed automatically on freeze.
func (d *Data) StartExample(label uint64) {
	if d.frozen {
		panic("conject: StartExample on frozen Data")
	}

	if d.stopped {
		return
	}

	parent := d.exampleStack[len(d.exampleStack)-1]
	ex := &Example{
		Label: label,
		Index: len(d.examples),
		Depth: len(d.exampleStack),
		Start: len(d.buffer),
	}
	parent.Children = append(parent.Children, ex)
	d.examples = append(d.examples, ex)
	d.exampleStack = append(d.exampleStack, ex)

	if ex.Depth > d.maxDepth {
		d.maxDepth = ex.Depth
	}
}

// StopExample closes the innermost open example. Discarded examples mark
// spans whose bytes did not contribute to the final value, e.g. failed
// rejection-sampling probes; the shrinker deletes them aggressively.
func (d *Data) StopExample(discard bool) {
	if d.frozen {
		panic("conject: StopExample on frozen Data")
	}

	if d.stopped {
		return
	}

	if len(d.exampleStack) <= 1 {
		panic("conject: StopExample without matching StartExample")
	}

	ex := d.exampleStack[len(d.exampleStack)-1]
	d.exampleStack = d.exampleStack[:len(d.exampleStack)-1]
	ex.End = len(d.buffer)
	ex.Discarded = discard
}

// MarkInteresting concludes the run as a failure with the given origin.
// If the run has already stopped (for example by overrunning) the earlier
// conclusion stands and the call is a no-op.
func (d *Data) MarkInteresting(origin Origin) {
	d.concludeUser(StatusInteresting, origin)
}

// MarkInvalid concludes the run as an unsatisfiable input.
func (d *Data) MarkInvalid() {
	d.concludeUser(StatusInvalid, "")
}

// ConcludeTest concludes the run with an explicit status.
func (d *Data) ConcludeTest(status Status, origin Origin) {
	d.concludeUser(status, origin)
}

func (d *Data) concludeUser(status Status, origin Origin) {
	if d.frozen {
		panic("conject: conclude on frozen Data")
	}

	if d.stopped {
		return
	}

	d.stopWith(status, origin)
}

func (d *Data) stopWith(status Status, origin Origin) {
	d.status = status
	d.origin = origin
	d.stopped = true
}

// KillBranch tells the recording observer that no continuation of the
// current draw prefix is worth exploring again.
func (d *Data) KillBranch() {
	if d.stopped || d.observer == nil {
		return
	}

	d.observer.KillBranch()
}

// Freeze finalizes the Data into an immutable result: a still-running test
// is concluded valid, dangling examples are closed, block and example
// triviality is computed, and the conclusion is reported to the observer.
// Freeze is idempotent.
func (d *Data) Freeze() {
	if d.frozen {
		return
	}

	if !d.stopped {
		d.stopWith(StatusValid, "")
	}

	for len(d.exampleStack) > 1 {
		ex := d.exampleStack[len(d.exampleStack)-1]
		d.exampleStack = d.exampleStack[:len(d.exampleStack)-1]
		ex.End = len(d.buffer)
	}

	root := d.exampleStack[0]
	root.End = len(d.buffer)
	d.exampleStack = nil

	d.computeTriviality()
	d.frozen = true

	if d.observer != nil {
		err := d.observer.ConcludeTest(d.status, d.origin)
		if err != nil {
			d.observerErr = err
		}
	}
}

func (d *Data) computeTriviality() {
	// A byte is trivial when its block is forced or zero; an example is
	// trivial when all its bytes are.
	nontrivial := make([]int, len(d.buffer)+1)
	for _, b := range d.blocks {
		v := 0
		if !b.Trivial() {
			v = 1
		}

		for i := b.Start; i < b.End; i++ {
			nontrivial[i+1] = v
		}
	}

	for i := 1; i <= len(d.buffer); i++ {
		nontrivial[i] += nontrivial[i-1]
	}

	for _, ex := range d.examples {
		ex.Trivial = nontrivial[ex.End] == nontrivial[ex.Start]
	}
}
