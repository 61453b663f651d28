package conject

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// errPreviouslyUnseen reports that a simulated run left recorded territory,
// so the outcome cannot be predicted without executing the test.
var errPreviouslyUnseen = errors.New("behaviour not previously seen")

// misalignedError is returned by the tree observer when a draw request does
// not structurally match the recorded draw at the same position.
type misalignedError struct {
	at InvalidAt
}

func (e *misalignedError) Error() string {
	return "conject: misaligned draw: " + e.at.String()
}

func asMisaligned(err error, target **misalignedError) bool {
	return errors.As(err, target)
}

// DataTree records every draw sequence the engine has executed, radix-tree
// style: runs of draws with no observed alternatives are stored inline in a
// single node, and a node is split into a branch only when a second value is
// seen at some position. Leaves carry the recorded conclusion.
//
// The tree answers three questions without running the test: is the whole
// search space exhausted, what buffer prefix is guaranteed novel, and what
// would this buffer do if replayed.
type DataTree struct {
	root *treeNode
}

// NewDataTree returns an empty tree.
func NewDataTree() *DataTree {
	return &DataTree{root: &treeNode{}}
}

// IsExhausted reports whether every possible draw sequence has been
// executed or killed. Once true, generating more inputs is pointless.
func (t *DataTree) IsExhausted() bool {
	return t.root.exhausted
}

// treeNode stores a run of draws along which no alternative value has been
// observed. bitLengths and values are parallel; forced holds the indices of
// draws whose value was written rather than drawn (they have no siblings).
type treeNode struct {
	bitLengths []uint
	values     [][]byte
	forced     map[int]struct{}
	transition transition
	exhausted  bool
}

func (n *treeNode) isForced(i int) bool {
	_, ok := n.forced[i]

	return ok
}

func (n *treeNode) markForced(i int) {
	if n.forced == nil {
		n.forced = make(map[int]struct{})
	}

	n.forced[i] = struct{}{}
}

// splitAt turns the draw at index i into a branch, moving the tail of the
// node into a child keyed by the recorded value. Forced markers after i are
// relocated into the child. The draw at i must not be forced, since forced
// draws cannot have siblings.
func (n *treeNode) splitAt(i int) {
	if n.isForced(i) {
		panic("conject: splitAt on forced draw")
	}

	key := n.values[i]

	child := &treeNode{
		bitLengths: append([]uint(nil), n.bitLengths[i+1:]...),
		values:     append([][]byte(nil), n.values[i+1:]...),
		transition: n.transition,
	}

	var keep map[int]struct{}

	for j := range n.forced {
		if j > i {
			child.markForced(j - i - 1)
		} else if j < i {
			if keep == nil {
				keep = make(map[int]struct{})
			}

			keep[j] = struct{}{}
		}
	}

	n.forced = keep
	n.transition = &branchTransition{
		bitLength: n.bitLengths[i],
		children:  map[string]*treeNode{string(key): child},
	}
	n.bitLengths = n.bitLengths[:i]
	n.values = n.values[:i]

	// The relocated tail may already be exhausted (e.g. it is just a
	// conclusion); recompute now since no future run will walk through it.
	child.checkExhausted()
}

// checkExhausted recomputes and returns the node's exhaustion flag. A node
// is exhausted when no novel behaviour can be reached through it: every
// inline draw is forced and the transition is terminal (conclusion or
// killed) or a saturated branch of exhausted children.
func (n *treeNode) checkExhausted() bool {
	if !n.exhausted && n.transition != nil && len(n.forced) == len(n.values) {
		switch tr := n.transition.(type) {
		case *conclusionTransition, *killedTransition:
			n.exhausted = true

			_ = tr
		case *branchTransition:
			if uint64(len(tr.children)) == tr.maxChildren() {
				n.exhausted = true

				for _, c := range tr.children {
					if !c.exhausted {
						n.exhausted = false

						break
					}
				}
			}
		}
	}

	return n.exhausted
}

// transition is what follows a node's inline draws: nothing yet (nil), a
// branch over the next draw, a recorded conclusion, or a killed marker.
type transition interface {
	isTransition()
}

type branchTransition struct {
	bitLength uint
	children  map[string]*treeNode
}

func (*branchTransition) isTransition() {}

func (b *branchTransition) maxChildren() uint64 {
	if b.bitLength >= 64 {
		return math.MaxUint64
	}

	return uint64(1) << b.bitLength
}

type conclusionTransition struct {
	status Status
	origin Origin
}

func (*conclusionTransition) isTransition() {}

// killedTransition marks a point past which the engine has decided never to
// generate again (e.g. the run blew past the buffer cap). Replays through
// it still record into next.
type killedTransition struct {
	next *treeNode
}

func (*killedTransition) isTransition() {}

// NewObserver returns a DataObserver that records a run into the tree.
// Each observer is good for exactly one run.
func (t *DataTree) NewObserver() DataObserver {
	o := &treeObserver{node: t.root}
	o.trail = append(o.trail, t.root)

	return o
}

type treeObserver struct {
	node      *treeNode
	index     int
	trail     []*treeNode
	drawCount int
	killed    bool
	detached  bool
}

func (o *treeObserver) DrawBits(nBits uint, forced bool, value []byte) error {
	if o.detached {
		return nil
	}

	draw := o.drawCount
	o.drawCount++

	for {
		n := o.node
		i := o.index

		if i < len(n.values) {
			if n.bitLengths[i] != nBits {
				o.detached = true

				return &misalignedError{at: InvalidAt{Draw: draw, WantBits: n.bitLengths[i], GotBits: nBits}}
			}

			if n.isForced(i) != forced {
				o.detached = true

				return &misalignedError{at: InvalidAt{Draw: draw, WantBits: nBits, GotBits: nBits, ForcedMismatch: true}}
			}

			if bytes.Equal(n.values[i], value) {
				o.index++

				return nil
			}

			if forced {
				// A forced draw produced a different value than last time at
				// the same position. That is nondeterministic generation.
				o.detached = true

				return &misalignedError{at: InvalidAt{Draw: draw, WantBits: nBits, GotBits: nBits, ForcedMismatch: true}}
			}

			n.splitAt(i)
			branch := n.transition.(*branchTransition)
			child := &treeNode{}
			branch.children[string(append([]byte(nil), value...))] = child
			o.node = child
			o.index = 0
			o.trail = append(o.trail, child)

			return nil
		}

		switch tr := n.transition.(type) {
		case nil:
			n.bitLengths = append(n.bitLengths, nBits)
			n.values = append(n.values, append([]byte(nil), value...))

			if forced {
				n.markForced(i)
			}

			o.index++

			return nil
		case *branchTransition:
			if tr.bitLength != nBits || forced {
				o.detached = true

				return &misalignedError{
					at: InvalidAt{Draw: draw, WantBits: tr.bitLength, GotBits: nBits, ForcedMismatch: forced},
				}
			}

			child, ok := tr.children[string(value)]
			if !ok {
				child = &treeNode{}
				tr.children[string(append([]byte(nil), value...))] = child
			}

			o.node = child
			o.index = 0
			o.trail = append(o.trail, child)

			return nil
		case *killedTransition:
			o.node = tr.next
			o.index = 0
			o.trail = append(o.trail, tr.next)
		case *conclusionTransition:
			// The test previously concluded here but is now drawing more.
			o.detached = true

			return &misalignedError{at: InvalidAt{Draw: draw, WantBits: 0, GotBits: nBits}}
		}
	}
}

func (o *treeObserver) KillBranch() {
	if o.detached || o.killed {
		return
	}

	o.killed = true

	n := o.node
	if o.index < len(n.values) || (n.transition != nil && !isKilled(n.transition)) {
		// Killing mid-record means the test changed its mind about when to
		// give up. Detach rather than corrupt the tree.
		o.detached = true

		return
	}

	if n.transition == nil {
		n.transition = &killedTransition{next: &treeNode{}}
		o.propagateExhaustion()
	}

	next := n.transition.(*killedTransition).next
	o.node = next
	o.index = 0
	o.trail = append(o.trail, next)
}

func isKilled(tr transition) bool {
	_, ok := tr.(*killedTransition)

	return ok
}

func (o *treeObserver) ConcludeTest(status Status, origin Origin) error {
	if o.detached || o.killed {
		return nil
	}

	// Overruns are not conclusions: the same prefix might do anything given
	// a longer buffer.
	if status == StatusOverrun {
		return nil
	}

	n := o.node

	if o.index < len(n.values) {
		o.detached = true

		return &FlakyError{Recorded: StatusValid, Observed: status, ObservedOrigin: origin}
	}

	switch tr := n.transition.(type) {
	case nil:
		n.transition = &conclusionTransition{status: status, origin: origin}
	case *conclusionTransition:
		if tr.status != status || tr.origin != origin {
			// An interesting result degrading to merely valid is the one
			// tolerated inconsistency: failures that depend on external
			// state may stop reproducing, and treating that as fatal would
			// make such tests impossible to run at all.
			if tr.status == StatusInteresting && status == StatusValid {
				break
			}

			o.detached = true

			return &FlakyError{
				Recorded:       tr.status,
				RecordedOrigin: tr.origin,
				Observed:       status,
				ObservedOrigin: origin,
			}
		}
	default:
		o.detached = true

		return &FlakyError{Recorded: StatusValid, Observed: status, ObservedOrigin: origin}
	}

	o.propagateExhaustion()

	return nil
}

func (o *treeObserver) propagateExhaustion() {
	for i := len(o.trail) - 1; i >= 0; i-- {
		if !o.trail[i].checkExhausted() {
			break
		}
	}
}

// GenerateNovelPrefix returns a buffer prefix that is guaranteed to take
// the test into behaviour the tree has not recorded. Must not be called on
// an exhausted tree.
func (t *DataTree) GenerateNovelPrefix(rnd *rand.Rand) []byte {
	if t.IsExhausted() {
		panic("conject: GenerateNovelPrefix on exhausted tree")
	}

	var prefix []byte

	node := t.root

walk:
	for {
		for i, nBits := range node.bitLengths {
			if node.isForced(i) {
				prefix = append(prefix, node.values[i]...)

				continue
			}

			// Any unforced recorded draw has unexplored siblings: flipping
			// it to a different value is immediately novel.
			for {
				k := uniformBytes(rnd, nBits)
				if !bytes.Equal(k, node.values[i]) {
					return append(prefix, k...)
				}
			}
		}

		switch tr := node.transition.(type) {
		case nil:
			return prefix
		case *killedTransition:
			node = tr.next
		case *conclusionTransition:
			panic("conject: novel prefix walked into a conclusion on a non-exhausted path")
		case *branchTransition:
			prefix = t.descendBranch(rnd, tr, &node, prefix)

			if node == nil {
				return prefix
			}

			continue walk
		}
	}
}

// descendBranch picks a branch child for novel-prefix generation: a value
// never seen before ends the search (sets node to nil), a non-exhausted
// child continues it. Rejection sampling is tried first; for narrow draws
// where most values are exhausted it falls back to enumeration.
func (t *DataTree) descendBranch(rnd *rand.Rand, br *branchTransition, node **treeNode, prefix []byte) []byte {
	const maxAttempts = 20

	for attempt := 0; ; attempt++ {
		if attempt >= maxAttempts && br.bitLength <= 16 {
			break
		}

		k := uniformBytes(rnd, br.bitLength)

		child, ok := br.children[string(k)]
		if !ok {
			*node = nil

			return append(prefix, k...)
		}

		if !child.exhausted {
			*node = child

			return append(prefix, k...)
		}
	}

	// Enumerate every possible value; at least one must be novel or lead to
	// a non-exhausted child, or this branch would be exhausted.
	width := bitsToBytes(br.bitLength)
	limit := uint64(1) << br.bitLength

	var candidates []uint64

	for v := uint64(0); v < limit; v++ {
		k := uint64ToBytes(v, width)

		child, ok := br.children[string(k)]
		if !ok || !child.exhausted {
			candidates = append(candidates, v)
		}
	}

	if len(candidates) == 0 {
		panic("conject: branch marked non-exhausted but has no live children")
	}

	v := candidates[rnd.Intn(len(candidates))]
	k := uint64ToBytes(v, width)

	child, ok := br.children[string(k)]
	if !ok {
		*node = nil
	} else {
		*node = child
	}

	return append(prefix, k...)
}

// SimulateTestFunction replays the recorded draws against d without running
// the test. If the recorded path reaches a conclusion, d is concluded the
// same way and nil is returned; if the path leaves recorded territory,
// errPreviouslyUnseen is returned and d must be discarded.
func (t *DataTree) SimulateTestFunction(d *Data) error {
	node := t.root

	for {
		for i, nBits := range node.bitLengths {
			var forced []byte
			if node.isForced(i) {
				forced = node.values[i]
			}

			v := d.drawRaw(nBits, forced)
			if d.stopped {
				return nil
			}

			if !bytes.Equal(v, node.values[i]) {
				return errPreviouslyUnseen
			}
		}

		switch tr := node.transition.(type) {
		case nil:
			return errPreviouslyUnseen
		case *conclusionTransition:
			d.stopWith(tr.status, tr.origin)

			return nil
		case *killedTransition:
			node = tr.next
		case *branchTransition:
			v := d.drawRaw(tr.bitLength, nil)
			if d.stopped {
				return nil
			}

			child, ok := tr.children[string(v)]
			if !ok {
				return errPreviouslyUnseen
			}

			node = child
		}
	}
}

// Rewrite canonicalizes a buffer against the recorded tree: forced draws
// overwrite the corresponding bytes and the buffer is truncated at the
// recorded conclusion. If the buffer's behaviour is fully recorded, the
// known status is returned alongside; otherwise status is nil and the
// buffer is returned unchanged.
func (t *DataTree) Rewrite(buf []byte) ([]byte, *Status) {
	d := ForBuffer(buf)

	err := t.SimulateTestFunction(d)
	if err != nil {
		return buf, nil
	}

	d.Freeze()
	status := d.status

	return d.buffer, &status
}

// String renders a compact summary for debugging.
func (t *DataTree) String() string {
	return fmt.Sprintf("DataTree(exhausted=%v)", t.IsExhausted())
}
