package conject

import (
	"errors"
	"fmt"
)

var (
	errSettingsInvalid      = errors.New("invalid settings")
	errSettingsFileNotFound = errors.New("settings file not found")
	errSettingsFileRead     = errors.New("cannot read settings file")
	errDatabaseCorrupt      = errors.New("database entry unreadable")
)

// Origin identifies a distinct way a test can fail. Two interesting results
// with the same origin are treated as the same bug for deduplication and
// shrinking purposes.
type Origin string

// FlakyError reports that replaying a previously recorded draw sequence
// produced a contradictory outcome. The engine cannot shrink or even trust a
// failure it cannot reproduce, so this aborts the run.
type FlakyError struct {
	// Recorded is the conclusion stored in the choice tree.
	Recorded Status
	// Observed is the conclusion the rerun produced.
	Observed Status
	// RecordedOrigin and ObservedOrigin are set when the respective
	// conclusion was interesting.
	RecordedOrigin Origin
	ObservedOrigin Origin
}

func (e *FlakyError) Error() string {
	return fmt.Sprintf(
		"conject: test is flaky: recorded conclusion %v (origin %q) but rerun concluded %v (origin %q)",
		e.Recorded, e.RecordedOrigin, e.Observed, e.ObservedOrigin,
	)
}

// IsFlaky reports whether err is a FlakyError.
func IsFlaky(err error) bool {
	var fe *FlakyError

	return errors.As(err, &fe)
}

// InvalidAt marks where a replayed buffer diverged structurally from the
// recorded draw sequence: the test requested a draw of a different width, or
// with different forcedness, at a position the tree has already seen. The
// result is invalid rather than flaky because the divergence happened before
// any conclusion.
type InvalidAt struct {
	// Draw is the zero-based index of the mismatched draw call.
	Draw int
	// WantBits and GotBits are the recorded and requested draw widths.
	WantBits uint
	GotBits  uint
	// ForcedMismatch is set when the widths agree but the recorded draw was
	// forced and the requested one was not, or vice versa.
	ForcedMismatch bool
}

func (m *InvalidAt) String() string {
	if m.ForcedMismatch {
		return fmt.Sprintf("draw %d: forcedness differs from recorded draw", m.Draw)
	}

	return fmt.Sprintf("draw %d: requested %d bits, recorded draw was %d bits", m.Draw, m.GotBits, m.WantBits)
}
