package conject

// Status is the terminal classification of a single test execution.
//
// The order is meaningful: higher statuses dominate lower ones when the
// engine decides which results are worth keeping.
type Status int

const (
	// StatusOverrun means the test requested more bytes than the buffer
	// could provide.
	StatusOverrun Status = iota
	// StatusInvalid means the test rejected its input as unsatisfiable
	// (assumption failure, rejection-sampling giving up, misaligned replay).
	StatusInvalid
	// StatusValid means the test ran to completion without failing.
	StatusValid
	// StatusInteresting means the test failed; the result carries an Origin
	// identifying the failure.
	StatusInteresting
)

func (s Status) String() string {
	switch s {
	case StatusOverrun:
		return "overrun"
	case StatusInvalid:
		return "invalid"
	case StatusValid:
		return "valid"
	case StatusInteresting:
		return "interesting"
	default:
		return "unknown"
	}
}
