// Package conject is a property-based test-case generation and shrinking
// engine built on an explicit byte-buffer representation of random choices.
//
// A test function draws typed values (integers, booleans, floats, byte
// strings, text) from a [Data] object. Every draw consumes bytes from an
// underlying buffer, and the engine records the structure of those draws as
// blocks and a tree of examples. Searching for failures is then a search
// over byte buffers, and minimizing a failure ("shrinking") is a search for
// a shortlex-smaller buffer that still fails.
//
// # Basic Usage
//
//	runner := conject.NewRunner(func(d *conject.Data) {
//	    n := d.DrawInteger(0, 1000)
//	    if n > 500 {
//	        d.MarkInteresting("n too large")
//	    }
//	}, conject.DefaultSettings())
//	err := runner.Run()
//	// runner.Interesting() now maps each failure origin to its minimal
//	// reproducing buffer.
//
// # Control Flow
//
// Draw calls never panic on short buffers and never unwind the stack.
// When a run has concluded (overrun, invalid, interesting, or valid), all
// further draws return zero values and consume nothing. Test functions and
// strategies that loop on drawn values should check [Data.Stopped] and
// return early; all helpers in this package already do.
//
// Calling a draw or conclude method on a frozen Data, or concluding twice,
// is a programming error and panics.
//
// # Determinism
//
// The engine assumes the test function is deterministic: the same byte
// buffer must produce the same sequence of draw requests and the same
// conclusion. A violation is detected against the recorded choice tree and
// reported as a [FlakyError] rather than silently accepted, since
// nondeterminism invalidates any minimality guarantee.
//
// # Concurrency
//
// A Runner and everything it owns is single-threaded. Run evaluates
// candidate buffers strictly sequentially and must not be called
// concurrently.
package conject
