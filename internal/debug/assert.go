package debug

import (
	"fmt"
	"runtime"
)

// NOTE: originally stolen from
// https://github.com/golang/go/blob/eaa7d9ff86b35c72cc35bd7c14b349fa414c392f/src/go/types/errors.go#L18

// Assert panics when truth is false. The panic message carries the caller's
// file:line so that it does not get buried under recovery frames.
func Assert(truth bool, msg ...string) {
	// NOTE: in certain cases it feels unreasonable and redundant to specify msg
	if len(msg) > 1 {
		panic("invalid assert args")
	}
	if truth {
		return
	}
	fail(fmt.Sprintf("assertion failed(%s)", msg))
}

// Assertf is Assert with a formatted message. Arguments are only formatted
// when the assertion fails.
func Assertf(truth bool, format string, args ...any) {
	if truth {
		return
	}
	fail("assertion failed(" + fmt.Sprintf(format, args...) + ")")
}

func fail(msg string) {
	if _, file, line, ok := runtime.Caller(2); ok {
		msg = fmt.Sprintf("%s:%d: %s", file, line, msg)
	}
	panic(msg)
}
