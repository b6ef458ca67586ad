//go:build debug

// Package check holds invariant assertions that only fire in debug builds.
package check

import "fmt"

// Assert panics with msg when cond is false.
func Assert(cond bool, msg string) {
	if !cond {
		panic("invariant violated: " + msg)
	}
}

// Assertf is Assert with a formatted message.
func Assertf(cond bool, format string, args ...any) {
	if cond {
		return
	}
	panic("invariant violated: " + fmt.Sprintf(format, args...))
}
