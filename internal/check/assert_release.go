//go:build !debug

// Package check holds invariant assertions that only fire in debug builds.
package check

// Assert does nothing without the debug build tag.
func Assert(bool, string) {}

// Assertf does nothing without the debug build tag.
func Assertf(bool, string, ...any) {}
