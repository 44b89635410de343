//go:build debug

package debug

// Debug controls diagnostic output; enabled with the "debug" build tag.
const Debug = true
