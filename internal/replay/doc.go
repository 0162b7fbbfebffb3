// Package replay remembers request nonces for long enough that a captured
// agent request cannot be submitted twice inside the clock skew window.
package replay
