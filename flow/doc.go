// Package flow defines the static flow graph: step declarations, await
// configuration, the runnable-step resolver and upstream validation.
//
// A Definition is immutable once registered. The resolver functions are
// pure; they never check for cycles, so Validate must run before a
// definition is used (Registry.Register does this).
package flow
