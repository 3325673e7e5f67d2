// Package runner defines the lifecycle contract that every isolation
// backend implements, and the invariant-checking wrapper that all callers
// go through.
//
// An environment moves through an explicit three-state machine: it does not
// exist, it partially exists (backend-specific broken or half-created
// state), or it fully exists. Every contract operation declares the states
// it requires before running and the states it guarantees afterward; the
// Checked wrapper asserts both sides of that contract on every call, so a
// backend bug surfaces at the boundary instead of propagating into package
// build logic.
package runner
