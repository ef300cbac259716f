// Package pipeline drives a batch of game folders through cleanup, patching,
// archiving and uploading.
//
// Phase 0 undoes leftovers of earlier runs in every folder. Phase 1 patches
// folders one at a time. Phase 2 archives the zip-only items all at once,
// then runs the zip-then-upload items as a producer/consumer pipeline: one
// goroutine archives items in order and hands each finished archive to a
// fixed set of upload workers, so item k uploads while item k+1 is being
// archived.
//
// Per-item failures never escape an item; they end up in its PhaseOutcome.
// Run returns an error only when the batch itself is malformed.
package pipeline
