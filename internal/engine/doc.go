// Package engine applies handlers to logged events and records one
// processed row per (event, handler) pair.
//
// Processing is idempotent. The processed ID hashes the event and handler
// IDs, the row is written with insert-or-skip, and the stored row is read
// back, so processing an event twice (eagerly from a hook, then again from
// a catch-up scan) leaves exactly one row.
//
// Handler failures are data, not errors. A resolve error, a missing
// payload, a version mismatch, a transform error and a transform panic all
// produce a failure row with non-empty error text. Process returns an error
// only when the row itself cannot be written.
//
// Two ways to drive it:
//
//   - Process / CatchUp: synchronous, called from hooks and the CLI.
//   - Enqueue / Run: a single-writer loop draining a FIFO queue, used when
//     hooks should not block the caller that logged the event.
package engine
