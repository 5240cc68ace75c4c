// Package store provides SQLite-backed durable storage for dashlog.
//
// The store holds three layers:
//   - Events: an append-only log of typed, timestamped events
//   - Processed events: one row per (event, handler), success or failure
//   - Derived entities: users, user infos, Slack handles, access and
//     check-in logs, each keyed by the processed row it came from
//
// # Idempotency
//
// Processed rows and derived rows are written with ON CONFLICT DO NOTHING
// against content-addressed keys, so retries and concurrent writers converge
// on one row. Events are the exception: a duplicate event ID is reported as
// ErrEventCollision rather than skipped.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// All content-addressed IDs are computed in internal/ir/hash.go using
// RFC 8785 canonical JSON and SHA-256 with domain separation.
package store
