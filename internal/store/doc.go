// Package store provides the SQLite-backed write-ahead log of a space.
//
// Every state change the space makes is appended as one operation record:
//   - write, take: entries entering and leaving (optionally under a transaction)
//   - register: notify and availability registrations
//   - renew, cancel: lease changes on entries and registrations
//   - prepare, commit, abort: transaction outcomes
//
// Recover folds the log back into the state a restarted space needs and
// hands it over through the Recoverer callbacks.
//
// # Critical Patterns
//
// Logical order only:
//   - Records are ordered by seq INTEGER, never timestamps
//   - Recovery applies records strictly in seq order
//
// Canonical payloads:
//   - Entries and templates are stored as RFC 8785 canonical JSON
//   - A template records its wildcard positions separately, since a
//     wildcard and an explicit null both encode as null
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - Appends retry with Fibonacci backoff when SQLite still reports busy
package store
