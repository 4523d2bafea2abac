// Package store is the durable conversation store.
//
// # Architecture
//
// A Store is one explicit context object owning everything the store needs:
//
//   - engine.Engine: the SQLite database (in memory, or on disk)
//   - stmtcache.Cache: named prepared statements, rebuilt on failure
//   - snapshot.File: the durable snapshot of the in-memory database
//   - flush.Flusher: coalesces mutations into debounced snapshot writes
//
// Nothing is package-level state, so tests can run many isolated stores.
//
// # Lifecycle
//
// New returns an unopened store. Open runs exactly once, on first use by any
// operation: it loads the snapshot (a missing file means an empty store),
// ensures the schema and imports the legacy JSON-lines log if one is
// configured. Close performs a final flush.
//
// All engine access is serialized by a store-wide mutex. A flush serializes
// the database under that mutex and writes the file outside it.
//
// # Visibility
//
// Each (user, device) has a baseline: the earliest time the device is known
// to exist. A baseline only moves earlier. Each (user, device, conversation)
// may have a delete cutoff, which only moves later. A device sees a message
// only when it was created strictly after max(baseline, cutoff).
//
// # Engines
//
//	memory  modernc.org/sqlite in memory, flushed to Path as a snapshot
//	disk    mattn/go-sqlite3 in WAL mode at Path; flushing is a no-op
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicate: Message id already stored
//   - ErrInvalid: Input the store cannot represent
//   - ErrClosed: Store has been closed
//
// Flush failures are never returned to writers; they are logged and retried.
package store
