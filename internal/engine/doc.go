// Package engine wraps an embedded SQLite database behind the Engine port.
//
// Two implementations exist:
//
//	MemoryEngine  modernc.org/sqlite, ":memory:", exported and imported
//	              whole through Snapshot / NewMemoryEngine(image)
//	DiskEngine    mattn/go-sqlite3 in WAL mode; Snapshot returns nil and
//	              Durable reports true, so callers skip flushing
//
// Each engine runs every statement on one dedicated connection. The engine
// is not re-entrant; callers serialize access.
//
// EnsureSchema creates the tables and indexes and is safe to run on every
// open. IsConstraint classifies constraint violations from either driver.
package engine
