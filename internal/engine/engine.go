// ABOUTME: Engine port over an embedded SQLite instance bound to one dedicated connection
// ABOUTME: MemoryEngine keeps the working set in process memory; DiskEngine persists itself

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// ErrNotSerializable is returned when the underlying driver connection cannot
// export or import a database image.
var ErrNotSerializable = errors.New("driver connection does not support serialization")

// Engine is the relational engine the store runs on. All statements execute on
// a single connection: the engine is not re-entrant and callers serialize access.
type Engine interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)

	// Snapshot exports the whole database as bytes. Durable engines return nil.
	Snapshot(ctx context.Context) ([]byte, error)

	// Durable reports whether the engine reaches durable storage on its own,
	// in which case no explicit flush is needed.
	Durable() bool

	Close() error
}

// serializer is implemented by modernc.org/sqlite driver connections.
type serializer interface {
	Serialize() ([]byte, error)
	Deserialize([]byte) error
}

// connEngine pins a *sql.DB to exactly one connection for its lifetime.
type connEngine struct {
	db   *sql.DB
	conn *sql.Conn
}

func openConn(ctx context.Context, driver, dsn string) (*connEngine, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	return &connEngine{db: db, conn: conn}, nil
}

func (e *connEngine) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return e.conn.ExecContext(ctx, query, args...)
}

func (e *connEngine) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return e.conn.QueryContext(ctx, query, args...)
}

func (e *connEngine) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return e.conn.QueryRowContext(ctx, query, args...)
}

func (e *connEngine) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	return e.conn.PrepareContext(ctx, query)
}

func (e *connEngine) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return e.conn.BeginTx(ctx, opts)
}

func (e *connEngine) Close() error {
	connErr := e.conn.Close()
	dbErr := e.db.Close()
	return errors.Join(connErr, dbErr)
}

// MemoryEngine is an in-process SQLite database (modernc.org/sqlite) whose only
// route to durable storage is an explicit Snapshot.
type MemoryEngine struct {
	*connEngine
}

// NewMemoryEngine creates an in-memory engine. A non-empty image is loaded as
// the initial database content; an empty image yields a fresh, empty database.
func NewMemoryEngine(ctx context.Context, image []byte) (*MemoryEngine, error) {
	ce, err := openConn(ctx, "sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	e := &MemoryEngine{connEngine: ce}

	if len(image) > 0 {
		err := ce.conn.Raw(func(driverConn any) error {
			s, ok := driverConn.(serializer)
			if !ok {
				return ErrNotSerializable
			}
			return s.Deserialize(image)
		})
		if err != nil {
			ce.Close()
			return nil, fmt.Errorf("loading database image: %w", err)
		}
	}

	return e, nil
}

// Snapshot serializes the main database into a standalone SQLite file image.
func (e *MemoryEngine) Snapshot(ctx context.Context) ([]byte, error) {
	var image []byte
	err := e.conn.Raw(func(driverConn any) error {
		s, ok := driverConn.(serializer)
		if !ok {
			return ErrNotSerializable
		}
		var err error
		image, err = s.Serialize()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("serializing database: %w", err)
	}
	return image, nil
}

// Durable is false: writes only reach disk through Snapshot.
func (e *MemoryEngine) Durable() bool { return false }

// DiskEngine is an on-disk SQLite database (mattn/go-sqlite3) in WAL mode.
type DiskEngine struct {
	*connEngine
	path string
}

// NewDiskEngine opens or creates the database file at path, creating parent
// directories as needed.
func NewDiskEngine(ctx context.Context, path string) (*DiskEngine, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	ce, err := openConn(ctx, "sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, err
	}
	return &DiskEngine{connEngine: ce, path: path}, nil
}

// Snapshot returns nil: the database file is already the durable copy.
func (e *DiskEngine) Snapshot(ctx context.Context) ([]byte, error) { return nil, nil }

// Durable is true.
func (e *DiskEngine) Durable() bool { return true }

// Path returns the database file location.
func (e *DiskEngine) Path() string { return e.path }

var (
	_ Engine = (*MemoryEngine)(nil)
	_ Engine = (*DiskEngine)(nil)
)
