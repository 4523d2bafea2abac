// ABOUTME: Driver-independent classification of SQLite errors
// ABOUTME: Recognises constraint violations from both modernc and mattn drivers

package engine

import (
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"
	"modernc.org/sqlite"
)

// IsConstraint reports whether err is a SQLite constraint violation (UNIQUE,
// CHECK, NOT NULL, PRIMARY KEY). These fail the same way on every retry.
func IsConstraint(err error) bool {
	if err == nil {
		return false
	}
	var modErr *sqlite.Error
	if errors.As(err, &modErr) {
		return modErr.Code()&0xff == int(sqlite3.ErrConstraint)
	}
	var cgoErr sqlite3.Error
	if errors.As(err, &cgoErr) {
		return cgoErr.Code == sqlite3.ErrConstraint
	}
	return strings.Contains(err.Error(), "constraint failed")
}
