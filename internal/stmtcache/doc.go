// Package stmtcache keeps named prepared statements and rebuilds a handle
// once when it fails.
package stmtcache
