// Package blob stores media bytes by content digest.
package blob
