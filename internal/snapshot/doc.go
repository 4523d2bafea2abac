// Package snapshot reads and atomically replaces the durable snapshot file.
//
// Writes go to a temp file in the same directory, are synced, and are renamed
// over the snapshot under an advisory lock, so readers never observe a
// partial file. Snapshots may be zstd-compressed; Load detects the frame
// magic either way.
package snapshot
