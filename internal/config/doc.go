// Package config handles configuration loading for coven-chatstore.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_CHATSTORE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/chatstore.yaml
//  3. ~/.config/coven/chatstore.yaml
//
// Files ending in .toml are parsed as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Example
//
//	server:
//	  http_addr: ":8080"
//	database:
//	  engine: memory            # or disk
//	  path: /var/lib/coven/chat.snapshot
//	  legacy_log_path: /var/lib/coven/messages.jsonl
//	snapshot:
//	  debounce: 250ms
//	  max_delay: 2s
//	  lock_timeout: 5s
//	  compression: zstd         # or none
//	ingest:
//	  max_payload_bytes: 65536
//	  dedupe_ttl: 10m
//	stickers:
//	  max_per_user: 100
//	  blob_dir: /var/lib/coven/blobs
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//	directory:
//	  friends: [[1, 2], [1, 3]]
//	  groups:
//	    - id: 100
//	      members: [1, 2, 3]
//	logging:
//	  level: info
//	  format: text
//	metrics:
//	  enabled: true
//	  path: /metrics
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax ("250ms", "2s", "10m").
// Empty durations take the package defaults.
package config
