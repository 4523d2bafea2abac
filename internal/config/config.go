// ABOUTME: Configuration loading and parsing for coven-chatstore
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is left empty.
const (
	DefaultHTTPAddr        = ":8080"
	DefaultEngine          = "memory"
	DefaultDebounce        = 250 * time.Millisecond
	DefaultMaxDelay        = 2 * time.Second
	DefaultLockTimeout     = 5 * time.Second
	DefaultCompression     = "none"
	DefaultStatementCache  = 256
	DefaultMaxPayloadBytes = 64 << 10
	DefaultDedupeTTL       = 10 * time.Minute
	DefaultDedupeSize      = 10000
	DefaultMaxStickers     = 100
	DefaultMetricsPath     = "/metrics"
)

// minSecretLength matches auth.MinSecretLength.
const minSecretLength = 32

// Config represents the complete coven-chatstore configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Snapshot   SnapshotConfig   `yaml:"snapshot" toml:"snapshot"`
	Statements StatementsConfig `yaml:"statements" toml:"statements"`
	Ingest     IngestConfig     `yaml:"ingest" toml:"ingest"`
	Stickers   StickersConfig   `yaml:"stickers" toml:"stickers"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Directory  DirectoryConfig  `yaml:"directory" toml:"directory"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig selects the engine and where its data lives
type DatabaseConfig struct {
	// Engine is "memory" (snapshot-flushed) or "disk"
	Engine        string `yaml:"engine" toml:"engine"`
	Path          string `yaml:"path" toml:"path"`
	LegacyLogPath string `yaml:"legacy_log_path" toml:"legacy_log_path"`
}

// SnapshotConfig tunes the flush scheduler and snapshot file
type SnapshotConfig struct {
	Debounce    time.Duration `yaml:"-" toml:"-"`
	MaxDelay    time.Duration `yaml:"-" toml:"-"`
	LockTimeout time.Duration `yaml:"-" toml:"-"`
	Compression string        `yaml:"compression" toml:"compression"`

	// Raw string values for unmarshaling
	DebounceRaw    string `yaml:"debounce" toml:"debounce"`
	MaxDelayRaw    string `yaml:"max_delay" toml:"max_delay"`
	LockTimeoutRaw string `yaml:"lock_timeout" toml:"lock_timeout"`
}

// StatementsConfig holds statement cache configuration
type StatementsConfig struct {
	CacheSize int `yaml:"cache_size" toml:"cache_size"`
}

// IngestConfig bounds incoming messages and client retries
type IngestConfig struct {
	MaxPayloadBytes int           `yaml:"max_payload_bytes" toml:"max_payload_bytes"`
	DedupeTTL       time.Duration `yaml:"-" toml:"-"`
	DedupeSize      int           `yaml:"dedupe_size" toml:"dedupe_size"`

	DedupeTTLRaw string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// StickersConfig holds sticker list and blob storage configuration
type StickersConfig struct {
	MaxPerUser int    `yaml:"max_per_user" toml:"max_per_user"`
	BlobDir    string `yaml:"blob_dir" toml:"blob_dir"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// DirectoryConfig is a static social graph for running without an external
// directory service.
type DirectoryConfig struct {
	// Friends lists friendships as [uid, uid] pairs
	Friends [][]int64     `yaml:"friends" toml:"friends"`
	Groups  []GroupConfig `yaml:"groups" toml:"groups"`
}

// GroupConfig is one group and its members
type GroupConfig struct {
	ID      int64   `yaml:"id" toml:"id"`
	Members []int64 `yaml:"members" toml:"members"`
}

// FriendPairs returns the friendships as fixed pairs. Call after Validate.
func (d DirectoryConfig) FriendPairs() [][2]int64 {
	pairs := make([][2]int64, 0, len(d.Friends))
	for _, f := range d.Friends {
		pairs = append(pairs, [2]int64{f[0], f[1]})
	}
	return pairs
}

// GroupMembers maps each group id to its members.
func (d DirectoryConfig) GroupMembers() map[int64][]int64 {
	out := make(map[int64][]int64, len(d.Groups))
	for _, g := range d.Groups {
		out[g.ID] = append(out[g.ID], g.Members...)
	}
	return out
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// DefaultPath returns the config file location.
// Priority: COVEN_CHATSTORE_CONFIG env var > XDG_CONFIG_HOME/coven/chatstore.yaml > ~/.config/coven/chatstore.yaml
func DefaultPath() string {
	if envPath := os.Getenv("COVEN_CHATSTORE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chatstore.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "chatstore.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Engine == "" {
		c.Database.Engine = DefaultEngine
	}
	if c.Snapshot.Debounce == 0 {
		c.Snapshot.Debounce = DefaultDebounce
	}
	if c.Snapshot.MaxDelay == 0 {
		c.Snapshot.MaxDelay = DefaultMaxDelay
	}
	if c.Snapshot.LockTimeout == 0 {
		c.Snapshot.LockTimeout = DefaultLockTimeout
	}
	if c.Snapshot.Compression == "" {
		c.Snapshot.Compression = DefaultCompression
	}
	if c.Statements.CacheSize == 0 {
		c.Statements.CacheSize = DefaultStatementCache
	}
	if c.Ingest.MaxPayloadBytes == 0 {
		c.Ingest.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.Ingest.DedupeTTL == 0 {
		c.Ingest.DedupeTTL = DefaultDedupeTTL
	}
	if c.Ingest.DedupeSize == 0 {
		c.Ingest.DedupeSize = DefaultDedupeSize
	}
	if c.Stickers.MaxPerUser == 0 {
		c.Stickers.MaxPerUser = DefaultMaxStickers
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Database.Engine {
	case "memory", "disk":
	default:
		return fmt.Errorf("database.engine must be memory or disk, got %q", c.Database.Engine)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Snapshot.Compression {
	case "none", "zstd":
	default:
		return fmt.Errorf("snapshot.compression must be none or zstd, got %q", c.Snapshot.Compression)
	}
	if c.Snapshot.Debounce < 0 || c.Snapshot.MaxDelay < 0 || c.Snapshot.LockTimeout < 0 {
		return fmt.Errorf("snapshot durations must not be negative")
	}
	if c.Snapshot.MaxDelay < c.Snapshot.Debounce {
		return fmt.Errorf("snapshot.max_delay (%s) must be at least snapshot.debounce (%s)",
			c.Snapshot.MaxDelay, c.Snapshot.Debounce)
	}

	if c.Statements.CacheSize < 0 {
		return fmt.Errorf("statements.cache_size must not be negative")
	}
	if c.Ingest.MaxPayloadBytes < 0 || c.Ingest.DedupeSize < 0 || c.Ingest.DedupeTTL < 0 {
		return fmt.Errorf("ingest limits must not be negative")
	}
	if c.Stickers.MaxPerUser < 0 {
		return fmt.Errorf("stickers.max_per_user must not be negative")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < minSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minSecretLength)
	}

	for i, f := range c.Directory.Friends {
		if len(f) != 2 {
			return fmt.Errorf("directory.friends[%d] must be a pair of uids", i)
		}
		if f[0] <= 0 || f[1] <= 0 {
			return fmt.Errorf("directory.friends[%d] uids must be positive", i)
		}
	}
	for i, g := range c.Directory.Groups {
		if g.ID <= 0 {
			return fmt.Errorf("directory.groups[%d].id must be positive", i)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"snapshot.debounce", cfg.Snapshot.DebounceRaw, &cfg.Snapshot.Debounce},
		{"snapshot.max_delay", cfg.Snapshot.MaxDelayRaw, &cfg.Snapshot.MaxDelay},
		{"snapshot.lock_timeout", cfg.Snapshot.LockTimeoutRaw, &cfg.Snapshot.LockTimeout},
		{"ingest.dedupe_ttl", cfg.Ingest.DedupeTTLRaw, &cfg.Ingest.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
