package attachqueue

import "os"

// Environment variable names recognized by ApplyEnvOverrides, the same
// override convention as internal/config/env.go's ONEDRIVE_GO_* variables.
const (
	EnvAttachmentsDir   = "ATTACHMENT_QUEUE_DIR"
	EnvSyncIntervalMs   = "ATTACHMENT_QUEUE_SYNC_INTERVAL_MS"
	EnvArchivedCacheMax = "ATTACHMENT_QUEUE_ARCHIVED_CACHE_LIMIT"
	EnvTableName        = "ATTACHMENT_QUEUE_TABLE_NAME"
)

// Config holds the queue's tunable options. Struct tags allow a host
// application to decode it from TOML via github.com/BurntSushi/toml.
type Config struct {
	AttachmentsDirectory string `toml:"attachments_directory"`
	SyncIntervalMs       int    `toml:"sync_interval_ms"`
	ArchivedCacheLimit   int    `toml:"archived_cache_limit"`
	AttachmentsTableName string `toml:"attachments_table_name"`
	DownloadAttachments  bool   `toml:"download_attachments"`
}

// Default values for configuration options.
const (
	DefaultSyncIntervalMs       = 30000
	DefaultArchivedCacheLimit   = 100
	DefaultAttachmentsTableName = "attachments"
)

// DefaultConfig returns a Config populated with every default except
// AttachmentsDirectory, which is required and has no default.
func DefaultConfig() Config {
	return Config{
		SyncIntervalMs:       DefaultSyncIntervalMs,
		ArchivedCacheLimit:   DefaultArchivedCacheLimit,
		AttachmentsTableName: DefaultAttachmentsTableName,
		DownloadAttachments:  true,
	}
}

// Validate reports a configuration error for any option outside its legal
// range. AttachmentsDirectory is the one required field; a SyncIntervalMs of
// exactly 0 legally disables periodic retry, so only negative values are
// rejected.
func (c Config) Validate() error {
	if c.AttachmentsDirectory == "" {
		return &ConfigError{Field: "attachments_directory", Reason: "required"}
	}

	if c.SyncIntervalMs < 0 {
		return &ConfigError{Field: "sync_interval_ms", Reason: "must be >= 0"}
	}

	if c.ArchivedCacheLimit < 0 {
		return &ConfigError{Field: "archived_cache_limit", Reason: "must be >= 0"}
	}

	if c.AttachmentsTableName == "" {
		return &ConfigError{Field: "attachments_table_name", Reason: "required"}
	}

	return nil
}

// ConfigError reports a single invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "attachqueue: config " + e.Field + ": " + e.Reason
}

// ApplyEnvOverrides mutates c in place with any ATTACHMENT_QUEUE_* environment
// variables that are set. Malformed integer overrides are ignored rather
// than erroring — a permissive env-parsing stance that favors falling back
// to a default over failing startup on a typo'd override.
func ApplyEnvOverrides(c *Config) {
	if v := os.Getenv(EnvAttachmentsDir); v != "" {
		c.AttachmentsDirectory = v
	}

	if v := os.Getenv(EnvSyncIntervalMs); v != "" {
		if n, ok := parsePositiveInt(v); ok {
			c.SyncIntervalMs = n
		}
	}

	if v := os.Getenv(EnvArchivedCacheMax); v != "" {
		if n, ok := parsePositiveInt(v); ok {
			c.ArchivedCacheLimit = n
		}
	}

	if v := os.Getenv(EnvTableName); v != "" {
		c.AttachmentsTableName = v
	}
}

func parsePositiveInt(s string) (int, bool) {
	n := 0

	if s == "" {
		return 0, false
	}

	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}

		n = n*10 + int(r-'0')
	}

	return n, true
}
