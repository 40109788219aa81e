// Package synccfg implements TOML configuration loading, environment and
// CLI override resolution, and the "config show" rendering for the sync
// core, resolved through a four-layer override chain
// (defaults -> file -> env -> CLI).
package synccfg

// Provider is the closed set of adapter back-ends a sync profile can select.
type Provider string

const (
	ProviderDropbox   Provider = "Dropbox"
	ProviderWebDAV    Provider = "WebDAV"
	ProviderLocalFile Provider = "LocalFile"
	ProviderOpSync    Provider = "SuperSync"
)

// Config is the top-level configuration structure.
type Config struct {
	Sync       SyncConfig       `toml:"sync"`
	Encryption EncryptionConfig `toml:"encryption"`
	Server     ServerConfig     `toml:"server"`
	File       FileConfig       `toml:"file"`
	Logging    LoggingConfig    `toml:"logging"`
}

// SyncConfig controls the orchestrator's top-level behavior.
type SyncConfig struct {
	IsEnabled        bool   `toml:"is_enabled"`
	SyncProvider     string `toml:"sync_provider"`
	SyncInterval     string `toml:"sync_interval"`
	IsManualSyncOnly bool   `toml:"is_manual_sync_only"`
	DebounceMillis   int    `toml:"debounce_millis"`
	RetentionDays    int    `toml:"retention_days"`
}

// EncryptionConfig controls the envelope applied to every adapter payload.
type EncryptionConfig struct {
	IsEncryptionEnabled  bool   `toml:"is_encryption_enabled"`
	EncryptKey           string `toml:"encrypt_key"`
	IsCompressionEnabled bool   `toml:"is_compression_enabled"`
	KDFIterations        int    `toml:"kdf_iterations"`
}

// ServerConfig holds op-sync server credentials. When both RefreshToken and
// TokenURL are set, the adapter refreshes expired access tokens through the
// OAuth token endpoint; with only AccessToken, the bearer token is used
// as-is and cannot be refreshed.
type ServerConfig struct {
	BaseURL      string `toml:"base_url"`
	AccessToken  string `toml:"access_token"`
	RefreshToken string `toml:"refresh_token"`
	TokenURL     string `toml:"token_url"`
}

// FileConfig holds file-based-adapter credentials: WebDAV/Dropbox auth plus
// the resolved sync-folder path.
type FileConfig struct {
	BaseURL    string `toml:"base_url"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	SyncFolder string `toml:"sync_folder"`
	SAFURI     string `toml:"saf_uri"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}
