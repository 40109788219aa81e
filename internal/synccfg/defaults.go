package synccfg

import "github.com/tonimelisma/synccore/internal/envelope"

// Default values for the sync core, layer 0 of the four-layer override
// chain.
const (
	defaultSyncInterval   = "5m"
	defaultDebounceMillis = 2000
	defaultRetentionDays  = 45
	defaultLogLevel       = "info"
	defaultLogFormat      = "auto"
)

// DefaultConfig returns a Config populated with all default values, used
// both as the starting point for TOML decoding (so unset fields retain
// defaults) and as the zero-config fallback.
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			IsEnabled:      true,
			SyncProvider:   string(ProviderLocalFile),
			SyncInterval:   defaultSyncInterval,
			DebounceMillis: defaultDebounceMillis,
			RetentionDays:  defaultRetentionDays,
		},
		Encryption: EncryptionConfig{
			KDFIterations: envelope.DefaultKDFIterations,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
