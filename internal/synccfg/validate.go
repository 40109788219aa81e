package synccfg

import (
	"errors"
	"fmt"
	"time"
)

const minKDFIterations = 600_000

var validProviders = map[string]bool{
	string(ProviderDropbox):   true,
	string(ProviderWebDAV):    true,
	string(ProviderLocalFile): true,
	string(ProviderOpSync):    true,
}

// Validate checks all configuration values and returns every error found
// rather than stopping at the first, so a user fixing a config file sees
// the complete list in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateEncryption(&cfg.Encryption)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	switch l.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level: unrecognized level %q", l.LogLevel))
	}

	switch l.LogFormat {
	case "", "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: unrecognized format %q", l.LogFormat))
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if !validProviders[s.SyncProvider] {
		errs = append(errs, fmt.Errorf("sync_provider: unrecognized provider %q", s.SyncProvider))
	}

	if s.SyncInterval != "" {
		if _, err := time.ParseDuration(s.SyncInterval); err != nil {
			errs = append(errs, fmt.Errorf("sync_interval: %w", err))
		}
	}

	if s.DebounceMillis < 0 {
		errs = append(errs, fmt.Errorf("debounce_millis: must be >= 0, got %d", s.DebounceMillis))
	}

	if s.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("retention_days: must be >= 0, got %d", s.RetentionDays))
	}

	return errs
}

func validateEncryption(e *EncryptionConfig) []error {
	var errs []error

	if e.IsEncryptionEnabled && e.EncryptKey == "" {
		errs = append(errs, errors.New("encrypt_key: required when is_encryption_enabled is true"))
	}

	if e.KDFIterations != 0 && e.KDFIterations < minKDFIterations {
		errs = append(errs, fmt.Errorf("kdf_iterations: must be >= %d, got %d", minKDFIterations, e.KDFIterations))
	}

	return errs
}
