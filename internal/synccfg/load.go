package synccfg

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are rejected so typos in a hand-edited
// config surface immediately rather than silently doing nothing.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug("loading config file", "path", path)

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("synccfg: reading config file %s: %w", path, err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("synccfg: parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("synccfg: unknown key %q in %s", undecoded[0].String(), path)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("synccfg: validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads path if it exists, otherwise returns a Config
// populated with defaults — the zero-config first-run experience.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path, logger)
}

// Environment variable names for overrides.
const (
	EnvConfigPath  = "SYNCCORE_CONFIG"
	EnvEncryptKey  = "SYNCCORE_ENCRYPT_KEY"
	EnvServerToken = "SYNCCORE_SERVER_TOKEN"
)

// EnvOverrides holds values read from environment variables.
type EnvOverrides struct {
	ConfigPath  string
	EncryptKey  string
	ServerToken string
}

// ReadEnvOverrides reads the recognized environment variables.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:  os.Getenv(EnvConfigPath),
		EncryptKey:  os.Getenv(EnvEncryptKey),
		ServerToken: os.Getenv(EnvServerToken),
	}
}

// CLIOverrides holds values parsed from command-line flags. Pointer fields
// distinguish "flag not passed" from "flag passed with the zero value".
type CLIOverrides struct {
	Provider         *string
	IsManualSyncOnly *bool
	SyncFolder       *string
}

// Resolve applies the four-layer override chain — defaults (already baked
// into cfg by Load/LoadOrDefault), file, env, then CLI — and validates the
// final result.
func Resolve(cfg *Config, env EnvOverrides, cli CLIOverrides) (*Config, error) {
	resolved := *cfg

	if env.EncryptKey != "" {
		resolved.Encryption.EncryptKey = env.EncryptKey
	}

	if env.ServerToken != "" {
		resolved.Server.AccessToken = env.ServerToken
	}

	if cli.Provider != nil {
		resolved.Sync.SyncProvider = *cli.Provider
	}

	if cli.IsManualSyncOnly != nil {
		resolved.Sync.IsManualSyncOnly = *cli.IsManualSyncOnly
	}

	if cli.SyncFolder != nil {
		resolved.File.SyncFolder = *cli.SyncFolder
	}

	if err := Validate(&resolved); err != nil {
		return nil, fmt.Errorf("synccfg: validation failed: %w", err)
	}

	return &resolved, nil
}

// ResolveConfigPath picks the config file path: CLI > env > default.
func ResolveConfigPath(env EnvOverrides, cliPath, defaultPath string) string {
	if cliPath != "" {
		return cliPath
	}

	if env.ConfigPath != "" {
		return env.ConfigPath
	}

	return defaultPath
}
