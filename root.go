package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/synccore/internal/synccfg"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd.
var (
	flagConfigPath string
	flagProvider   string
	flagManualOnly bool
	flagSyncFolder string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// skipConfigAnnotation marks commands that handle config loading themselves
// (or need none at all, e.g. "config validate" against an arbitrary path).
const skipConfigAnnotation = "skipConfig"

// GlobalFlags is the subset of persistent flags most commands read.
type GlobalFlags struct {
	ConfigPath string
	JSON       bool
	Verbose    bool
	Debug      bool
	Quiet      bool
}

// CLIContext bundles resolved config and logger. Created once in
// PersistentPreRunE; eliminates redundant config-loading in every RunE.
type CLIContext struct {
	Cfg    *synccfg.Config
	Logger *slog.Logger
	Flags  GlobalFlags
}

// cliContextKey is the context key for CLIContext.
type cliContextKey struct{}

// cliContextFrom extracts the CLIContext from the command's context.
// Returns nil if no config was loaded (e.g., commands that skip config).
func cliContextFrom(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		return nil
	}

	return cc
}

// mustCLIContext extracts the CLIContext or panics with an actionable message.
// Use in RunE handlers for commands that require config (no skipConfigAnnotation).
// Panics are always programmer errors — the command tree should guarantee the
// context is populated by PersistentPreRunE before RunE executes.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — ensure the command " +
			"does not skip config loading (no skipConfigAnnotation) or " +
			"explicitly loads config in its RunE")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "synccore",
		Short:   "Operation-log sync engine",
		Long:    "A pluggable, multi-device operation-log synchronization core.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		// PersistentPreRunE loads configuration before every command. Commands
		// annotated with skipConfigAnnotation handle config access themselves.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagProvider, "provider", "", "sync provider override (Dropbox|WebDAV|LocalFile|SuperSync)")
	cmd.PersistentFlags().BoolVar(&flagManualOnly, "manual-only", false, "disable automatic/periodic sync")
	cmd.PersistentFlags().StringVar(&flagSyncFolder, "sync-folder", "", "shared sync folder path override (file-based providers)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	// Register subcommands.
	cmd.AddCommand(newServeOnceCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newLogCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newResolveCmd())
	cmd.AddCommand(newCleanSlateCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newReloadCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores the result in the command's context for use by
// subcommands.
func loadConfig(cmd *cobra.Command) error {
	// Bootstrap logger derived from CLI flags only (config doesn't exist yet).
	logger := buildLogger(nil)

	path := flagConfigPath
	env := synccfg.ReadEnvOverrides()
	resolvedPath := synccfg.ResolveConfigPath(env, path, DefaultConfigPath())

	logger.Debug("resolving config",
		slog.String("config_path", resolvedPath),
	)

	cfg, err := synccfg.LoadOrDefault(resolvedPath, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cli := synccfg.CLIOverrides{}

	if cmd.Flags().Changed("provider") {
		cli.Provider = &flagProvider
	}

	if cmd.Flags().Changed("manual-only") {
		cli.IsManualSyncOnly = &flagManualOnly
	}

	if cmd.Flags().Changed("sync-folder") {
		cli.SyncFolder = &flagSyncFolder
	}

	resolved, err := synccfg.Resolve(cfg, env, cli)
	if err != nil {
		return fmt.Errorf("resolving config: %w", err)
	}

	synccfg.WarnUnimplemented(resolved, logger)

	finalLogger := buildLogger(resolved)

	cc := &CLIContext{
		Cfg:    resolved,
		Logger: finalLogger,
		Flags: GlobalFlags{
			ConfigPath: resolvedPath,
			JSON:       flagJSON,
			Verbose:    flagVerbose,
			Debug:      flagDebug,
			Quiet:      flagQuiet,
		},
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Pass nil for pre-config bootstrap (no config-file log level).
// Config-file log level provides the baseline; --verbose, --debug, and
// --quiet override it because CLI flags always win. The flags are mutually
// exclusive (enforced by Cobra).
func buildLogger(cfg *synccfg.Config) *slog.Logger {
	level := slog.LevelWarn

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelInfo
	}

	if flagDebug {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	out := logDestination(cfg)

	return slog.New(logHandler(cfg, out, level))
}

// logDestination returns stderr unless logging.log_file names a path that
// can be opened for append. An unopenable path falls back to stderr rather
// than failing the command — losing the daemon over a log path typo is
// worse than logging to the wrong place.
func logDestination(cfg *synccfg.Config) *os.File {
	if cfg == nil || cfg.Logging.LogFile == "" {
		return os.Stderr
	}

	f, err := os.OpenFile(cfg.Logging.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot open log file %q, logging to stderr: %v\n",
			cfg.Logging.LogFile, err)

		return os.Stderr
	}

	return f
}

// logHandler picks text or JSON output per logging.log_format. "auto" (the
// default) means JSON when writing to a file and text on a terminal-bound
// stderr, so log collectors get structured lines without any config.
func logHandler(cfg *synccfg.Config, out *os.File, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	format := "auto"
	if cfg != nil && cfg.Logging.LogFormat != "" {
		format = cfg.Logging.LogFormat
	}

	useJSON := format == "json"
	if format == "auto" {
		useJSON = cfg != nil && cfg.Logging.LogFile != "" && out != os.Stderr
	}

	if useJSON {
		return slog.NewJSONHandler(out, opts)
	}

	return slog.NewTextHandler(out, opts)
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
