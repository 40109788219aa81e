package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/synccore/internal/synccfg"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigValidateCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration after all overrides",
		Long:  `Render the fully-resolved configuration (defaults -> file -> env -> CLI), redacting the encryption passphrase.`,
		RunE:  runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Flags.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		redacted := *cc.Cfg
		if redacted.Encryption.EncryptKey != "" {
			redacted.Encryption.EncryptKey = "***"
		}

		return enc.Encode(redacted)
	}

	return synccfg.RenderEffective(cc.Cfg, os.Stdout)
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "validate",
		Short:       "Validate the configuration without running a sync cycle",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runConfigValidate,
	}
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	path := flagConfigPath
	if path == "" {
		path = DefaultConfigPath()
	}

	logger := buildLogger(nil)

	cfg, err := synccfg.LoadOrDefault(path, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)

		return err
	}

	if err := synccfg.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)

		return err
	}

	fmt.Fprintf(os.Stdout, "config at %s is valid\n", path)

	return nil
}
