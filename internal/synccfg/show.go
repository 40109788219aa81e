package synccfg

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w, powering the "config show" command. All four
// override layers are already applied by the time cfg reaches here.
func RenderEffective(cfg *Config, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective sync configuration\n\n")

	renderSyncSection(ew, &cfg.Sync)
	renderEncryptionSection(ew, &cfg.Encryption)
	renderServerSection(ew, &cfg.Server)
	renderFileSection(ew, &cfg.File)
	renderLoggingSection(ew, &cfg.Logging)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error, so
// callers can chain printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderSyncSection(ew *errWriter, s *SyncConfig) {
	ew.printf("[sync]\n")
	ew.printf("  is_enabled            = %t\n", s.IsEnabled)
	ew.printf("  sync_provider         = %q\n", s.SyncProvider)
	ew.printf("  sync_interval         = %q\n", s.SyncInterval)
	ew.printf("  is_manual_sync_only   = %t\n", s.IsManualSyncOnly)
	ew.printf("  debounce_millis       = %d\n", s.DebounceMillis)
	ew.printf("  retention_days        = %d\n", s.RetentionDays)
	ew.printf("\n")
}

func renderEncryptionSection(ew *errWriter, e *EncryptionConfig) {
	ew.printf("[encryption]\n")
	ew.printf("  is_encryption_enabled  = %t\n", e.IsEncryptionEnabled)
	ew.printf("  is_compression_enabled = %t\n", e.IsCompressionEnabled)
	ew.printf("  kdf_iterations         = %d\n", e.KDFIterations)

	if e.EncryptKey != "" {
		ew.printf("  encrypt_key            = %q\n", "********")
	}

	ew.printf("\n")
}

func renderServerSection(ew *errWriter, s *ServerConfig) {
	if s.BaseURL == "" {
		return
	}

	ew.printf("[server]\n")
	ew.printf("  base_url  = %q\n", s.BaseURL)

	if s.TokenURL != "" {
		ew.printf("  token_url = %q\n", s.TokenURL)
	}

	ew.printf("\n")
}

func renderFileSection(ew *errWriter, f *FileConfig) {
	if f.BaseURL == "" && f.SyncFolder == "" && f.SAFURI == "" {
		return
	}

	ew.printf("[file]\n")

	if f.BaseURL != "" {
		ew.printf("  base_url    = %q\n", f.BaseURL)
	}

	if f.SyncFolder != "" {
		ew.printf("  sync_folder = %q\n", f.SyncFolder)
	}

	if f.SAFURI != "" {
		ew.printf("  saf_uri     = %q\n", f.SAFURI)
	}

	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", l.LogLevel)
	ew.printf("  log_format = %q\n", l.LogFormat)

	if l.LogFile != "" {
		ew.printf("  log_file   = %q\n", l.LogFile)
	}
}
