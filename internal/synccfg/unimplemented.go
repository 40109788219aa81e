package synccfg

import "log/slog"

// WarnUnimplemented logs a warning for each config field that is set to a
// non-default value but not yet backed by a concrete adapter, so a user
// doesn't believe a setting takes effect when it silently doesn't.
func WarnUnimplemented(cfg *Config, logger *slog.Logger) {
	warn := func(field, reason string) {
		logger.Warn("config field not yet implemented; value will be ignored",
			"field", field, "reason", reason)
	}

	switch Provider(cfg.Sync.SyncProvider) {
	case ProviderDropbox:
		warn("sync.sync_provider=Dropbox", "no Dropbox FileStore backend is wired yet; falls back to LocalFile semantics")
	case ProviderWebDAV:
		warn("sync.sync_provider=WebDAV", "no WebDAV FileStore backend is wired yet; falls back to LocalFile semantics")
	}

	if cfg.File.SAFURI != "" {
		warn("file.saf_uri", "Android Storage-Access-Framework URIs are only meaningful on Android; ignored on this platform")
	}

	if cfg.Server.RefreshToken != "" && cfg.Server.TokenURL == "" {
		warn("server.refresh_token", "no server.token_url configured, so there is no endpoint to refresh against; the access token is used as-is")
	}
}
