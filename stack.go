package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/synccore/internal/clock"
	"github.com/tonimelisma/synccore/internal/entitystore"
	"github.com/tonimelisma/synccore/internal/envelope"
	"github.com/tonimelisma/synccore/internal/fileadapter"
	"github.com/tonimelisma/synccore/internal/localfs"
	"github.com/tonimelisma/synccore/internal/merge"
	"github.com/tonimelisma/synccore/internal/oplog"
	"github.com/tonimelisma/synccore/internal/ops"
	"github.com/tonimelisma/synccore/internal/opsync"
	"github.com/tonimelisma/synccore/internal/orchestrator"
	"github.com/tonimelisma/synccore/internal/synccfg"
)

// containerFileName is the shared container written under the sync folder
// by the file-based adapter.
const containerFileName = "sync-data.json"

// opLogFileName and entityDBFileName are the two SQLite databases each
// profile owns: the append-only operation log and the materialized
// entity view with its LWW metadata.
const (
	opLogFileName    = "oplog.db"
	entityDBFileName = "entities.db"
)

// stack bundles every component wired together to run sync cycles for one
// profile: the operation log, the materialized entity view, the vector-clock
// service, the LWW operation factory, the merge resolver, and an
// orchestrator already pointed at the configured adapter.
type stack struct {
	Log      *oplog.Store
	Entities *entitystore.Store
	Clocks   *orchestrator.ClockService
	Factory  *ops.Factory
	Resolver *merge.Resolver
	Orch     *orchestrator.Orchestrator
	Adapter  adapterHandle
	ClientID string
}

// adapterHandle is the subset of the two adapter implementations the CLI
// needs beyond orchestrator.Adapter: CleanSlate, used by "synccore
// clean-slate" and the local-data-conflict Keep-Remote path.
// *fileadapter.Adapter and *opsync.Adapter both satisfy this directly.
type adapterHandle interface {
	orchestrator.Adapter
	CleanSlate(ctx context.Context, clientID string, vc clock.VectorClock, fullState json.RawMessage) error
}

// Close releases the stack's open database handles.
func (s *stack) Close() {
	if s.Log != nil {
		s.Log.Close()
	}

	if s.Entities != nil {
		s.Entities.Close()
	}
}

// buildStack opens the on-disk stores for cfg's active profile, primes the
// vector-clock service, and wires the merge resolver and orchestrator around
// whichever adapter cfg.Sync.SyncProvider selects.
func buildStack(ctx context.Context, cfg *synccfg.Config, logger *slog.Logger) (*stack, error) {
	dataDir := DefaultDataDir()
	if dataDir == "" {
		return nil, fmt.Errorf("cannot determine data directory (no home directory)")
	}

	log, err := oplog.Open(ctx, filepath.Join(dataDir, opLogFileName), logger)
	if err != nil {
		return nil, fmt.Errorf("opening operation log: %w", err)
	}

	entities, err := entitystore.Open(ctx, filepath.Join(dataDir, entityDBFileName), logger)
	if err != nil {
		log.Close()

		return nil, fmt.Errorf("opening entity store: %w", err)
	}

	clientID, err := log.GetClientID(ctx)
	if err != nil {
		log.Close()
		entities.Close()

		return nil, fmt.Errorf("loading client id: %w", err)
	}

	clocks := orchestrator.NewClockService(clientID, log)
	if err := clocks.Prime(ctx); err != nil {
		log.Close()
		entities.Close()

		return nil, fmt.Errorf("priming vector clock: %w", err)
	}

	factory := ops.NewFactory(clientID, clocks)
	resolver := merge.NewResolver(entities, log, factory, merge.TaskReferenceCascade{}, logger)

	orch := orchestrator.New(log, resolver, clocks, nil, logger)

	s := &stack{
		Log:      log,
		Entities: entities,
		Clocks:   clocks,
		Factory:  factory,
		Resolver: resolver,
		Orch:     orch,
		ClientID: clientID,
	}

	adapter, err := buildAdapter(ctx, cfg, clientID, clocks, log, logger)
	if err != nil {
		s.Close()

		return nil, err
	}

	s.Adapter = adapter
	orch.SetAdapter(adapter)

	return s, nil
}

// buildAdapter constructs the orchestrator.Adapter for cfg's selected
// provider. Dropbox and WebDAV have no concrete FileStore implementation in
// this module (see DESIGN.md); both fall back to the LocalFile semantics so
// the CLI remains usable against a mounted/shared directory while those
// backends are unimplemented, consistent with synccfg.WarnUnimplemented's
// warning at config-load time.
func buildAdapter(ctx context.Context, cfg *synccfg.Config, clientID string, clocks *orchestrator.ClockService, log *oplog.Store, logger *slog.Logger) (adapterHandle, error) {
	envOpts, err := envelopeOptions(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	switch synccfg.Provider(cfg.Sync.SyncProvider) {
	case synccfg.ProviderOpSync:
		return buildOpSyncAdapter(ctx, cfg, clientID, envOpts, log, logger)
	case synccfg.ProviderLocalFile, synccfg.ProviderDropbox, synccfg.ProviderWebDAV:
		return buildFileAdapter(cfg, clientID, clocks, envOpts, logger)
	default:
		return nil, fmt.Errorf("unrecognized sync provider %q", cfg.Sync.SyncProvider)
	}
}

func buildFileAdapter(cfg *synccfg.Config, clientID string, clocks *orchestrator.ClockService, envOpts envelope.Options, logger *slog.Logger) (adapterHandle, error) {
	folder := cfg.File.SyncFolder
	if folder == "" {
		return nil, fmt.Errorf("file.sync_folder is required for provider %q", cfg.Sync.SyncProvider)
	}

	store := localfs.New(folder)
	adapter := fileadapter.New(store, containerFileName, clocks, envOpts, logger)
	adapter.SetClientID(clientID)

	return adapter, nil
}

func buildOpSyncAdapter(ctx context.Context, cfg *synccfg.Config, clientID string, envOpts envelope.Options, log *oplog.Store, logger *slog.Logger) (adapterHandle, error) {
	if cfg.Server.BaseURL == "" {
		return nil, fmt.Errorf("server.base_url is required for provider %q", cfg.Sync.SyncProvider)
	}

	tokens, err := buildTokenSource(ctx, cfg, log, logger)
	if err != nil {
		return nil, err
	}

	client := opsync.NewClient(cfg.Server.BaseURL, &http.Client{Timeout: 60 * time.Second}, tokens, logger)
	adapter := opsync.New(client, clientID, envOpts)

	return adapter, nil
}

// buildTokenSource returns a refreshing token source when the config carries
// both a refresh token and a token endpoint, persisting rotated refresh
// tokens through the oplog's cursor table so they survive restarts. With
// only a bearer access token there is nothing to refresh against, and the
// static source's one-shot 401 retry degrades to a plain replay.
// synccfg.WarnUnimplemented warns at config-load time only when a refresh
// token is set without a token endpoint.
func buildTokenSource(ctx context.Context, cfg *synccfg.Config, log *oplog.Store, logger *slog.Logger) (oauth2.TokenSource, error) {
	if cfg.Server.RefreshToken == "" || cfg.Server.TokenURL == "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Server.AccessToken}), nil
	}

	conf := &oauth2.Config{
		Endpoint: oauth2.Endpoint{TokenURL: cfg.Server.TokenURL},
	}

	initial := &oauth2.Token{
		AccessToken:  cfg.Server.AccessToken,
		RefreshToken: cfg.Server.RefreshToken,
	}

	tokens, err := opsync.NewRefreshingTokenSource(ctx, conf, initial, &oplogTokenStore{log: log}, logger)
	if err != nil {
		return nil, fmt.Errorf("building token source: %w", err)
	}

	return tokens, nil
}

// tokenCursorKind persists the most recently issued OAuth token in the same
// opaque cursor table the adapters and the encryption salt use — rotated
// refresh tokens must survive restarts or the next refresh attempt replays a
// revoked one.
const tokenCursorKind = "oauth_token"

// oplogTokenStore implements opsync.TokenStore over the oplog cursor table.
type oplogTokenStore struct {
	log *oplog.Store
}

func (s *oplogTokenStore) LoadToken(ctx context.Context) (*oauth2.Token, bool, error) {
	encoded, ok, err := s.log.GetCursor(ctx, tokenCursorKind)
	if err != nil || !ok || encoded == "" {
		return nil, false, err
	}

	var tok oauth2.Token
	if err := json.Unmarshal([]byte(encoded), &tok); err != nil {
		return nil, false, fmt.Errorf("decoding persisted token: %w", err)
	}

	return &tok, true, nil
}

func (s *oplogTokenStore) SaveToken(ctx context.Context, tok *oauth2.Token) error {
	encoded, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	return s.log.SetCursor(ctx, tokenCursorKind, string(encoded))
}

// saltCursorKind stores the per-account PBKDF2 salt in the same opaque
// cursor table the adapters use for their own cursors (oplog has no other
// generic key-value surface, and a salt is, like a cursor, a small value
// generated once and never mutated in place).
const saltCursorKind = "encryption_salt"

// envelopeOptions builds the encryption/compression envelope for cfg,
// generating and persisting a per-account salt the first
// time encryption is enabled so the derived key stays stable across runs.
func envelopeOptions(ctx context.Context, cfg *synccfg.Config, log *oplog.Store) (envelope.Options, error) {
	opts := envelope.Options{
		Encrypt:  cfg.Encryption.IsEncryptionEnabled,
		Compress: cfg.Encryption.IsCompressionEnabled,
	}

	if !opts.Encrypt {
		return opts, nil
	}

	salt, err := loadOrCreateSalt(ctx, log)
	if err != nil {
		return envelope.Options{}, fmt.Errorf("loading encryption salt: %w", err)
	}

	deriver := envelope.NewKeyDeriver()

	if cfg.Encryption.KDFIterations > 0 {
		deriver.SetIterations(cfg.Encryption.KDFIterations)
	}

	deriver.SetPassphrase(cfg.Encryption.EncryptKey, salt)
	opts.KeyDeriver = deriver

	return opts, nil
}

// loadOrCreateSalt returns the persisted per-account salt, generating and
// storing a fresh one on first use. The salt is stable for the lifetime of
// the account so every device derives the same key from the passphrase.
func loadOrCreateSalt(ctx context.Context, log *oplog.Store) ([]byte, error) {
	encoded, ok, err := log.GetCursor(ctx, saltCursorKind)
	if err != nil {
		return nil, err
	}

	if ok && encoded != "" {
		return base64.StdEncoding.DecodeString(encoded)
	}

	salt, err := envelope.NewSalt()
	if err != nil {
		return nil, err
	}

	if err := log.SetCursor(ctx, saltCursorKind, base64.StdEncoding.EncodeToString(salt)); err != nil {
		return nil, err
	}

	return salt, nil
}
