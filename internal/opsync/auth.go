package opsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// TokenStore persists the most recently issued OAuth token so a rotated
// refresh token survives process restarts. Implementations must tolerate
// LoadToken finding nothing (first run).
type TokenStore interface {
	LoadToken(ctx context.Context) (*oauth2.Token, bool, error)
	SaveToken(ctx context.Context, tok *oauth2.Token) error
}

// tokenInvalidator is an optional TokenSource capability: a source that can
// drop its cached access token so the next Token call performs a real
// refresh against the token endpoint. The client's one-shot 401 retry probes
// for it, since a cached token that the server has revoked can look valid
// locally right up until its recorded expiry.
type tokenInvalidator interface {
	InvalidateToken()
}

// RefreshingTokenSource is an oauth2.TokenSource that refreshes expired
// access tokens through conf's token endpoint and persists every newly
// issued token through a TokenStore, so rotation of the refresh token is
// never lost between runs. It also implements the invalidation hook the
// Client's 401 retry uses to force a refresh ahead of the recorded expiry.
type RefreshingTokenSource struct {
	conf   *oauth2.Config
	ctx    context.Context
	store  TokenStore
	logger *slog.Logger

	mu   sync.Mutex
	src  oauth2.TokenSource
	last *oauth2.Token
}

// NewRefreshingTokenSource builds a RefreshingTokenSource seeded from the
// persisted token when store holds one (its refresh token is the freshest),
// falling back to initial otherwise. ctx must outlive the source — it is
// bound into every refresh request the underlying oauth2 machinery makes.
func NewRefreshingTokenSource(ctx context.Context, conf *oauth2.Config, initial *oauth2.Token, store TokenStore, logger *slog.Logger) (*RefreshingTokenSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tok := initial

	if store != nil {
		stored, ok, err := store.LoadToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("opsync: loading persisted token: %w", err)
		}

		if ok {
			logger.Debug("using persisted oauth token",
				slog.Time("expiry", stored.Expiry),
			)

			tok = stored
		}
	}

	if tok == nil || tok.RefreshToken == "" {
		return nil, fmt.Errorf("opsync: refreshing token source requires a refresh token")
	}

	return &RefreshingTokenSource{
		conf:   conf,
		ctx:    ctx,
		store:  store,
		logger: logger,
		src:    conf.TokenSource(ctx, tok),
		last:   tok,
	}, nil
}

// Token returns a valid token, refreshing through the token endpoint when
// the cached one has expired or been invalidated. A newly issued token is
// persisted before being returned; persistence failures are logged rather
// than failing the request, since the token itself is still usable.
func (s *RefreshingTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.src.Token()
	if err != nil {
		return nil, fmt.Errorf("opsync: obtaining token: %w", err)
	}

	if s.last == nil || tok.AccessToken != s.last.AccessToken {
		// A refresh response that omits refresh_token means the old one is
		// still good; carry it forward so it is never lost from persistence.
		if tok.RefreshToken == "" && s.last != nil {
			tok.RefreshToken = s.last.RefreshToken
		}

		s.logger.Info("oauth token refreshed",
			slog.Time("new_expiry", tok.Expiry),
		)

		if s.store != nil {
			if err := s.store.SaveToken(s.ctx, tok); err != nil {
				s.logger.Warn("failed to persist refreshed token",
					slog.String("error", err.Error()),
				)
			}
		}

		s.last = tok
	}

	return tok, nil
}

// InvalidateToken drops the cached access token, so the next Token call
// exchanges the refresh token for a fresh one even though the recorded
// expiry has not passed. Called by the Client's 401 retry path.
func (s *RefreshingTokenSource) InvalidateToken() {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := &oauth2.Token{
		RefreshToken: s.last.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	}

	s.src = s.conf.TokenSource(s.ctx, expired)
}
