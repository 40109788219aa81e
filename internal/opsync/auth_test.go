package opsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// memTokenStore is an in-memory TokenStore for tests.
type memTokenStore struct {
	mu  sync.Mutex
	tok *oauth2.Token
}

func (m *memTokenStore) LoadToken(_ context.Context) (*oauth2.Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tok == nil {
		return nil, false, nil
	}

	return m.tok, true, nil
}

func (m *memTokenStore) SaveToken(_ context.Context, tok *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tok = tok

	return nil
}

func (m *memTokenStore) saved() *oauth2.Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.tok
}

// newTokenEndpoint serves the OAuth refresh grant, issuing "refreshed-N"
// access tokens and counting calls. An empty rotated value omits
// refresh_token from the response, the way many servers do when the old
// refresh token stays valid.
func newTokenEndpoint(t *testing.T, calls *atomic.Int32, rotated string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))

		n := calls.Add(1)

		w.Header().Set("Content-Type", "application/json")

		body := `{"access_token":"refreshed-` + string(rune('0'+n)) + `","token_type":"Bearer","expires_in":3600`
		if rotated != "" {
			body += `,"refresh_token":"` + rotated + `"`
		}

		_, _ = w.Write([]byte(body + `}`))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestRefreshingTokenSourceUsesInitialTokenUntilInvalidated(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	endpoint := newTokenEndpoint(t, &calls, "")

	conf := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: endpoint.URL}}
	initial := &oauth2.Token{AccessToken: "configured", RefreshToken: "refresh-1"}

	src, err := NewRefreshingTokenSource(context.Background(), conf, initial, &memTokenStore{}, nil)
	require.NoError(t, err)

	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "configured", tok.AccessToken)
	assert.Equal(t, int32(0), calls.Load(), "a token with no recorded expiry is used as-is")

	src.InvalidateToken()

	tok, err = src.Token()
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", tok.AccessToken)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRefreshingTokenSourcePersistsAndCarriesRefreshTokenForward(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	endpoint := newTokenEndpoint(t, &calls, "")

	conf := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: endpoint.URL}}
	initial := &oauth2.Token{AccessToken: "configured", RefreshToken: "refresh-1"}
	store := &memTokenStore{}

	src, err := NewRefreshingTokenSource(context.Background(), conf, initial, store, nil)
	require.NoError(t, err)

	src.InvalidateToken()

	_, err = src.Token()
	require.NoError(t, err)

	saved := store.saved()
	require.NotNil(t, saved, "a refreshed token must be persisted")
	assert.Equal(t, "refreshed-1", saved.AccessToken)
	assert.Equal(t, "refresh-1", saved.RefreshToken,
		"a response without refresh_token keeps the old refresh token alive in persistence")
}

func TestRefreshingTokenSourcePrefersPersistedToken(t *testing.T) {
	t.Parallel()

	store := &memTokenStore{tok: &oauth2.Token{
		AccessToken:  "persisted",
		RefreshToken: "rotated-refresh",
		Expiry:       time.Now().Add(time.Hour),
	}}

	conf := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: "http://unused.invalid/token"}}
	initial := &oauth2.Token{AccessToken: "configured", RefreshToken: "stale-refresh"}

	src, err := NewRefreshingTokenSource(context.Background(), conf, initial, store, nil)
	require.NoError(t, err)

	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "persisted", tok.AccessToken,
		"the persisted token's rotated refresh token is fresher than the configured one")
}

func TestRefreshingTokenSourceRequiresRefreshToken(t *testing.T) {
	t.Parallel()

	conf := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: "http://unused.invalid/token"}}

	_, err := NewRefreshingTokenSource(context.Background(), conf, &oauth2.Token{AccessToken: "only"}, &memTokenStore{}, nil)
	require.Error(t, err)
}

func TestClient401RetryCarriesRefreshedToken(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	endpoint := newTokenEndpoint(t, &tokenCalls, "refresh-2")

	conf := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: endpoint.URL}}
	initial := &oauth2.Token{AccessToken: "revoked", RefreshToken: "refresh-1"}

	src, err := NewRefreshingTokenSource(context.Background(), conf, initial, &memTokenStore{}, nil)
	require.NoError(t, err)

	var seen []string

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		seen = append(seen, auth)

		if auth == "Bearer revoked" {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ops":[],"serverSeq":1}`))
	}))
	t.Cleanup(api.Close)

	c := NewClient(api.URL, api.Client(), src, nil)
	c.sleepFunc = func(ctx context.Context, d time.Duration) error { return nil }

	_, err = c.GetOps(context.Background(), 0)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, "Bearer revoked", seen[0])
	assert.Equal(t, "Bearer refreshed-1", seen[1],
		"the one-shot 401 retry must carry a genuinely refreshed token, not replay the rejected one")
}
