package opsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// Retry tuning: base 200ms, factor 2x, ±25% jitter, max 5 retries.
const (
	maxRetries     = 5
	baseBackoff    = 200 * time.Millisecond
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "synccore/0.1"
)

// Client is an HTTP client for the operation-sync server, handling request
// construction, bearer authentication with one-shot refresh-then-retry on a
// transient 401, retry with exponential backoff on transport/5xx/429
// failures, and error classification.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     oauth2.TokenSource
	logger     *slog.Logger

	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates an op-sync Client. tokens supplies bearer tokens; pass a
// RefreshingTokenSource (or any source that caches and refreshes, e.g.
// oauth2.ReuseTokenSource) so Token() transparently refreshes an expired
// token. This client retries a request exactly once on a 401, invalidating
// the source's cached token first when the source supports it, so the retry
// carries a genuinely fresh token rather than replaying the rejected one.
func NewClient(baseURL string, httpClient *http.Client, tokens oauth2.TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
		sleepFunc:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpsResponse is the decoded body of GET /api/sync/ops.
type OpsResponse struct {
	Ops           []json.RawMessage `json:"ops"`
	SnapshotState json.RawMessage   `json:"snapshotState,omitempty"`
	ServerSeq     int64             `json:"serverSeq"`
	IsMigration   bool              `json:"isMigration,omitempty"`
}

// GetOps fetches every op after sinceSeq. When sinceSeq is 0 and the server
// holds a current snapshot, the response carries SnapshotState plus any ops
// recorded after it.
func (c *Client) GetOps(ctx context.Context, sinceSeq int64) (OpsResponse, error) {
	path := fmt.Sprintf("/api/sync/ops?sinceSeq=%d", sinceSeq)

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return OpsResponse{}, err
	}
	defer resp.Body.Close()

	var out OpsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return OpsResponse{}, fmt.Errorf("opsync: decoding ops response: %w", err)
	}

	return out, nil
}

// UploadOpsRequest is the body of POST /api/sync/ops.
type UploadOpsRequest struct {
	Ops                 []json.RawMessage `json:"ops"`
	VectorClockAtUpload json.RawMessage   `json:"vectorClockAtUpload"`
	IsCleanSlate        bool              `json:"isCleanSlate,omitempty"`
}

// UploadOpsResponse is the decoded body of POST /api/sync/ops.
type UploadOpsResponse struct {
	Accepted       []string          `json:"accepted"`
	ServerSeq      int64             `json:"serverSeq"`
	RejectedOps    []string          `json:"rejectedOps,omitempty"`
	PiggybackedOps []json.RawMessage `json:"piggybackedOps,omitempty"`
}

// UploadOps posts a batch of unsynced local ops.
func (c *Client) UploadOps(ctx context.Context, req UploadOpsRequest) (UploadOpsResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return UploadOpsResponse{}, fmt.Errorf("opsync: encoding upload request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/sync/ops", body)
	if err != nil {
		return UploadOpsResponse{}, err
	}
	defer resp.Body.Close()

	var out UploadOpsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return UploadOpsResponse{}, fmt.Errorf("opsync: decoding upload response: %w", err)
	}

	return out, nil
}

// UploadSnapshot posts a full-state snapshot, used by clean-slate and
// encryption-state changes.
func (c *Client) UploadSnapshot(ctx context.Context, payload json.RawMessage, isCleanSlate bool) error {
	body, err := json.Marshal(struct {
		SnapshotState json.RawMessage `json:"snapshotState"`
		IsCleanSlate  bool            `json:"isCleanSlate,omitempty"`
	}{SnapshotState: payload, IsCleanSlate: isCleanSlate})
	if err != nil {
		return fmt.Errorf("opsync: encoding snapshot request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/sync/snapshot", body)
	if err != nil {
		return err
	}

	return resp.Body.Close()
}

// DeleteAll wipes all server-side data for this account, the first half of
// the clean-slate flow.
func (c *Client) DeleteAll(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodDelete, "/api/sync/all", nil)
	if err != nil {
		return err
	}

	return resp.Body.Close()
}

// RestorePoint describes one entry of GET /api/sync/restore-points.
type RestorePoint struct {
	ServerSeq int64  `json:"serverSeq"`
	CreatedAt int64  `json:"createdAt"`
	Label     string `json:"label,omitempty"`
}

// GetRestorePoints lists available admin restore points.
func (c *Client) GetRestorePoints(ctx context.Context) ([]RestorePoint, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/sync/restore-points", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out []RestorePoint
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("opsync: decoding restore points: %w", err)
	}

	return out, nil
}

// GetStateAtSeq fetches the full application state as of serverSeq, for
// admin restore.
func (c *Client) GetStateAtSeq(ctx context.Context, serverSeq int64) (json.RawMessage, error) {
	path := fmt.Sprintf("/api/sync/state/%d", serverSeq)

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("opsync: reading state response: %w", err)
	}

	return data, nil
}

// do executes an authenticated request with retry and one-shot
// token-refresh-on-401, returning the live response body for the caller to
// read and close.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	resp, err := c.doRetry(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *Client) doRetry(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var attempt int
	var refreshedOnce bool

	for {
		resp, err := c.doOnce(ctx, method, path, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("opsync: request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				if sleepErr := c.sleepFunc(ctx, c.calcBackoff(attempt)); sleepErr != nil {
					return nil, fmt.Errorf("opsync: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("opsync: %s %s failed after %d retries: %w", method, path, maxRetries, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}

		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		// A 401 gets exactly one retry, forcing a fresh token, before it's
		// treated as terminal. A source that can drop its cached token (see
		// tokenInvalidator) is told to, so the retry's Token call performs a
		// real refresh instead of replaying the rejected token.
		if resp.StatusCode == http.StatusUnauthorized && !refreshedOnce {
			refreshedOnce = true

			if inv, ok := c.tokens.(tokenInvalidator); ok {
				inv.InvalidateToken()
			}

			c.logger.Warn("retrying after 401, forcing token refresh",
				slog.String("method", method), slog.String("path", path))

			continue
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)

			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
				return nil, fmt.Errorf("opsync: request canceled: %w", sleepErr)
			}

			attempt++

			continue
		}

		return nil, &ServerError{
			StatusCode: resp.StatusCode,
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	tok, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("User-Agent", userAgent)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1)
	backoff += jitter

	return time.Duration(backoff)
}
