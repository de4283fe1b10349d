// Package token provides auth token sources for the channelmq client:
// a fixed token and a self-refreshing source that mints short-lived JWTs from
// a gateway's token endpoint.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultRefreshAttempts = 3
	defaultRefreshDelay    = 500 * time.Millisecond
	defaultExpiryLeeway    = 30 * time.Second
)

// Source yields the token presented on connect and HTTP publish.
type Source interface {
	Token(ctx context.Context) (string, error)
}

type staticSource string

func (s staticSource) Token(context.Context) (string, error) { return string(s), nil }

// Static returns a Source that always yields tok.
func Static(tok string) Source { return staticSource(tok) }

// Refreshing mints tokens from a gateway's POST /token endpoint and caches
// them until they approach their exp claim. Transient endpoint failures are
// retried with a fixed delay.
type Refreshing struct {
	endpoint   string // http(s) base endpoint, token path appended
	channel    string
	httpClient *http.Client
	logger     *slog.Logger
	attempts   uint
	delay      time.Duration
	leeway     time.Duration

	mu      sync.Mutex
	cached  string
	expires time.Time
}

// RefreshOption configures a Refreshing source.
type RefreshOption func(*Refreshing)

// WithHTTPClient sets the HTTP client used for refresh requests.
func WithHTTPClient(hc *http.Client) RefreshOption {
	return func(r *Refreshing) {
		if hc != nil {
			r.httpClient = hc
		}
	}
}

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) RefreshOption {
	return func(r *Refreshing) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRetry sets the attempt count and fixed delay for refresh requests.
func WithRetry(attempts uint, delay time.Duration) RefreshOption {
	return func(r *Refreshing) {
		if attempts > 0 {
			r.attempts = attempts
		}
		if delay > 0 {
			r.delay = delay
		}
	}
}

// WithExpiryLeeway sets how long before the exp claim a cached token is
// considered stale. Defaults to 30s.
func WithExpiryLeeway(leeway time.Duration) RefreshOption {
	return func(r *Refreshing) {
		if leeway > 0 {
			r.leeway = leeway
		}
	}
}

// NewRefreshing creates a source that POSTs <endpoint>/token for channel.
// The endpoint uses an http(s) scheme.
func NewRefreshing(endpoint, channel string, opts ...RefreshOption) *Refreshing {
	r := &Refreshing{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		channel:    channel,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		attempts:   defaultRefreshAttempts,
		delay:      defaultRefreshDelay,
		leeway:     defaultExpiryLeeway,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type tokenRequest struct {
	Channel string `json:"channel"`
}

type tokenResponse struct {
	Token string `json:"token"`
	Error string `json:"error,omitempty"`
}

// Token returns the cached token, minting a fresh one when the cache is empty
// or within the leeway window of its expiry.
func (r *Refreshing) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != "" && time.Now().Before(r.expires.Add(-r.leeway)) {
		return r.cached, nil
	}

	tok, err := retry.DoWithData(
		func() (string, error) { return r.mint(ctx) },
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", fmt.Errorf("token: refresh for channel '%s': %w", r.channel, err)
	}

	r.cached = tok
	r.expires = expiryOf(tok)
	r.logger.Debug(fmt.Sprintf("token: refreshed for channel '%s', expires %s", r.channel, r.expires.Format(time.RFC3339)))
	return tok, nil
}

func (r *Refreshing) mint(ctx context.Context) (string, error) {
	body, err := json.Marshal(tokenRequest{Channel: r.channel})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", err
	}
	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return "", fmt.Errorf("decode token response (status %s): %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := tr.Error
		if msg == "" {
			msg = resp.Status
		}
		return "", fmt.Errorf("token endpoint refused: %s", msg)
	}
	if tr.Token == "" {
		return "", fmt.Errorf("token endpoint returned empty token")
	}
	return tr.Token, nil
}

// expiryOf extracts the exp claim without verifying the signature; the client
// is not the party that validates tokens. A token without a readable exp is
// treated as immediately stale so every use re-mints.
func expiryOf(tok string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(tok, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
