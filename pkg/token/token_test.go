package token_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lightforgemedia/go-channelmq/pkg/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

func TestStaticSource(t *testing.T) {
	src := token.Static("fixed-token")
	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fixed-token", tok)
}

// mintServer is a token endpoint that returns HS256 JWTs with a configurable
// ttl and can fail a leading number of requests.
type mintServer struct {
	server    *httptest.Server
	requests  atomic.Int32
	failFirst int32
	ttl       time.Duration
}

func newMintServer(t *testing.T, ttl time.Duration, failFirst int32) *mintServer {
	t.Helper()
	ms := &mintServer{ttl: ttl, failFirst: failFirst}
	ms.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ms.requests.Add(1)
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		if n <= ms.failFirst {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": "mint backend down"})
			return
		}
		var req struct {
			Channel string `json:"channel"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Channel == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "channel is required"})
			return
		}
		now := time.Now()
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"channel": req.Channel,
			"iat":     now.Unix(),
			"exp":     now.Add(ms.ttl).Unix(),
		}).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		json.NewEncoder(w).Encode(map[string]string{"token": tok})
	}))
	t.Cleanup(ms.server.Close)
	return ms
}

func TestRefreshingCachesUntilExpiry(t *testing.T) {
	ms := newMintServer(t, time.Hour, 0)
	src := token.NewRefreshing(ms.server.URL, "default", token.WithLogger(testLogger))

	ctx := context.Background()
	first, err := src.Token(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), ms.requests.Load(), "cached token must not hit the endpoint")
}

func TestRefreshingRemintsNearExpiry(t *testing.T) {
	// The ttl sits inside the leeway window, so every use re-mints.
	ms := newMintServer(t, 10*time.Second, 0)
	src := token.NewRefreshing(ms.server.URL, "default",
		token.WithLogger(testLogger),
		token.WithExpiryLeeway(30*time.Second),
	)

	ctx := context.Background()
	_, err := src.Token(ctx)
	require.NoError(t, err)
	_, err = src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), ms.requests.Load())
}

func TestRefreshingRetriesTransientFailure(t *testing.T) {
	ms := newMintServer(t, time.Hour, 1)
	src := token.NewRefreshing(ms.server.URL, "default",
		token.WithLogger(testLogger),
		token.WithRetry(3, 10*time.Millisecond),
	)

	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
	assert.Equal(t, int32(2), ms.requests.Load(), "one failure then one success")
}

func TestRefreshingExhaustsRetries(t *testing.T) {
	ms := newMintServer(t, time.Hour, 100)
	src := token.NewRefreshing(ms.server.URL, "default",
		token.WithLogger(testLogger),
		token.WithRetry(2, 10*time.Millisecond),
	)

	_, err := src.Token(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mint backend down")
	assert.Equal(t, int32(2), ms.requests.Load())
}
