package gateway

import (
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultSendBuffer  = 16
	defaultWriteTimeout = 10 * time.Second
	defaultTokenTTL     = 15 * time.Minute
	defaultQueueLength  = 64
)

type gatewayConfig struct {
	logger        *slog.Logger
	acceptOptions *websocket.AcceptOptions
	sendBuffer    int
	writeTimeout  time.Duration
	queueLength   int
	secret        []byte // HS256 key; empty disables auth
	tokenTTL      time.Duration
}

// Option configures the Gateway.
type Option func(*Gateway)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.config.logger = logger
		}
	}
}

// WithAcceptOptions provides custom websocket.AcceptOptions.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(g *Gateway) {
		g.config.acceptOptions = opts
	}
}

// WithSendBuffer sets the per-subscriber buffer for outgoing frames.
// Default is 16. A subscriber that keeps overflowing it is disconnected.
func WithSendBuffer(size int) Option {
	return func(g *Gateway) {
		if size > 0 {
			g.config.sendBuffer = size
		}
	}
}

// WithWriteTimeout sets the timeout for writing a frame to a subscriber.
func WithWriteTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.config.writeTimeout = d
		}
	}
}

// WithSecret enables auth: connects and publishes must present a token minted
// by the token endpoint (or any HS256 JWT signed with this key whose channel
// claim matches).
func WithSecret(secret string) Option {
	return func(g *Gateway) {
		if secret != "" {
			g.config.secret = []byte(secret)
		}
	}
}

// WithTokenTTL sets the lifetime of minted tokens. Defaults to 15m.
func WithTokenTTL(ttl time.Duration) Option {
	return func(g *Gateway) {
		if ttl > 0 {
			g.config.tokenTTL = ttl
		}
	}
}

// WithQueueLength sets the internal fan-out bus queue length per subscription.
func WithQueueLength(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.config.queueLength = n
		}
	}
}
