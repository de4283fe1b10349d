package client

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const (
	// WildcardTopic subscribes a handler to every topic on the channel.
	WildcardTopic = "*"

	defaultChannel              = "default"
	defaultDialTimeout          = 10 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultDisconnectTimeout    = 5 * time.Second
	defaultMaxReconnectAttempts = 5
	defaultReconnectDelay       = 3000 * time.Millisecond
	defaultPingInterval         = 30 * time.Second
)

// TokenSource yields the auth token presented on every connect and HTTP
// publish. pkg/token provides static and self-refreshing implementations.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type clientConfig struct {
	logger               *slog.Logger
	dialOptions          *websocket.DialOptions
	httpClient           *http.Client
	channel              string
	tokenSource          TokenSource
	headers              map[string]string
	topics               []string // root topic filter for the subscriber connection
	autoReconnect        bool
	maxReconnectAttempts int
	reconnectDelay       time.Duration
	dialTimeout          time.Duration
	writeTimeout         time.Duration
	disconnectTimeout    time.Duration
	pingInterval         time.Duration // 0 disables client-initiated pings
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.config.logger = logger
		}
	}
}

// WithChannel sets the channel namespace carried on every connect.
// Defaults to "default".
func WithChannel(channel string) Option {
	return func(c *Client) {
		if channel != "" {
			c.config.channel = channel
		}
	}
}

// WithToken sets a fixed auth token.
func WithToken(token string) Option {
	return func(c *Client) {
		c.config.tokenSource = staticToken(token)
	}
}

// WithTokenSource sets a dynamic token source, e.g. token.NewRefreshing.
func WithTokenSource(src TokenSource) Option {
	return func(c *Client) {
		c.config.tokenSource = src
	}
}

// WithHeaders adds key/value pairs passed as query parameters on every connect.
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		if len(headers) == 0 {
			return
		}
		if c.config.headers == nil {
			c.config.headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			c.config.headers[k] = v
		}
	}
}

// WithTopics sets a root topic filter for the subscriber connection. The
// gateway then only delivers envelopes for these topics. Without a filter the
// subscriber receives every topic on the channel.
func WithTopics(topics ...string) Option {
	return func(c *Client) {
		c.config.topics = topics
	}
}

// WithAutoReconnect enables or disables automatic reconnection after an
// unexpected close. Enabled by default.
func WithAutoReconnect(enabled bool) Option {
	return func(c *Client) {
		c.config.autoReconnect = enabled
	}
}

// WithMaxReconnectAttempts bounds consecutive automatic reconnect attempts.
// Defaults to 5. The counter resets after a successful connect.
func WithMaxReconnectAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.config.maxReconnectAttempts = n
		}
	}
}

// WithReconnectDelay sets the fixed wait between reconnect attempts.
// Defaults to 3s.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.config.reconnectDelay = d
		}
	}
}

// WithDisconnectTimeout bounds how long Disconnect waits for a transport to
// acknowledge the close handshake before abandoning it. Defaults to 5s.
func WithDisconnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.config.disconnectTimeout = d
		}
	}
}

// WithDialTimeout sets the timeout for a single connect attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.config.dialTimeout = d
		}
	}
}

// WithWriteTimeout sets the timeout for writing a frame to the gateway.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.config.writeTimeout = d
		}
	}
}

// WithPingInterval sets the client-initiated ping interval.
// interval <= 0 disables client pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		c.config.pingInterval = d
	}
}

// WithDialOptions sets custom websocket.DialOptions.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *Client) {
		c.config.dialOptions = opts
	}
}

// WithHTTPClient sets the HTTP client used by PublishHTTP.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.config.httpClient = hc
		}
	}
}

// staticToken is the fixed-string TokenSource behind WithToken.
type staticToken string

func (t staticToken) Token(context.Context) (string, error) { return string(t), nil }
