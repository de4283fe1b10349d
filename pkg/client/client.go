// Package client implements the channelmq client: two independent,
// auto-reconnecting WebSocket connections (publisher, subscriber) to a
// gateway, with topic-based fan-out of inbound envelopes to local handlers.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/lightforgemedia/go-channelmq/pkg/wire"
)

// Client maintains the two role connections lazily: the publisher link is
// established on the first Publish, the subscriber link on the first
// Subscribe. All methods are safe for concurrent use.
type Client struct {
	config   clientConfig
	endpoint string // ws(s) base endpoint, e.g. wss://gw.example.com/v1
	httpBase string // endpoint with http(s) scheme, for PublishHTTP
	id       string

	ctx    context.Context
	cancel context.CancelFunc

	shutdown atomic.Bool

	notifier *stateNotifier
	registry *topicRegistry
	pub      *controller
	sub      *controller
}

// New creates a Client for the given gateway endpoint. The endpoint uses a
// ws:// or wss:// scheme; role paths (pub-ws, sub) are appended per
// connection. No connection is made until the first operation needs one.
func New(endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("channelmq: endpoint cannot be empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("channelmq: invalid endpoint '%s': %w", endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("channelmq: endpoint scheme must be ws or wss, got '%s'", u.Scheme)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config: clientConfig{
			logger:               slog.Default(),
			channel:              defaultChannel,
			autoReconnect:        true,
			maxReconnectAttempts: defaultMaxReconnectAttempts,
			reconnectDelay:       defaultReconnectDelay,
			dialTimeout:          defaultDialTimeout,
			writeTimeout:         defaultWriteTimeout,
			disconnectTimeout:    defaultDisconnectTimeout,
			pingInterval:         defaultPingInterval,
		},
		endpoint: strings.TrimSuffix(endpoint, "/"),
		id:       uuid.NewString(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.config.pingInterval < 0 {
		c.config.pingInterval = 0
	}
	if c.config.dialOptions == nil {
		c.config.dialOptions = &websocket.DialOptions{HTTPClient: http.DefaultClient}
	}
	if c.config.httpClient == nil {
		c.config.httpClient = http.DefaultClient
	}
	c.httpBase = "http" + strings.TrimPrefix(c.endpoint, "ws")

	c.notifier = newStateNotifier(c.config.logger)
	c.registry = newTopicRegistry()
	c.pub = newController(RolePublisher, c)
	c.sub = newController(RoleSubscriber, c)
	return c, nil
}

// ID returns the unique id of this client instance.
func (c *Client) ID() string { return c.id }

func (c *Client) isShuttingDown() bool { return c.shutdown.Load() }

// Publish sends payload on topic over the publisher connection, establishing
// it first if needed. The payload is serialized to JSON and double-encoded
// inside the envelope.
func (c *Client) Publish(ctx context.Context, topic string, payload any) error {
	if topic == "" {
		return fmt.Errorf("channelmq: topic cannot be empty")
	}
	if c.isShuttingDown() {
		return ErrShuttingDown
	}
	frame, err := wire.Encode(topic, payload)
	if err != nil {
		return err
	}
	if err := c.pub.ensureConnected(ctx); err != nil {
		return err
	}
	conn := c.pub.connHandle()
	if conn == nil {
		return fmt.Errorf("%w: publisher connection lost before write", ErrConnect)
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.config.writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("channelmq: publish to topic '%s': %w", topic, err)
	}
	return nil
}

// PublishHTTP sends one envelope over plain HTTP instead of the publisher
// connection. Useful for one-shot publishes where holding a socket open is
// not worth it.
func (c *Client) PublishHTTP(ctx context.Context, topic string, payload any) error {
	if topic == "" {
		return fmt.Errorf("channelmq: topic cannot be empty")
	}
	if c.isShuttingDown() {
		return ErrShuttingDown
	}
	frame, err := wire.Encode(topic, payload)
	if err != nil {
		return err
	}

	q := url.Values{}
	q.Set("channel", c.config.channel)
	if c.config.tokenSource != nil {
		tok, err := c.config.tokenSource.Token(ctx)
		if err != nil {
			return fmt.Errorf("channelmq: acquire token for http publish: %w", err)
		}
		if tok != "" {
			q.Set("token", tok)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpBase+"/publish?"+q.Encode(), bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("channelmq: build http publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.config.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("channelmq: http publish to topic '%s': %w", topic, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: http publish rejected (status %s)", ErrConnectionDenied, resp.Status)
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("channelmq: http publish to topic '%s' failed (status %s): %s", topic, resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// Subscribe registers handler for the given topics and ensures the subscriber
// connection is up before returning, so a successful call means the link is
// live. No topics subscribes to everything; a wildcard among the topics
// collapses the call to wildcard-only. The returned UnsubscribeFunc removes
// exactly the registrations this call added.
func (c *Client) Subscribe(ctx context.Context, handler MessageHandler, topics ...string) (UnsubscribeFunc, error) {
	if handler == nil {
		return nil, fmt.Errorf("channelmq: handler cannot be nil")
	}
	if c.isShuttingDown() {
		return nil, ErrShuttingDown
	}
	normalized, err := normalizeTopics(topics)
	if err != nil {
		return nil, err
	}
	if err := c.sub.ensureConnected(ctx); err != nil {
		return nil, err
	}

	ids := c.registry.add(normalized, handler)
	c.config.logger.Debug(fmt.Sprintf("Client %s: subscribed handler to topics %v", c.id, normalized))

	var once sync.Once
	return func() {
		once.Do(func() {
			c.registry.removeIDs(normalized, ids)
		})
	}, nil
}

// Unsubscribe removes handler registrations for topic. A nil handler deletes
// the whole topic entry; otherwise every registration of that handler under
// the topic is removed. Unknown topics and handlers are no-ops.
func (c *Client) Unsubscribe(topic string, handler MessageHandler) {
	if handler == nil {
		c.registry.removeTopic(topic)
		return
	}
	c.registry.removeHandler(topic, handler)
}

// OnStateChange registers a listener invoked with (state, role) for every
// transition of either role. The returned function detaches it.
func (c *Client) OnStateChange(listener StateListener) func() {
	return c.notifier.attach(listener)
}

// PublisherState reports the publisher connection's current state.
func (c *Client) PublisherState() ConnectionState { return c.pub.currentState() }

// SubscriberState reports the subscriber connection's current state.
func (c *Client) SubscriberState() ConnectionState { return c.sub.currentState() }

// Disconnect drives both roles to DISCONNECTED and permanently disables the
// client. It is idempotent and only fails if the caller's ctx dies before
// both close sequences finish; the close work itself completes regardless.
func (c *Client) Disconnect(ctx context.Context) error {
	c.shutdown.Store(true)

	var wg sync.WaitGroup
	for _, ct := range []*controller{c.pub, c.sub} {
		wg.Add(1)
		go func(ct *controller) {
			defer wg.Done()
			ct.shutdownClose()
		}(ct)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		c.cancel() // releases reconnect sleepers and read loops
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch routes one inbound subscriber frame to the registered handlers.
// Malformed envelopes and payloads are dropped with a debug log. Handlers run
// against a snapshot of the registry and each inside an isolation boundary,
// so one handler's panic or error cannot starve the rest.
func (c *Client) dispatch(frame []byte) {
	env, err := wire.Decode(frame)
	if err != nil {
		c.config.logger.Debug(fmt.Sprintf("Client %s: dropping malformed envelope: %v", c.id, err))
		return
	}
	handlers := c.registry.snapshot(env.Topic)
	if len(handlers) == 0 {
		return
	}
	if !env.ValidPayload() {
		c.config.logger.Debug(fmt.Sprintf("Client %s: dropping envelope with malformed payload on topic '%s'", c.id, env.Topic))
		return
	}
	msg := Message{Topic: env.Topic, Payload: json.RawMessage(env.Payload)}
	for _, handler := range handlers {
		c.invokeHandler(handler, msg)
	}
}

func (c *Client) invokeHandler(handler MessageHandler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.config.logger.Error(fmt.Sprintf("Client %s: handler panicked on topic '%s': %v", c.id, msg.Topic, r))
		}
	}()
	if err := handler(msg); err != nil {
		c.config.logger.Error(fmt.Sprintf("Client %s: handler for topic '%s' returned error: %v", c.id, msg.Topic, err))
	}
}
