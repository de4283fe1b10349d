// Package gateway implements an in-process channelmq endpoint: WebSocket
// publish/subscribe per channel, an HTTP publish ingest, and a token minting
// endpoint. It emulates the remote service for tests, local development, and
// the CLI; it is not a hardened production server.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/cskr/pubsub"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lightforgemedia/go-channelmq/pkg/wire"
)

// Gateway fans envelopes out per channel. Publishes arriving on a channel's
// pub-ws connections or HTTP ingest are relayed verbatim to that channel's
// sub connections, keyed by topic.
type Gateway struct {
	config gatewayConfig
	bus    *pubsub.PubSub

	connsMu sync.Mutex
	conns   map[string]*subConn

	shutdownOnce sync.Once
	busOnce      sync.Once
	shutdownChan chan struct{}
	mainCtx      context.Context
	mainCancel   context.CancelFunc
}

// Bus subject keys. The "local" key carries only frames ingested from this
// gateway's own publishers, so a bridge can watch it without seeing frames it
// injected itself.
func topicKey(channel, topic string) string { return "chan." + channel + ".t." + topic }
func allKey(channel string) string          { return "chan." + channel + ".all" }
func localKey(channel string) string        { return "chan." + channel + ".local" }

// New creates a Gateway.
func New(opts ...Option) (*Gateway, error) {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	g := &Gateway{
		config: gatewayConfig{
			logger:       slog.Default(),
			sendBuffer:   defaultSendBuffer,
			writeTimeout: defaultWriteTimeout,
			queueLength:  defaultQueueLength,
			tokenTTL:     defaultTokenTTL,
		},
		conns:        make(map[string]*subConn),
		shutdownChan: make(chan struct{}),
		mainCtx:      mainCtx,
		mainCancel:   mainCancel,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.config.acceptOptions == nil {
		g.config.acceptOptions = &websocket.AcceptOptions{}
	}
	g.bus = pubsub.New(g.config.queueLength)
	g.config.logger.Info(fmt.Sprintf("Gateway: initialized (auth: %v, send buffer: %d)", len(g.config.secret) > 0, g.config.sendBuffer))
	return g, nil
}

// Handler returns the gateway's HTTP surface:
//
//	GET  /v1/pub-ws?channel=&token=          publisher WebSocket
//	GET  /v1/sub?channel=&token=&topics=     subscriber WebSocket
//	POST /v1/publish?channel=&token=         one envelope over plain HTTP
//	POST /v1/token                           mint a channel token
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Get("/pub-ws", g.handlePublisher)
		r.Get("/sub", g.handleSubscriber)
		r.Post("/publish", g.handleHTTPPublish)
		r.Post("/token", g.handleToken)
	})
	return r
}

// Publish validates one envelope frame and fans it out on channel. The frame
// is relayed verbatim so the double-encoded payload survives byte-for-byte.
func (g *Gateway) Publish(channel string, frame []byte) error {
	env, err := g.validateFrame(frame)
	if err != nil {
		return err
	}
	// The bus stops accepting commands once shutdown begins; a Pub after that
	// would block forever.
	if g.shuttingDown() {
		return fmt.Errorf("gateway: shutting down")
	}
	g.bus.Pub(frame, topicKey(channel, env.Topic), allKey(channel), localKey(channel))
	return nil
}

// Inject fans out a frame that originated outside this gateway, e.g. from a
// NATS bridge. It skips the local key so Watch does not echo it back.
func (g *Gateway) Inject(channel string, frame []byte) error {
	env, err := g.validateFrame(frame)
	if err != nil {
		return err
	}
	if g.shuttingDown() {
		return fmt.Errorf("gateway: shutting down")
	}
	g.bus.Pub(frame, topicKey(channel, env.Topic), allKey(channel))
	return nil
}

// Watch streams every frame published on channel by this gateway's own
// publishers until ctx is cancelled. Injected frames are excluded.
func (g *Gateway) Watch(ctx context.Context, channel string) <-chan []byte {
	key := localKey(channel)
	ch := g.bus.Sub(key)
	out := make(chan []byte)
	go func() {
		defer close(out)
		defer func() {
			// Bus teardown closes every subscribed channel itself; an Unsub
			// during shutdown would block on the stopped command loop.
			if !g.shuttingDown() {
				g.bus.Unsub(ch, key)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.mainCtx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- raw.([]byte):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (g *Gateway) validateFrame(frame []byte) (wire.Envelope, error) {
	env, err := wire.Decode(frame)
	if err != nil {
		return wire.Envelope{}, err
	}
	if !env.ValidPayload() {
		return wire.Envelope{}, fmt.Errorf("gateway: envelope payload on topic '%s' is not valid JSON", env.Topic)
	}
	return env, nil
}

// authorize checks the token query parameter against the configured secret.
// With no secret configured every connect is allowed.
func (g *Gateway) authorize(channel, token string) error {
	if len(g.config.secret) == 0 {
		return nil
	}
	if token == "" {
		return errors.New("missing token")
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.config.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("invalid token claims")
	}
	if claimed, _ := claims["channel"].(string); claimed != channel {
		return fmt.Errorf("token not valid for channel '%s'", channel)
	}
	return nil
}

func (g *Gateway) shuttingDown() bool {
	select {
	case <-g.shutdownChan:
		return true
	default:
		return false
	}
}

// connectParams rejects bad connect requests before the WebSocket upgrade, so
// denied clients observe a plain HTTP status rather than a failed socket.
func (g *Gateway) connectParams(w http.ResponseWriter, r *http.Request) (channel string, ok bool) {
	if g.shuttingDown() {
		http.Error(w, "gateway is shutting down", http.StatusServiceUnavailable)
		return "", false
	}
	channel = r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return "", false
	}
	if err := g.authorize(channel, r.URL.Query().Get("token")); err != nil {
		g.config.logger.Info(fmt.Sprintf("Gateway: rejected connect to channel '%s': %v", channel, err))
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return "", false
	}
	return channel, true
}

func (g *Gateway) handlePublisher(w http.ResponseWriter, r *http.Request) {
	channel, ok := g.connectParams(w, r)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, g.config.acceptOptions)
	if err != nil {
		g.config.logger.Info(fmt.Sprintf("Gateway: publisher accept failed: %v", err))
		return
	}
	id := uuid.NewString()
	g.config.logger.Debug(fmt.Sprintf("Gateway: publisher %s connected to channel '%s'", id, channel))

	ctx, cancel := context.WithCancel(g.mainCtx)
	defer cancel()
	defer conn.CloseNow()
	conn.SetReadLimit(1024 * 1024)

	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				g.config.logger.Debug(fmt.Sprintf("Gateway: publisher %s closed: %v", id, err))
			} else {
				g.config.logger.Info(fmt.Sprintf("Gateway: publisher %s read error: %v", id, err))
			}
			return
		}
		if err := g.Publish(channel, frame); err != nil {
			// Malformed frames are dropped, never fatal to the connection.
			g.config.logger.Debug(fmt.Sprintf("Gateway: publisher %s sent invalid frame: %v", id, err))
		}
	}
}

func (g *Gateway) handleSubscriber(w http.ResponseWriter, r *http.Request) {
	channel, ok := g.connectParams(w, r)
	if !ok {
		return
	}
	var topics []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, topic := range strings.Split(raw, ",") {
			if topic = strings.TrimSpace(topic); topic != "" {
				topics = append(topics, topic)
			}
		}
	}

	conn, err := websocket.Accept(w, r, g.config.acceptOptions)
	if err != nil {
		g.config.logger.Info(fmt.Sprintf("Gateway: subscriber accept failed: %v", err))
		return
	}

	ctx, cancel := context.WithCancel(g.mainCtx)
	sc := &subConn{
		id:      uuid.NewString(),
		channel: channel,
		conn:    conn,
		send:    make(chan []byte, g.config.sendBuffer),
		gateway: g,
		ctx:     ctx,
		cancel:  cancel,
	}

	// A topic filter subscribes to the specific topic keys; without one the
	// subscriber receives everything on the channel.
	keys := make([]string, 0, len(topics)+1)
	if len(topics) == 0 {
		keys = append(keys, allKey(channel))
	} else {
		for _, topic := range topics {
			keys = append(keys, topicKey(channel, topic))
		}
	}
	busCh := g.bus.Sub(keys...)

	g.connsMu.Lock()
	g.conns[sc.id] = sc
	g.connsMu.Unlock()
	g.config.logger.Debug(fmt.Sprintf("Gateway: subscriber %s connected to channel '%s' (topics: %v)", sc.id, channel, topics))

	go sc.writeLoop()
	go sc.relay(busCh, keys)
	sc.readUntilClosed()

	// readUntilClosed returning means the socket is gone.
	sc.cancel()
	g.bus.Unsub(busCh, keys...)
	g.connsMu.Lock()
	delete(g.conns, sc.id)
	g.connsMu.Unlock()
	conn.CloseNow()
	g.config.logger.Debug(fmt.Sprintf("Gateway: subscriber %s removed", sc.id))
}

func (g *Gateway) handleHTTPPublish(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		writeJSONError(w, http.StatusBadRequest, "channel is required")
		return
	}
	if err := g.authorize(channel, r.URL.Query().Get("token")); err != nil {
		writeJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}
	frame, err := io.ReadAll(io.LimitReader(r.Body, 1024*1024))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if err := g.Publish(channel, frame); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "published"})
}

func (g *Gateway) handleToken(w http.ResponseWriter, r *http.Request) {
	if len(g.config.secret) == 0 {
		writeJSONError(w, http.StatusNotImplemented, "token minting not configured")
		return
	}
	var req struct {
		Channel string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Channel == "" {
		writeJSONError(w, http.StatusBadRequest, "channel is required")
		return
	}
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"channel": req.Channel,
		"iat":     now.Unix(),
		"exp":     now.Add(g.config.tokenTTL).Unix(),
	})
	signed, err := tok.SignedString(g.config.secret)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "sign token: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": signed})
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Shutdown closes all connections, waiting up to the ctx deadline for
// subscriber connections to clear, then stops the fan-out bus. On timeout the
// bus is left running so straggling unsubscribes cannot block.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.config.logger.Info("Gateway: initiating shutdown")
		close(g.shutdownChan)
		g.mainCancel()
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		g.connsMu.Lock()
		remaining := len(g.conns)
		g.connsMu.Unlock()
		if remaining == 0 {
			// All subscriber connections have unsubscribed, so no Unsub can
			// race the bus teardown.
			g.busOnce.Do(g.bus.Shutdown)
			g.config.logger.Info("Gateway: shutdown complete")
			return nil
		}
		select {
		case <-ctx.Done():
			g.config.logger.Info(fmt.Sprintf("Gateway: shutdown timed out with %d connections remaining", remaining))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// subConn is one subscriber connection with its buffered outgoing queue.
type subConn struct {
	id      string
	channel string
	conn    *websocket.Conn
	send    chan []byte
	gateway *Gateway
	ctx     context.Context
	cancel  context.CancelFunc

	droppedMu sync.Mutex
	dropped   int
}

// relay moves frames from the bus subscription onto the send queue.
func (sc *subConn) relay(busCh chan interface{}, keys []string) {
	for {
		select {
		case <-sc.ctx.Done():
			return
		case raw, ok := <-busCh:
			if !ok {
				return
			}
			sc.trySend(raw.([]byte))
		}
	}
}

// trySend enqueues without blocking. A subscriber that keeps a full queue is
// disconnected rather than allowed to stall the channel.
func (sc *subConn) trySend(frame []byte) {
	select {
	case sc.send <- frame:
	case <-sc.ctx.Done():
	default:
		sc.droppedMu.Lock()
		sc.dropped++
		dropped := sc.dropped
		sc.droppedMu.Unlock()
		sc.gateway.config.logger.Info(fmt.Sprintf("Gateway: subscriber %s send queue full, frame dropped (%d)", sc.id, dropped))
		if dropped >= 3 {
			sc.gateway.config.logger.Info(fmt.Sprintf("Gateway: subscriber %s dropped %d frames, disconnecting slow client", sc.id, dropped))
			sc.conn.Close(websocket.StatusPolicyViolation, "too many dropped frames")
		}
	}
}

func (sc *subConn) writeLoop() {
	for {
		select {
		case <-sc.ctx.Done():
			return
		case frame := <-sc.send:
			writeCtx, cancel := context.WithTimeout(sc.ctx, sc.gateway.config.writeTimeout)
			err := sc.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				sc.gateway.config.logger.Debug(fmt.Sprintf("Gateway: subscriber %s write error: %v", sc.id, err))
				sc.conn.CloseNow()
				return
			}
		}
	}
}

// readUntilClosed drains the socket. Subscribers are not expected to send
// data frames; the read only serves close detection and ping replies.
func (sc *subConn) readUntilClosed() {
	for {
		if _, _, err := sc.conn.Read(sc.ctx); err != nil {
			return
		}
	}
}
