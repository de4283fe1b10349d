package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// connectAttempt is the in-flight connect handle for one role. Every caller
// that requests the role while the attempt is pending waits on done and reads
// the same err, so no two simultaneous dials can occur for the same role.
type connectAttempt struct {
	done chan struct{} // closed once err is set
	err  error
}

// controller owns one role's connection lifecycle: its state machine, the
// in-flight connect handle, the retry counter, and the transport itself.
// The check-and-set of the in-flight handle happens under mu, held only for
// the decision, never across a dial.
type controller struct {
	role   Role
	client *Client

	mu       sync.Mutex
	state    ConnectionState
	conn     *websocket.Conn
	inflight *connectAttempt
	attempts int
	gen      uint64 // connection generation; stale close events are ignored

	// closeObserved is armed by shutdownClose and fired by the read loop when
	// the transport's close is observed during DISCONNECTING.
	closeObserved chan struct{}
}

func newController(role Role, c *Client) *controller {
	return &controller{role: role, client: c, state: StateDisconnected}
}

// currentState reports the role's state for external observers.
func (ct *controller) currentState() ConnectionState {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.state
}

// setState must be called with ct.mu held. The caller notifies listeners
// after unlocking via the returned value to keep listener callbacks outside
// the lock.
func (ct *controller) setState(s ConnectionState) ConnectionState {
	ct.state = s
	return s
}

func (ct *controller) notify(s ConnectionState) {
	ct.client.notifier.notify(s, ct.role)
}

// ensureConnected returns once the role has an open transport. Concurrent
// callers while an attempt is pending coalesce onto the same outcome. The
// caller's ctx only bounds its own wait; a shared attempt keeps settling for
// the other waiters.
func (ct *controller) ensureConnected(ctx context.Context) error {
	ct.mu.Lock()
	if ct.state == StateConnected && ct.conn != nil {
		ct.mu.Unlock()
		return nil
	}
	if att := ct.inflight; att != nil {
		ct.mu.Unlock()
		return ct.await(ctx, att)
	}
	if ct.client.isShuttingDown() {
		ct.mu.Unlock()
		return ErrShuttingDown
	}
	att := &connectAttempt{done: make(chan struct{})}
	ct.inflight = att
	s := ct.setState(StateConnecting)
	ct.mu.Unlock()
	ct.notify(s)

	// The dial runs detached from the caller so one caller's cancellation
	// cannot fail the attempt for coalesced waiters.
	go ct.dial(att)
	return ct.await(ctx, att)
}

func (ct *controller) await(ctx context.Context, att *connectAttempt) error {
	select {
	case <-att.done:
		return att.err
	case <-ctx.Done():
		return fmt.Errorf("channelmq: waiting for %s connection: %w", ct.role, ctx.Err())
	}
}

// settle records the attempt outcome and releases every coalesced waiter.
func (att *connectAttempt) settle(err error) {
	att.err = err
	close(att.done)
}

func (ct *controller) dial(att *connectAttempt) {
	c := ct.client
	target, err := ct.dialURL()
	if err != nil {
		ct.failAttempt(att, err)
		return
	}

	dialCtx, cancel := context.WithTimeout(c.ctx, c.config.dialTimeout)
	conn, resp, err := websocket.Dial(dialCtx, target, c.config.dialOptions)
	cancel()
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			ct.failAttempt(att, fmt.Errorf("%w: %s rejected by gateway (status %s)", ErrConnectionDenied, ct.role, resp.Status))
			return
		}
		ct.failAttempt(att, fmt.Errorf("%w: dial %s for %s: %v", ErrConnect, target, ct.role, err))
		return
	}

	ct.mu.Lock()
	// A Disconnect that started during the dial wins; the fresh transport is
	// closed and never registered. Checked under mu so the shutdown
	// coordinator cannot miss a connection registered concurrently.
	if c.isShuttingDown() {
		ct.inflight = nil
		ct.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client shutting down")
		att.settle(ErrShuttingDown)
		return
	}
	ct.conn = conn
	ct.gen++
	gen := ct.gen
	ct.attempts = 0
	ct.inflight = nil
	s := ct.setState(StateConnected)
	ct.mu.Unlock()
	ct.notify(s)

	c.config.logger.Debug(fmt.Sprintf("Client %s: %s connected (gen %d)", c.id, ct.role, gen))
	go ct.readLoop(conn, gen)
	if c.config.pingInterval > 0 {
		go ct.pingLoop(conn, gen)
	}
	att.settle(nil)
}

// failAttempt settles a never-opened attempt: ERROR state, waiters rejected.
func (ct *controller) failAttempt(att *connectAttempt, err error) {
	ct.mu.Lock()
	ct.inflight = nil
	s := ct.setState(StateError)
	ct.mu.Unlock()
	ct.notify(s)
	ct.client.config.logger.Debug(fmt.Sprintf("Client %s: %s connect failed: %v", ct.client.id, ct.role, err))
	att.settle(err)
}

// dialURL builds the role endpoint: <endpoint>/<pub-ws|sub> with channel,
// token, configured headers, and the subscriber's topic filter as
// percent-encoded query parameters.
func (ct *controller) dialURL() (string, error) {
	c := ct.client
	q := url.Values{}
	q.Set("channel", c.config.channel)
	if c.config.tokenSource != nil {
		tok, err := c.config.tokenSource.Token(c.ctx)
		if err != nil {
			return "", fmt.Errorf("%w: acquire token for %s: %v", ErrConnect, ct.role, err)
		}
		if tok != "" {
			q.Set("token", tok)
		}
	}
	for k, v := range c.config.headers {
		q.Set(k, v)
	}

	path := "pub-ws"
	if ct.role == RoleSubscriber {
		path = "sub"
		if len(c.config.topics) > 0 {
			q.Set("topics", strings.Join(c.config.topics, ","))
		}
	}
	return strings.TrimSuffix(c.endpoint, "/") + "/" + path + "?" + q.Encode(), nil
}

// connHandle returns the live transport, or nil.
func (ct *controller) connHandle() *websocket.Conn {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.conn
}

// readLoop consumes frames until the transport dies. For the subscriber role
// every frame goes to the dispatcher; the publisher connection is not expected
// to receive data frames. The exit path is the controller's close event.
func (ct *controller) readLoop(conn *websocket.Conn, gen uint64) {
	c := ct.client
	conn.SetReadLimit(1024 * 1024) // 1MB
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			ct.onClose(gen, err)
			return
		}
		if ct.role == RoleSubscriber {
			c.dispatch(data)
		} else {
			c.config.logger.Debug(fmt.Sprintf("Client %s: unexpected frame on publisher connection (%d bytes)", c.id, len(data)))
		}
	}
}

// pingLoop keeps the transport warm. A failed ping closes the connection; the
// read loop then observes the close and drives recovery.
func (ct *controller) pingLoop(conn *websocket.Conn, gen uint64) {
	c := ct.client
	ticker := time.NewTicker(c.config.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ct.mu.Lock()
			stale := ct.gen != gen || ct.conn != conn
			ct.mu.Unlock()
			if stale {
				return
			}
			pingCtx, cancel := context.WithTimeout(c.ctx, c.config.pingInterval/2)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.config.logger.Debug(fmt.Sprintf("Client %s: %s ping failed: %v", c.id, ct.role, err))
				conn.Close(websocket.StatusPolicyViolation, "ping failure")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// onClose handles the transport's close event. A generation mismatch means a
// newer connection already replaced this one, so the event is stale.
func (ct *controller) onClose(gen uint64, cause error) {
	c := ct.client
	ct.mu.Lock()
	if ct.gen != gen || ct.conn == nil {
		ct.mu.Unlock()
		return
	}
	ct.conn = nil

	if ct.state == StateDisconnecting {
		// Shutdown coordinator owns the transition; just report the close.
		observed := ct.closeObserved
		ct.closeObserved = nil
		ct.mu.Unlock()
		if observed != nil {
			close(observed)
		}
		return
	}

	s := ct.setState(StateDisconnected)
	shuttingDown := c.isShuttingDown()
	ct.mu.Unlock()
	ct.notify(s)

	status := websocket.CloseStatus(cause)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(cause, context.Canceled) {
		c.config.logger.Debug(fmt.Sprintf("Client %s: %s connection closed: %v", c.id, ct.role, cause))
	} else {
		c.config.logger.Info(fmt.Sprintf("Client %s: %s connection lost: %v (status: %d)", c.id, ct.role, cause, status))
	}

	if !shuttingDown && c.config.autoReconnect {
		go ct.scheduleReconnect()
	}
}

// shutdownClose drives this role to a terminal DISCONNECTED state: graceful
// close request, bounded wait for the close event, force-clear on timeout.
func (ct *controller) shutdownClose() {
	c := ct.client
	ct.mu.Lock()
	conn := ct.conn
	if conn == nil {
		// Nothing live. A pending connect attempt is discarded, not awaited:
		// the dial's own shutdown check fails it.
		if ct.state != StateDisconnected {
			s := ct.setState(StateDisconnected)
			ct.mu.Unlock()
			ct.notify(s)
			return
		}
		ct.mu.Unlock()
		return
	}
	observed := make(chan struct{})
	ct.closeObserved = observed
	s := ct.setState(StateDisconnecting)
	ct.mu.Unlock()
	ct.notify(s)

	conn.Close(websocket.StatusNormalClosure, "client disconnect requested")

	timer := time.NewTimer(c.config.disconnectTimeout)
	defer timer.Stop()
	select {
	case <-observed:
	case <-timer.C:
		c.config.logger.Info(fmt.Sprintf("Client %s: %s close not observed within %v, abandoning transport", c.id, ct.role, c.config.disconnectTimeout))
	}

	ct.mu.Lock()
	ct.conn = nil
	ct.closeObserved = nil
	s = ct.setState(StateDisconnected)
	ct.mu.Unlock()
	ct.notify(s)
}
