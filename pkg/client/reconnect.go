package client

import (
	"fmt"
	"time"
)

// scheduleReconnect decides whether this role retries after an unexpected
// close. The retry counter increments per attempt and only resets on a
// successful open, so a dial-failure recursion is capped at
// maxReconnectAttempts total. Once exhausted the role rests at DISCONNECTED;
// a fresh Publish/Subscribe call dials again regardless of the counter.
// The delay between attempts is a fixed interval, not exponential.
func (ct *controller) scheduleReconnect() {
	c := ct.client

	ct.mu.Lock()
	if c.isShuttingDown() {
		ct.mu.Unlock()
		return
	}
	if ct.attempts >= c.config.maxReconnectAttempts {
		// onClose may already have announced DISCONNECTED; listeners should
		// not see the same transition twice.
		changed := ct.state != StateDisconnected
		s := ct.setState(StateDisconnected)
		ct.mu.Unlock()
		if changed {
			ct.notify(s)
		}
		c.config.logger.Info(fmt.Sprintf("Client %s: %s reconnect attempts exhausted (%d), giving up", c.id, ct.role, c.config.maxReconnectAttempts))
		return
	}
	if ct.inflight != nil || ct.conn != nil {
		// A fresh top-level operation beat the scheduler to it.
		ct.mu.Unlock()
		return
	}
	ct.attempts++
	attempt := ct.attempts
	s := ct.setState(StateReconnecting)
	ct.mu.Unlock()
	ct.notify(s)

	c.config.logger.Debug(fmt.Sprintf("Client %s: %s reconnect attempt %d/%d in %v", c.id, ct.role, attempt, c.config.maxReconnectAttempts, c.config.reconnectDelay))

	timer := time.NewTimer(c.config.reconnectDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.ctx.Done():
		return
	}
	if c.isShuttingDown() {
		return
	}

	if err := ct.ensureConnected(c.ctx); err != nil {
		ct.scheduleReconnect()
	}
}
