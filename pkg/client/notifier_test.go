package client

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestNotifier() *stateNotifier {
	return newStateNotifier(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNotifierOrderAndDetach(t *testing.T) {
	n := newTestNotifier()
	var calls []string
	detachA := n.attach(func(s ConnectionState, r Role) { calls = append(calls, "a") })
	n.attach(func(s ConnectionState, r Role) { calls = append(calls, "b") })

	n.notify(StateConnecting, RolePublisher)
	assert.Equal(t, []string{"a", "b"}, calls)

	detachA()
	detachA() // idempotent
	n.notify(StateConnected, RolePublisher)
	assert.Equal(t, []string{"a", "b", "b"}, calls)
}

func TestNotifierDetachDuringNotification(t *testing.T) {
	n := newTestNotifier()
	var calls []string
	var detachB func()
	n.attach(func(s ConnectionState, r Role) {
		calls = append(calls, "a")
		detachB()
	})
	detachB = n.attach(func(s ConnectionState, r Role) { calls = append(calls, "b") })

	// Detaching mid-pass must not affect the snapshot already being iterated.
	n.notify(StateConnecting, RoleSubscriber)
	assert.Equal(t, []string{"a", "b"}, calls)

	n.notify(StateConnected, RoleSubscriber)
	assert.Equal(t, []string{"a", "b", "a"}, calls)
}

func TestNotifierListenerPanicIsolated(t *testing.T) {
	n := newTestNotifier()
	var called bool
	n.attach(func(s ConnectionState, r Role) { panic("listener exploded") })
	n.attach(func(s ConnectionState, r Role) { called = true })

	n.notify(StateError, RolePublisher)
	assert.True(t, called)
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "RECONNECTING", StateReconnecting.String())
	assert.Equal(t, "DISCONNECTING", StateDisconnecting.String())
	assert.Equal(t, "ERROR", StateError.String())
	assert.Equal(t, "UNKNOWN", ConnectionState(42).String())
}
