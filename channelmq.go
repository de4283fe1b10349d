// Package channelmq is a client library for topic-based pub/sub over a
// channelmq gateway. It maintains two independent, auto-reconnecting
// WebSocket connections (publisher, subscriber) and fans inbound envelopes
// out to local handlers.
//
// This file re-exports the client surface so small programs can depend on
// the root package alone; pkg/client, pkg/gateway, and pkg/token carry the
// full API.
package channelmq

import (
	"github.com/lightforgemedia/go-channelmq/pkg/client"
	"github.com/lightforgemedia/go-channelmq/pkg/wire"
)

// Re-export core types.
type (
	Client          = client.Client
	Option          = client.Option
	Message         = client.Message
	MessageHandler  = client.MessageHandler
	UnsubscribeFunc = client.UnsubscribeFunc
	StateListener   = client.StateListener
	ConnectionState = client.ConnectionState
	Role            = client.Role
	Envelope        = wire.Envelope
)

// Re-export connection states.
const (
	StateDisconnected  = client.StateDisconnected
	StateConnecting    = client.StateConnecting
	StateConnected     = client.StateConnected
	StateReconnecting  = client.StateReconnecting
	StateDisconnecting = client.StateDisconnecting
	StateError         = client.StateError
)

// Re-export roles and the wildcard topic.
const (
	RolePublisher  = client.RolePublisher
	RoleSubscriber = client.RoleSubscriber
	WildcardTopic  = client.WildcardTopic
)

// Re-export error sentinels.
var (
	ErrConnect          = client.ErrConnect
	ErrConnectionDenied = client.ErrConnectionDenied
	ErrShuttingDown     = client.ErrShuttingDown
)

// New creates a Client for the given gateway endpoint.
func New(endpoint string, opts ...Option) (*Client, error) {
	return client.New(endpoint, opts...)
}
