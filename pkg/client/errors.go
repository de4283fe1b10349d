package client

import "errors"

var (
	// ErrConnect indicates the transport for a role could not be constructed.
	ErrConnect = errors.New("channelmq: connect failed")

	// ErrConnectionDenied indicates the gateway refused the connection before
	// it ever opened, e.g. an authentication rejection.
	ErrConnectionDenied = errors.New("channelmq: connection denied")

	// ErrShuttingDown is returned for any operation requested after Disconnect
	// has begun. A client cannot be revived; construct a new one.
	ErrShuttingDown = errors.New("channelmq: client shutting down")
)
