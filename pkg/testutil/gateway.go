// Package testutil provides common test utilities for the go-channelmq
// library.
package testutil

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lightforgemedia/go-channelmq/pkg/gateway"
)

var (
	defaultSlogHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	})
	// DefaultLogger is the logger wired into test gateways.
	DefaultLogger = slog.New(defaultSlogHandler)
)

// GatewayServer combines a gateway and its HTTP server for testing.
type GatewayServer struct {
	*gateway.Gateway
	HTTP *httptest.Server
	// WSURL is the client endpoint with a ws scheme, e.g. ws://127.0.0.1:123/v1.
	WSURL string
	// HTTPURL is the same endpoint with an http scheme, for PublishHTTP and
	// token minting.
	HTTPURL string
}

// NewGatewayServer starts an in-process gateway behind an httptest server.
// Teardown is registered with t.Cleanup.
func NewGatewayServer(t *testing.T, opts ...gateway.Option) *GatewayServer {
	t.Helper()

	finalOpts := append([]gateway.Option{gateway.WithLogger(DefaultLogger)}, opts...)
	g, err := gateway.New(finalOpts...)
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	srv := httptest.NewServer(g.Handler())

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.Shutdown(ctx)
	})

	return &GatewayServer{
		Gateway: g,
		HTTP:    srv,
		WSURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1",
		HTTPURL: srv.URL + "/v1",
	}
}
