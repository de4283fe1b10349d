// Package natsbridge relays envelopes between one gateway channel and NATS
// subjects, so services that speak NATS can exchange messages with channelmq
// clients.
//
// Envelopes published on the channel are republished to
// channelmq.<channel>.<topic>; messages arriving on channelmq.<channel>.> are
// injected into the channel. Injected frames are not echoed back to NATS.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lightforgemedia/go-channelmq/pkg/gateway"
	"github.com/lightforgemedia/go-channelmq/pkg/wire"
	"github.com/nats-io/nats.go"
)

const subjectPrefix = "channelmq"

// Options configures a Bridge.
type Options struct {
	// URL is the NATS server URL. Defaults to nats.DefaultURL.
	URL string

	// Channel is the gateway channel to relay. Required.
	Channel string

	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// ConnectionOptions are additional options for the NATS connection.
	ConnectionOptions []nats.Option
}

// Bridge connects one gateway channel to NATS.
type Bridge struct {
	gw      *gateway.Gateway
	nc      *nats.Conn
	channel string
	logger  *slog.Logger

	sub    *nats.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// New connects to NATS and starts relaying in both directions. Call Close to
// stop.
func New(gw *gateway.Gateway, opts Options) (*Bridge, error) {
	if opts.Channel == "" {
		return nil, fmt.Errorf("natsbridge: channel is required")
	}
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	nc, err := nats.Connect(opts.URL, opts.ConnectionOptions...)
	if err != nil {
		return nil, fmt.Errorf("natsbridge: connect to NATS at %s: %w", opts.URL, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		gw:      gw,
		nc:      nc,
		channel: opts.Channel,
		logger:  opts.Logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	b.sub, err = nc.Subscribe(subjectPrefix+"."+opts.Channel+".>", b.handleInbound)
	if err != nil {
		cancel()
		nc.Close()
		return nil, fmt.Errorf("natsbridge: subscribe for channel '%s': %w", opts.Channel, err)
	}

	go b.relayOutbound(ctx)
	b.logger.Info(fmt.Sprintf("Bridge: relaying channel '%s' via %s", opts.Channel, opts.URL))
	return b, nil
}

// handleInbound injects a NATS message into the gateway channel. The message
// data should be a complete envelope frame; bare JSON payloads are wrapped in
// an envelope using the topic from the subject tail.
func (b *Bridge) handleInbound(msg *nats.Msg) {
	frame := msg.Data
	if _, err := wire.Decode(frame); err != nil {
		topic := strings.TrimPrefix(msg.Subject, subjectPrefix+"."+b.channel+".")
		wrapped, wrapErr := wire.Encode(topic, rawOrString(msg.Data))
		if wrapErr != nil {
			b.logger.Debug(fmt.Sprintf("Bridge: dropping NATS message on %s: %v", msg.Subject, err))
			return
		}
		frame = wrapped
	}
	if err := b.gw.Inject(b.channel, frame); err != nil {
		b.logger.Debug(fmt.Sprintf("Bridge: dropping NATS message on %s: %v", msg.Subject, err))
	}
}

// relayOutbound republishes channel envelopes to NATS until ctx is cancelled.
func (b *Bridge) relayOutbound(ctx context.Context) {
	defer close(b.done)
	for frame := range b.gw.Watch(ctx, b.channel) {
		env, err := wire.Decode(frame)
		if err != nil {
			continue
		}
		subject := subjectPrefix + "." + b.channel + "." + env.Topic
		if err := b.nc.Publish(subject, frame); err != nil {
			b.logger.Info(fmt.Sprintf("Bridge: publish to %s failed: %v", subject, err))
		}
	}
}

// Close stops the relay and closes the NATS connection.
func (b *Bridge) Close() {
	b.cancel()
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	<-b.done
	b.nc.Close()
	b.logger.Info(fmt.Sprintf("Bridge: stopped for channel '%s'", b.channel))
}

// rawOrString keeps valid JSON intact and quotes anything else.
func rawOrString(data []byte) any {
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	return string(data)
}
