package client_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lightforgemedia/go-channelmq/pkg/client"
	"github.com/lightforgemedia/go-channelmq/pkg/gateway"
	"github.com/lightforgemedia/go-channelmq/pkg/testutil"
	"github.com/lightforgemedia/go-channelmq/pkg/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type update struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

// inbox collects delivered messages for assertions.
type inbox struct {
	mu   sync.Mutex
	msgs []client.Message
}

func (in *inbox) handler(msg client.Message) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.msgs = append(in.msgs, msg)
	return nil
}

func (in *inbox) len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.msgs)
}

func (in *inbox) at(i int) client.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.msgs[i]
}

func newTestClient(t *testing.T, wsURL string, opts ...client.Option) *client.Client {
	t.Helper()
	opts = append([]client.Option{client.WithLogger(testutil.DefaultLogger), client.WithPingInterval(0)}, opts...)
	c, err := client.New(wsURL, opts...)
	require.NoError(t, err)
	disconnectOnCleanup(t, c)
	return c
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	gs := testutil.NewGatewayServer(t)
	c := newTestClient(t, gs.WSURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := &inbox{}
	unsub, err := c.Subscribe(ctx, in.handler, "price.updates")
	require.NoError(t, err)
	defer unsub()
	require.Equal(t, client.StateConnected, c.SubscriberState())

	sent := update{ID: "AAPL", Value: 187.5}
	require.NoError(t, c.Publish(ctx, "price.updates", sent))

	require.NoError(t, testutil.WaitFor(t, "message delivered", 3*time.Second, func() bool {
		return in.len() == 1
	}))

	msg := in.at(0)
	assert.Equal(t, "price.updates", msg.Topic)
	var got update
	require.NoError(t, msg.Decode(&got))
	assert.Equal(t, sent, got)
}

func TestWildcardReceivesAllTopics(t *testing.T) {
	gs := testutil.NewGatewayServer(t)
	c := newTestClient(t, gs.WSURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	all := &inbox{}
	_, err := c.Subscribe(ctx, all.handler)
	require.NoError(t, err)

	require.NoError(t, c.Publish(ctx, "alpha", 1))
	require.NoError(t, c.Publish(ctx, "beta", 2))

	require.NoError(t, testutil.WaitFor(t, "both topics delivered", 3*time.Second, func() bool {
		return all.len() == 2
	}))
	assert.Equal(t, "alpha", all.at(0).Topic)
	assert.Equal(t, "beta", all.at(1).Topic)
}

func TestSpecificHandlersRunBeforeWildcard(t *testing.T) {
	gs := testutil.NewGatewayServer(t)
	c := newTestClient(t, gs.WSURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var order []string
	record := func(label string) client.MessageHandler {
		return func(client.Message) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, label)
			return nil
		}
	}

	// Wildcard registered first; specific handlers must still run ahead of it.
	_, err := c.Subscribe(ctx, record("wild"))
	require.NoError(t, err)
	_, err = c.Subscribe(ctx, record("specific-1"), "orders")
	require.NoError(t, err)
	_, err = c.Subscribe(ctx, record("specific-2"), "orders")
	require.NoError(t, err)

	require.NoError(t, c.Publish(ctx, "orders", "x"))

	require.NoError(t, testutil.WaitFor(t, "all handlers invoked", 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"specific-1", "specific-2", "wild"}, order)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	gs := testutil.NewGatewayServer(t)
	c := newTestClient(t, gs.WSURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := &inbox{}
	unsub, err := c.Subscribe(ctx, in.handler, "events")
	require.NoError(t, err)

	require.NoError(t, c.Publish(ctx, "events", "first"))
	require.NoError(t, testutil.WaitFor(t, "first message delivered", 3*time.Second, func() bool {
		return in.len() == 1
	}))

	unsub()
	unsub() // second call is a no-op

	require.NoError(t, c.Publish(ctx, "events", "second"))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, in.len(), "no delivery after unsubscribe")
}

func TestPublishHTTPDelivers(t *testing.T) {
	gs := testutil.NewGatewayServer(t)
	c := newTestClient(t, gs.WSURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := &inbox{}
	_, err := c.Subscribe(ctx, in.handler, "oneshot")
	require.NoError(t, err)

	require.NoError(t, c.PublishHTTP(ctx, "oneshot", map[string]string{"k": "v"}))

	require.NoError(t, testutil.WaitFor(t, "http publish delivered", 3*time.Second, func() bool {
		return in.len() == 1
	}))
	// The publisher socket was never needed.
	assert.Equal(t, client.StateDisconnected, c.PublisherState())
}

func TestSeparateClientsShareChannel(t *testing.T) {
	gs := testutil.NewGatewayServer(t)
	producer := newTestClient(t, gs.WSURL)
	consumer := newTestClient(t, gs.WSURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := &inbox{}
	_, err := consumer.Subscribe(ctx, in.handler, "cross")
	require.NoError(t, err)

	require.NoError(t, producer.Publish(ctx, "cross", 42))
	require.NoError(t, testutil.WaitFor(t, "cross-client delivery", 3*time.Second, func() bool {
		return in.len() == 1
	}))
}

func TestChannelIsolation(t *testing.T) {
	gs := testutil.NewGatewayServer(t)
	red := newTestClient(t, gs.WSURL, client.WithChannel("red"))
	blue := newTestClient(t, gs.WSURL, client.WithChannel("blue"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := &inbox{}
	_, err := blue.Subscribe(ctx, in.handler)
	require.NoError(t, err)

	require.NoError(t, red.Publish(ctx, "shared-topic", "red only"))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, in.len(), "frames must not cross channels")
}

func TestSecuredGatewayRejectsBadToken(t *testing.T) {
	gs := testutil.NewGatewayServer(t, gateway.WithSecret("s3cret"))
	c := newTestClient(t, gs.WSURL, client.WithToken("not-a-jwt"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Subscribe(ctx, func(client.Message) error { return nil })
	assert.ErrorIs(t, err, client.ErrConnectionDenied)
	assert.Equal(t, client.StateError, c.SubscriberState())

	err = c.PublishHTTP(ctx, "t", 1)
	assert.ErrorIs(t, err, client.ErrConnectionDenied)
}

func TestSecuredGatewayWithRefreshingToken(t *testing.T) {
	gs := testutil.NewGatewayServer(t, gateway.WithSecret("s3cret"))

	src := token.NewRefreshing(gs.HTTPURL, "default", token.WithLogger(testutil.DefaultLogger))
	c := newTestClient(t, gs.WSURL, client.WithTokenSource(src))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := &inbox{}
	_, err := c.Subscribe(ctx, in.handler, "secured")
	require.NoError(t, err)

	require.NoError(t, c.Publish(ctx, "secured", "hello"))
	require.NoError(t, testutil.WaitFor(t, "secured delivery", 3*time.Second, func() bool {
		return in.len() == 1
	}))
}
