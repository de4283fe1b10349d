// Command channelmq runs a local gateway and provides one-shot pub/sub
// helpers for poking at it.
//
//	channelmq serve -config gateway.yaml
//	channelmq pub -endpoint ws://localhost:8090/v1 -topic greetings '{"hello":"world"}'
//	channelmq sub -endpoint ws://localhost:8090/v1 -topics greetings
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lightforgemedia/go-channelmq/pkg/client"
	"github.com/lightforgemedia/go-channelmq/pkg/gateway"
	"github.com/lightforgemedia/go-channelmq/pkg/gateway/natsbridge"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "pub":
		err = runPub(os.Args[2:])
	case "sub":
		err = runSub(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "channelmq:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: channelmq <serve|pub|sub> [flags]")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	gwOpts := []gateway.Option{gateway.WithLogger(logger)}
	if cfg.Secret != "" {
		gwOpts = append(gwOpts, gateway.WithSecret(cfg.Secret))
	}
	if cfg.TokenTTL > 0 {
		gwOpts = append(gwOpts, gateway.WithTokenTTL(cfg.TokenTTL))
	}
	g, err := gateway.New(gwOpts...)
	if err != nil {
		return err
	}

	if cfg.NATS.Enabled {
		bridge, err := natsbridge.New(g, natsbridge.Options{
			URL:     cfg.NATS.URL,
			Channel: cfg.NATS.Channel,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		defer bridge.Close()
	}

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: g.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("Gateway listening on %s", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info(fmt.Sprintf("Received signal %v, shutting down", sig))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error(fmt.Sprintf("HTTP server shutdown: %v", err))
	}
	return g.Shutdown(ctx)
}

type clientFlags struct {
	endpoint *string
	channel  *string
	token    *string
	debug    *bool
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		endpoint: fs.String("endpoint", "ws://localhost:8090/v1", "gateway endpoint"),
		channel:  fs.String("channel", "default", "channel name"),
		token:    fs.String("token", "", "auth token"),
		debug:    fs.Bool("debug", false, "enable debug logging"),
	}
}

func (cf clientFlags) newClient() (*client.Client, error) {
	level := "info"
	if *cf.debug {
		level = "debug"
	}
	opts := []client.Option{
		client.WithLogger(newLogger(level)),
		client.WithChannel(*cf.channel),
	}
	if *cf.token != "" {
		opts = append(opts, client.WithToken(*cf.token))
	}
	return client.New(*cf.endpoint, opts...)
}

func runPub(args []string) error {
	fs := flag.NewFlagSet("pub", flag.ExitOnError)
	cf := addClientFlags(fs)
	topic := fs.String("topic", "", "topic to publish on")
	fs.Parse(args)
	if *topic == "" {
		return errors.New("pub: -topic is required")
	}
	if fs.NArg() != 1 {
		return errors.New("pub: exactly one payload argument is required")
	}

	var payload any
	raw := fs.Arg(0)
	if json.Valid([]byte(raw)) {
		payload = json.RawMessage(raw)
	} else {
		payload = raw
	}

	c, err := cf.newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	defer c.Disconnect(context.Background())

	return c.Publish(ctx, *topic, payload)
}

func runSub(args []string) error {
	fs := flag.NewFlagSet("sub", flag.ExitOnError)
	cf := addClientFlags(fs)
	topicsFlag := fs.String("topics", "", "comma-separated topics; empty subscribes to everything")
	fs.Parse(args)

	var topics []string
	if *topicsFlag != "" {
		topics = strings.Split(*topicsFlag, ",")
	}

	c, err := cf.newClient()
	if err != nil {
		return err
	}
	defer c.Disconnect(context.Background())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	enc := json.NewEncoder(os.Stdout)
	unsubscribe, err := c.Subscribe(ctx, func(msg client.Message) error {
		return enc.Encode(map[string]any{"topic": msg.Topic, "payload": msg.Payload})
	}, topics...)
	if err != nil {
		return err
	}
	defer unsubscribe()

	<-ctx.Done()
	return nil
}
