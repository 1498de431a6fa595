// Command cebus-bridge forwards CloudEvents envelopes between two cebus
// transports, for example from a Redis stream to a pub/sub sidecar.
//
// Usage:
//
//	cebus-bridge -config /etc/cebus/cebus-bridge.yaml
//
// Example configuration:
//
//	log:
//	  debug: false
//	  file:
//	    path: /var/log/cebus-bridge.log
//	listen: ":8080"
//	source:
//	  transport: redis-streams
//	  options:
//	    addr: redis:6379
//	    dead_letter: users.dlq
//	destination:
//	  transport: sidecar
//	  options:
//	    base_url: http://127.0.0.1:3500
//	    pubsub_name: pubsub
//	allowed_types: [loggedIn, orderPlaced]
//	routes:
//	  - {from: users, group: bridge, to: users}
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trickstertwo/cebus"
	_ "github.com/trickstertwo/cebus/adapter/memory"
	_ "github.com/trickstertwo/cebus/adapter/nats"
	_ "github.com/trickstertwo/cebus/adapter/rabbitmq"
	_ "github.com/trickstertwo/cebus/adapter/redisstream"
	_ "github.com/trickstertwo/cebus/adapter/sidecar"
	"github.com/trickstertwo/cebus/bridge"
	"github.com/trickstertwo/xlog"
)

func main() {
	path := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cebus-bridge:", err)
		os.Exit(2)
	}

	logger, logFile := newLogger(cfg.Log)
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("cebus-bridge stopped")
		logFile.Close()
		os.Exit(1)
	}
	logger.Info().Msg("cebus-bridge stopped")
}

func run(ctx context.Context, cfg Config, logger *xlog.Logger) error {
	src, err := cebus.NewTransport(cfg.Source.Transport, cfg.Source.Options)
	if err != nil {
		return fmt.Errorf("source transport %q: %w", cfg.Source.Transport, err)
	}
	defer closeTransport(logger, "source", src)

	dst, err := cebus.NewTransport(cfg.Destination.Transport, cfg.Destination.Options)
	if err != nil {
		return fmt.Errorf("destination transport %q: %w", cfg.Destination.Transport, err)
	}
	defer closeTransport(logger, "destination", dst)

	var opts []bridge.Option
	opts = append(opts, bridge.WithLogger(logger))
	if len(cfg.AllowedTypes) > 0 {
		opts = append(opts, bridge.WithAllowedTypes(cfg.AllowedTypes...))
	}
	b, err := bridge.New(src, dst, opts...)
	if err != nil {
		return err
	}
	defer b.Close()

	for _, r := range cfg.Routes {
		if err := b.Route(ctx, r.From, r.Group, r.To); err != nil {
			return err
		}
	}

	// Transports that receive over HTTP are served here.
	errCh := make(chan error, 1)
	if h, ok := src.(http.Handler); ok {
		srv := &http.Server{Addr: cfg.Listen, Handler: h, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info().Str("addr", cfg.Listen).Msg("serving source deliveries")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http listener: %w", err)
	}

	st := b.Stats()
	logger.Info().
		Str("forwarded", fmt.Sprint(st.Forwarded)).
		Str("rejected", fmt.Sprint(st.Rejected)).
		Str("filtered", fmt.Sprint(st.Filtered)).
		Str("failed", fmt.Sprint(st.Failed)).
		Msg("bridge totals")
	return nil
}

func closeTransport(logger *xlog.Logger, role string, t cebus.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.Close(ctx); err != nil {
		logger.Warn().Str("transport", role).Err(err).Msg("transport close failed")
	}
}
