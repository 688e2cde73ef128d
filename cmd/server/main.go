package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tyrowin/chatrelay/internal/backend"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/presence"
	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, "chatrelay")
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	publisher, err := newPresencePublisher(cfg.Presence, log)
	if err != nil {
		return err
	}

	client := backend.NewClient(cfg.Backend.BaseURL(), max(cfg.Backend.AuthTimeout, cfg.Backend.StoreTimeout))
	hub := relay.NewHub(relay.Options{
		Authenticator: client,
		Store:         client,
		AuthTimeout:   cfg.Backend.AuthTimeout,
		StoreTimeout:  cfg.Backend.StoreTimeout,
		Metrics:       m,
		Logger:        log,

		Presence:        publisher,
		PresenceTimeout: cfg.Presence.Timeout,
	})

	mux := server.SetupRoutes(hub, cfg, reg, log)
	httpServer := server.CreateServer(cfg.Port, mux)

	log.Info("starting chat relay",
		zap.String("port", cfg.Port),
		zap.String("backend", cfg.Backend.BaseURL()),
		zap.Strings("allowed_origins", cfg.AllowedOrigins),
		zap.Bool("presence_enabled", len(cfg.Presence.Brokers) > 0))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.StartServer(httpServer, log)
	})
	g.Go(func() error {
		<-gctx.Done()
		serverErr := server.ShutdownServer(httpServer, shutdownTimeout, log)
		if err := hub.Shutdown(shutdownTimeout); err != nil {
			log.Warn("hub shutdown", zap.Error(err))
		}
		if err := publisher.Close(); err != nil {
			log.Warn("closing presence publisher", zap.Error(err))
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("flushing traces", zap.Error(err))
		}
		return serverErr
	})

	if err := g.Wait(); err != nil {
		log.Error("chat relay stopped with error", zap.Error(err))
		return err
	}
	log.Info("chat relay stopped")
	return nil
}

func newPresencePublisher(cfg server.PresenceConfig, log *zap.Logger) (presence.Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return presence.NopPublisher{}, nil
	}
	return presence.NewKafkaPublisher(cfg.Brokers, cfg.Topic, log)
}
