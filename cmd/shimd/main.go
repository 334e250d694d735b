// Command shimd runs the on-device auction engine behind a WebSocket
// gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/google/fledge-shim-sub000/internal/auction"
	"github.com/google/fledge-shim-sub000/internal/fetch"
	"github.com/google/fledge-shim-sub000/internal/gateway"
	"github.com/google/fledge-shim-sub000/internal/handler"
	"github.com/google/fledge-shim-sub000/internal/infrastructure/config"
	"github.com/google/fledge-shim-sub000/internal/infrastructure/logging"
	"github.com/google/fledge-shim-sub000/internal/infrastructure/monitoring"
	"github.com/google/fledge-shim-sub000/internal/server"
	"github.com/google/fledge-shim-sub000/internal/session"
	"github.com/google/fledge-shim-sub000/internal/store"
	"github.com/google/fledge-shim-sub000/internal/worklet"
)

func main() {
	cfg := config.LoadOrDefault()

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		logger = logging.NewDefault()
	}
	defer func() { _ = logger.Sync() }()

	registry := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(registry)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Fatal("could not open interest group store", zap.Error(err))
	}
	defer st.Close()

	fetcher := fetch.New(fetch.Config{
		Timeout:    cfg.Fetch.Timeout,
		RetryMax:   cfg.Fetch.RetryMax,
		MaxBodyKiB: cfg.Fetch.MaxBodyKiB,
	})
	tokens := session.NewRegistry()
	worklets := worklet.NewRunner(worklet.Config{Timeout: cfg.Worklet.Timeout}, logger)

	auctions := auction.New(st, fetcher, worklets, tokens, auction.Config{
		AllowedLogicPrefixes: cfg.Auction.AllowedLogicPrefixes,
		PublisherHostname:    cfg.Auction.Hostname,
	}, logger, metrics)

	requests := handler.New(st, auctions, logger, metrics)
	gw := gateway.New(requests, "http://"+cfg.Server.Host+":"+cfg.Server.Port, logger, metrics)
	srv := server.New(cfg.Server, cfg.RateLimit, gw, registry, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
