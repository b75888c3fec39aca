// Command durablestreamsd runs the durable-streams server standalone:
// flag-parsed configuration, zap logging, a chi-routed HTTP surface, and
// graceful shutdown on SIGINT/SIGTERM. Grounded on the teacher's
// cmd/caddy/main.go (dev-mode bootstrap) and module.go's Provision
// defaulting, rehosted off Caddy onto a plain net/http.Server — see
// DESIGN.md for why the full Caddy host is dropped.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/durablestreams/streamd/internal/backend"
	"github.com/durablestreams/streamd/internal/hooks"
	"github.com/durablestreams/streamd/internal/httpapi"
	"github.com/durablestreams/streamd/internal/metrics"
	"github.com/durablestreams/streamd/internal/protocol"
)

func main() {
	var (
		addr                 = flag.String("addr", ":4437", "HTTP listen address")
		metricsAddr          = flag.String("metrics-addr", ":9090", "Prometheus /metrics listen address")
		dataDir              = flag.String("data-dir", "", "directory for durable storage; empty uses an in-memory store")
		maxFileHandles       = flag.Int("max-file-handles", 100, "size of the file backend's write-handle LRU pool")
		longPollTimeout      = flag.Duration("long-poll-timeout", protocol.DefaultLongPollTimeout, "long-poll wait deadline")
		sseReconnectInterval = flag.Duration("sse-reconnect-interval", 60*time.Second, "interval after which SSE connections are closed to force client reconnect")
		maxBodyBytes         = flag.Int64("max-body-bytes", 64<<20, "maximum accepted request body size")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	store, err := openStore(*dataDir, *maxFileHandles)
	if err != nil {
		logger.Fatal("failed to open backend store", zap.Error(err))
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	h := hooks.New()
	h.OnStreamCreated(func(evt hooks.CreatedEvent) error {
		logger.Debug("stream created", zap.String("path", evt.Path), zap.String("content_type", evt.ContentType))
		return nil
	})
	h.OnStreamDeleted(func(evt hooks.DeletedEvent) error {
		logger.Debug("stream deleted", zap.String("path", evt.Path))
		return nil
	})

	manager := protocol.NewManager(store)
	server := httpapi.NewServer(manager, h, m, logger, httpapi.Config{
		LongPollTimeout:      *longPollTimeout,
		SSEReconnectInterval: *sseReconnectInterval,
		MaxBodyBytes:         *maxBodyBytes,
	})

	httpServer := &http.Server{Addr: *addr, Handler: server.Routes()}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: *metricsAddr, Handler: metricsMux}

	go func() {
		logger.Info("durable-streams server listening", zap.String("addr", *addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("metrics server listening", zap.String("addr", *metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}
	_ = metricsServer.Shutdown(ctx)
}

func openStore(dataDir string, maxFileHandles int) (backend.Store, error) {
	if dataDir == "" {
		return backend.NewMemory(), nil
	}
	return backend.NewFile(backend.FileConfig{DataDir: dataDir, MaxFileHandles: maxFileHandles})
}
