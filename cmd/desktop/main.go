// Package main runs the sync engine as a local service for desktop clients.
// Desktop clients communicate via REST/WebSocket on localhost:8090.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kimhsiao/fieldsync/cmd/desktop/handlers"
	"github.com/kimhsiao/fieldsync/internal/config"
	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	fsync "github.com/kimhsiao/fieldsync/internal/sync"
)

// statusInterval is how often the status bar feed polls the engine.
const statusInterval = time.Second

func main() {
	configPath := flag.String("config", os.Getenv("FIELDSYNC_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logging.ErrorWithCode("Desktop service stopped", string(errors.CodeOf(err)), err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Init(os.Stdout, logging.ParseLevel(cfg.Logging.Level))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to create data directory", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := fsync.OptionsFromConfig(cfg)
	opts.Registerer = registry
	engine, err := fsync.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer engine.Close()
	engine.Start(ctx)

	hub := NewWSHub()
	defer hub.Close()
	go hub.PublishStatus(ctx, engine, statusInterval)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newServer(engine, hub, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Desktop service listening", map[string]interface{}{"addr": cfg.Listen})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newServer builds the HTTP routes of the desktop service.
func newServer(engine fsync.EngineInterface, hub *WSHub, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"fieldsync-desktop"}`))
	})

	handlers.NewEntityHandler(engine).Register(mux)

	syncHandler := handlers.NewSyncHandler(engine)
	syncHandler.SetWebSocketHub(hub)
	syncHandler.Register(mux)

	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws", HandleWebSocket(hub))

	return mux
}
