package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"securecall-backend/internal/relay"
	"securecall-backend/pkg/config"
	"securecall-backend/pkg/logger"
	"securecall-backend/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Relay.HMACSecret == "" {
		logger.Warn("RELAY_HMAC_SECRET not set; all relay connections will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics("securecall-relay")
	server := relay.NewServer(&cfg.Relay, m)

	// Metrics and liveness on a plain HTTP sidecar port.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","sessions":%d}`, server.Registry().SessionCount())
	})
	opsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Ops server failed", zap.Error(err))
		}
	}()
	defer opsServer.Close()

	if err := server.Run(ctx); err != nil {
		logger.Fatal("Media relay failed", zap.Error(err))
	}
}
