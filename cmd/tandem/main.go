package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/tandem/internal/b2b"
	"github.com/sebas/tandem/internal/config"
	"github.com/sebas/tandem/internal/logger"
	"github.com/sebas/tandem/internal/metrics"
)

func main() {
	cfg := config.Load()

	logger.Setup(os.Stdout, cfg.LogLevel)

	engine, err := b2b.NewEngine(cfg)
	if err != nil {
		slog.Error("Failed to create engine", "error", err)
		os.Exit(1)
	}

	run(engine, cfg)
}

func run(engine *b2b.Engine, cfg *config.Config) {
	slog.Info("Starting Tandem B2BUA",
		"port", cfg.Port,
		"advertise", cfg.AdvertiseAddr,
		"rtp_ports", cfg.RTPPortMax-cfg.RTPPortMin+1,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	go func() {
		if err := engine.Serve(ctx); err != nil {
			slog.Error("Server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)

	cancel()
	engine.Shutdown()
	time.Sleep(1 * time.Second)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	slog.Info("Metrics available", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("Metrics server error", "error", err)
	}
}
