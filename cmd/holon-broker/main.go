// Package main is the Holon-RPC broker entry point. It loads a broker
// config, starts the WebSocket dispatcher and the Prometheus metrics
// endpoint, and shuts both down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/tenzoki/holon-rpc/internal/broker"
	"github.com/tenzoki/holon-rpc/internal/config"
	"github.com/tenzoki/holon-rpc/internal/telemetry"
)

func main() {
	var cfg *config.BrokerConfig

	if len(os.Args) >= 2 {
		configFile := os.Args[1]
		loadedCfg, err := config.LoadBroker(configFile)
		if err != nil {
			log.Fatalf("failed to load broker config from %s: %v", configFile, err)
		}
		cfg = loadedCfg
		log.Printf("holon-broker: loaded config from %s", configFile)
	} else {
		cfg = &config.BrokerConfig{Addr: ":8080", Path: "/rpc", Debug: true}
		log.Printf("holon-broker: no config file given, using defaults (addr=%s path=%s)", cfg.Addr, cfg.Path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	telemetryShutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig("holon-broker"), mux)
	if err != nil {
		log.Fatalf("holon-broker: telemetry init: %v", err)
	}
	metricsSrv := &http.Server{Addr: ":9090", Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("holon-broker: metrics server error: %v", err)
		}
	}()

	dispatcher := broker.NewDispatcher(cfg.Addr, cfg.Path, cfg.Debug)

	meter := otel.Meter("holon-broker")
	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		log.Fatalf("holon-broker: metrics instruments: %v", err)
	}
	dispatcher.SetMetrics(metrics)

	errCh := make(chan error, 1)
	go func() { errCh <- dispatcher.Serve(ctx) }()

	log.Printf("holon-broker: serving on %s%s, metrics on :9090/metrics", cfg.Addr, cfg.Path)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("holon-broker: received signal %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("holon-broker: dispatcher stopped: %v", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("holon-broker: metrics server shutdown: %v", err)
	}
	if err := telemetryShutdown(shutdownCtx); err != nil {
		log.Printf("holon-broker: telemetry shutdown: %v", err)
	}

	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		log.Printf("holon-broker: dispatcher shutdown timed out")
	}

	log.Printf("holon-broker: shut down")
}
