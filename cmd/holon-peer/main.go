// Package main is a minimal example Holon-RPC peer: it connects to a
// broker, registers under a holon name, answers a demo echo method, and
// exits cleanly on SIGINT/SIGTERM. Intended as a template for real peer
// processes, not production functionality.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"

	"github.com/tenzoki/holon-rpc/internal/config"
	"github.com/tenzoki/holon-rpc/internal/telemetry"
	"github.com/tenzoki/holon-rpc/public/peer"
)

func main() {
	var cfg *config.PeerConfig

	if len(os.Args) >= 2 {
		configFile := os.Args[1]
		loadedCfg, err := config.LoadPeer(configFile)
		if err != nil {
			log.Fatalf("holon-peer: failed to load peer config from %s: %v", configFile, err)
		}
		cfg = loadedCfg
		log.Printf("holon-peer: loaded config from %s", configFile)
	} else {
		log.Fatalf("holon-peer: usage: holon-peer <config.yaml>")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	telemetryShutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig("holon-peer"), mux)
	if err != nil {
		log.Fatalf("holon-peer: telemetry init: %v", err)
	}
	metricsSrv := &http.Server{Addr: ":9091", Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("holon-peer: metrics server error: %v", err)
		}
	}()
	defer func() {
		_ = telemetryShutdown(context.Background())
		_ = metricsSrv.Close()
	}()

	client, err := peer.Connect(ctx, *cfg)
	if err != nil {
		log.Fatalf("holon-peer: connect: %v", err)
	}
	defer client.Close()

	metrics, err := telemetry.NewMetrics(otel.Meter("holon-peer"))
	if err != nil {
		log.Fatalf("holon-peer: metrics instruments: %v", err)
	}
	client.SetMetrics(metrics)

	client.RegisterHandler("Echo/Ping", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var p map[string]interface{}
		_ = json.Unmarshal(params, &p)
		return p, nil
	})

	log.Printf("holon-peer: connected to %s as %q", cfg.BrokerURL, cfg.Name)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("holon-peer: received signal %s, shutting down", sig)
}
