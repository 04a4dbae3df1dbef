// Command bridge forwards whitelisted approval events from the compute
// plane to the trade plane. It is the only process holding credentials
// for both stores.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"blackjack/internal/bridge"
	"blackjack/internal/bus"
	"blackjack/internal/eventlog"
	"blackjack/internal/obs"
	"blackjack/internal/ops"
	"blackjack/internal/schema"
)

const exitStoreUnreachable = 3

func main() {
	configPath := flag.String("config", "config/settings.yaml", "Path to settings file")
	consumerName := flag.String("consumer", hostname("trade-bridge-1"), "Consumer name inside the bridge group")
	flag.Parse()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if cfg.Store.TradeURL == "" {
		log.Fatal("store.trade_url is required for the bridge")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	compute, err := eventlog.DialRedis(ctx, cfg.Store.ComputeURL)
	if err != nil {
		log.Printf("compute store unreachable: %v", err)
		os.Exit(exitStoreUnreachable)
	}
	defer compute.Close()

	tradeLog, err := eventlog.DialRedis(ctx, cfg.Store.TradeURL)
	if err != nil {
		log.Printf("trade store unreachable: %v", err)
		os.Exit(exitStoreUnreachable)
	}
	defer tradeLog.Close()

	validator := schema.NewValidator(schema.NewCoreRegistry())
	idem := bus.NewRedisIdempotency(compute.Client(), "idem")
	attempts := bus.NewRedisAttempts(compute.Client(), "attempt")

	base, factor, backoffCap := cfg.Bus.Backoff()
	b, err := bridge.New(compute, tradeLog, validator, idem, attempts, bridge.Config{
		Whitelist:   cfg.Bridge.Whitelist,
		Consumer:    *consumerName,
		MaxAttempts: cfg.Bus.MaxAttempts,
		Backoff:     bus.Backoff{Base: base, Factor: factor, Cap: backoffCap},
	})
	if err != nil {
		log.Fatalf("bridge setup failed: %v", err)
	}
	metrics := obs.NewMetrics()
	b.WithMetrics(metrics)

	go func() {
		<-sys.Shutdown()
		logs.Info("shutdown signal received")
		cancel()
	}()

	logs.Infof("bridge up, whitelist=%v consumer=%s", b.Whitelist(), *consumerName)
	if err := b.Run(ctx); err != nil && err != context.Canceled {
		logs.Errorf("bridge stopped: %+v", err)
	}
	snap := metrics.Snapshot()
	logs.Infof("bridge forwarded=%d dropped=%d", snap.BridgeForwarded, snap.BridgeDropped)
}

func hostname(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
