// Command risk hosts the position-allocation stage: candidate actions in,
// approved or rejected orders out.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"blackjack/internal/bus"
	"blackjack/internal/eventlog"
	"blackjack/internal/ops"
	"blackjack/internal/risk"
	"blackjack/internal/schema"
	"blackjack/internal/stage"
)

const exitStoreUnreachable = 3

func main() {
	configPath := flag.String("config", "config/settings.yaml", "Path to settings file")
	flag.Parse()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	compute, err := eventlog.DialRedis(ctx, cfg.Store.ComputeURL)
	if err != nil {
		log.Printf("compute store unreachable: %v", err)
		os.Exit(exitStoreUnreachable)
	}
	defer compute.Close()

	validator := schema.NewValidator(schema.NewCoreRegistry())
	idem := bus.NewRedisIdempotency(compute.Client(), "idem")
	attempts := bus.NewRedisAttempts(compute.Client(), "attempt")

	binding := risk.Binding(risk.NewEngine(cfg.Risk), nil)
	binding.MaxAttempts = cfg.Bus.MaxAttempts
	binding.Concurrency = cfg.Bus.Concurrency(binding.Group)
	binding.HandlerTimeout = cfg.Bus.HandlerTimeout()
	base, factor, backoffCap := cfg.Bus.Backoff()
	binding.Backoff = bus.Backoff{Base: base, Factor: factor, Cap: backoffCap}

	processor, err := stage.New(compute, validator, idem, attempts, binding)
	if err != nil {
		log.Fatalf("stage setup failed: %v", err)
	}

	go func() {
		<-sys.Shutdown()
		logs.Info("shutdown signal received")
		cancel()
	}()

	logs.Infof("risk stage up, cap=%.2f", cfg.Risk.MaxSingleNamePositionPct)
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		logs.Errorf("risk stage stopped: %+v", err)
	}
}
