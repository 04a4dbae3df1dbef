// Command executor runs the trade-plane submission engine: it consumes
// bridged approvals, drives orders through the broker under leases, and
// reconciles ambiguous sends.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"golang.org/x/sync/errgroup"

	"blackjack/internal/bus"
	"blackjack/internal/eventlog"
	"blackjack/internal/ops"
	"blackjack/internal/schema"
	"blackjack/internal/trade"
	"blackjack/pkg/conn"
)

const exitStoreUnreachable = 3

func main() {
	configPath := flag.String("config", "config/settings.yaml", "Path to settings file")
	consumerName := flag.String("consumer", hostname("executor"), "Consumer name inside the execution group")
	flag.Parse()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if cfg.Store.TradeURL == "" {
		log.Fatal("store.trade_url is required for the executor")
	}

	if cfg.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "blackjack.executor",
			ServerAddress:   cfg.Profiling.ServerAddress,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() { _ = profiler.Stop() }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tradeLog, err := eventlog.DialRedis(ctx, cfg.Store.TradeURL)
	if err != nil {
		log.Printf("trade store unreachable: %v", err)
		os.Exit(exitStoreUnreachable)
	}
	defer tradeLog.Close()

	computeLog, err := eventlog.DialRedis(ctx, cfg.Store.ComputeURL)
	if err != nil {
		log.Printf("compute store unreachable: %v", err)
		os.Exit(exitStoreUnreachable)
	}
	defer computeLog.Close()

	var store trade.Store
	if cfg.Postgres.DSN != "" {
		client, err := conn.New(conn.Option{ConnString: cfg.Postgres.DSN})
		if err != nil {
			log.Printf("postgres unreachable: %v", err)
			os.Exit(exitStoreUnreachable)
		}
		defer client.Close()
		gs := trade.NewGormStore(client.DB())
		if err := gs.AutoMigrate(); err != nil {
			log.Fatalf("migrate trade store: %v", err)
		}
		store = gs
	} else {
		logs.Warnf("postgres.dsn empty, using in-memory trade store")
		store = trade.NewMemoryStore()
	}

	var broker trade.Broker = trade.NewSimBroker(trade.SimConfig{DryRun: cfg.Execution.DryRun})
	svc := trade.NewService(store, broker, *consumerName).WithLeaseTTL(cfg.Lease.TTL())

	validator := schema.NewValidator(schema.NewCoreRegistry())
	idem := bus.NewRedisIdempotency(tradeLog.Client(), "idem")
	attempts := bus.NewRedisAttempts(tradeLog.Client(), "attempt")

	base, factor, capMS := cfg.Bus.Backoff()
	consumer, err := bus.NewConsumer(tradeLog, validator, idem, attempts, bus.ConsumerConfig{
		Stream:         schema.RiskOrderApprovedV1,
		Group:          "execution",
		Consumer:       *consumerName,
		Handler:        svc.Handler(),
		MaxAttempts:    cfg.Bus.MaxAttempts,
		HandlerTimeout: cfg.Bus.HandlerTimeout(),
		Concurrency:    cfg.Bus.Concurrency("execution"),
		IdempotencyTTL: cfg.Bus.IdempotencyTTL(),
		Backoff:        bus.Backoff{Base: base, Factor: factor, Cap: capMS},
	})
	if err != nil {
		log.Fatalf("consumer setup failed: %v", err)
	}

	tradeProducer := bus.NewProducer(tradeLog, validator, schema.TradeStreams()).
		WithSource("execution-service")
	computeProducer := bus.NewProducer(computeLog, validator,
		[]string{schema.ExecutionOrderExecutedV1, schema.ExecutionOrderFailedV1}).
		WithSource("execution-service")
	outbox := trade.NewOutbox(store, tradeProducer, computeProducer, 0)
	reconciler := trade.NewReconciler(svc, cfg.Reconcile.Period())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return outbox.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error { return submitLoop(gctx, svc) })

	logs.Infof("executor up, consumer=%s dry_run=%v", *consumerName, cfg.Execution.DryRun)
	select {
	case <-sys.Shutdown():
		logs.Info("shutdown signal received")
	case <-gctx.Done():
	}
	cancel()
	if err := g.Wait(); err != nil && err != context.Canceled {
		logs.Errorf("executor stopped: %+v", err)
	}
}

// submitLoop pushes freshly approved intents to the broker.
func submitLoop(ctx context.Context, svc *trade.Service) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := svc.SubmitApproved(ctx); err != nil {
				logs.Errorf("submit pass: %+v", err)
			}
		}
	}
}

func hostname(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
