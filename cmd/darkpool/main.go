package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/darkpool/params"
	"github.com/uhyunpark/darkpool/pkg/api"
	"github.com/uhyunpark/darkpool/pkg/app/core/escrow"
	"github.com/uhyunpark/darkpool/pkg/app/core/market"
	"github.com/uhyunpark/darkpool/pkg/app/core/transaction"
	"github.com/uhyunpark/darkpool/pkg/app/pool"
	"github.com/uhyunpark/darkpool/pkg/confidential"
	"github.com/uhyunpark/darkpool/pkg/crypto"
	"github.com/uhyunpark/darkpool/pkg/events"
	"github.com/uhyunpark/darkpool/pkg/metrics"
	"github.com/uhyunpark/darkpool/pkg/storage"
	"github.com/uhyunpark/darkpool/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Node.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.Verbose)
	} else {
		logger, err = util.NewLogger(cfg.Node.Verbose)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	// ---- Storage ----
	var store *storage.PebbleStore
	if cfg.Node.DBPath == "" {
		store, err = storage.NewInMemoryPebbleStore()
	} else {
		store, err = storage.NewPebbleStore(cfg.Node.DBPath)
	}
	if err != nil {
		sugar.Fatalw("store_open_failed", "path", cfg.Node.DBPath, "err", err)
	}
	defer store.Close()

	var journal storage.Journal = storage.NewNopJournal()
	if cfg.Node.JournalPath != "" {
		fj, err := storage.NewFileJournal(cfg.Node.JournalPath)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "path", cfg.Node.JournalPath, "err", err)
		}
		defer fj.Close()
		journal = fj
	}

	// ---- Markets ----
	markets := market.NewRegistry()
	list, err := market.ParseList(cfg.Matching.Markets)
	if err != nil {
		sugar.Fatalw("markets_invalid", "markets", cfg.Matching.Markets, "err", err)
	}
	for _, m := range list {
		if err := markets.Register(m); err != nil {
			sugar.Fatalw("market_register_failed", "market", m.ID, "err", err)
		}
	}

	// ---- Confidential cluster ----
	committee, err := crypto.NewCommittee(cfg.Cluster.Seeds)
	if err != nil {
		sugar.Fatalw("committee_init_failed", "err", err)
	}
	mode, err := confidential.ParseMode(cfg.Matching.Mode)
	if err != nil {
		sugar.Fatalw("match_mode_invalid", "err", err)
	}
	engine, err := confidential.NewEngine(mode, committee, sugar.Named("confidential"))
	if err != nil {
		sugar.Fatalw("engine_init_failed", "err", err)
	}

	// ---- Events ----
	var publisher events.Publisher = events.Nop{}
	if len(cfg.Events.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		sugar.Infow("kafka_enabled", "brokers", cfg.Events.KafkaBrokers, "topic", cfg.Events.KafkaTopic)
	}
	defer publisher.Close()

	app, err := pool.New(pool.Deps{
		Store:          store,
		Ledger:         escrow.NewLedger(store, markets, sugar.Named("escrow")),
		Markets:        markets,
		Executor:       engine,
		Attestor:       committee,
		Publisher:      publisher,
		Metrics:        metrics.New(),
		Journal:        journal,
		Clock:          util.RealClock{},
		Logger:         sugar.Named("pool"),
		Mode:           string(mode),
		MaxBatchOrders: cfg.Matching.MaxBatchOrders,
	})
	if err != nil {
		sugar.Fatalw("app_init_failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar.Infow("node_starting",
		"markets", len(list),
		"mode", mode,
		"cluster_size", committee.Size(),
		"max_batch", cfg.Matching.MaxBatchOrders,
		"interval_ms", cfg.Matching.Interval.Milliseconds())

	if cfg.Matching.Interval > 0 {
		go app.RunScheduler(ctx, cfg.Matching.Interval)
	} else {
		sugar.Info("scheduler_disabled - use POST /api/v1/match-and-settle")
	}

	srv := api.NewServer(app, transaction.NewVerifier(crypto.DefaultDomain()), sugar.Named("api"))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx, cfg.Node.APIAddr) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			sugar.Errorw("api_failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	sugar.Info("node_stopped")
}
