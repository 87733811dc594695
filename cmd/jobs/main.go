package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coltonfrstt/koltbot-control-plane/internal/config"
	"github.com/coltonfrstt/koltbot-control-plane/internal/jobs"
	"github.com/coltonfrstt/koltbot-control-plane/internal/logx"
	"github.com/coltonfrstt/koltbot-control-plane/internal/store"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logx.New(logx.Config{Service: "koltbot-jobs", Env: cfg.Env, Level: cfg.LogLevel, Format: cfg.LogFormat})
	if cfg.Store != config.StorePostgres {
		logger.Error("jobs worker only runs against postgres; memory and redis expire natively", "store", cfg.Store)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect db", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("ping db", "err", err)
		os.Exit(1)
	}

	st := store.New(pool)
	jobs.NewRunner(st, cfg.SweepInterval, logger).Start(ctx)

	logger.Info("koltbot-jobs worker started", "interval", cfg.SweepInterval.String())
	<-ctx.Done()
	logger.Info("koltbot-jobs worker stopping")
}
