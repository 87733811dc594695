package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/coltonfrstt/koltbot-control-plane/internal/admission"
	"github.com/coltonfrstt/koltbot-control-plane/internal/api"
	"github.com/coltonfrstt/koltbot-control-plane/internal/auth"
	"github.com/coltonfrstt/koltbot-control-plane/internal/config"
	"github.com/coltonfrstt/koltbot-control-plane/internal/inference"
	"github.com/coltonfrstt/koltbot-control-plane/internal/jobs"
	"github.com/coltonfrstt/koltbot-control-plane/internal/ledger"
	"github.com/coltonfrstt/koltbot-control-plane/internal/logx"
	"github.com/coltonfrstt/koltbot-control-plane/internal/orchestrator"
	"github.com/coltonfrstt/koltbot-control-plane/internal/registry"
	"github.com/coltonfrstt/koltbot-control-plane/internal/store"
)

// backend is what every storage implementation provides.
type backend interface {
	admission.Store
	registry.Store
	ledger.Store
}

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logx.New(logx.Config{Service: "koltbot-api", Env: cfg.Env, Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, sweeper, closeStore, err := newBackend(ctx, cfg)
	if err != nil {
		fatal(logger, "init store", err)
	}
	defer closeStore()
	if sweeper != nil {
		jobs.NewRunner(sweeper, cfg.SweepInterval, logger).Start(ctx)
	}

	mdl, err := newModel(ctx, cfg)
	if err != nil {
		fatal(logger, "init inference", err)
	}

	issuer, err := auth.NewIssuer(auth.IssuerOptions{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      cfg.CredentialTTL,
	})
	if err != nil {
		fatal(logger, "init issuer", err)
	}

	reg := registry.New(issuer, st, nil)
	led := ledger.New(st, ledger.Options{Limit: cfg.TokenLimit, Window: cfg.QuotaWindow})
	gate := admission.New(st, issuer, admission.Options{MaxSessionsPerIP: cfg.MaxSessionsPerIP, SessionTTL: cfg.SessionTTL})
	orch := orchestrator.New(reg, led, mdl, orchestrator.Options{
		Model:         cfg.Model,
		System:        cfg.SystemPrompt,
		MaxTokens:     cfg.MaxTokens,
		HistoryWindow: cfg.HistoryWindow,
		Timeout:       cfg.InvocationTimeout,
		Provider:      cfg.Inference,
	})

	handler := api.NewRouter(cfg, api.Deps{Gate: gate, Registry: reg, Orchestrator: orch, Logger: logger})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// No read/write timeouts: websocket connections are long-lived and
		// manage their own deadlines.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.ListenAddr, "store", cfg.Store, "inference", cfg.Inference)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fatal(logger, "http server", err)
	}
}

// newBackend opens the configured store. The sweeper is nil for backends
// with native expiry.
func newBackend(ctx context.Context, cfg config.Config) (backend, jobs.Sweeper, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		mem := store.NewMemory(nil)
		return mem, mem, func() {}, nil
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect db: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("ping db: %w", err)
		}
		pg := store.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return pg, pg, pool.Close, nil
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		rs, err := store.NewRedis(store.RedisConfig{Client: client, KeyPrefix: cfg.RedisKeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		return rs, nil, func() { _ = rs.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func newModel(ctx context.Context, cfg config.Config) (inference.Model, error) {
	switch cfg.Inference {
	case config.InferenceFake:
		return inference.NewFake(), nil
	case config.InferenceAnthropic:
		m, err := inference.NewAnthropic(inference.AnthropicOptions{APIKey: cfg.AnthropicAPIKey, BaseURL: cfg.AnthropicBaseURL})
		if err != nil {
			return nil, err
		}
		return m, nil
	case config.InferenceBedrock:
		m, err := inference.NewBedrock(ctx, inference.BedrockOptions{Region: cfg.AWSRegion})
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown inference backend %q", cfg.Inference)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
