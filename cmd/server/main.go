package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/peerpush/chally-core/internal/config"
	"github.com/peerpush/chally-core/internal/deposit"
	"github.com/peerpush/chally-core/internal/httpapi"
	"github.com/peerpush/chally-core/internal/identity"
	"github.com/peerpush/chally-core/internal/jobs"
	"github.com/peerpush/chally-core/internal/ledger"
	"github.com/peerpush/chally-core/internal/notify"
	"github.com/peerpush/chally-core/internal/payment"
	"github.com/peerpush/chally-core/internal/settlement"
	"github.com/peerpush/chally-core/internal/store"
	"github.com/peerpush/chally-core/internal/store/memstore"
	"github.com/peerpush/chally-core/internal/store/pgstore"
	"github.com/peerpush/chally-core/internal/store/rediscache"
	"github.com/peerpush/chally-core/internal/wallet"
	"github.com/peerpush/chally-core/internal/withdrawal"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	var rdb *redis.Client

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = pgstore.New(pool, cfg.WalletLockTimeout)
		slog.Info("connected to PostgreSQL")

		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb = redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = rediscache.New(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = memstore.New()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Payment processor ---
	var processor payment.Processor
	if cfg.StripeSecretKey != "" {
		processor = payment.NewStripe(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
		slog.Info("Stripe processor configured")
	} else {
		slog.Warn("STRIPE_SECRET_KEY not set, using fake processor")
		processor = payment.NewFake(cfg.StripeWebhookSecret)
	}

	// --- Core components ---
	l := ledger.New(st)
	w := wallet.New(st, l)
	depositPipeline := deposit.New(w, l, processor, cfg.TokenPriceCents, cfg.DailyDepositCapTokens, "USD")
	if rdb != nil {
		depositPipeline = depositPipeline.WithDailyCapCache(deposit.NewRedisDailyCapCache(rdb))
		slog.Info("Redis daily-cap fast path enabled")
	}
	withdrawalEngine := withdrawal.New(st, l, processor, cfg.TokenPriceCents, time.Duration(cfg.RefundWindowDays)*24*time.Hour, cfg.WithdrawalsEnabled)
	settlementEngine := settlement.New(st, l, cfg.PlatformUserID)

	// --- Notification hub ---
	hub := notify.NewHub()
	go hub.Run()

	// --- Settlement scheduler ---
	scheduler, err := jobs.NewScheduler(st, settlementEngine, cfg.SettlementCronSpec, cfg.JobTimeout)
	if err != nil {
		slog.Error("scheduler configuration failed", "err", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// --- HTTP router ---
	server := httpapi.New(w, l, depositPipeline, withdrawalEngine, settlementEngine, hub)
	router := httpapi.NewRouter(server, identity.StaticResolver{}, processor, cfg.RequestTimeout)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("chally-core listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down chally-core...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("chally-core stopped")
}
