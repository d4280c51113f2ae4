package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/smsrelay/backend/internal/auth"
	"github.com/smsrelay/backend/internal/config"
	"github.com/smsrelay/backend/internal/handlers"
	"github.com/smsrelay/backend/internal/jobs"
	"github.com/smsrelay/backend/internal/ledger"
	"github.com/smsrelay/backend/internal/metrics"
	"github.com/smsrelay/backend/internal/payout"
	"github.com/smsrelay/backend/internal/presence"
	"github.com/smsrelay/backend/internal/queue"
	"github.com/smsrelay/backend/internal/repository"
	"github.com/smsrelay/backend/internal/router"
	"github.com/smsrelay/backend/internal/services"
)

const (
	queueKey           = "smsrelay:task_hints"
	natsConnectTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.DBMinConns, cfg.DBMaxConns)
	if err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker compose up -d", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := repository.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}
	migrator := rivermigrate.New(riverpgxv5.New(pool), nil)
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")

	ready := map[string]handlers.Pinger{"postgres": pool}

	// Priority queue: Redis when configured so every node pulls from one
	// queue, otherwise a process-local heap.
	var q queue.Queue
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("Invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		q = queue.NewRedisQueue(rdb, queueKey)
		ready["redis"] = handlers.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		slog.Info("Using Redis priority queue")
	} else {
		q = queue.NewMemoryQueue()
		slog.Info("Using in-memory priority queue")
	}
	metrics.QueueDepth(func() float64 {
		n, err := q.Len(context.Background())
		if err != nil {
			return 0
		}
		return float64(n)
	})

	// Repositories
	taskRepo := repository.NewTaskRepo(pool)
	deviceRepo := repository.NewDeviceRepo(pool)
	walletRepo := repository.NewWalletRepo(pool)
	txnRepo := repository.NewTransactionRepo(pool)
	referralRepo := repository.NewReferralRepo(pool)

	// Ledger & referral
	ledgerSvc := ledger.NewService(walletRepo, txnRepo, ledger.Limits{
		MinWithdrawalCents: cfg.Ledger.MinWithdrawalCents,
		DailyCapCents:      cfg.Ledger.DailyWithdrawalCapCents,
	})
	referrals := services.NewReferralBonus(pool, referralRepo, ledgerSvc, cfg.Ledger.ReferralThreshold,
		cfg.Ledger.ReferrerBonusCents, cfg.Ledger.ReferredBonusCents, logger)

	// Presence & assignment
	registry := presence.NewRegistry(deviceRepo, logger)
	assigner := services.NewAssigner(taskRepo, deviceRepo, q, cfg.Assignment.RoundLimit, logger)
	dispatcher := services.NewDispatcher(assigner, registry, logger)
	reclaimer := services.NewReclaimer(taskRepo, q, registry, cfg.Assignment.StaleTimeout, logger)

	if cfg.NATSURL != "" {
		nc, err := presence.Connect(cfg.NATSURL, "smsrelay-"+cfg.NodeID, natsConnectTimeout)
		if err != nil {
			slog.Error("Cannot connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Drain()
		bridge := presence.NewNATSBridge(nc, registry, cfg.NodeID, logger)
		defer bridge.Close()
		registry.SetBridge(bridge)
		dispatcher.Announce = bridge.AnnounceDispatch
		if _, err := bridge.OnDispatch(func(n int) {
			dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			dispatcher.Dispatch(dctx, n)
		}); err != nil {
			slog.Error("Cannot subscribe to dispatch announcements", "error", err)
			os.Exit(1)
		}
		ready["nats"] = handlers.PingFunc(func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
		slog.Info("Cross-node presence enabled", "node_id", cfg.NodeID)
	}

	n, err := assigner.Rehydrate(ctx)
	if err != nil {
		slog.Error("Queue rehydration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Priority queue rehydrated", "queued", n)

	// Payouts
	provider, err := payout.NewProvider(cfg.Payout)
	if err != nil {
		slog.Error("Payout provider not configured", "error", err)
		os.Exit(1)
	}
	orchestrator := payout.NewOrchestrator(pool, ledgerSvc, provider, txnRepo, cfg.Payout.Timeout, logger)

	// Periodic maintenance on River
	schedule := jobs.Schedule{
		ReclaimInterval:   cfg.Assignment.ReclaimInterval,
		ReconcileInterval: cfg.Assignment.ReconcileInterval,
		QuotaResetHour:    cfg.Assignment.QuotaResetHour,
		HeartbeatTimeout:  cfg.Assignment.HeartbeatTimeout,
		PendingTimeout:    cfg.Payout.PendingTimeout,
	}
	workers := river.NewWorkers()
	jobs.Register(workers, schedule, jobs.Deps{
		Reclaimer: reclaimer,
		Queue:     assigner,
		Devices:   deviceRepo,
		Payouts:   orchestrator,
		Referrals: referrals,
		Logger:    logger,
	})
	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 4},
		},
		Workers:      workers,
		PeriodicJobs: jobs.PeriodicJobs(schedule),
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	// Referral checks are inserted in the same transaction as the credit.
	scheduleReferral := jobs.InsertReferralCheckTxFunc(func(ctx context.Context, tx pgx.Tx, args jobs.ReferralCheckArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	})
	lifecycle := services.NewLifecycle(pool, taskRepo, deviceRepo, ledgerSvc, scheduleReferral, cfg.Ledger.EarningPerTaskCents, logger)

	validator, err := services.NewValidator()
	if err != nil {
		slog.Error("Schema validator init failed", "error", err)
		os.Exit(1)
	}

	api := router.New(router.Handlers{
		Tasks: &handlers.TaskHandler{
			Tasks:     assigner,
			Lifecycle: lifecycle,
			Notifier:  dispatcher,
			Validator: validator,
			Logger:    logger,
		},
		Devices: &handlers.DeviceHandler{
			Tasks:    assigner,
			Presence: registry,
			Devices:  deviceRepo,
			Logger:   logger,
		},
		Wallet: &handlers.WalletHandler{
			Payouts:   orchestrator,
			Wallets:   ledgerSvc,
			Validator: validator,
			Logger:    logger,
		},
		Verifier: auth.NewTokens(cfg.JWTSecret),
		Ready:    ready,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(api)

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr, "node_id", cfg.NodeID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	// Close event streams first so Shutdown is not held open by them.
	registry.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River stop", "error", err)
	}
}
