package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"matchpay/internal/config"
	"matchpay/internal/db"
	"matchpay/internal/events"
	"matchpay/internal/gateway"
	"matchpay/internal/logger"
	"matchpay/internal/match"
	"matchpay/internal/payment"
	"matchpay/internal/paymentmethod"
	"matchpay/internal/payout"
	"matchpay/internal/server"
	"matchpay/internal/subscription"
	"matchpay/internal/transaction"
	"matchpay/internal/user"
	"matchpay/internal/wallet"
	"matchpay/internal/webhook"
)

//go:generate swag init -g main.go -d ./,../../internal/server,../../internal/api,../../internal/payout -o ../../docs

// @title MatchPay API
// @version 1.0
// @description Payment ledger for pay-to-play matches: gateway webhooks and internal payout triggers.
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	logger.Init()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)
	logger.Info("Starting matchpay", "port", cfg.Port, "events_backend", cfg.EventsBackend)

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database, cfg.MigrationsPath); err != nil {
		logger.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Migrations completed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub, closeEvents := startEvents(ctx, cfg)
	defer closeEvents()

	tx := db.NewTransactor(database)
	users := user.NewRepository(database)
	txs := transaction.NewRepository(database)
	ledger := transaction.NewRecorder(txs)

	gw := gateway.NewHTTPClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout,
		gateway.NewVerifier(cfg.GatewayWebhookSecret, cfg.WebhookTolerance))

	wallets := wallet.NewManager(tx, wallet.NewRepository(database), users, ledger, txs, pub)
	payments := payment.NewOrchestrator(tx, payment.NewRepository(database), gw, wallets, ledger, txs, pub)
	subs := subscription.NewManager(tx, subscription.NewRepository(database), users, gw, pub, subscription.Plan{
		PriceID:   cfg.SubscriptionPriceID,
		Amount:    cfg.SubscriptionAmount,
		Currency:  cfg.SubscriptionCurrency,
		TrialDays: cfg.TrialDays,
	})
	methods := paymentmethod.NewManager(tx, paymentmethod.NewRepository(database), pub)

	payouts := payout.NewRepository(database)
	scheduler := payout.NewScheduler(payouts, match.NewRepository(database), pub, cfg.PayoutDelay)
	executor := payout.NewExecutor(tx, payouts, payout.NewAccountRepository(database), users, gw, ledger, pub)

	processor := webhook.NewProcessor(tx, webhook.NewRepository(database), gw, payments, subs, methods, executor)

	go scheduler.Start(ctx, cfg.PayoutInterval, cfg.PayoutReconcileAfter, executor)
	go payments.StartReconciler(ctx, cfg.PaymentReconcileInterval, cfg.PaymentReconcileAfter)

	srv := server.New(server.Deps{
		Webhooks:  processor,
		Scheduler: scheduler,
		Payouts:   executor,
		Payments:  payments,
	}, cfg)

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("Server starting on port %s", cfg.Port)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Infof("Received signal: %v", sig)
	case err := <-serverErr:
		logger.Errorf("Server error: %v", err)
	}

	logger.Info("Shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Error during server shutdown: %v", err)
	}
	logger.Info("Server stopped")
}

// startEvents returns the publisher services emit to. Both brokered backends
// queue on a Redis list first and a dispatcher drains it to the sink.
func startEvents(ctx context.Context, cfg *config.Config) (events.Publisher, func()) {
	if cfg.EventsBackend == "none" {
		return events.Nop{}, func() {}
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, events will be queued once it is back", "addr", cfg.RedisAddr, "error", err)
	}

	var sink events.Sink = events.NewChannelSink(rdb)
	closeSink := func() {}
	if cfg.EventsBackend == "kafka" {
		ks := events.NewKafkaSink(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		sink = ks
		closeSink = func() {
			if err := ks.Close(); err != nil {
				logger.Warn("kafka writer close failed", "error", err)
			}
		}
	}

	go events.NewDispatcher(rdb, sink).Start(ctx)

	return events.NewQueue(rdb), func() {
		closeSink()
		rdb.Close()
	}
}
