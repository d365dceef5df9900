package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sardorbek/cardpay/internal/accounts"
	"github.com/sardorbek/cardpay/internal/cards"
	"github.com/sardorbek/cardpay/internal/config"
	"github.com/sardorbek/cardpay/internal/database"
	"github.com/sardorbek/cardpay/internal/exchange"
	"github.com/sardorbek/cardpay/internal/idempotency"
	"github.com/sardorbek/cardpay/internal/server"
	"github.com/sardorbek/cardpay/internal/transfers"
	"github.com/sardorbek/cardpay/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.NewPostgres(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("failed to connect to postgres", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		zapLogger.Fatal("failed to connect to redis", zap.Error(err))
	}

	gate := idempotency.NewGate(
		idempotency.NewRedisStore(redisClient),
		cfg.Idempotency.ProcessingTTL,
		cfg.Idempotency.CompletedTTL,
		zapLogger,
	)

	rates := exchange.NewCBUClient(cfg.Exchange.CBUEndpoint, cfg.Exchange.Timeout, zapLogger)
	accountRepo := accounts.NewRepository(db, zapLogger)
	cardSvc := cards.NewService(db, accountRepo, zapLogger)
	transferSvc := transfers.NewService(db, accountRepo, cardSvc, rates, zapLogger)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ledger partitions for the current and next month must exist before
	// any write; a daily tick keeps the next month ahead of the boundary.
	partitions := transfers.NewPartitionMaintainer(db, zapLogger)
	if err := partitions.EnsureCurrentAndNext(rootCtx); err != nil {
		zapLogger.Fatal("failed to ensure ledger partitions", zap.Error(err))
	}
	go partitions.Run(rootCtx)

	handler := server.NewHandler(cardSvc, transferSvc, cfg.Environment, zapLogger)
	router := server.NewRouter(cfg, handler, gate, zapLogger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zapLogger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	zapLogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("graceful shutdown failed", zap.Error(err))
	}

	_ = redisClient.Close()
}
