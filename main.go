package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"flashmart/internal/admission"
	"flashmart/internal/config"
	"flashmart/internal/coupon"
	"flashmart/internal/dataplatform"
	"flashmart/internal/event"
	"flashmart/internal/lock"
	"flashmart/internal/log"
	"flashmart/internal/metrics"
	"flashmart/internal/outbox"
	"flashmart/internal/payment"
	"flashmart/internal/product"
	"flashmart/internal/queue"
	"flashmart/internal/ranking"
	"flashmart/internal/server"
	"flashmart/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer rdb.Close()

	st, err := store.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer st.Close()

	if err := st.EnsureSchema(context.Background()); err != nil {
		logger.Fatal("Failed to ensure schema", zap.Error(err))
	}

	m := metrics.NewMetrics(st, rdb, cfg, logger)
	cache := admission.NewCache(rdb, logger)
	locker := lock.NewExecutor(rdb, cfg.LockWait, cfg.LockLease, cfg.LockPollStep, logger)

	commitHandler := coupon.NewCommitHandler(st, cache, locker, st,
		cfg.FailedMaxRetries, cfg.FailedBaseBackoff, m, logger)
	commitQueue := queue.New(rdb, cfg.QueuePartitions, cfg.QueueBatchSize, cfg.QueuePollPeriod,
		cfg.CommitMaxRetries, cfg.CommitBackoff, commitHandler.Handle, commitHandler.HandleDeadLetter, logger)
	m.SetQueue(commitQueue)

	coupons := coupon.NewService(st, cache, commitQueue, locker, cfg.CouponInfoCacheTTL, m, logger)
	products := product.NewService(st, locker, logger)

	var platform dataplatform.Client
	if cfg.DataPlatformURL != "" {
		platform = dataplatform.NewHTTPClient(cfg.DataPlatformURL, logger)
	} else {
		logger.Warn("DATA_PLATFORM_URL not set, using mock data platform client")
		platform = dataplatform.NewMockClient(logger)
	}

	board := ranking.NewBoard(rdb, logger)
	bus := event.NewBus(logger)
	bus.Subscribe(event.NewDataPlatformHandler(platform, st, logger))
	bus.Subscribe(event.NewRankingHandler(board, logger))

	payments := payment.NewService(st, products, locker, bus, logger)

	outboxSweeper := outbox.NewSweeper(st, platform, cfg.OutboxSweepPeriod, cfg.OutboxMaxRetries, m, logger)
	failedSweeper := outbox.NewFailedEventSweeper(st, commitHandler, cfg.FailedSweepPeriod, cfg.FailedBaseBackoff, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go commitQueue.Run(ctx)
	go outboxSweeper.Run(ctx)
	go failedSweeper.Run(ctx)
	go m.Run(ctx)

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, st, rdb, coupons, products, payments, board)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Server starting with TLS", zap.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		} else {
			logger.Info("Server starting without TLS", zap.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		}
	}()

	logger.Info("Server started", zap.String("addr", cfg.HTTPAddr))
	<-ctx.Done()
	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
