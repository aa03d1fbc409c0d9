package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"flashmart/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	// Ordered commit queue
	QueuePartitions  int
	QueueBatchSize   int
	QueuePollPeriod  time.Duration
	CommitMaxRetries int
	CommitBackoff    time.Duration

	// Locked mutation executor
	LockWait     time.Duration
	LockLease    time.Duration
	LockPollStep time.Duration

	// Delivery pipeline sweeps
	OutboxSweepPeriod  time.Duration
	OutboxMaxRetries   int
	FailedSweepPeriod  time.Duration
	FailedBaseBackoff  time.Duration
	FailedMaxRetries   int
	CouponInfoCacheTTL time.Duration

	DataPlatformURL string
	JWTSecret       string
	HTTPAddr        string
	MetricsAddr     string
}

func Load() (*Config, error) {
	logger := log.NewLogger()
	if err := godotenv.Load(); err != nil {
		// .env is optional when variables are set in the environment
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	cfg := &Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		QueuePartitions:    4,
		QueueBatchSize:     100,
		QueuePollPeriod:    500 * time.Millisecond,
		CommitMaxRetries:   3,
		CommitBackoff:      1 * time.Second,
		LockWait:           5 * time.Second,
		LockLease:          10 * time.Second,
		LockPollStep:       50 * time.Millisecond,
		OutboxSweepPeriod:  time.Minute,
		OutboxMaxRetries:   3,
		FailedSweepPeriod:  10 * time.Second,
		FailedBaseBackoff:  30 * time.Second,
		FailedMaxRetries:   3,
		CouponInfoCacheTTL: 24 * time.Hour,
		DataPlatformURL:    os.Getenv("DATA_PLATFORM_URL"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		HTTPAddr:           ":8080",
		MetricsAddr:        ":2112",
	}

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required")
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if v := os.Getenv("QUEUE_PARTITIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid QUEUE_PARTITIONS: %s", v)
		}
		cfg.QueuePartitions = n
	}
	if v := os.Getenv("COMMIT_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid COMMIT_MAX_RETRIES: %s", v)
		}
		cfg.CommitMaxRetries = n
	}
	if v := os.Getenv("FAILED_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid FAILED_MAX_RETRIES: %s", v)
		}
		cfg.FailedMaxRetries = n
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}

	logger.Info("Config loaded successfully")
	return cfg, nil
}
