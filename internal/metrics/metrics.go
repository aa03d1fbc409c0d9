package metrics

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"strconv"
	"time"

	"flashmart/internal/config"
	"flashmart/internal/log"
	"flashmart/internal/queue"
	"flashmart/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Metrics struct {
	AdmissionTotal    *prometheus.CounterVec
	CommitTotal       prometheus.Counter
	DeadLetterTotal   prometheus.Counter
	OutboxSentTotal   prometheus.Counter
	OutboxFailedTotal prometheus.Counter
	QueueDepth        *prometheus.GaugeVec
	BackendHealth     *prometheus.GaugeVec
	store             *store.Store
	rdb               *redis.Client
	queue             *queue.Queue
	cfg               *config.Config
	logger            *log.Logger
}

func NewMetrics(st *store.Store, rdb *redis.Client, cfg *config.Config, logger *log.Logger) *Metrics {
	m := &Metrics{
		AdmissionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashmart_admission_total",
				Help: "Total number of coupon admission decisions by result",
			},
			[]string{"result"},
		),
		CommitTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flashmart_commit_total",
				Help: "Total number of committed coupon allocations",
			},
		),
		DeadLetterTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flashmart_dead_letter_total",
				Help: "Total number of commit messages routed to the dead letter store",
			},
		),
		OutboxSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flashmart_outbox_sent_total",
				Help: "Total number of outbox events delivered",
			},
		),
		OutboxFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flashmart_outbox_failed_total",
				Help: "Total number of outbox delivery failures",
			},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flashmart_commit_queue_depth",
				Help: "Number of pending commit messages per partition",
			},
			[]string{"partition"},
		),
		BackendHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flashmart_backend_health",
				Help: "Health status of backends (1 = healthy, 0 = unhealthy)",
			},
			[]string{"backend"},
		),
		store:  st,
		rdb:    rdb,
		cfg:    cfg,
		logger: logger,
	}

	prometheus.MustRegister(
		m.AdmissionTotal,
		m.CommitTotal,
		m.DeadLetterTotal,
		m.OutboxSentTotal,
		m.OutboxFailedTotal,
		m.QueueDepth,
		m.BackendHealth,
	)

	return m
}

// SetQueue wires the commit queue for depth collection. The queue is
// constructed after the metrics because its handler records on them.
func (m *Metrics) SetQueue(q *queue.Queue) {
	m.queue = q
}

func (m *Metrics) Run(ctx context.Context) {
	logger := m.logger
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    m.cfg.MetricsAddr,
		Handler: mux,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates for metrics", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set for metrics, using HTTP")
	}

	go m.collect(ctx)

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Metrics server starting with TLS", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		} else {
			logger.Info("Metrics server starting without TLS", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}
	}()
	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}

func (m *Metrics) collect(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Metrics collection shutting down")
			return
		case <-ticker.C:
			if m.queue != nil {
				for p := 0; p < m.cfg.QueuePartitions; p++ {
					depth, err := m.queue.Depth(ctx, p)
					if err != nil {
						m.logger.Error("Failed to read commit queue depth", zap.Int("partition", p), zap.Error(err))
						continue
					}
					m.QueueDepth.WithLabelValues(strconv.Itoa(p)).Set(float64(depth))
				}
			}

			if err := m.store.Ping(ctx); err != nil {
				m.BackendHealth.WithLabelValues("postgres").Set(0)
				m.logger.Error("Postgres unhealthy", zap.Error(err))
			} else {
				m.BackendHealth.WithLabelValues("postgres").Set(1)
			}
			if err := m.rdb.Ping(ctx).Err(); err != nil {
				m.BackendHealth.WithLabelValues("redis").Set(0)
				m.logger.Error("Redis unhealthy", zap.Error(err))
			} else {
				m.BackendHealth.WithLabelValues("redis").Set(1)
			}
		}
	}
}
