package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/city-dispatch/internal/config"
	"github.com/example/city-dispatch/internal/geo"
	"github.com/example/city-dispatch/internal/logging"
	"github.com/example/city-dispatch/internal/models"
	"github.com/example/city-dispatch/internal/storage"
)

// The consumer drains the vehicle position stream into the shared geo index
// and, when Postgres is configured, the vehicle registry. Running it beside
// the API nodes keeps the index fresh no matter which node took the fix.

var (
	positionsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_consumer_positions_total",
		Help: "Vehicle position messages consumed.",
	})
	positionsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_consumer_invalid_total",
		Help: "Messages that failed to decode or validate.",
	})
	positionsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_consumer_applied_total",
		Help: "Position fixes applied to the index.",
	})
	applyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_consumer_apply_errors_total",
		Help: "Position fixes dropped after exhausting retries.",
	})
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dispatch-consumer:", err)
		os.Exit(1)
	}
}

func run() error {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address for prometheus metrics and health probes")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		return err
	}
	logger := logging.NewLogger(cfg.LogLevel)

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.RedisPassword})
	defer rc.Close()
	sink := &positionSink{index: geo.NewRedisGeoWithClient(rc, cfg.RedisGeoKey)}

	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pg.Close()
		sink.vehicles = pg
		logger.Info("registry updates enabled")
	}

	go serveProbes(metricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", brokers, "group", cfg.KafkaGroup)
	consume(ctx, reader, sink, logger)
	return nil
}

func serveProbes(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	logger.Info("metrics and probes listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("probe server stopped", "err", err)
	}
}

func consume(ctx context.Context, reader *kafka.Reader, sink PositionSink, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer shutting down")
				return
			}
			logger.Warn("kafka read failed", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		positionsConsumed.Inc()

		var pos models.VehiclePosition
		if err := json.Unmarshal(m.Value, &pos); err != nil {
			positionsInvalid.Inc()
			logger.Warn("undecodable position message", "err", err)
			continue
		}
		if pos.VehicleID == "" || !pos.Location.Valid() {
			positionsInvalid.Inc()
			logger.Warn("position message rejected", "vehicle", pos.VehicleID)
			continue
		}
		if pos.RecordedAt.IsZero() {
			pos.RecordedAt = time.Now().UTC()
		}

		if err := applyWithRetry(ctx, sink, pos, 3, 200*time.Millisecond); err != nil {
			applyFailures.Inc()
			logger.Error("position apply failed", "vehicle", pos.VehicleID, "err", err)
			continue
		}
		positionsApplied.Inc()
	}
}

// PositionSink applies one vehicle fix to a backing store.
type PositionSink interface {
	Apply(ctx context.Context, pos models.VehiclePosition) error
}

// positionSink writes the geo index first, then the registry when one is
// attached.
type positionSink struct {
	index    geo.Index
	vehicles storage.VehicleStore
}

func (s *positionSink) Apply(ctx context.Context, pos models.VehiclePosition) error {
	if err := s.index.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("geo upsert: %w", err)
	}
	if s.vehicles != nil {
		if err := s.vehicles.UpdateVehicleLocation(ctx, pos); err != nil {
			return fmt.Errorf("registry update: %w", err)
		}
	}
	return nil
}

// applyWithRetry retries with doubling delay and returns the last error once
// the attempts are spent. Cancellation interrupts the waits.
func applyWithRetry(ctx context.Context, sink PositionSink, pos models.VehiclePosition, attempts int, delay time.Duration) error {
	var last error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if last = sink.Apply(ctx, pos); last == nil {
			return nil
		}
	}
	return last
}
