package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/example/city-dispatch/internal/auth"
	"github.com/example/city-dispatch/internal/config"
	"github.com/example/city-dispatch/internal/eta"
	"github.com/example/city-dispatch/internal/geo"
	"github.com/example/city-dispatch/internal/httpapi"
	"github.com/example/city-dispatch/internal/hub"
	"github.com/example/city-dispatch/internal/ingest"
	"github.com/example/city-dispatch/internal/logging"
	"github.com/example/city-dispatch/internal/matcher"
	"github.com/example/city-dispatch/internal/models"
	"github.com/example/city-dispatch/internal/notify"
	"github.com/example/city-dispatch/internal/rides"
	"github.com/example/city-dispatch/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dispatch-server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return err
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var index geo.Index
	if cfg.RedisAddr != "" {
		index = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		logger.Info("geo index ready", "backend", "redis", "addr", cfg.RedisAddr)
	} else {
		index = geo.NewMemoryIndex()
		logger.Info("geo index ready", "backend", "memory")
	}

	estimator := eta.NewEstimator(routeOracle(cfg, logger), cfg.DefaultSpeedKPH, cfg.ETACacheTTL, logger)

	var positions rides.PositionPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewLocationProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		positions = producer
		logger.Info("location stream ready", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	var pusher notify.Pusher
	if cfg.PushEndpoint != "" {
		pusher = notify.NewPushClient(cfg.PushEndpoint, cfg.PushAPIKey)
		logger.Info("push delivery ready", "endpoint", cfg.PushEndpoint)
	}

	// The hub calls back into the rides service for driver positions pushed
	// over a socket; svc is assigned before the server accepts connections.
	var svc *rides.Service
	h := hub.New(logger, cfg.WSAllowedOrigins, func(ctx context.Context, driverID string, pos models.GeoPoint, heading, speedKPH float64) {
		if _, err := svc.UpdateVehicleLocation(ctx, driverID, rides.LocationInput{
			Location: pos,
			Heading:  heading,
			SpeedKPH: speedKPH,
		}); err != nil {
			logger.Warn("socket location rejected", "driver", driverID, "err", err)
		}
	})

	dispatch := notify.NewDispatcher(store, store, h, pusher, logger)
	svc = &rides.Service{
		Rides:     store,
		Vehicles:  store,
		Geo:       index,
		Match:     matcher.New(index, store, store, cfg.SearchRadiusKM*1000, cfg.MaxCandidates),
		ETA:       estimator,
		Notifier:  dispatch,
		Realtime:  h,
		Positions: positions,
		AdminIDs:  cfg.AdminUserIDs,
		Logger:    logger,
	}

	if len(cfg.AuthTokens) == 0 {
		logger.Warn("no auth tokens configured, every request will be anonymous")
	}
	tokens := make(map[string]auth.Identity, len(cfg.AuthTokens))
	for _, t := range cfg.AuthTokens {
		tokens[t.Token] = auth.Identity{UserID: t.UserID, Name: t.Name, Roles: t.Roles}
	}

	api := httpapi.NewServer(httpapi.Config{
		Rides:    svc,
		Dispatch: dispatch,
		Store:    store,
		Geo:      index,
		Hub:      h,
		Verifier: auth.NewStaticVerifier(tokens),
		AdminIDs: cfg.AdminUserIDs,
		Logger:   logger,
	})

	go h.Run(ctx)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	logger.Info("dispatch server listening", "addr", cfg.HTTPAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "err", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// openStore picks Postgres when a DSN is configured and the in-memory store
// otherwise, so the binary runs without any backing services.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("no PG_DSN configured, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.RunMigrations {
		path := filepath.Join("migrations", "001_create_dispatch.sql")
		if err := pg.Migrate(ctx, path); err != nil {
			pg.Close()
			return nil, fmt.Errorf("apply %s: %w", path, err)
		}
		logger.Info("migration applied", "file", path)
	}
	logger.Info("store ready", "backend", "postgres")
	return pg, nil
}

// routeOracle returns the configured routing backend, or nil for the
// straight-line fallback.
func routeOracle(cfg config.ServerConfig, logger *slog.Logger) eta.RouteOracle {
	switch {
	case cfg.OSRMBaseURL != "":
		logger.Info("routing oracle ready", "backend", "osrm", "url", cfg.OSRMBaseURL)
		return eta.NewOSRMClient(cfg.OSRMBaseURL)
	case cfg.GoogleMapsKey != "":
		oracle, err := eta.NewGoogleOracle(cfg.GoogleMapsKey)
		if err != nil {
			logger.Error("google maps client unavailable, falling back to straight-line", "err", err)
			return nil
		}
		logger.Info("routing oracle ready", "backend", "google")
		return oracle
	default:
		logger.Info("routing oracle ready", "backend", "straight-line")
		return nil
	}
}
