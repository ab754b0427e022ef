package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/auth"
	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/drivers"
	"github.com/example/trip-dispatch/internal/expiry"
	"github.com/example/trip-dispatch/internal/fare"
	"github.com/example/trip-dispatch/internal/geo"
	httpapi "github.com/example/trip-dispatch/internal/http"
	"github.com/example/trip-dispatch/internal/ingest"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/matcher"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/trip"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, store)

	var geoIndex geo.Index = geo.NewMemoryIndex()
	var deadlines expiry.DeadlineStore = expiry.NewMemoryDeadlines()
	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			_ = rc.Close()
			return err
		}
		closers = append(closers, rc)
		geoIndex = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		deadlines = expiry.NewRedisDeadlines(rc, cfg.RedisExpiryKey)
		logger.Info("redis backends enabled", "addr", cfg.RedisAddr)
	}

	verifier := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	hub := dispatch.NewHub(verifier, logger)
	sinks := []dispatch.Sink{{Name: "ws", Publisher: hub}}
	if len(cfg.KafkaBrokers) > 0 {
		kp := dispatch.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		closers = append(closers, kp)
		sinks = append(sinks, dispatch.Sink{Name: "kafka", Publisher: kp})
	}
	if cfg.AMQPURL != "" {
		ap, err := dispatch.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		closers = append(closers, ap)
		sinks = append(sinks, dispatch.Sink{Name: "amqp", Publisher: ap})
	}
	bus := dispatch.NewFanout(logger, sinks...)

	var locations drivers.LocationSink = ingest.GeoSink{Index: geoIndex}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, kp)
		locations = kp
	}

	m := &matcher.Service{
		Geo:       geoIndex,
		Drivers:   store,
		Bus:       bus,
		Log:       logger,
		TopN:      cfg.MatcherTopN,
		Broadcast: cfg.MatchBroadcast,
	}
	sched := expiry.New(deadlines, logger, cfg.ExpirySweepInterval)
	trips := trip.NewService(store, m, sched, bus,
		fare.NewDistanceEstimator(cfg.FareBase, cfg.FarePerKm),
		trip.Config{
			ExpiryTimeout:   cfg.TripExpiryTimeout,
			CancelGrace:     cfg.CancelGracePeriod,
			CancellationFee: cfg.CancellationFee,
			DefaultRadius:   cfg.MatchRadiusM,
			MaxRadius:       cfg.MatchMaxRadiusM,
		}, logger, trip.WithLocations(locations))
	sched.Handle(trips.Expire)
	driverSvc := drivers.NewService(store, locations, m, cfg.MatchRadiusM, cfg.MatchMaxRadiusM, logger)
	driverSvc.SetPresence(hub)

	ready := func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return err
		}
		if rc != nil {
			return rc.Ping(ctx).Err()
		}
		return nil
	}
	api := httpapi.NewServer(httpapi.Deps{
		Trips:   trips,
		Drivers: driverSvc,
		Auth:    verifier,
		Hub:     hub,
		Ready:   ready,
		Logger:  logger,
	})

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = sched.Run(ctx)
	}()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("trip-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	select {
	case <-schedDone:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("expiry scheduler did not stop in time")
	}
	return nil
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := ps.Migrate(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		logger.Info("migrations applied")
	}
	return ps, nil
}
