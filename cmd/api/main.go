package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"example.com/magnifisica/internal/api"
	"example.com/magnifisica/internal/auth"
	"example.com/magnifisica/internal/challenges"
	"example.com/magnifisica/internal/config"
	"example.com/magnifisica/internal/consumer"
	"example.com/magnifisica/internal/domain"
	"example.com/magnifisica/internal/logging"
	"example.com/magnifisica/internal/messaging"
	"example.com/magnifisica/internal/persistence/memory"
	"example.com/magnifisica/internal/persistence/postgres"
	"example.com/magnifisica/internal/subcache"
	httptransport "example.com/magnifisica/internal/transport/http"
	"example.com/magnifisica/internal/weekly"
)

// store is what both persistence drivers provide.
type store interface {
	domain.ActivityStore
	domain.ActivityWriter
	domain.MembershipStore
	domain.MembershipWriter
}

func main() {
	cfg := config.Load()
	logger, logCloser := logging.Setup(logging.Params{Level: cfg.LogLevel, FormatJSON: cfg.LogFormatJSON, FileName: cfg.LogFile})

	// run returns instead of exiting so its deferred cleanup and the log file close both happen.
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("profile-service stopped")
		_ = logCloser.Close()
		os.Exit(1)
	}
	_ = logCloser.Close()
}

func run(cfg config.Config, logger *logrus.Logger) error {
	// Events published by this instance carry its origin so the consumer can skip them.
	origin := uuid.NewString()
	logger.WithField("instance", origin).Info("starting profile-service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)

	st, closeStore, err := openStore(ctx, cfg, logger, group)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	cache := subcache.New(
		weekly.NewAggregator(st, weekly.WithLocation(cfg.Location())),
		challenges.NewCalculator(st, st),
		subcache.WithConfig(subcache.Config{
			StaleTime:      cfg.CacheStaleTime,
			KeepAlive:      cfg.CacheKeepAlive,
			Retention:      cfg.CacheRetention,
			MaxRetries:     cfg.CacheMaxRetries,
			RetryBaseDelay: cfg.CacheRetryBaseDelay,
		}),
		subcache.WithLogger(logger),
	)
	defer cache.Close()

	serviceOpts := []domain.ServiceOption{domain.WithServiceLogger(logger)}
	if len(cfg.KafkaBrokers) > 0 {
		producer := messaging.NewKafkaProducer(cfg.KafkaBrokers)
		defer producer.Close()
		serviceOpts = append(serviceOpts, domain.WithPublisher(messaging.NewPublisher(producer, cfg.ActivityTopic, origin)))

		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.KafkaBrokers,
			// Each instance needs every event, so groups are per instance.
			GroupID:     cfg.ConsumerGroupID + "-" + origin,
			Topic:       cfg.ActivityTopic,
			StartOffset: kafka.LastOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
		})
		defer reader.Close()
		processor := consumer.NewProcessor(reader, consumer.NewInvalidationHandler(cache, origin, logger), consumer.WithLogger(logger))
		group.Go(func() error {
			if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	} else {
		logger.Warn("KAFKA_BROKERS is empty, change events are neither published nor consumed")
	}
	service := domain.NewService(st, st, cache, serviceOpts...)

	mux := http.NewServeMux()
	api.NewHandler(service, cache,
		api.WithLogger(logger),
		api.WithAllowedOrigins(cfg.AllowedOrigins),
	).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
	server := httptransport.NewServer(
		httptransport.DefaultServerConfig(cfg.HTTPAddress),
		httptransport.Chain(mux,
			httptransport.RequestLogger(logger),
			httptransport.CORS(cfg.AllowedOrigins),
			authMiddleware.Wrap,
		),
	)

	group.Go(func() error {
		logger.WithField("address", cfg.HTTPAddress).Info("profile-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("graceful shutdown failed")
		}
		return nil
	})

	return group.Wait()
}

func openStore(ctx context.Context, cfg config.Config, logger *logrus.Logger, group *errgroup.Group) (store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn("using the in-memory store, data is lost on restart")
		return memory.NewStore(), func() {}, nil
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		pg := postgres.NewStore(pool, postgres.WithLogger(logger))
		group.Go(func() error {
			if err := pg.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		return pg, pool.Close, nil
	}
	return nil, nil, errors.New("unknown STORE_DRIVER " + cfg.StoreDriver)
}
