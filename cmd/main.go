/**
 * @description
 * This is the main entry point for the enrollment-service. It loads
 * configuration, connects the data store, the lock backend and the message
 * broker, builds the e-signature and billing clients, and wires them into the
 * enrollment service, the reconcile scheduler and the HTTP server.
 *
 * @dependencies
 * - github.com/joho/godotenv: local .env loading.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: distributed beneficiary locks.
 * - internal/api, internal/app, internal/config, internal/store: service packages.
 * - pkg/signatureclient, pkg/billingclient, pkg/rabbitmq: provider and broker clients.
 */

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/medpass/enrollment-service/internal/api"
	"github.com/medpass/enrollment-service/internal/app"
	"github.com/medpass/enrollment-service/internal/config"
	"github.com/medpass/enrollment-service/internal/domain"
	"github.com/medpass/enrollment-service/internal/logging"
	"github.com/medpass/enrollment-service/internal/store"
	"github.com/medpass/enrollment-service/pkg/billingclient"
	"github.com/medpass/enrollment-service/pkg/rabbitmq"
	"github.com/medpass/enrollment-service/pkg/signatureclient"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logrus.WithField("component", "bootstrap").WithError(err).Fatal("config load failed")
	}

	baseLogger := logging.New(cfg.LogLevel)
	logger := baseLogger.WithField("component", "bootstrap")
	logger.WithField("port", cfg.ServerPort).Info("starting enrollment-service")

	var repository store.Repository
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		repository = store.NewMemoryRepository()
	default:
		if cfg.RunMigrations {
			if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
				logger.WithError(err).Fatal("database migration failed")
			}
			logger.Info("database migrations applied")
		}

		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Fatal("database url parse failed")
		}
		poolConfig.MaxConns = 20
		poolConfig.MinConns = 2
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			logger.WithError(err).Fatal("database connection failed")
		}
		defer dbpool.Close()
		logger.Info("database connected")
		repository = store.NewPostgresRepository(dbpool)
	}

	// Beneficiary locks must be shared when more than one replica runs.
	var locker app.Locker = app.NewKeyedMutex()
	if cfg.LockBackend == "redis" {
		redisOptions, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Fatal("redis url parse failed")
		}
		redisClient := redis.NewClient(redisOptions)
		pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
		pingErr := redisClient.Ping(pingCtx).Err()
		cancelPing()
		if pingErr != nil {
			redisClient.Close()
			logger.WithError(pingErr).Fatal("redis ping failed")
		}
		defer redisClient.Close()
		locker = app.NewRedisLocker(redisClient, cfg.LockPrefix, cfg.LockTTL())
		logger.Info("redis lock backend connected")
	}

	var publisher app.Publisher
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("RABBITMQ_URL not set; downstream notifications disabled")
	} else {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, baseLogger)
		if err != nil {
			logger.WithError(err).Warn("rabbitmq producer unavailable; downstream notifications disabled")
		} else {
			defer producer.Close()
			publisher = producer
			logger.Info("rabbitmq producer connected")
		}
	}

	signatureClient := signatureclient.NewClient(cfg.SignatureAPIBaseURL, cfg.SignatureAPIKey, cfg.GatewayTimeout(), cfg.GatewayMaxAttempts, baseLogger)
	billingClient := billingclient.NewClient(cfg.BillingAPIBaseURL, cfg.BillingAPIKey, cfg.GatewayTimeout(), cfg.GatewayMaxAttempts, baseLogger)

	defaultMethod, ok := domain.ParsePaymentMethod(cfg.DefaultPaymentMethod)
	if !ok {
		defaultMethod = domain.PaymentMethodPix
	}
	enrollmentService := app.NewService(repository, signatureClient, billingClient, locker, publisher, baseLogger, app.Options{
		DefaultPaymentMethod: defaultMethod,
		PixRetry: app.RetryPolicy{
			Attempts:  cfg.PixRetryAttempts,
			BaseDelay: cfg.PixRetryBaseDelay(),
		},
		NotificationExchange:   cfg.NotificationExchange,
		ReconcileBudget:        cfg.ReconcileBudget(),
		ReconcileChargeTimeout: cfg.ReconcileChargeTimeout(),
		ReconcileConcurrency:   cfg.ReconcileConcurrency,
		ReconcileBatchLimit:    cfg.ReconcileBatchLimit,
	})

	scheduler := app.NewScheduler(enrollmentService, cfg.ReconcileSchedule, cfg.ReconcileBudget()+30*time.Second, baseLogger)
	if err := scheduler.Start(); err != nil {
		logger.WithError(err).Fatal("reconcile scheduler start failed")
	}

	router := api.NewRouter(
		api.NewHandlers(enrollmentService, baseLogger),
		api.NewWebhookHandlers(enrollmentService, cfg.SignatureWebhookSecret, cfg.BillingWebhookSecret, baseLogger),
		api.RouterConfig{
			OperatorJWTSecret: cfg.OperatorJWTSecret,
			AllowedOrigins:    cfg.AllowedOrigins(),
			MetricsEnabled:    cfg.MetricsEnabled,
		},
		baseLogger,
	)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		baseLogger.WithFields(logrus.Fields{"component": "http", "addr": serverAddr}).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			baseLogger.WithField("component", "http").WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server shutdown failed")
	}

	// Wait for an in-flight reconcile pass before closing the store.
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		logger.Warn("reconcile pass still running at shutdown")
	}
	logger.Info("enrollment-service stopped")
}
