package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/NomadCrew/order-push-backend/config"
	"github.com/NomadCrew/order-push-backend/db"
	"github.com/NomadCrew/order-push-backend/handlers"
	"github.com/NomadCrew/order-push-backend/internal/cache"
	"github.com/NomadCrew/order-push-backend/internal/events"
	"github.com/NomadCrew/order-push-backend/internal/store/postgres"
	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/NomadCrew/order-push-backend/middleware"
	"github.com/NomadCrew/order-push-backend/router"
	"github.com/NomadCrew/order-push-backend/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger.InitLogger()
	log := logger.GetLogger()
	defer func() { _ = logger.Close() }()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.RunMigrations(cfg.Database.URL()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	redisOptions := &redis.Options{
		Addr:         cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}
	if cfg.Redis.UseTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	redisClient := redis.NewClient(redisOptions)
	defer func() { _ = redisClient.Close() }()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warnw("Redis unavailable at startup, token lookups will hit the database", "error", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Stores
	tokenStore := postgres.NewPushTokenStore(pool)
	notificationStore := postgres.NewPushNotificationStore(pool)
	userStore := postgres.NewUserStore(pool)
	inboxStore := postgres.NewInboxStore(pool)

	// Delivery pipeline
	tokenService := services.NewTokenService(tokenStore, cache.NewTokenCache(redisClient, cfg.Push.TokenCacheTTL()), cfg.Push.MaxTokensPerUser)
	credentials, err := services.NewServiceAccountTokenSource(cfg.Push.CredentialsFile,
		time.Duration(cfg.Push.CredentialSkewSeconds)*time.Second, cfg.Push.Timeout())
	if err != nil {
		log.Fatalf("Failed to load push credentials: %v", err)
	}
	sender := services.NewFCMSender(cfg.Push, credentials, &http.Client{}, reg)
	tracker := services.NewDeliveryTracker(notificationStore, tokenService, sender, reg)

	workerPool := services.NewWorkerPool(cfg.WorkerPool, reg)
	workerPool.Start()

	channels := []services.NotificationChannel{
		services.NewPushChannel(tracker),
		services.NewDatabaseChannel(inboxStore),
	}
	if cfg.Email.ResendAPIKey != "" {
		channels = append(channels, services.NewMailChannel(cfg.Email, userStore, reg))
	}
	channelRouter := services.NewChannelRouter(cfg.Channels.Routes, channels...)

	dispatcher := services.NewFanoutDispatcher(userStore, tokenService, tracker, sender, workerPool, channelRouter, cfg.Fanout.ChunkSize)
	orderNotifier := services.NewOrderNotifier(userStore, dispatcher)

	scheduler := services.NewRetryScheduler(notificationStore, tokenStore, tokenService, sender, cfg.Retry)
	if cfg.Retry.Enabled {
		if err := scheduler.Start(ctx); err != nil {
			log.Fatalf("Failed to start retry scheduler: %v", err)
		}
	}

	consumerDone := make(chan struct{})
	if cfg.Kafka.Enabled {
		group, err := events.NewConsumerGroup(cfg.Kafka)
		if err != nil {
			log.Fatalf("Failed to create order consumer: %v", err)
		}
		consumer := events.NewOrderConsumer(cfg.Kafka.OrderTopic, group, orderNotifier, reg)
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
				log.Errorw("Order consumer stopped", "error", err)
			}
		}()
	} else {
		close(consumerDone)
	}

	// HTTP
	validator, err := middleware.NewJWTValidator(cfg.Server.JwtSecretKey)
	if err != nil {
		log.Fatalf("Failed to create JWT validator: %v", err)
	}
	healthService := services.NewHealthService(pool, redisClient, workerPool, cfg.WorkerPool.QueueSize, cfg.Server.Version)
	zapLog := log.Desugar()

	r := router.SetupRouter(router.Dependencies{
		Config:              cfg,
		JWTValidator:        validator,
		RateLimiter:         services.NewRateLimitService(redisClient),
		Gatherer:            reg,
		HealthHandler:       handlers.NewHealthHandler(healthService),
		PushTokenHandler:    handlers.NewPushTokenHandler(tokenService, dispatcher, zapLog),
		NotificationHandler: handlers.NewNotificationHandler(tracker, zapLog),
		AdminHandler:        handlers.NewAdminHandler(dispatcher, tracker, zapLog),
		OrderHandler:        handlers.NewOrderHandler(orderNotifier, zapLog),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infow("Starting server", "port", cfg.Server.Port, "environment", cfg.Server.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownTimeout := time.Duration(cfg.WorkerPool.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("HTTP server shutdown failed", "error", err)
	}
	<-consumerDone
	if cfg.Retry.Enabled {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			log.Warnw("Retry scheduler did not stop in time", "error", err)
		}
	}
	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Worker pool did not drain in time", "error", err)
	}
	log.Info("Shutdown complete")
}
