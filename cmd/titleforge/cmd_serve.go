package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rongwang/titleforge/internal/api"
	"github.com/rongwang/titleforge/internal/config"
	"github.com/rongwang/titleforge/internal/metrics"
	"github.com/rongwang/titleforge/internal/queue"
	"github.com/rongwang/titleforge/internal/repository"
	"github.com/rongwang/titleforge/internal/service"
	"github.com/spf13/cobra"
)

// serveCmd runs the HTTP API and the result consumer
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the worker result consumer",
	Long: `Serve the HTTP API, publish accepted requests to the tasks topic and apply
worker events from the results topic.

Examples:
  titleforge serve
  SERVER_PORT=9000 KAFKA_BROKERS=kafka:9092 titleforge serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	pricer, err := cfg.Pricing.Pricer()
	if err != nil {
		return err
	}

	// Set up database connection
	db, err := config.SetupDatabase(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to set up database: %w", err)
	}
	defer db.Close()

	repo := repository.NewPostgresRepository(db, cfg.Database.QueryTimeout)
	m := metrics.NewRegistry()

	publisher := queue.NewPublisher(queue.PublisherConfig{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.TasksTopic,
		WriteTimeout: cfg.Kafka.WriteTimeout,
		MaxAttempts:  cfg.Kafka.MaxAttempts,
	}, logger, m)
	defer publisher.Close()

	ledger := service.NewLedger(repo, logger, m)
	requests := service.NewRequestLog(repo)
	dispatcher := service.NewDispatcher(ledger, requests, publisher,
		service.WithQuoteFunc(pricer.New),
		service.WithLogger(logger),
		service.WithMetrics(m),
	)

	var deduper queue.Deduper = queue.NoopDeduper{}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, dedupe will fail open")
		}
		deduper = queue.NewRedisDeduper(client, cfg.Redis.DedupeTTL)
	}

	consumer := queue.NewConsumer(queue.ConsumerConfig{
		Brokers:         cfg.Kafka.Brokers,
		Topic:           cfg.Kafka.ResultsTopic,
		GroupID:         cfg.Kafka.GroupID,
		DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
		MaxAttempts:     cfg.Kafka.MaxAttempts,
	}, queue.ResultHandler(dispatcher, deduper, logger), logger, queue.WithConsumerMetrics(m))
	defer consumer.Close()

	svc := service.NewDefaultService(ledger, requests, dispatcher, pricer)
	handler := api.NewHandler(svc, cfg.Auth.JWTSecret,
		api.WithLimiter(api.NewUserLimiter(cfg.Limits.SubmitPerSecond, cfg.Limits.SubmitBurst)),
		api.WithMetrics(m),
		api.WithLogger(logger),
		api.WithHealthCheck(db.PingContext),
	)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("result consumer stopped")
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err = <-serverErr:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error().Err(serr).Msg("server shutdown failed")
	}
	wg.Wait()

	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}
