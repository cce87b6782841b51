package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/campus-dispatch/internal/dispatch"
	"github.com/ramiqadoumi/campus-dispatch/internal/kafka"
	"github.com/ramiqadoumi/campus-dispatch/internal/postgres"
	redisstore "github.com/ramiqadoumi/campus-dispatch/internal/redis"
	"github.com/ramiqadoumi/campus-dispatch/pkg/telemetry"
	"github.com/ramiqadoumi/campus-dispatch/services/api-gateway/config"
	"github.com/ramiqadoumi/campus-dispatch/services/api-gateway/handler"
	"github.com/ramiqadoumi/campus-dispatch/services/api-gateway/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().Float64("trace-sample-ratio", 1.0, "fraction of root traces sampled")
	serveCmd.Flags().Int("visibility-rate-limit", 20, "visibility queries per second per runner (0 = disabled)")
	serveCmd.Flags().Duration("offer-timeout", dispatch.DefaultOfferTimeout, "how long a notified runner has to respond")
	serveCmd.Flags().Float64("radius-meters", 500, "maximum runner distance from the poster")
	serveCmd.Flags().Duration("heartbeat-window", 2*time.Minute, "maximum age of a runner heartbeat")
	serveCmd.Flags().Duration("location-window", 90*time.Second, "age after which a location fix is flagged stale")
	serveCmd.Flags().Duration("lock-ttl", dispatch.DefaultLockTTL, "per-task evaluation lock TTL")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	bindFlag("trace_sample_ratio", serveCmd.Flags(), "trace-sample-ratio")
	bindFlag("visibility_rate_limit", serveCmd.Flags(), "visibility-rate-limit")
	bindFlag("offer_timeout", serveCmd.Flags(), "offer-timeout")
	bindFlag("radius_meters", serveCmd.Flags(), "radius-meters")
	bindFlag("heartbeat_window", serveCmd.Flags(), "heartbeat-window")
	bindFlag("location_window", serveCmd.Flags(), "location-window")
	bindFlag("lock_ttl", serveCmd.Flags(), "lock-ttl")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "api-gateway")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "api-gateway", cfg.OTelEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	runners := postgres.NewRunnerRepository(pool)
	coord := dispatch.NewCoordinator(
		cfg.Dispatch.NewEngine(),
		postgres.NewTaskRepository(pool),
		runners,
		redisstore.NewTaskLocker(redisClient, cfg.Dispatch.LockTTLOrDefault()),
		producer,
		logger,
	)

	var limiter redisstore.RateLimiter
	if cfg.VisibilityRateLimit > 0 {
		limiter = redisstore.NewRateLimiter(redisClient, "ratelimit:visibility", cfg.VisibilityRateLimit, time.Second)
		logger.Info("visibility throttle enabled", slog.Int("limit_per_second", cfg.VisibilityRateLimit))
	}

	ready := func(ctx context.Context) error {
		if err := runners.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}
	restHandler := handler.NewREST(coord, limiter, ready, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/tasks/{id}/visibility", restHandler.Visibility)
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	// ── Prometheus metrics ────────────────────────────────────────────────────
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, ready, logger)

	go func() {
		logger.Info("api-gateway HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
