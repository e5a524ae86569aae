package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coupon-finder/internal/config"
	"coupon-finder/internal/events"
	"coupon-finder/internal/features"
	"coupon-finder/internal/handler"
	"coupon-finder/internal/logger"
	"coupon-finder/internal/metrics"
	"coupon-finder/internal/middleware"
	"coupon-finder/internal/scheduler"
	"coupon-finder/internal/service"
	"coupon-finder/internal/session"
	"coupon-finder/internal/storage"
	"coupon-finder/internal/tracing"
	"coupon-finder/internal/upstream"
)

func main() {
	configFile := flag.String("config", "", "Path to a JSON or YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Init("development", "info", "console")
		logger.Fatal("failed to load configuration", logger.Err(err))
	}

	logger.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", logger.Err(err))
	}

	tracer, err := tracing.Init(cfg.Tracing)
	if err != nil {
		logger.Fatal("failed to initialize tracing", logger.Err(err))
	}

	ctx := context.Background()

	// Initialize session storage. An unavailable backend degrades to memory.
	backing := storage.OpenOrMemory(ctx, cfg.Storage)
	defer backing.Close()

	store := session.Open(ctx, backing)
	metrics.DailyRevealCount.Set(float64(store.Snapshot().DailyRevealCount))

	backend, err := upstream.NewClient(cfg.Backend, tracer.Trace())
	if err != nil {
		logger.Fatal("failed to create backend client", logger.Err(err))
	}

	flags := features.Defaults(cfg.Features)

	bus := events.NewManager(true)
	if cfg.Kafka.Enabled {
		sink := events.NewKafkaSink(events.NewKafkaWriter(cfg.Kafka))
		defer sink.Close()
		bus.SubscribeAll(sink.Handle)
		logger.Info("publishing events to kafka",
			logger.String("topic", cfg.Kafka.Topic))
	}

	svc := service.NewService(store, backend, service.Options{
		Events:    bus,
		Features:  flags,
		StaleTime: cfg.Cache.StaleTime,
	})

	// The daily_reset flag is read at every due reset, so toggling it at
	// runtime pauses or resumes the schedule.
	resets := scheduler.New(svc, cfg.Scheduler.ResetInterval, scheduler.WithEnabled(func() bool {
		return flags.IsEnabled(features.FeatureDailyReset)
	}))
	resets.Start()

	h := handler.NewHandlerWithOptions(svc, handler.NewHandlerOptions{
		MaxBodySize: cfg.Server.MaxRequestBodySize,
		Features:    flags,
	})

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Window, cfg.RateLimit.Burst)
	defer rateLimiter.Stop()
	throttle := middleware.RateLimitMiddleware(rateLimiter, func() bool {
		return cfg.RateLimit.Enabled && flags.IsEnabled(features.FeatureRevealThrottle)
	})

	// Setup router
	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.TracingMiddleware(cfg.Tracing.ServiceName))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Origins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	h.Routes(r, throttle)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server",
			logger.String("addr", server.Addr),
			logger.String("storage", cfg.Storage.Driver),
			logger.String("backend", cfg.Backend.BaseURL),
			logger.Bool("tracing", tracer.Enabled()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", logger.Err(err))
		}
	}()

	// Graceful shutdown
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
	<-sigint

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error closing server", logger.Err(err))
	}
	resets.Stop()
	bus.Shutdown()
	store.Close()
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to flush traces", logger.Err(err))
	}
}
