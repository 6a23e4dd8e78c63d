package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"busline/api/routes"
	"busline/internal/bookings"
	"busline/internal/broadcast"
	"busline/internal/notifications"
	"busline/internal/payments"
	"busline/internal/refunds"
	"busline/internal/seatlock"
	"busline/internal/shared/config"
	"busline/internal/shared/database"
	"busline/internal/shared/middleware"
	"busline/pkg/logger"
	"busline/pkg/ratelimit"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	appLogger := logger.GetDefault()

	// Smart environment loading
	if err := godotenv.Load(); err != nil {
		if os.Getenv("GIN_MODE") == "release" || os.Getenv("DOCKER_CONTAINER") == "true" {
			appLogger.Info("Production environment: using container environment variables")
		} else {
			appLogger.Info("No .env file found, using system environment variables")
		}
	} else {
		appLogger.Info("Development environment: loaded .env file")
	}

	cfg := config.Load()
	gin.SetMode(cfg.GinMode)

	// Re-create the logger now that LOG_LEVEL and GIN_MODE are known
	appLogger = logger.New()
	logger.SetDefault(appLogger)
	appLogger.Info("Starting busline coordinator",
		slog.String("version", Version),
		slog.String("build_time", BuildTime),
		slog.String("commit", GitCommit),
	)

	for _, warning := range cfg.Warnings() {
		appLogger.Warn("Insecure configuration", slog.String("detail", warning))
	}

	db, err := database.InitDB(cfg, appLogger)
	if err != nil {
		appLogger.Error("failed to connect", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Seat lock store, journal and reaper
	store := seatlock.NewStore(seatlock.Config{
		DefaultTTL: cfg.Seats.LockTTL,
		MaxTTL:     cfg.Seats.MaxLockTTL,
	}, seatlock.WithPublisher(seatlock.NewEventLogger(appLogger)))

	var journal *seatlock.Journal
	if cfg.Seats.JournalEnabled && db.Redis != nil {
		journal = seatlock.NewJournal(db.Redis, store, cfg.Seats.JournalBuffer, appLogger)
		ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
		if err := journal.PreloadScripts(ctx); err != nil {
			appLogger.Error("Failed to preload seat journal script", slog.Any("error", err))
		}
		restored, err := journal.Restore(ctx)
		cancel()
		if err != nil {
			appLogger.Error("Seat journal restore incomplete", slog.Any("error", err), slog.Int("restored", restored))
		} else {
			appLogger.Info("Seat journal restored", slog.Int("trips", restored))
		}
		store.AddPublisher(journal)
		journal.Start(rootCtx, cfg.Seats.CheckpointInterval)
	} else {
		appLogger.Info("Seat journal disabled, locks live in memory only")
	}

	reaper := seatlock.NewReaper(store, cfg.Seats.ReaperInterval, appLogger)
	reaper.Start(rootCtx)

	// Payment gateway, refunds and lifecycle events
	gateway := payments.NewHTTPGateway(cfg.Payments)
	refundWorker := refunds.NewWorker(gateway, cfg.RabbitMQ.MaxRetries, cfg.Payments.RetryBackoff, appLogger)

	var refundScheduler bookings.RefundScheduler
	var stopRefunds func()
	if cfg.RabbitMQ.Enabled {
		publisher := refunds.NewPublisher(cfg.RabbitMQ, appLogger)
		consumer := refunds.NewConsumer(cfg.RabbitMQ, refundWorker, appLogger)
		go func() {
			if err := consumer.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				appLogger.Error("Refund consumer stopped", slog.Any("error", err))
			}
		}()
		refundScheduler = publisher
		stopRefunds = publisher.Close
		appLogger.Info("Refunds queued on RabbitMQ", slog.String("queue", cfg.RabbitMQ.RefundQueue))
	} else {
		inline := refunds.NewInlineScheduler(refundWorker)
		refundScheduler = inline
		stopRefunds = inline.Close
		appLogger.Info("RabbitMQ disabled, refunds run in process")
	}

	var events bookings.EventPublisher = notifications.NewLogPublisher(appLogger)
	var producer *notifications.LifecycleProducer
	if cfg.Kafka.Enabled {
		producer, err = notifications.NewKafkaLifecycleProducer(notifications.ProducerConfigFrom(cfg.Kafka), appLogger)
		if err != nil {
			appLogger.Error("Failed to initialize Kafka producer, lifecycle events go to the log", slog.Any("error", err))
		} else {
			events = producer
			appLogger.Info("Lifecycle events published to Kafka", slog.String("topic", cfg.Kafka.Topic))
		}
	}

	// Booking lifecycle
	var repo bookings.Repository
	if cfg.UsesPostgres() {
		repo = bookings.NewRepository(db.PostgreSQL)
	} else {
		repo = bookings.NewMemoryRepository()
		appLogger.Warn("Bookings stored in memory, they will not survive a restart")
	}
	bookingService := bookings.NewService(repo, store,
		bookings.Config{PaymentWindow: cfg.Bookings.PaymentWindow},
		bookings.WithRefunds(refundScheduler),
		bookings.WithEvents(events),
		bookings.WithLogger(appLogger),
	)

	expiryJob := bookings.NewExpiryJob(bookingService, cfg.Bookings.ExpirySweepInterval, appLogger)
	if err := expiryJob.Start(rootCtx); err != nil {
		appLogger.Error("Failed to start booking expiry sweep", slog.Any("error", err))
		os.Exit(1)
	}

	reconciler := payments.NewReconciler(bookingService, gateway, payments.ConfigFrom(cfg.Payments),
		payments.WithLogger(appLogger))

	hub := broadcast.NewHub(store, bookingService, appLogger)

	// Rate limiting needs Redis
	var rateLimiter *ratelimit.RateLimiter
	if cfg.RateLimit.Enabled && db.Redis != nil {
		rateLimiter = ratelimit.NewRateLimiter(db.Redis, cfg.RateLimit)
		appLogger.Info("Rate limiter initialized",
			slog.Duration("window", cfg.RateLimit.WindowDuration),
			slog.Int("booking_requests", cfg.RateLimit.BookingRequests),
			slog.Int("payment_requests", cfg.RateLimit.PaymentRequests),
		)
	} else {
		appLogger.Info("Rate limiting disabled")
	}

	router := setupRouter(cfg, db, routes.Dependencies{
		Store:       store,
		Bookings:    bookingService,
		Reconciler:  reconciler,
		Hub:         hub,
		Reaper:      reaper,
		Journal:     journal,
		Producer:    producer,
		RateLimiter: rateLimiter,
	}, appLogger)

	srv := &http.Server{
		Addr:           cfg.GetServerAddress(),
		Handler:        router,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	go func() {
		appLogger.Info("🚀 Server running",
			slog.String("address", cfg.GetServerAddress()),
			slog.String("health_check", fmt.Sprintf("http://localhost:%s/health", cfg.Port)),
			slog.String("seat_channel", fmt.Sprintf("ws://localhost:%s%s/ws/seats", cfg.Port, cfg.GetAPIBasePath())),
			slog.String("version", cfg.APIVersion),
			slog.Bool("redis", db.Redis != nil),
			slog.Bool("rate_limiting", rateLimiter != nil),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed", slog.Any("error", err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Forced shutdown", slog.Any("error", err))
	}

	// Background work stops in dependency order: nothing schedules refunds or
	// events once the sweep is down, and the journal drains last.
	if err := expiryJob.Stop(); err != nil {
		appLogger.Error("Error stopping booking expiry sweep", slog.Any("error", err))
	}
	reaper.Stop()
	stopRefunds()
	if producer != nil {
		if err := producer.Close(); err != nil {
			appLogger.Error("Error closing Kafka producer", slog.Any("error", err))
		}
	}
	rootCancel()
	if journal != nil {
		journal.Stop()
	}

	appLogger.Info("Server exited gracefully")
}

func setupRouter(cfg *config.Config, db *database.DB, deps routes.Dependencies, appLogger *logger.Logger) *gin.Engine {
	engine := gin.New()

	// Logs requests + recovers from panics
	engine.Use(middleware.RequestID(), middleware.RequestLogger(appLogger), gin.Recovery())

	engine.Use(cors.New(corsConfig(cfg)))

	appRouter := routes.NewRouter(cfg, db, deps, appLogger)
	appRouter.SetupRoutes(engine)

	return engine
}

func corsConfig(cfg *config.Config) cors.Config {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", middleware.RequestIDHeader, middleware.GuestTokenHeader},
		ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.CORSOrigins) == 0 || (len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*") {
		c.AllowOriginFunc = func(origin string) bool { return true }
	} else {
		c.AllowOrigins = cfg.CORSOrigins
	}
	return c
}
