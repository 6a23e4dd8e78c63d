// api/routes/router.go
package routes

import (
	"net/http"
	"time"

	"busline/api/docs"
	"busline/internal/bookings"
	"busline/internal/broadcast"
	"busline/internal/notifications"
	"busline/internal/payments"
	"busline/internal/seatlock"
	"busline/internal/seats"
	"busline/internal/shared/config"
	"busline/internal/shared/database"
	"busline/internal/shared/middleware"
	"busline/pkg/logger"
	"busline/pkg/ratelimit"

	"github.com/gin-gonic/gin"
)

const serviceName = "busline-coordinator"

// Dependencies are the long-lived components built in main. Optional ones may
// be nil.
type Dependencies struct {
	Store       *seatlock.Store
	Bookings    bookings.Service
	Reconciler  *payments.Reconciler
	Hub         *broadcast.Hub
	Reaper      *seatlock.Reaper
	Journal     *seatlock.Journal
	Producer    *notifications.LifecycleProducer
	RateLimiter *ratelimit.RateLimiter
}

// Router holds all route dependencies
type Router struct {
	config *config.Config
	db     *database.DB
	deps   Dependencies
	auth   *middleware.Auth
	log    *logger.Logger
}

// NewRouter creates a new router instance
func NewRouter(cfg *config.Config, db *database.DB, deps Dependencies, log *logger.Logger) *Router {
	if log == nil {
		log = logger.GetDefault()
	}
	return &Router{
		config: cfg,
		db:     db,
		deps:   deps,
		auth:   middleware.NewAuth(cfg, log),
		log:    log,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes(engine *gin.Engine) {
	// Health check and basic info endpoints
	r.setupHealthRoutes(engine)
	docs.Register(engine)

	api := engine.Group(r.config.GetAPIBasePath())
	{
		r.setupSeatRoutes(api)
		r.setupBookingRoutes(api)
		r.setupPaymentRoutes(api)
		r.setupRealtimeRoutes(api)
	}
}

// limit returns the rate limit middleware for limitType, or nil when rate
// limiting is off
func (r *Router) limit(limitType ratelimit.RateLimitType) gin.HandlerFunc {
	if r.deps.RateLimiter == nil {
		return nil
	}
	return ratelimit.Middleware(r.deps.RateLimiter, limitType, r.log)
}

// setupHealthRoutes sets up health check and system status routes
func (r *Router) setupHealthRoutes(engine *gin.Engine) {
	engine.GET("/health", func(c *gin.Context) {
		checks := map[string]string{}
		if r.db != nil {
			checks = r.db.HealthCheck(c.Request.Context())
		}
		if !database.Healthy(checks) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "unhealthy",
				"checks":    checks,
				"timestamp": time.Now(),
				"service":   serviceName,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"checks":    checks,
			"timestamp": time.Now(),
			"service":   serviceName,
		})
	})

	engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
			"version": r.config.APIVersion,
		})
	})

	engine.GET("/status", func(c *gin.Context) {
		status := gin.H{
			"status":      "operational",
			"api_version": r.config.APIVersion,
			"timestamp":   time.Now(),
		}
		if r.deps.Hub != nil {
			status["realtime"] = r.deps.Hub.Stats()
		}
		if r.deps.Reaper != nil {
			status["reaper"] = r.deps.Reaper.Status()
		}
		if r.deps.Journal != nil {
			status["journal"] = gin.H{"dropped": r.deps.Journal.Dropped()}
		}
		if r.deps.Producer != nil {
			status["lifecycle_events"] = r.deps.Producer.GetMetrics()
		}
		c.JSON(http.StatusOK, status)
	})
}

// setupSeatRoutes configures trip scheduling, seat map and REST hold routes
func (r *Router) setupSeatRoutes(rg *gin.RouterGroup) {
	seatService := seats.NewService(r.deps.Store, r.log)
	seatController := seats.NewController(seatService, r.auth, r.log)
	seats.SetupSeatRoutes(rg, seatController, r.auth, r.limit(ratelimit.RateLimitTypeBooking))
}

// setupBookingRoutes configures booking lifecycle routes
func (r *Router) setupBookingRoutes(rg *gin.RouterGroup) {
	bookingController := bookings.NewController(r.deps.Bookings, r.log)
	bookings.SetupBookingRoutes(rg, bookingController, r.auth, r.limit(ratelimit.RateLimitTypeBooking))
}

// setupPaymentRoutes configures payment return, confirm and webhook routes
func (r *Router) setupPaymentRoutes(rg *gin.RouterGroup) {
	paymentController := payments.NewController(r.deps.Reconciler, payments.WebhookConfig{
		Secret:        r.config.Payments.WebhookSecret,
		AllowUnsigned: r.config.Payments.AllowUnsignedWebhooks,
	}, r.log)
	payments.SetupPaymentRoutes(rg, paymentController, r.auth, r.limit(ratelimit.RateLimitTypePayment))
}

// setupRealtimeRoutes mounts the seat WebSocket channel
func (r *Router) setupRealtimeRoutes(rg *gin.RouterGroup) {
	rt := r.config.RealTime
	wsController := broadcast.NewController(r.deps.Hub, r.auth, broadcast.TransportConfig{
		AllowedOrigins: rt.AllowedOrigins,
		SendBuffer:     rt.SendBuffer,
		WriteWait:      rt.WriteWait,
		PongWait:       rt.PongWait,
		PingInterval:   rt.PingInterval,
	}, r.log)
	broadcast.SetupRealtimeRoutes(rg, wsController, r.auth)
}
