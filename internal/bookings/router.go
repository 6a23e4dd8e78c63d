package bookings

import (
	"busline/internal/shared/middleware"

	"github.com/gin-gonic/gin"
)

// SetupBookingRoutes configures all booking-related routes. limit guards the
// write endpoints and may be nil.
func SetupBookingRoutes(rg *gin.RouterGroup, controller Controller, auth *middleware.Auth, limit gin.HandlerFunc) {
	bookings := rg.Group("/bookings")
	bookings.Use(auth.OptionalAuth())
	{
		bookings.GET("", controller.ListBookings)   // GET /api/v1/bookings?holder_id=
		bookings.GET("/:id", controller.GetBooking) // GET /api/v1/bookings/:id
	}

	writes := bookings.Group("")
	if limit != nil {
		writes.Use(limit)
	}
	{
		writes.POST("", controller.CreateBooking)            // POST /api/v1/bookings
		writes.POST("/:id/cancel", controller.CancelBooking) // POST /api/v1/bookings/:id/cancel
	}

	admin := rg.Group("/admin/bookings")
	admin.Use(auth.RequireAuth(), middleware.RequireAdmin())
	{
		admin.POST("/:id/complete", controller.CompleteBooking) // POST /api/v1/admin/bookings/:id/complete
	}
}

// Key flow:
// 1. Client locks seats over /ws/seats
// 2. POST /bookings promotes them and returns a PENDING booking
// 3. Payment signals go to /payments/confirm or /payments/webhook
// 4. Unpaid bookings expire after the payment window and free their seats
