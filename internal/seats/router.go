package seats

import (
	"busline/internal/shared/middleware"

	"github.com/gin-gonic/gin"
)

// SetupSeatRoutes configures trip and seat hold routes. limit guards the hold
// endpoints and may be nil.
func SetupSeatRoutes(rg *gin.RouterGroup, controller *Controller, auth *middleware.Auth, limit gin.HandlerFunc) {

	// GUEST HOLDERS

	guests := rg.Group("/guests")
	if limit != nil {
		guests.Use(limit)
	}
	guests.POST("", controller.IssueGuest) // POST /api/v1/guests

	// PUBLIC SEAT MAP

	trips := rg.Group("/trips")
	trips.Use(auth.OptionalAuth())
	{
		trips.GET("", controller.ListTrips)                    // GET /api/v1/trips
		trips.GET("/:tripId/seats", controller.GetSeatMap)     // GET /api/v1/trips/:tripId/seats
		trips.GET("/:tripId/snapshot", controller.GetSnapshot) // GET /api/v1/trips/:tripId/snapshot
		trips.GET("/:tripId/holds", controller.GetHolds)       // GET /api/v1/trips/:tripId/holds?holder_id=
	}

	// SEAT HOLDS

	holds := trips.Group("/:tripId/holds")
	if limit != nil {
		holds.Use(limit)
	}
	{
		holds.POST("", controller.HoldSeats)             // POST /api/v1/trips/:tripId/holds
		holds.DELETE("/:seatId", controller.ReleaseSeat) // DELETE /api/v1/trips/:tripId/holds/:seatId
	}

	// ADMIN TRIP SCHEDULING

	admin := rg.Group("/admin/trips")
	admin.Use(auth.RequireAuth(), middleware.RequireAdmin())
	{
		admin.POST("", controller.ScheduleTrip) // POST /api/v1/admin/trips
	}
}
