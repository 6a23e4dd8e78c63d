package seats

import (
	"net/http"

	"busline/internal/bookings"
	"busline/internal/shared/apperror"
	"busline/internal/shared/middleware"
	"busline/internal/shared/utils/response"
	"busline/pkg/logger"

	"github.com/gin-gonic/gin"
)

// GuestIssuer hands out anonymous holder identities
type GuestIssuer interface {
	IssueGuest() (middleware.GuestIdentity, error)
}

type Controller struct {
	service Service
	guests  GuestIssuer
	log     *logger.Logger
}

func NewController(service Service, guests GuestIssuer, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.GetDefault()
	}
	return &Controller{service: service, guests: guests, log: log}
}

// GUESTS

// IssueGuest handles POST /api/v1/guests. The token proves the holder id on
// later REST calls and on the seat channel.
func (ctrl *Controller) IssueGuest(c *gin.Context) {
	guest, err := ctrl.guests.IssueGuest()
	if err != nil {
		ctrl.fail(c, err)
		return
	}
	response.RespondJSON(c, "success", http.StatusCreated, "Guest holder issued", guest, nil)
}

// TRIPS

// ListTrips handles GET /api/v1/trips
func (ctrl *Controller) ListTrips(c *gin.Context) {
	trips := ctrl.service.ListTrips(c.Request.Context())
	response.RespondJSON(c, "success", http.StatusOK, "Trips retrieved successfully",
		TripListResponse{Trips: trips, Total: len(trips)}, nil)
}

// ScheduleTrip handles POST /api/v1/admin/trips
func (ctrl *Controller) ScheduleTrip(c *gin.Context) {
	var req ScheduleTripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondJSON(c, "error", http.StatusBadRequest, "Invalid request data", nil, err.Error())
		return
	}

	seatMap, err := ctrl.service.ScheduleTrip(c.Request.Context(), req)
	if err != nil {
		ctrl.fail(c, err)
		return
	}
	response.RespondJSON(c, "success", http.StatusCreated, "Trip scheduled successfully", seatMap, nil)
}

// SEAT MAP

// GetSeatMap handles GET /api/v1/trips/:tripId/seats
func (ctrl *Controller) GetSeatMap(c *gin.Context) {
	seatMap, err := ctrl.service.GetSeatMap(c.Request.Context(), c.Param("tripId"), viewer(c))
	if err != nil {
		ctrl.fail(c, err)
		return
	}
	response.RespondJSON(c, "success", http.StatusOK, "Seats retrieved successfully", seatMap, nil)
}

// GetSnapshot handles GET /api/v1/trips/:tripId/snapshot
func (ctrl *Controller) GetSnapshot(c *gin.Context) {
	snap, err := ctrl.service.GetSnapshot(c.Request.Context(), c.Param("tripId"), viewer(c))
	if err != nil {
		ctrl.fail(c, err)
		return
	}
	response.RespondJSON(c, "success", http.StatusOK, "Snapshot retrieved successfully", snap, nil)
}

// SEAT HOLDS

// HoldSeats handles POST /api/v1/trips/:tripId/holds
func (ctrl *Controller) HoldSeats(c *gin.Context) {
	var req HoldSeatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondJSON(c, "error", http.StatusBadRequest, "Invalid request data", nil, err.Error())
		return
	}

	holderID, err := bookings.ResolveHolder(c, req.HolderID)
	if err != nil {
		ctrl.fail(c, err)
		return
	}

	hold, err := ctrl.service.HoldSeats(c.Request.Context(), c.Param("tripId"), holderID, req)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindConflict {
			response.RespondJSON(c, "error", http.StatusConflict,
				"One or more seats are no longer available", nil,
				response.ErrorDetail{Kind: apperror.KindConflict})
			return
		}
		ctrl.fail(c, err)
		return
	}
	response.RespondJSON(c, "success", http.StatusOK, "Seats held successfully", hold, nil)
}

// GetHolds handles GET /api/v1/trips/:tripId/holds?holder_id=
func (ctrl *Controller) GetHolds(c *gin.Context) {
	holderID, err := bookings.ResolveHolder(c, c.Query("holder_id"))
	if err != nil {
		ctrl.fail(c, err)
		return
	}

	hold, err := ctrl.service.GetHolds(c.Request.Context(), c.Param("tripId"), holderID)
	if err != nil {
		ctrl.fail(c, err)
		return
	}
	response.RespondJSON(c, "success", http.StatusOK, "Holds retrieved successfully", hold, nil)
}

// ReleaseSeat handles DELETE /api/v1/trips/:tripId/holds/:seatId?holder_id=
func (ctrl *Controller) ReleaseSeat(c *gin.Context) {
	var req ReleaseSeatRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.RespondJSON(c, "error", http.StatusBadRequest, "Invalid query", nil, err.Error())
		return
	}

	holderID, err := bookings.ResolveHolder(c, req.HolderID)
	if err != nil {
		ctrl.fail(c, err)
		return
	}

	if err := ctrl.service.ReleaseSeat(c.Request.Context(), c.Param("tripId"), c.Param("seatId"), holderID); err != nil {
		ctrl.fail(c, err)
		return
	}
	response.RespondJSON(c, "success", http.StatusOK, "Seat released successfully", nil, nil)
}

// viewer is the caller's holder id when it has one
func viewer(c *gin.Context) string {
	if id, ok := middleware.UserID(c); ok {
		return id
	}
	id, _ := middleware.GuestID(c)
	return id
}

func (ctrl *Controller) fail(c *gin.Context, err error) {
	if apperror.IsInternal(err) {
		ctrl.log.LogHTTPError(c, err, http.StatusInternalServerError)
	}
	response.RespondError(c, err)
}
