package bookings

import (
	"net/http"
	"time"

	"busline/internal/shared/apperror"
	"busline/internal/shared/middleware"
	"busline/internal/shared/utils/response"
	"busline/pkg/logger"

	"github.com/gin-gonic/gin"
)

type Controller interface {
	CreateBooking(c *gin.Context)
	GetBooking(c *gin.Context)
	ListBookings(c *gin.Context)
	CancelBooking(c *gin.Context)
	CompleteBooking(c *gin.Context)
}

type controller struct {
	service Service
	log     *logger.Logger
	now     func() time.Time
}

func NewController(service Service, log *logger.Logger) Controller {
	if log == nil {
		log = logger.GetDefault()
	}
	return &controller{service: service, log: log, now: time.Now}
}

// CreateBooking handles POST /api/v1/bookings
func (ctrl *controller) CreateBooking(c *gin.Context) {
	var req CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondJSON(c, "error", http.StatusBadRequest, "Invalid request body", nil, err.Error())
		return
	}

	holderID, err := ResolveHolder(c, req.HolderID)
	if err != nil {
		ctrl.fail(c, err)
		return
	}

	booking, err := ctrl.service.Create(c.Request.Context(), holderID, req)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindConflict {
			response.RespondJSON(c, "error", http.StatusConflict,
				"Your seats are no longer held, please pick seats again", nil,
				response.ErrorDetail{Kind: apperror.KindConflict})
			return
		}
		ctrl.fail(c, err)
		return
	}

	response.RespondJSON(c, "success", http.StatusCreated, "Booking created", ToResponse(booking, ctrl.now()), nil)
}

// GetBooking handles GET /api/v1/bookings/:id
func (ctrl *controller) GetBooking(c *gin.Context) {
	booking, err := ctrl.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		ctrl.fail(c, err)
		return
	}
	if !canView(c, booking) {
		response.RespondJSON(c, "error", http.StatusForbidden, "Access denied", nil, nil)
		return
	}
	response.RespondJSON(c, "success", http.StatusOK, "Booking retrieved successfully", ToResponse(booking, ctrl.now()), nil)
}

// ListBookings handles GET /api/v1/bookings?holder_id=&status=&page=&limit=
func (ctrl *controller) ListBookings(c *gin.Context) {
	var query ListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.RespondJSON(c, "error", http.StatusBadRequest, "Invalid query", nil, err.Error())
		return
	}

	holderID, err := ResolveHolder(c, c.Query("holder_id"))
	if err != nil {
		ctrl.fail(c, err)
		return
	}

	list, total, err := ctrl.service.ListByHolder(c.Request.Context(), holderID, query)
	if err != nil {
		ctrl.fail(c, err)
		return
	}

	query = query.withDefaults()
	now := ctrl.now()
	out := BookingListResponse{
		Bookings:   make([]BookingResponse, 0, len(list)),
		Total:      total,
		Page:       query.Page,
		Limit:      query.Limit,
		TotalPages: CalculateTotalPages(total, query.Limit),
	}
	for i := range list {
		out.Bookings = append(out.Bookings, ToResponse(&list[i], now))
	}
	response.RespondJSON(c, "success", http.StatusOK, "Bookings retrieved successfully", out, nil)
}

// CancelBooking handles POST /api/v1/bookings/:id/cancel
func (ctrl *controller) CancelBooking(c *gin.Context) {
	var req CancelBookingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.RespondJSON(c, "error", http.StatusBadRequest, "Invalid request body", nil, err.Error())
			return
		}
	}

	holderID, err := ResolveHolder(c, req.HolderID)
	if err != nil {
		ctrl.fail(c, err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by customer"
	}

	booking, err := ctrl.service.Cancel(c.Request.Context(), c.Param("id"), holderID, reason)
	if err != nil {
		ctrl.fail(c, err)
		return
	}
	response.RespondJSON(c, "success", http.StatusOK, "Booking cancelled successfully", ToResponse(booking, ctrl.now()), nil)
}

// CompleteBooking handles POST /api/v1/admin/bookings/:id/complete
func (ctrl *controller) CompleteBooking(c *gin.Context) {
	booking, err := ctrl.service.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		ctrl.fail(c, err)
		return
	}
	response.RespondJSON(c, "success", http.StatusOK, "Booking completed", ToResponse(booking, ctrl.now()), nil)
}

func (ctrl *controller) fail(c *gin.Context, err error) {
	if apperror.IsInternal(err) {
		ctrl.log.LogHTTPError(c, err, http.StatusInternalServerError)
	}
	response.RespondError(c, err)
}

// ResolveHolder returns the holder a request acts for: the authenticated
// user, or the guest proven by a guest token. A requested holder id must
// match it; it never selects an identity on its own.
func ResolveHolder(c *gin.Context, requested string) (string, error) {
	const op = "bookings.ResolveHolder"
	holderID, ok := middleware.UserID(c)
	if !ok {
		holderID, ok = middleware.GuestID(c)
	}
	if !ok {
		return "", apperror.NotHeld(op, "sign in or present a guest token to act on seats and bookings")
	}
	if requested != "" && requested != holderID {
		return "", apperror.NotHeld(op, "holder id does not match the caller")
	}
	return holderID, nil
}

func canView(c *gin.Context, b *Booking) bool {
	userID, ok := middleware.UserID(c)
	if !ok {
		return true
	}
	role, _ := c.Get("user_role")
	return b.HolderID == userID || role == middleware.RoleAdmin
}
