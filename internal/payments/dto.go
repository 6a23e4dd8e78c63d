package payments

import (
	"strings"
	"time"

	"busline/internal/bookings"
)

// ConfirmPaymentRequest is the call the client makes once after the provider redirect
type ConfirmPaymentRequest struct {
	BookingID   string `json:"booking_id" binding:"required"`
	ProviderRef string `json:"provider_ref"`
	Code        string `json:"code"`
	HolderID    string `json:"holder_id"`
}

// ReturnQuery is what the provider appends to the return URL
type ReturnQuery struct {
	BookingID   string `form:"booking_id" binding:"required"`
	ProviderRef string `form:"order_ref"`
	Code        string `form:"code"`
	HolderID    string `form:"holder_id"`
}

// WebhookEvent is a provider-pushed order status
type WebhookEvent struct {
	EventID     string     `json:"event_id"`
	BookingID   string     `json:"booking_id"`
	ProviderRef string     `json:"provider_ref"`
	Status      string     `json:"status"`
	Amount      float64    `json:"amount"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
}

// Outcome translates the provider status into a payment outcome
func (e WebhookEvent) Outcome() bookings.Outcome {
	switch ProviderStatus(strings.ToUpper(e.Status)) {
	case ProviderPaid:
		return bookings.OutcomePaid
	case ProviderFailed:
		return bookings.OutcomeFailed
	case ProviderCancelled:
		return bookings.OutcomeCancelled
	case ProviderPending:
		return bookings.OutcomeUnknown
	default:
		return ""
	}
}

// ReconcileResponse is the status projection returned to the payment page
type ReconcileResponse struct {
	Outcome Outcome                   `json:"outcome"`
	Polls   int                       `json:"polls"`
	Booking *bookings.BookingResponse `json:"booking,omitempty"`
	// CanCancel is offered only once the booking's own window has passed unresolved
	CanCancel bool `json:"can_cancel"`
}

func toReconcileResponse(res *Result, now time.Time) ReconcileResponse {
	out := ReconcileResponse{Outcome: res.Outcome, Polls: res.Polls}
	if res.Booking != nil {
		br := bookings.ToResponse(res.Booking, now)
		out.Booking = &br
		out.CanCancel = res.Booking.Status == bookings.StatusPending && res.Booking.IsOverdue(now)
	}
	return out
}
