package bookings

import "time"

// BookingResponse is the status projection returned to clients
type BookingResponse struct {
	ID          string        `json:"id"`
	TripID      string        `json:"trip_id"`
	HolderID    string        `json:"holder_id"`
	Status      Status        `json:"status"`
	SeatIDs     []string      `json:"seat_ids"`
	Seats       []BookingSeat `json:"seats"`
	Passengers  []Passenger   `json:"passengers"`
	TotalPrice  float64       `json:"total_price"`
	PaymentRef  string        `json:"payment_ref,omitempty"`
	BookedAt    time.Time     `json:"booked_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	PaidAt      *time.Time    `json:"paid_at,omitempty"`
	CancelledAt *time.Time    `json:"cancelled_at,omitempty"`
	// SecondsLeft is the remaining payment window of a PENDING booking
	SecondsLeft int `json:"seconds_left,omitempty"`
}

type BookingListResponse struct {
	Bookings   []BookingResponse `json:"bookings"`
	Total      int64             `json:"total"`
	Page       int               `json:"page"`
	Limit      int               `json:"limit"`
	TotalPages int               `json:"total_pages"`
}

// ToResponse projects a booking for clients at now
func ToResponse(b *Booking, now time.Time) BookingResponse {
	resp := BookingResponse{
		ID:          b.ID,
		TripID:      b.TripID,
		HolderID:    b.HolderID,
		Status:      b.Status,
		SeatIDs:     b.SeatIDs(),
		Seats:       b.Seats,
		Passengers:  b.Passengers,
		TotalPrice:  b.TotalPrice,
		PaymentRef:  b.PaymentRef,
		BookedAt:    b.BookedAt,
		ExpiresAt:   b.ExpiresAt,
		PaidAt:      b.PaidAt,
		CancelledAt: b.CancelledAt,
	}
	if b.Status == StatusPending && b.ExpiresAt.After(now) {
		resp.SecondsLeft = int(b.ExpiresAt.Sub(now).Seconds())
	}
	return resp
}
