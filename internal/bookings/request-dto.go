package bookings

// CreateBookingRequest turns the caller's locked seats into a booking. When
// SeatIDs is empty the caller's current locks on the trip are used.
type CreateBookingRequest struct {
	TripID     string             `json:"trip_id" binding:"required,max=64"`
	HolderID   string             `json:"holder_id" binding:"omitempty,max=128"`
	SeatIDs    []string           `json:"seat_ids" binding:"omitempty,max=10,dive,required,max=32"`
	Passengers []PassengerRequest `json:"passengers" binding:"required,min=1,max=10,dive"`
}

type PassengerRequest struct {
	SeatID     string `json:"seat_id" binding:"omitempty,max=32"`
	FullName   string `json:"full_name" binding:"required,max=255"`
	Phone      string `json:"phone" binding:"omitempty,max=32"`
	Email      string `json:"email" binding:"omitempty,email"`
	DocumentID string `json:"document_id" binding:"omitempty,max=64"`
}

type CancelBookingRequest struct {
	HolderID string `json:"holder_id" binding:"omitempty,max=128"`
	Reason   string `json:"reason" binding:"omitempty,max=255"`
}
