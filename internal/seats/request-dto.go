package seats

import "busline/internal/seatlock"

// ScheduleTripRequest registers the seat catalog of a trip
type ScheduleTripRequest struct {
	TripID string           `json:"trip_id" binding:"required,max=64"`
	Seats  []SeatDefinition `json:"seats" binding:"required,min=1,dive"`
}

type SeatDefinition struct {
	SeatID string            `json:"seat_id" binding:"required,max=16"`
	Code   string            `json:"code" binding:"omitempty,max=16"`
	Type   seatlock.SeatType `json:"type" binding:"omitempty,oneof=normal vip business"`
	Price  float64           `json:"price" binding:"gte=0"`
}

// HoldSeatsRequest locks several seats of one trip for a holder
type HoldSeatsRequest struct {
	SeatIDs    []string `json:"seat_ids" binding:"required,min=1,max=10"`
	HolderID   string   `json:"holder_id" binding:"omitempty,max=64"`
	TTLSeconds int      `json:"ttl_seconds" binding:"omitempty,min=1"`
}

// ReleaseSeatRequest identifies the holder of a lock being released
type ReleaseSeatRequest struct {
	HolderID string `form:"holder_id" binding:"omitempty,max=64"`
}

func (r ScheduleTripRequest) catalog() []seatlock.Seat {
	seats := make([]seatlock.Seat, 0, len(r.Seats))
	for _, s := range r.Seats {
		seats = append(seats, seatlock.Seat{SeatID: s.SeatID, Code: s.Code, Type: s.Type, Price: s.Price})
	}
	return seats
}
