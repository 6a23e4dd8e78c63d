package seats

import (
	"time"

	"busline/internal/seatlock"
)

// SeatView is a seat as any visitor sees it. Mine marks the caller's own
// lock or booking; other holders stay anonymous.
type SeatView struct {
	seatlock.Seat
	Status    seatlock.Status `json:"status"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Mine      bool            `json:"mine,omitempty"`
}

type SeatMapResponse struct {
	TripID    string     `json:"trip_id"`
	Seats     []SeatView `json:"seats"`
	Available int        `json:"available"`
	Locked    int        `json:"locked"`
	Booked    int        `json:"booked"`
}

type LockedSeatView struct {
	SeatID    string    `json:"seat_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Mine      bool      `json:"mine,omitempty"`
}

type BookedSeatView struct {
	SeatID string `json:"seat_id"`
	Mine   bool   `json:"mine,omitempty"`
}

// SnapshotResponse is the versioned lock view of a trip
type SnapshotResponse struct {
	TripID      string           `json:"trip_id"`
	LockedSeats []LockedSeatView `json:"locked_seats"`
	BookedSeats []BookedSeatView `json:"booked_seats"`
	TakenAt     time.Time        `json:"taken_at"`
}

type SeatHoldResponse struct {
	TripID     string          `json:"trip_id"`
	HolderID   string          `json:"holder_id"`
	Locks      []seatlock.Lock `json:"locks"`
	TotalPrice float64         `json:"total_price"`
	ExpiresAt  time.Time       `json:"expires_at"`
	TTL        int             `json:"ttl_seconds"`
}

type TripListResponse struct {
	Trips []string `json:"trips"`
	Total int      `json:"total"`
}

// toSeatMapResponse projects the seat map for viewerID, which may be empty
func toSeatMapResponse(tripID string, views []seatlock.SeatView, viewerID string) SeatMapResponse {
	out := SeatMapResponse{TripID: tripID, Seats: make([]SeatView, 0, len(views))}
	for _, v := range views {
		out.Seats = append(out.Seats, SeatView{
			Seat:      v.Seat,
			Status:    v.Status,
			ExpiresAt: v.ExpiresAt,
			Mine:      viewerID != "" && v.HolderID == viewerID,
		})
		switch v.Status {
		case seatlock.StatusAvailable:
			out.Available++
		case seatlock.StatusLocked:
			out.Locked++
		case seatlock.StatusBooked:
			out.Booked++
		}
	}
	return out
}

func toSnapshotResponse(snap seatlock.Snapshot, viewerID string) SnapshotResponse {
	out := SnapshotResponse{
		TripID:      snap.TripID,
		LockedSeats: make([]LockedSeatView, 0, len(snap.LockedSeats)),
		BookedSeats: make([]BookedSeatView, 0, len(snap.BookedSeats)),
		TakenAt:     snap.TakenAt,
	}
	for _, l := range snap.LockedSeats {
		out.LockedSeats = append(out.LockedSeats, LockedSeatView{
			SeatID:    l.SeatID,
			ExpiresAt: l.ExpiresAt,
			Mine:      viewerID != "" && l.HolderID == viewerID,
		})
	}
	for _, b := range snap.BookedSeats {
		out.BookedSeats = append(out.BookedSeats, BookedSeatView{
			SeatID: b.SeatID,
			Mine:   viewerID != "" && b.HolderID == viewerID,
		})
	}
	return out
}

// toSeatHoldResponse prices the holder's locks. The earliest expiry is the
// deadline of the whole hold.
func toSeatHoldResponse(tripID, holderID string, locks []seatlock.Lock, catalog []seatlock.Seat, now time.Time) SeatHoldResponse {
	prices := make(map[string]float64, len(catalog))
	for _, s := range catalog {
		prices[s.SeatID] = s.Price
	}
	out := SeatHoldResponse{TripID: tripID, HolderID: holderID, Locks: locks}
	if out.Locks == nil {
		out.Locks = []seatlock.Lock{}
	}
	for _, l := range locks {
		out.TotalPrice += prices[l.SeatID]
		if out.ExpiresAt.IsZero() || l.ExpiresAt.Before(out.ExpiresAt) {
			out.ExpiresAt = l.ExpiresAt
		}
	}
	if !out.ExpiresAt.IsZero() {
		if ttl := out.ExpiresAt.Sub(now); ttl > 0 {
			out.TTL = int(ttl.Seconds())
		}
	}
	return out
}
