package seatlock

import (
	"time"
)

// SeatType is the fare class of a seat
type SeatType string

const (
	SeatTypeNormal   SeatType = "normal"
	SeatTypeVIP      SeatType = "vip"
	SeatTypeBusiness SeatType = "business"
)

// IsValid checks if the seat type is known
func (t SeatType) IsValid() bool {
	switch t {
	case SeatTypeNormal, SeatTypeVIP, SeatTypeBusiness:
		return true
	}
	return false
}

// Seat is a catalog entry of a trip. It does not change once the trip is scheduled.
type Seat struct {
	SeatID string   `json:"seat_id"`
	Code   string   `json:"code"`
	Type   SeatType `json:"type"`
	Price  float64  `json:"price"`
}

// Status is the visible state of a seat
type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusLocked    Status = "LOCKED"
	StatusBooked    Status = "BOOKED"
)

// SeatState is the state of one (trip, seat) pair.
// HolderID is kept on BOOKED seats so the booker can be identified.
type SeatState struct {
	SeatID     string    `json:"seat_id"`
	Status     Status    `json:"status"`
	HolderID   string    `json:"holder_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	BookingID  string    `json:"booking_id,omitempty"`
	Version    uint64    `json:"version"`
}

// Lock is a live, unexpired seat lock
type Lock struct {
	TripID     string    `json:"trip_id"`
	SeatID     string    `json:"seat_id"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// BookedSeat is a seat promoted into a booking
type BookedSeat struct {
	SeatID    string `json:"seat_id"`
	BookingID string `json:"booking_id"`
	HolderID  string `json:"holder_id"`
}

// Snapshot is the lock and booking view of a trip at one instant. It names
// holders and bookings, so transports project it per viewer before sending.
type Snapshot struct {
	TripID      string       `json:"trip_id"`
	LockedSeats []Lock       `json:"locked_seats"`
	BookedSeats []BookedSeat `json:"booked_seats"`
	TakenAt     time.Time    `json:"taken_at"`
}

// SeatView joins catalog data with the current state for seat map rendering.
// Ownership fields never leave the process.
type SeatView struct {
	Seat
	Status    Status     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	HolderID  string     `json:"-"`
	BookingID string     `json:"-"`
}

// EventType names a seat state change
type EventType string

const (
	EventSeatLocked    EventType = "seatLocked"
	EventSeatUnlocked  EventType = "seatUnlocked"
	EventSeatBooked    EventType = "seatBooked"
	EventSeatAvailable EventType = "seatAvailable"
	// EventLockRefreshed carries a renewed TTL. It is journaled but never broadcast.
	EventLockRefreshed EventType = "lockRefreshed"
)

// Broadcast reports whether subscribers of the trip should see the event.
func (t EventType) Broadcast() bool {
	return t != EventLockRefreshed
}

// Reason tells why a seat changed state
type Reason string

const (
	ReasonRequested Reason = "requested"
	ReasonExpired   Reason = "expired"
	ReasonBooking   Reason = "booking"
	ReasonReleased  Reason = "released"
)

// Event is emitted from inside the critical section that applied the mutation,
// so per seat the event order equals the mutation order.
type Event struct {
	Type       EventType `json:"type"`
	TripID     string    `json:"trip_id"`
	SeatID     string    `json:"seat_id"`
	HolderID   string    `json:"holder_id,omitempty"`
	BookingID  string    `json:"booking_id,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Reason     Reason    `json:"reason,omitempty"`
	Version    uint64    `json:"version"`
	At         time.Time `json:"at"`
}

// State returns the seat state the event left behind.
func (e Event) State() SeatState {
	st := SeatState{SeatID: e.SeatID, Version: e.Version}
	switch e.Type {
	case EventSeatLocked, EventLockRefreshed:
		st.Status = StatusLocked
		st.HolderID = e.HolderID
		st.AcquiredAt = e.AcquiredAt
		st.ExpiresAt = e.ExpiresAt
	case EventSeatBooked:
		st.Status = StatusBooked
		st.HolderID = e.HolderID
		st.BookingID = e.BookingID
	default:
		st.Status = StatusAvailable
	}
	return st
}

// Publisher receives seat events. Publish is called while the seat is still
// locked, so implementations must not block or call back into the Store.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }
