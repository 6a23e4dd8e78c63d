package broadcast

import (
	"time"

	"busline/internal/seatlock"
)

// Client to server actions
const (
	ActionJoinTrip    = "joinTrip"
	ActionLeaveTrip   = "leaveTrip"
	ActionLockSeat    = "lockSeat"
	ActionUnlockSeat  = "unlockSeat"
	ActionRefreshLock = "refreshLock"
	ActionBookSeat    = "bookSeat"
	ActionCancelSeat  = "cancelSeat"
)

// Server to client message types besides the seat events
const (
	TypeAck          = "ack"
	TypeCurrentLocks = "currentLocks"
	TypeWelcome      = "welcome"
)

// Request is a client message. SeatID is required for every seat action;
// the hub checks that since it depends on Type.
type Request struct {
	Type       string `json:"type" validate:"required,oneof=joinTrip leaveTrip lockSeat unlockSeat refreshLock bookSeat cancelSeat"`
	RequestID  string `json:"requestId,omitempty" validate:"max=64"`
	TripID     string `json:"tripId" validate:"required,max=64"`
	SeatID     string `json:"seatId,omitempty" validate:"max=32"`
	HolderID   string `json:"holderId,omitempty" validate:"max=128"`
	BookingID  string `json:"bookingId,omitempty" validate:"max=64"`
	TTLSeconds int    `json:"ttlSeconds,omitempty" validate:"gte=0,lte=3600"`
	// PassengerName names the traveller of a bookSeat booking
	PassengerName string `json:"passengerName,omitempty" validate:"max=255"`
}

// Ack answers exactly one Request. It is authoritative for the caller;
// broadcasts are informational. Only the ack carries the caller's own
// holder and booking ids.
type Ack struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId,omitempty"`
	Action    string     `json:"action"`
	Success   bool       `json:"success"`
	Error     string     `json:"error,omitempty"`
	Message   string     `json:"message,omitempty"`
	TripID    string     `json:"tripId,omitempty"`
	SeatID    string     `json:"seatId,omitempty"`
	HolderID  string     `json:"holderId,omitempty"`
	BookingID string     `json:"bookingId,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// SeatMessage is the broadcast form of a seat event. Mine is set only on
// the copies sent to the holder's own connections.
type SeatMessage struct {
	Type      string     `json:"type"`
	TripID    string     `json:"tripId"`
	SeatID    string     `json:"seatId"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Mine      bool       `json:"mine,omitempty"`
}

// CurrentLocksMessage is the snapshot a joiner receives
type CurrentLocksMessage struct {
	Type        string       `json:"type"`
	TripID      string       `json:"tripId"`
	LockedSeats []LockedSeat `json:"lockedSeats"`
	BookedSeats []BookedSeat `json:"bookedSeats"`
}

// LockedSeat is one entry of CurrentLocksMessage
type LockedSeat struct {
	SeatID    string    `json:"seatId"`
	ExpiresAt time.Time `json:"expiresAt"`
	Mine      bool      `json:"mine,omitempty"`
}

type BookedSeat struct {
	SeatID string `json:"seatId"`
	Mine   bool   `json:"mine,omitempty"`
}

// WelcomeMessage tells a new connection which holder id it acts as. A
// connection that arrived without an identity also gets the guest token to
// present when it reconnects.
type WelcomeMessage struct {
	Type       string `json:"type"`
	ClientID   string `json:"clientId"`
	HolderID   string `json:"holderId"`
	GuestToken string `json:"guestToken,omitempty"`
}

func seatMessage(ev seatlock.Event, mine bool) SeatMessage {
	msg := SeatMessage{
		Type:   string(ev.Type),
		TripID: ev.TripID,
		SeatID: ev.SeatID,
		Reason: string(ev.Reason),
		Mine:   mine,
	}
	if ev.Type == seatlock.EventSeatLocked {
		exp := ev.ExpiresAt
		msg.ExpiresAt = &exp
	}
	return msg
}

// currentLocksMessage projects a snapshot for the connection of holderID
func currentLocksMessage(snap seatlock.Snapshot, holderID string) CurrentLocksMessage {
	msg := CurrentLocksMessage{
		Type:        TypeCurrentLocks,
		TripID:      snap.TripID,
		LockedSeats: make([]LockedSeat, 0, len(snap.LockedSeats)),
		BookedSeats: make([]BookedSeat, 0, len(snap.BookedSeats)),
	}
	for _, l := range snap.LockedSeats {
		msg.LockedSeats = append(msg.LockedSeats, LockedSeat{
			SeatID:    l.SeatID,
			ExpiresAt: l.ExpiresAt,
			Mine:      l.HolderID == holderID,
		})
	}
	for _, b := range snap.BookedSeats {
		msg.BookedSeats = append(msg.BookedSeats, BookedSeat{SeatID: b.SeatID, Mine: b.HolderID == holderID})
	}
	return msg
}
