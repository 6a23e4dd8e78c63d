package bookings

import (
	"time"
)

// Booking is the durable record of seats bought on one trip. Bookings are
// never deleted, only moved to a terminal status.
type Booking struct {
	ID           string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	TripID       string     `gorm:"type:varchar(64);index;not null" json:"trip_id"`
	HolderID     string     `gorm:"type:varchar(128);index;not null" json:"holder_id"`
	Status       Status     `gorm:"type:varchar(20);check:status IN ('PENDING','PAID','COMPLETED','CANCELLED','EXPIRED');default:'PENDING';index:idx_bookings_status_expiry,priority:1" json:"status"`
	TotalPrice   float64    `gorm:"not null" json:"total_price"`
	PaymentRef   string     `gorm:"type:varchar(128)" json:"payment_ref,omitempty"`
	CancelReason string     `gorm:"type:varchar(255)" json:"cancel_reason,omitempty"`
	BookedAt     time.Time  `gorm:"not null" json:"booked_at"`
	ExpiresAt    time.Time  `gorm:"not null;index:idx_bookings_status_expiry,priority:2" json:"expires_at"`
	PaidAt       *time.Time `json:"paid_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	ExpiredAt    *time.Time `json:"expired_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`

	// Relationships
	Seats         []BookingSeat         `json:"seats" gorm:"foreignKey:BookingID;constraint:OnDelete:CASCADE;"`
	Passengers    []Passenger           `json:"passengers" gorm:"foreignKey:BookingID;constraint:OnDelete:CASCADE;"`
	Confirmations []PaymentConfirmation `json:"-" gorm:"foreignKey:BookingID;constraint:OnDelete:RESTRICT;"`
}

// BookingSeat is one seat held by a booking
type BookingSeat struct {
	ID        uint    `gorm:"primaryKey" json:"-"`
	BookingID string  `gorm:"type:varchar(64);index;not null" json:"-"`
	TripID    string  `gorm:"type:varchar(64);not null" json:"trip_id"`
	SeatID    string  `gorm:"type:varchar(32);not null" json:"seat_id"`
	Code      string  `gorm:"type:varchar(32)" json:"code"`
	SeatType  string  `gorm:"type:varchar(20)" json:"type"`
	Price     float64 `gorm:"not null" json:"price"`
}

// Passenger travels on one of the booking's seats
type Passenger struct {
	ID         uint   `gorm:"primaryKey" json:"-"`
	BookingID  string `gorm:"type:varchar(64);index;not null" json:"-"`
	SeatID     string `gorm:"type:varchar(32);not null" json:"seat_id"`
	FullName   string `gorm:"type:varchar(255);not null" json:"full_name"`
	Phone      string `gorm:"type:varchar(32)" json:"phone,omitempty"`
	Email      string `gorm:"type:varchar(255)" json:"email,omitempty"`
	DocumentID string `gorm:"type:varchar(64)" json:"document_id,omitempty"`
}

// PaymentConfirmation is one piece of payment evidence for a booking. The
// log is append-only and (BookingID, ProviderRef, Outcome) is unique.
type PaymentConfirmation struct {
	ID          uint        `gorm:"primaryKey" json:"id"`
	BookingID   string      `gorm:"type:varchar(64);not null;uniqueIndex:idx_payment_confirmations_key,priority:1" json:"booking_id"`
	ProviderRef string      `gorm:"type:varchar(128);not null;uniqueIndex:idx_payment_confirmations_key,priority:2" json:"provider_ref"`
	Outcome     Outcome     `gorm:"type:varchar(20);not null;uniqueIndex:idx_payment_confirmations_key,priority:3" json:"outcome"`
	Disposition Disposition `gorm:"type:varchar(20);not null" json:"disposition"`
	Source      string      `gorm:"type:varchar(32)" json:"source"`
	Amount      float64     `json:"amount"`
	PaidAt      *time.Time  `json:"paid_at,omitempty"`
	ReceivedAt  time.Time   `gorm:"not null" json:"received_at"`
}

// TableName sets the table name for Booking
func (Booking) TableName() string {
	return "bookings"
}

// TableName sets the table name for BookingSeat
func (BookingSeat) TableName() string {
	return "booking_seats"
}

// TableName sets the table name for Passenger
func (Passenger) TableName() string {
	return "passengers"
}

// TableName sets the table name for PaymentConfirmation
func (PaymentConfirmation) TableName() string {
	return "payment_confirmations"
}

// SeatIDs returns the ids of the booked seats in booking order
func (b *Booking) SeatIDs() []string {
	ids := make([]string, len(b.Seats))
	for i, s := range b.Seats {
		ids[i] = s.SeatID
	}
	return ids
}

// IsOverdue reports whether the payment window has closed at now
func (b *Booking) IsOverdue(now time.Time) bool {
	return b.Status == StatusPending && now.After(b.ExpiresAt)
}

// clone returns a deep copy so callers never share slices with the store
func (b *Booking) clone() *Booking {
	c := *b
	c.Seats = append([]BookingSeat(nil), b.Seats...)
	c.Passengers = append([]Passenger(nil), b.Passengers...)
	c.Confirmations = append([]PaymentConfirmation(nil), b.Confirmations...)
	return &c
}
