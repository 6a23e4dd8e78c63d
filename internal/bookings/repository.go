package bookings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"busline/internal/shared/apperror"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ListQuery filters a holder's bookings
type ListQuery struct {
	Status string `form:"status"`
	TripID string `form:"trip_id"`
	Page   int    `form:"page"`
	Limit  int    `form:"limit"`
}

type Repository interface {
	Create(ctx context.Context, booking *Booking) error
	Get(ctx context.Context, id string) (*Booking, error)
	Exists(ctx context.Context, id string) (bool, error)
	ListByHolder(ctx context.Context, holderID string, query ListQuery) ([]Booking, int64, error)
	// ListOverdue returns ids of PENDING bookings whose window closed before now
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]string, error)

	// Transition stores booking's lifecycle fields only if the stored status
	// is still from, and appends conf in the same unit of work when non-nil.
	Transition(ctx context.Context, booking *Booking, from Status, conf *PaymentConfirmation) error
	FindConfirmation(ctx context.Context, bookingID, providerRef string, outcome Outcome) (*PaymentConfirmation, error)
	AddConfirmation(ctx context.Context, conf *PaymentConfirmation) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates the Postgres-backed repository
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, booking *Booking) error {
	if err := r.db.WithContext(ctx).Create(booking).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperror.Conflict("bookings.Create", "booking %s already exists", booking.ID)
		}
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

func (r *repository) Get(ctx context.Context, id string) (*Booking, error) {
	var booking Booking
	err := r.db.WithContext(ctx).
		Preload("Seats").
		Preload("Passengers").
		Where("id = ?", id).
		First(&booking).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.NotFound("bookings.Get", "booking %s not found", id)
		}
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}
	return &booking, nil
}

func (r *repository) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Booking{}).Where("id = ?", id).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to look up booking: %w", err)
	}
	return count > 0, nil
}

func (r *repository) ListByHolder(ctx context.Context, holderID string, query ListQuery) ([]Booking, int64, error) {
	var bookings []Booking
	var totalCount int64

	query = query.withDefaults()

	baseQuery := r.db.WithContext(ctx).
		Model(&Booking{}).
		Where("holder_id = ?", holderID)
	baseQuery = r.applyFilters(baseQuery, query)

	if err := baseQuery.Count(&totalCount).Error; err != nil {
		return nil, 0, err
	}

	offset := (query.Page - 1) * query.Limit
	err := baseQuery.
		Preload("Seats").
		Preload("Passengers").
		Order("booked_at DESC").
		Offset(offset).
		Limit(query.Limit).
		Find(&bookings).Error

	return bookings, totalCount, err
}

func (r *repository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&Booking{}).
		Where("status = ? AND expires_at < ?", StatusPending, now).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *repository) Transition(ctx context.Context, booking *Booking, from Status, conf *PaymentConfirmation) error {
	const op = "bookings.Transition"
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Row lock so two processes cannot both move the same booking
		var current struct {
			Status Status `gorm:"column:status"`
		}
		err := tx.Table("bookings").
			Select("status").
			Where("id = ?", booking.ID).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperror.NotFound(op, "booking %s not found", booking.ID)
			}
			return fmt.Errorf("failed to lock booking: %w", err)
		}
		if current.Status != from {
			return apperror.New(apperror.KindIllegalTransition, op,
				"booking %s is %s, expected %s", booking.ID, current.Status, from)
		}

		err = tx.Model(&Booking{}).
			Where("id = ?", booking.ID).
			Updates(map[string]interface{}{
				"status":        booking.Status,
				"payment_ref":   booking.PaymentRef,
				"cancel_reason": booking.CancelReason,
				"paid_at":       booking.PaidAt,
				"cancelled_at":  booking.CancelledAt,
				"expired_at":    booking.ExpiredAt,
				"completed_at":  booking.CompletedAt,
				"updated_at":    booking.UpdatedAt,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to update booking status: %w", err)
		}

		if conf != nil {
			if err := tx.Create(conf).Error; err != nil {
				return confirmationError(op, conf, err)
			}
		}
		return nil
	})
}

func (r *repository) FindConfirmation(ctx context.Context, bookingID, providerRef string, outcome Outcome) (*PaymentConfirmation, error) {
	var conf PaymentConfirmation
	err := r.db.WithContext(ctx).
		Where("booking_id = ? AND provider_ref = ? AND outcome = ?", bookingID, providerRef, outcome).
		First(&conf).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up confirmation: %w", err)
	}
	return &conf, nil
}

func (r *repository) AddConfirmation(ctx context.Context, conf *PaymentConfirmation) error {
	if err := r.db.WithContext(ctx).Create(conf).Error; err != nil {
		return confirmationError("bookings.AddConfirmation", conf, err)
	}
	return nil
}

func confirmationError(op string, conf *PaymentConfirmation, err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperror.Conflict(op, "%s confirmation %s already recorded for booking %s", conf.Outcome, conf.ProviderRef, conf.BookingID)
	}
	return fmt.Errorf("failed to record confirmation: %w", err)
}

// applyFilters applies query filters to the GORM query
func (r *repository) applyFilters(query *gorm.DB, filters ListQuery) *gorm.DB {
	if filters.Status != "" {
		query = query.Where("status = ?", filters.Status)
	}
	if filters.TripID != "" {
		query = query.Where("trip_id = ?", filters.TripID)
	}
	return query
}

func (q ListQuery) withDefaults() ListQuery {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 10
	}
	return q
}

// CalculateTotalPages returns the page count for a listing
func CalculateTotalPages(totalCount int64, limit int) int {
	if limit <= 0 {
		return 0
	}
	return int(math.Ceil(float64(totalCount) / float64(limit)))
}
