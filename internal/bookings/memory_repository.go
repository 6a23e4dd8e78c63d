package bookings

import (
	"context"
	"sort"
	"sync"
	"time"

	"busline/internal/shared/apperror"
)

// memoryRepository keeps bookings in process. It backs single-node
// deployments without Postgres and the tests.
type memoryRepository struct {
	mu            sync.RWMutex
	bookings      map[string]*Booking
	confirmations map[string]*PaymentConfirmation
	nextConfID    uint
}

// NewMemoryRepository creates an in-process repository
func NewMemoryRepository() Repository {
	return &memoryRepository{
		bookings:      make(map[string]*Booking),
		confirmations: make(map[string]*PaymentConfirmation),
	}
}

func confirmationKey(bookingID, providerRef string, outcome Outcome) string {
	return bookingID + "|" + providerRef + "|" + string(outcome)
}

func (r *memoryRepository) Create(_ context.Context, booking *Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bookings[booking.ID]; ok {
		return apperror.Conflict("bookings.Create", "booking %s already exists", booking.ID)
	}
	r.bookings[booking.ID] = booking.clone()
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (*Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bookings[id]
	if !ok {
		return nil, apperror.NotFound("bookings.Get", "booking %s not found", id)
	}
	return b.clone(), nil
}

func (r *memoryRepository) Exists(_ context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bookings[id]
	return ok, nil
}

func (r *memoryRepository) ListByHolder(_ context.Context, holderID string, query ListQuery) ([]Booking, int64, error) {
	query = query.withDefaults()

	r.mu.RLock()
	var matched []Booking
	for _, b := range r.bookings {
		if b.HolderID != holderID {
			continue
		}
		if query.Status != "" && string(b.Status) != query.Status {
			continue
		}
		if query.TripID != "" && b.TripID != query.TripID {
			continue
		}
		matched = append(matched, *b.clone())
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].BookedAt.After(matched[j].BookedAt)
	})

	total := int64(len(matched))
	start := (query.Page - 1) * query.Limit
	if start >= len(matched) {
		return []Booking{}, total, nil
	}
	end := start + query.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (r *memoryRepository) ListOverdue(_ context.Context, now time.Time, limit int) ([]string, error) {
	r.mu.RLock()
	var overdue []*Booking
	for _, b := range r.bookings {
		if b.IsOverdue(now) {
			overdue = append(overdue, b)
		}
	}
	r.mu.RUnlock()

	sort.Slice(overdue, func(i, j int) bool {
		return overdue[i].ExpiresAt.Before(overdue[j].ExpiresAt)
	})
	if limit > 0 && len(overdue) > limit {
		overdue = overdue[:limit]
	}
	ids := make([]string, len(overdue))
	for i, b := range overdue {
		ids[i] = b.ID
	}
	return ids, nil
}

func (r *memoryRepository) Transition(_ context.Context, booking *Booking, from Status, conf *PaymentConfirmation) error {
	const op = "bookings.Transition"
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.bookings[booking.ID]
	if !ok {
		return apperror.NotFound(op, "booking %s not found", booking.ID)
	}
	if stored.Status != from {
		return apperror.New(apperror.KindIllegalTransition, op,
			"booking %s is %s, expected %s", booking.ID, stored.Status, from)
	}
	if conf != nil {
		if err := r.addConfirmationLocked(op, conf); err != nil {
			return err
		}
	}

	stored.Status = booking.Status
	stored.PaymentRef = booking.PaymentRef
	stored.CancelReason = booking.CancelReason
	stored.PaidAt = booking.PaidAt
	stored.CancelledAt = booking.CancelledAt
	stored.ExpiredAt = booking.ExpiredAt
	stored.CompletedAt = booking.CompletedAt
	stored.UpdatedAt = booking.UpdatedAt
	return nil
}

func (r *memoryRepository) FindConfirmation(_ context.Context, bookingID, providerRef string, outcome Outcome) (*PaymentConfirmation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conf, ok := r.confirmations[confirmationKey(bookingID, providerRef, outcome)]
	if !ok {
		return nil, nil
	}
	c := *conf
	return &c, nil
}

func (r *memoryRepository) AddConfirmation(_ context.Context, conf *PaymentConfirmation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addConfirmationLocked("bookings.AddConfirmation", conf)
}

func (r *memoryRepository) addConfirmationLocked(op string, conf *PaymentConfirmation) error {
	key := confirmationKey(conf.BookingID, conf.ProviderRef, conf.Outcome)
	if _, ok := r.confirmations[key]; ok {
		return apperror.Conflict(op, "%s confirmation %s already recorded for booking %s", conf.Outcome, conf.ProviderRef, conf.BookingID)
	}
	r.nextConfID++
	conf.ID = r.nextConfID
	c := *conf
	r.confirmations[key] = &c
	return nil
}
