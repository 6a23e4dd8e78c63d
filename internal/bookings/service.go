package bookings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"busline/internal/seatlock"
	"busline/internal/shared/apperror"
	"busline/internal/shared/keymutex"
	"busline/pkg/logger"

	"github.com/google/uuid"
)

// SeatStore is the part of the seat lock store the booking lifecycle drives
type SeatStore interface {
	Catalog(tripID string) ([]seatlock.Seat, error)
	HeldBy(tripID, holderID string) ([]seatlock.Lock, error)
	Promote(tripID string, seatIDs []string, holderID, bookingID string) error
	Rebook(tripID string, seatIDs []string, holderID, bookingID string) error
	ReleaseBooking(tripID, bookingID string, seatIDs []string) error
}

// RefundRequest asks the payment gateway to return one payment
type RefundRequest struct {
	BookingID   string    `json:"booking_id"`
	ProviderRef string    `json:"provider_ref"`
	Amount      float64   `json:"amount"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// RefundScheduler hands refunds to whatever carries them out
type RefundScheduler interface {
	ScheduleRefund(ctx context.Context, req RefundRequest) error
}

// EventPublisher receives lifecycle events. Implementations must not block.
type EventPublisher interface {
	PublishLifecycle(ctx context.Context, ev LifecycleEvent)
}

type EventType string

const (
	EventBookingCreated    EventType = "booking.created"
	EventBookingPaid       EventType = "booking.paid"
	EventBookingCancelled  EventType = "booking.cancelled"
	EventBookingExpired    EventType = "booking.expired"
	EventBookingReinstated EventType = "booking.reinstated"
	EventBookingCompleted  EventType = "booking.completed"
	EventRefundRequested   EventType = "refund.requested"
)

// LifecycleEvent describes one booking lifecycle step
type LifecycleEvent struct {
	Type        EventType `json:"type"`
	BookingID   string    `json:"booking_id"`
	TripID      string    `json:"trip_id"`
	HolderID    string    `json:"holder_id"`
	SeatIDs     []string  `json:"seat_ids"`
	Status      Status    `json:"status"`
	ProviderRef string    `json:"provider_ref,omitempty"`
	Amount      float64   `json:"amount,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// ConfirmInput is one payment signal for a booking
type ConfirmInput struct {
	BookingID   string
	ProviderRef string
	Outcome     Outcome
	Amount      float64
	// PaidAt is the provider's payment time, when it reports one
	PaidAt *time.Time
	Source string
}

// ConfirmResult is the outcome of ConfirmPayment
type ConfirmResult struct {
	Booking     *Booking
	Disposition Disposition
}

// Service interface defines the booking lifecycle
type Service interface {
	Create(ctx context.Context, holderID string, req CreateBookingRequest) (*Booking, error)
	Get(ctx context.Context, id string) (*Booking, error)
	ListByHolder(ctx context.Context, holderID string, query ListQuery) ([]Booking, int64, error)
	MarkPaid(ctx context.Context, id, providerRef string) (*Booking, error)
	ConfirmPayment(ctx context.Context, in ConfirmInput) (*ConfirmResult, error)
	Cancel(ctx context.Context, id, holderID, reason string) (*Booking, error)
	Complete(ctx context.Context, id string) (*Booking, error)
	ExpireDue(ctx context.Context) (int, error)
	IsManagedBooking(ctx context.Context, id string) (bool, error)
}

// Config tunes the lifecycle
type Config struct {
	PaymentWindow time.Duration
	// SweepBatch bounds how many bookings one ExpireDue call handles
	SweepBatch int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{PaymentWindow: 15 * time.Minute, SweepBatch: 200}
}

type Option func(*service)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// WithRefunds sets the refund scheduler
func WithRefunds(r RefundScheduler) Option {
	return func(s *service) { s.refunds = r }
}

// WithEvents sets the lifecycle event publisher
func WithEvents(p EventPublisher) Option {
	return func(s *service) { s.events = p }
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(s *service) { s.log = l }
}

// service implements the Service interface. Every transition of a booking
// runs under that booking's key lock.
type service struct {
	repo    Repository
	seats   SeatStore
	refunds RefundScheduler
	events  EventPublisher
	log     *logger.Logger
	locks   *keymutex.KeyMutex
	cfg     Config
	now     func() time.Time
}

// NewService creates a new booking service instance
func NewService(repo Repository, seats SeatStore, cfg Config, opts ...Option) Service {
	def := DefaultConfig()
	if cfg.PaymentWindow <= 0 {
		cfg.PaymentWindow = def.PaymentWindow
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = def.SweepBatch
	}
	s := &service{
		repo:  repo,
		seats: seats,
		locks: keymutex.New(),
		cfg:   cfg,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.GetDefault()
	}
	s.log = s.log.WithComponent("bookings")
	return s
}

// Create promotes the holder's locked seats and records a PENDING booking.
// Without explicit seat ids the holder's current locks on the trip are used.
func (s *service) Create(ctx context.Context, holderID string, req CreateBookingRequest) (*Booking, error) {
	const op = "bookings.Create"
	if holderID == "" {
		return nil, apperror.Invalid(op, "holder id is required")
	}

	seatIDs := uniqueSeats(req.SeatIDs)
	if len(seatIDs) == 0 {
		held, err := s.seats.HeldBy(req.TripID, holderID)
		if err != nil {
			return nil, err
		}
		for _, l := range held {
			seatIDs = append(seatIDs, l.SeatID)
		}
		if len(seatIDs) == 0 {
			return nil, apperror.Conflict(op, "no seats are locked by %s on trip %s", holderID, req.TripID)
		}
	}

	passengers, err := assignPassengers(op, seatIDs, req.Passengers)
	if err != nil {
		return nil, err
	}

	catalog, err := s.seats.Catalog(req.TripID)
	if err != nil {
		return nil, err
	}
	bySeat := make(map[string]seatlock.Seat, len(catalog))
	for _, seat := range catalog {
		bySeat[seat.SeatID] = seat
	}

	now := s.now()
	booking := &Booking{
		ID:         uuid.NewString(),
		TripID:     req.TripID,
		HolderID:   holderID,
		Status:     StatusPending,
		BookedAt:   now,
		ExpiresAt:  now.Add(s.cfg.PaymentWindow),
		UpdatedAt:  now,
		Passengers: passengers,
	}
	for _, id := range seatIDs {
		seat, ok := bySeat[id]
		if !ok {
			return nil, apperror.NotFound(op, "seat %s does not exist on trip %s", id, req.TripID)
		}
		booking.Seats = append(booking.Seats, BookingSeat{
			TripID:   req.TripID,
			SeatID:   id,
			Code:     seat.Code,
			SeatType: string(seat.Type),
			Price:    seat.Price,
		})
		booking.TotalPrice += seat.Price
	}

	if err := s.seats.Promote(req.TripID, seatIDs, holderID, booking.ID); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, booking); err != nil {
		// Give the seats back so the holder is not left without a booking
		if rerr := s.seats.ReleaseBooking(req.TripID, booking.ID, seatIDs); rerr != nil {
			s.log.ErrorWithContext(ctx, "Failed to release seats after booking write failed", rerr, map[string]interface{}{
				"booking_id": booking.ID,
			})
		}
		return nil, err
	}

	s.log.LogBookingCreated(ctx, booking.ID, booking.TripID, holderID)
	s.publish(ctx, EventBookingCreated, booking, "", "")
	return booking, nil
}

func (s *service) Get(ctx context.Context, id string) (*Booking, error) {
	return s.repo.Get(ctx, id)
}

func (s *service) ListByHolder(ctx context.Context, holderID string, query ListQuery) ([]Booking, int64, error) {
	return s.repo.ListByHolder(ctx, holderID, query)
}

func (s *service) IsManagedBooking(ctx context.Context, id string) (bool, error) {
	return s.repo.Exists(ctx, id)
}

// MarkPaid moves a PENDING booking to PAID. Repeating it is a no-op.
func (s *service) MarkPaid(ctx context.Context, id, providerRef string) (*Booking, error) {
	res, err := s.ConfirmPayment(ctx, ConfirmInput{
		BookingID:   id,
		ProviderRef: providerRef,
		Outcome:     OutcomePaid,
		Source:      "internal",
	})
	if err != nil {
		return nil, err
	}
	return res.Booking, nil
}

// ConfirmPayment applies one payment signal. It is idempotent per
// (bookingId, providerRef) and outcome: a repeated key returns the first
// answer and has no side effects.
func (s *service) ConfirmPayment(ctx context.Context, in ConfirmInput) (*ConfirmResult, error) {
	const op = "bookings.ConfirmPayment"
	if in.BookingID == "" || in.ProviderRef == "" {
		return nil, apperror.Invalid(op, "booking id and provider reference are required")
	}
	if !in.Outcome.IsValid() {
		return nil, apperror.Invalid(op, "unknown payment outcome %q", in.Outcome)
	}

	unlock := s.locks.Lock(in.BookingID)
	defer unlock()

	s.log.LogPaymentSignal(ctx, in.BookingID, in.ProviderRef, in.Source, string(in.Outcome))

	b, err := s.repo.Get(ctx, in.BookingID)
	if err != nil {
		return nil, err
	}
	prev, err := s.repo.FindConfirmation(ctx, in.BookingID, in.ProviderRef, in.Outcome)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		return s.duplicate(op, b, prev)
	}

	now := s.now()
	conf := &PaymentConfirmation{
		BookingID:   in.BookingID,
		ProviderRef: in.ProviderRef,
		Outcome:     in.Outcome,
		Source:      in.Source,
		Amount:      in.Amount,
		PaidAt:      in.PaidAt,
		ReceivedAt:  now,
	}

	if in.Outcome != OutcomePaid {
		// Evidence only. Cancellation is an explicit Cancel call.
		conf.Disposition = DispositionRecorded
		if err := s.repo.AddConfirmation(ctx, conf); err != nil {
			return s.afterRace(ctx, op, b, err)
		}
		return &ConfirmResult{Booking: b, Disposition: DispositionRecorded}, nil
	}

	switch {
	case b.Status == StatusPending:
		paidAt := now
		if in.PaidAt != nil {
			paidAt = *in.PaidAt
		}
		if paidAt.After(b.ExpiresAt) {
			return nil, s.expireOnLatePayment(ctx, op, b, conf, in)
		}
		return s.applyPaid(ctx, b, conf, paidAt, StatusPending, DispositionApplied)

	case b.Status.IsSettled():
		if b.PaymentRef == in.ProviderRef {
			return &ConfirmResult{Booking: b, Disposition: DispositionDuplicate}, nil
		}
		// A second, different payment for a booking that is already paid
		conf.Disposition = DispositionRefund
		if err := s.repo.AddConfirmation(ctx, conf); err != nil {
			return s.afterRace(ctx, op, b, err)
		}
		s.scheduleRefund(ctx, b, in.ProviderRef, refundAmount(in, b), "duplicate payment")
		return &ConfirmResult{Booking: b, Disposition: DispositionRefund}, nil

	case b.Status.CanReinstate() && in.PaidAt != nil && !in.PaidAt.After(b.ExpiresAt):
		res, err := s.reinstate(ctx, b, conf, *in.PaidAt)
		if err == nil || !errors.Is(err, apperror.ErrConflict) {
			return res, err
		}
		s.log.InfoWithContext(ctx, "Seats were taken after expiry, refunding", map[string]interface{}{
			"booking_id": b.ID,
		})
	}

	conf.Disposition = DispositionRefund
	if err := s.repo.AddConfirmation(ctx, conf); err != nil {
		return s.afterRace(ctx, op, b, err)
	}
	s.scheduleRefund(ctx, b, in.ProviderRef, refundAmount(in, b), "payment for "+string(b.Status)+" booking")
	return nil, rejectedPayment(op, b)
}

func (s *service) applyPaid(ctx context.Context, b *Booking, conf *PaymentConfirmation, paidAt time.Time, from Status, disp Disposition) (*ConfirmResult, error) {
	b.Status = StatusPaid
	b.PaidAt = &paidAt
	b.PaymentRef = conf.ProviderRef
	b.UpdatedAt = s.now()
	conf.Disposition = disp
	if err := s.repo.Transition(ctx, b, from, conf); err != nil {
		return s.afterRace(ctx, "bookings.ConfirmPayment", b, err)
	}

	s.log.LogBookingTransition(ctx, b.ID, string(from), string(StatusPaid), conf.Source)
	if disp == DispositionReinstated {
		s.publish(ctx, EventBookingReinstated, b, conf.ProviderRef, "paid before deadline")
	} else {
		s.publish(ctx, EventBookingPaid, b, conf.ProviderRef, "")
	}
	return &ConfirmResult{Booking: b, Disposition: disp}, nil
}

// reinstate reverses an expiry for a payment made inside the window. The
// seats must still be free; otherwise the caller refunds.
func (s *service) reinstate(ctx context.Context, b *Booking, conf *PaymentConfirmation, paidAt time.Time) (*ConfirmResult, error) {
	seatIDs := b.SeatIDs()
	if err := s.seats.Rebook(b.TripID, seatIDs, b.HolderID, b.ID); err != nil {
		return nil, err
	}
	res, err := s.applyPaid(ctx, b, conf, paidAt, StatusExpired, DispositionReinstated)
	if err != nil {
		if rerr := s.seats.ReleaseBooking(b.TripID, b.ID, seatIDs); rerr != nil {
			s.log.ErrorWithContext(ctx, "Failed to release rebooked seats", rerr, map[string]interface{}{
				"booking_id": b.ID,
			})
		}
		return nil, err
	}
	return res, nil
}

// expireOnLatePayment handles a payment made after the window closed on a
// booking the sweep has not reached yet.
func (s *service) expireOnLatePayment(ctx context.Context, op string, b *Booking, conf *PaymentConfirmation, in ConfirmInput) error {
	conf.Disposition = DispositionRefund
	if err := s.expireLocked(ctx, b, conf, "paid after deadline"); err != nil {
		return err
	}
	s.scheduleRefund(ctx, b, in.ProviderRef, refundAmount(in, b), "payment after booking expired")
	return rejectedPayment(op, b)
}

// duplicate answers a repeated confirmation key the way the first one was answered
func (s *service) duplicate(op string, b *Booking, prev *PaymentConfirmation) (*ConfirmResult, error) {
	if prev.Disposition == DispositionRefund && b.PaymentRef != prev.ProviderRef && !b.Status.IsSettled() {
		return nil, rejectedPayment(op, b)
	}
	return &ConfirmResult{Booking: b, Disposition: DispositionDuplicate}, nil
}

// afterRace resolves a write that lost to another process: a duplicate
// confirmation key is answered as a duplicate, anything else is returned.
func (s *service) afterRace(ctx context.Context, op string, b *Booking, err error) (*ConfirmResult, error) {
	if !errors.Is(err, apperror.ErrConflict) {
		return nil, err
	}
	current, gerr := s.repo.Get(ctx, b.ID)
	if gerr != nil {
		return nil, gerr
	}
	return &ConfirmResult{Booking: current, Disposition: DispositionDuplicate}, nil
}

// Cancel moves a PENDING or PAID booking to CANCELLED, releases its seats
// and refunds it when it was paid. A non-empty holderID must own the booking.
func (s *service) Cancel(ctx context.Context, id, holderID, reason string) (*Booking, error) {
	const op = "bookings.Cancel"
	unlock := s.locks.Lock(id)
	defer unlock()

	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if holderID != "" && b.HolderID != holderID {
		return nil, apperror.NotHeld(op, "booking %s belongs to another holder", id)
	}
	if !b.Status.CanBeCancelled() {
		return nil, illegal(op, b, StatusCancelled)
	}

	from := b.Status
	now := s.now()
	b.Status = StatusCancelled
	b.CancelledAt = &now
	b.CancelReason = reason
	b.UpdatedAt = now
	if err := s.repo.Transition(ctx, b, from, nil); err != nil {
		return nil, err
	}

	s.releaseSeats(ctx, b)
	s.log.LogBookingTransition(ctx, b.ID, string(from), string(StatusCancelled), reason)
	s.publish(ctx, EventBookingCancelled, b, "", reason)
	if from == StatusPaid {
		s.scheduleRefund(ctx, b, b.PaymentRef, b.TotalPrice, "booking cancelled")
	}
	return b, nil
}

// Complete moves a PAID booking to COMPLETED
func (s *service) Complete(ctx context.Context, id string) (*Booking, error) {
	const op = "bookings.Complete"
	unlock := s.locks.Lock(id)
	defer unlock()

	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !b.Status.CanTransitionTo(StatusCompleted) {
		return nil, illegal(op, b, StatusCompleted)
	}

	now := s.now()
	b.Status = StatusCompleted
	b.CompletedAt = &now
	b.UpdatedAt = now
	if err := s.repo.Transition(ctx, b, StatusPaid, nil); err != nil {
		return nil, err
	}

	s.log.LogBookingTransition(ctx, b.ID, string(StatusPaid), string(StatusCompleted), "")
	s.publish(ctx, EventBookingCompleted, b, b.PaymentRef, "")
	return b, nil
}

// ExpireDue moves overdue PENDING bookings to EXPIRED and frees their seats.
// It returns how many bookings it expired.
func (s *service) ExpireDue(ctx context.Context) (int, error) {
	ids, err := s.repo.ListOverdue(ctx, s.now(), s.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue bookings: %w", err)
	}

	expired := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := s.expireOne(ctx, id)
		if err != nil {
			s.log.ErrorWithContext(ctx, "Failed to expire booking", err, map[string]interface{}{
				"booking_id": id,
			})
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (s *service) expireOne(ctx context.Context, id string) (bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	// A confirmation may have won the race since the listing
	if !b.IsOverdue(s.now()) {
		return false, nil
	}
	if err := s.expireLocked(ctx, b, nil, "payment window elapsed"); err != nil {
		if errors.Is(err, apperror.ErrIllegalTransition) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *service) expireLocked(ctx context.Context, b *Booking, conf *PaymentConfirmation, reason string) error {
	now := s.now()
	b.Status = StatusExpired
	b.ExpiredAt = &now
	b.UpdatedAt = now
	if err := s.repo.Transition(ctx, b, StatusPending, conf); err != nil {
		return err
	}
	s.releaseSeats(ctx, b)
	s.log.LogBookingTransition(ctx, b.ID, string(StatusPending), string(StatusExpired), reason)
	s.publish(ctx, EventBookingExpired, b, "", reason)
	return nil
}

func (s *service) releaseSeats(ctx context.Context, b *Booking) {
	if err := s.seats.ReleaseBooking(b.TripID, b.ID, b.SeatIDs()); err != nil {
		s.log.ErrorWithContext(ctx, "Failed to release booking seats", err, map[string]interface{}{
			"booking_id": b.ID,
			"trip_id":    b.TripID,
		})
	}
}

func (s *service) scheduleRefund(ctx context.Context, b *Booking, providerRef string, amount float64, reason string) {
	req := RefundRequest{
		BookingID:   b.ID,
		ProviderRef: providerRef,
		Amount:      amount,
		Reason:      reason,
		RequestedAt: s.now(),
	}
	s.log.LogRefundRequested(ctx, b.ID, providerRef, reason)
	if s.refunds == nil {
		s.log.Warn("No refund scheduler configured", "booking_id", b.ID, "provider_ref", providerRef)
	} else if err := s.refunds.ScheduleRefund(ctx, req); err != nil {
		s.log.ErrorWithContext(ctx, "Failed to schedule refund", err, map[string]interface{}{
			"booking_id":   b.ID,
			"provider_ref": providerRef,
		})
	}

	ev := s.event(EventRefundRequested, b, providerRef, reason)
	ev.Amount = amount
	if s.events != nil {
		s.events.PublishLifecycle(ctx, ev)
	}
}

func (s *service) publish(ctx context.Context, typ EventType, b *Booking, providerRef, reason string) {
	if s.events == nil {
		return
	}
	s.events.PublishLifecycle(ctx, s.event(typ, b, providerRef, reason))
}

func (s *service) event(typ EventType, b *Booking, providerRef, reason string) LifecycleEvent {
	return LifecycleEvent{
		Type:        typ,
		BookingID:   b.ID,
		TripID:      b.TripID,
		HolderID:    b.HolderID,
		SeatIDs:     b.SeatIDs(),
		Status:      b.Status,
		ProviderRef: providerRef,
		Amount:      b.TotalPrice,
		Reason:      reason,
		At:          s.now(),
	}
}

func illegal(op string, b *Booking, to Status) error {
	return apperror.New(apperror.KindIllegalTransition, op, "booking %s is %s and cannot become %s", b.ID, b.Status, to)
}

func rejectedPayment(op string, b *Booking) error {
	return apperror.New(apperror.KindIllegalTransition, op,
		"booking %s is %s; the payment will be refunded", b.ID, b.Status)
}

func refundAmount(in ConfirmInput, b *Booking) float64 {
	if in.Amount > 0 {
		return in.Amount
	}
	return b.TotalPrice
}

func uniqueSeats(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// assignPassengers pairs passengers with seats. Passengers without a seat id
// take the remaining seats in order.
func assignPassengers(op string, seatIDs []string, in []PassengerRequest) ([]Passenger, error) {
	if len(in) != len(seatIDs) {
		return nil, apperror.Invalid(op, "%d passengers for %d seats", len(in), len(seatIDs))
	}

	free := make(map[string]bool, len(seatIDs))
	for _, id := range seatIDs {
		free[id] = true
	}
	out := make([]Passenger, len(in))
	for i, p := range in {
		out[i] = Passenger{
			SeatID:     p.SeatID,
			FullName:   p.FullName,
			Phone:      p.Phone,
			Email:      p.Email,
			DocumentID: p.DocumentID,
		}
		if p.SeatID == "" {
			continue
		}
		if !free[p.SeatID] {
			return nil, apperror.Invalid(op, "passenger seat %s is not part of the booking or is taken twice", p.SeatID)
		}
		free[p.SeatID] = false
	}
	next := 0
	for i := range out {
		if out[i].SeatID != "" {
			continue
		}
		for !free[seatIDs[next]] {
			next++
		}
		out[i].SeatID = seatIDs[next]
		free[seatIDs[next]] = false
	}
	return out, nil
}
