package bookings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"busline/internal/seatlock"
	"busline/internal/shared/apperror"
	"busline/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type refundRecorder struct {
	mu       sync.Mutex
	requests []RefundRequest
}

func (r *refundRecorder) ScheduleRefund(_ context.Context, req RefundRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return nil
}

func (r *refundRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (r *eventRecorder) PublishLifecycle(_ context.Context, ev LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	clock   *fakeClock
	store   *seatlock.Store
	repo    Repository
	refunds *refundRecorder
	events  *eventRecorder
	svc     Service
}

const testWindow = 10 * time.Minute

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:   newFakeClock(),
		repo:    NewMemoryRepository(),
		refunds: &refundRecorder{},
		events:  &eventRecorder{},
	}
	f.store = seatlock.NewStore(seatlock.Config{DefaultTTL: 2 * time.Minute, MaxTTL: 30 * time.Minute},
		seatlock.WithClock(f.clock.Now))
	err := f.store.RegisterTrip("T1", []seatlock.Seat{
		{SeatID: "1A", Code: "1A", Type: seatlock.SeatTypeNormal, Price: 100},
		{SeatID: "1B", Code: "1B", Type: seatlock.SeatTypeNormal, Price: 100},
		{SeatID: "2A", Code: "2A", Type: seatlock.SeatTypeVIP, Price: 150},
		{SeatID: "5A", Code: "5A", Type: seatlock.SeatTypeBusiness, Price: 200},
	})
	if err != nil {
		t.Fatalf("register trip: %v", err)
	}
	f.svc = NewService(f.repo, f.store, Config{PaymentWindow: testWindow},
		WithClock(f.clock.Now),
		WithRefunds(f.refunds),
		WithEvents(f.events),
		WithLogger(logger.Discard()),
	)
	return f
}

func (f *fixture) lock(t *testing.T, holder string, seats ...string) {
	t.Helper()
	for _, seat := range seats {
		if _, err := f.store.Lock("T1", seat, holder, 0); err != nil {
			t.Fatalf("lock %s: %v", seat, err)
		}
	}
}

func (f *fixture) book(t *testing.T, holder string, seats ...string) *Booking {
	t.Helper()
	f.lock(t, holder, seats...)
	req := CreateBookingRequest{TripID: "T1", SeatIDs: seats}
	for range seats {
		req.Passengers = append(req.Passengers, PassengerRequest{FullName: "Passenger"})
	}
	b, err := f.svc.Create(context.Background(), holder, req)
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	return b
}

func (f *fixture) seat(t *testing.T, seatID string) seatlock.SeatState {
	t.Helper()
	st, err := f.store.State("T1", seatID)
	if err != nil {
		t.Fatalf("state %s: %v", seatID, err)
	}
	return st
}

func (f *fixture) status(t *testing.T, id string) Status {
	t.Helper()
	b, err := f.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return b.Status
}

func paidConfirm(id, ref string) ConfirmInput {
	return ConfirmInput{BookingID: id, ProviderRef: ref, Outcome: OutcomePaid, Source: "test"}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusPaid, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusExpired, true},
		{StatusPaid, StatusCompleted, true},
		{StatusPaid, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusPaid, StatusExpired, false},
		{StatusExpired, StatusPaid, false},
		{StatusCancelled, StatusPaid, false},
		{StatusCompleted, StatusCancelled, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	if !StatusExpired.CanReinstate() || StatusCancelled.CanReinstate() {
		t.Error("only EXPIRED bookings can be reinstated")
	}
}

func TestCreatePromotesHeldSeats(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, "alice", "1A", "1B")

	if b.Status != StatusPending {
		t.Fatalf("status = %s, want PENDING", b.Status)
	}
	if !b.ExpiresAt.Equal(f.clock.Now().Add(testWindow)) {
		t.Fatalf("expiresAt = %v", b.ExpiresAt)
	}
	if b.TotalPrice != 200 {
		t.Fatalf("total = %v, want 200", b.TotalPrice)
	}
	for _, id := range []string{"1A", "1B"} {
		st := f.seat(t, id)
		if st.Status != seatlock.StatusBooked || st.BookingID != b.ID {
			t.Fatalf("seat %s = %+v, want BOOKED(%s)", id, st, b.ID)
		}
	}
	if len(b.Passengers) != 2 || b.Passengers[0].SeatID != "1A" || b.Passengers[1].SeatID != "1B" {
		t.Fatalf("passengers not assigned to seats: %+v", b.Passengers)
	}
	if f.events.count(EventBookingCreated) != 1 {
		t.Fatal("expected one booking.created event")
	}
}

func TestCreateFromCurrentLocks(t *testing.T) {
	f := newFixture(t)
	f.lock(t, "alice", "2A", "5A")

	b, err := f.svc.Create(context.Background(), "alice", CreateBookingRequest{
		TripID: "T1",
		Passengers: []PassengerRequest{
			{FullName: "A", SeatID: "5A"},
			{FullName: "B"},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := b.SeatIDs(); len(got) != 2 || got[0] != "2A" || got[1] != "5A" {
		t.Fatalf("seats = %v", got)
	}
	if b.Passengers[1].SeatID != "2A" {
		t.Fatalf("unassigned passenger should take 2A, got %s", b.Passengers[1].SeatID)
	}
}

func TestCreateFailsWhenALockExpired(t *testing.T) {
	f := newFixture(t)
	f.lock(t, "alice", "1A")
	f.clock.Advance(90 * time.Second)
	f.lock(t, "alice", "1B")
	f.clock.Advance(45 * time.Second) // 1A is past its 2m TTL, 1B is not

	_, err := f.svc.Create(context.Background(), "alice", CreateBookingRequest{
		TripID:     "T1",
		SeatIDs:    []string{"1A", "1B"},
		Passengers: []PassengerRequest{{FullName: "A"}, {FullName: "B"}},
	})
	if !errors.Is(err, apperror.ErrConflict) {
		t.Fatalf("err = %v, want Conflict", err)
	}
	if st := f.seat(t, "1B"); st.Status != seatlock.StatusLocked {
		t.Fatalf("1B must stay locked, got %s", st.Status)
	}
	list, total, _ := f.svc.ListByHolder(context.Background(), "alice", ListQuery{})
	if total != 0 || len(list) != 0 {
		t.Fatal("no booking should be stored")
	}
}

func TestCreateRejectsPassengerMismatch(t *testing.T) {
	f := newFixture(t)
	f.lock(t, "alice", "1A", "1B")

	_, err := f.svc.Create(context.Background(), "alice", CreateBookingRequest{
		TripID:     "T1",
		SeatIDs:    []string{"1A", "1B"},
		Passengers: []PassengerRequest{{FullName: "A"}},
	})
	if apperror.KindOf(err) != apperror.KindInvalid {
		t.Fatalf("err = %v, want Invalid", err)
	}
	if st := f.seat(t, "1A"); st.Status != seatlock.StatusLocked {
		t.Fatalf("seats must stay locked, got %s", st.Status)
	}
}

func TestConfirmTwiceAppliesOnce(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, "alice", "1A")
	ctx := context.Background()

	first, err := f.svc.ConfirmPayment(ctx, paidConfirm(b.ID, "ORD-1"))
	if err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	second, err := f.svc.ConfirmPayment(ctx, paidConfirm(b.ID, "ORD-1"))
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}

	if first.Disposition != DispositionApplied || second.Disposition != DispositionDuplicate {
		t.Fatalf("dispositions = %s, %s", first.Disposition, second.Disposition)
	}
	if second.Booking.Status != StatusPaid {
		t.Fatalf("status = %s, want PAID", second.Booking.Status)
	}
	if n := f.events.count(EventBookingPaid); n != 1 {
		t.Fatalf("booking.paid events = %d, want 1", n)
	}
	if f.refunds.count() != 0 {
		t.Fatal("no refund expected")
	}
}

func TestConcurrentConfirmsApplyOnce(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, "alice", "1A")

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.ConfirmPayment(context.Background(), paidConfirm(b.ID, "ORD-1"))
			if err != nil {
				t.Errorf("confirm: %v", err)
				return
			}
			if res.Disposition == DispositionApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
}

func TestMarkPaidIsIdempotent(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, "alice", "1A")

	for i := 0; i < 2; i++ {
		got, err := f.svc.MarkPaid(context.Background(), b.ID, "ORD-1")
		if err != nil {
			t.Fatalf("mark paid #%d: %v", i, err)
		}
		if got.Status != StatusPaid {
			t.Fatalf("status = %s", got.Status)
		}
	}
	if n := f.events.count(EventBookingPaid); n != 1 {
		t.Fatalf("booking.paid events = %d, want 1", n)
	}
}

func TestSecondPaymentOnPaidBookingIsRefundedOnce(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, "alice", "1A")
	ctx := context.Background()

	if _, err := f.svc.ConfirmPayment(ctx, paidConfirm(b.ID, "ORD-1")); err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.ConfirmPayment(ctx, paidConfirm(b.ID, "ORD-2"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Disposition != DispositionRefund {
		t.Fatalf("disposition = %s, want REFUND", res.Disposition)
	}
	if _, err := f.svc.ConfirmPayment(ctx, paidConfirm(b.ID, "ORD-2")); err != nil {
		t.Fatal(err)
	}

	if f.refunds.count() != 1 {
		t.Fatalf("refunds = %d, want 1", f.refunds.count())
	}
	if f.refunds.requests[0].ProviderRef != "ORD-2" {
		t.Fatalf("refunded %s, want ORD-2", f.refunds.requests[0].ProviderRef)
	}
	if f.status(t, b.ID) != StatusPaid {
		t.Fatal("booking must stay PAID")
	}
}

func TestNonPaidOutcomeIsRecordedOnly(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, "alice", "1A")
	ctx := context.Background()

	res, err := f.svc.ConfirmPayment(ctx, ConfirmInput{BookingID: b.ID, ProviderRef: "ORD-1", Outcome: OutcomeFailed})
	if err != nil {
		t.Fatal(err)
	}
	if res.Disposition != DispositionRecorded || f.status(t, b.ID) != StatusPending {
		t.Fatalf("failed outcome must not move the booking: %s", res.Disposition)
	}

	res, err = f.svc.ConfirmPayment(ctx, paidConfirm(b.ID, "ORD-1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Disposition != DispositionApplied {
		t.Fatalf("retry that succeeded should apply, got %s", res.Disposition)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("pending releases seats without refund", func(t *testing.T) {
		f := newFixture(t)
		b := f.book(t, "alice", "1A", "1B")

		got, err := f.svc.Cancel(ctx, b.ID, "alice", "changed plans")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != StatusCancelled || got.CancelledAt == nil {
			t.Fatalf("booking = %+v", got)
		}
		if f.seat(t, "1A").Status != seatlock.StatusAvailable || f.seat(t, "1B").Status != seatlock.StatusAvailable {
			t.Fatal("seats must be available")
		}
		if f.refunds.count() != 0 {
			t.Fatal("pending booking must not be refunded")
		}
	})

	t.Run("paid schedules refund", func(t *testing.T) {
		f := newFixture(t)
		b := f.book(t, "alice", "2A")
		if _, err := f.svc.MarkPaid(ctx, b.ID, "ORD-9"); err != nil {
			t.Fatal(err)
		}

		if _, err := f.svc.Cancel(ctx, b.ID, "", "operator"); err != nil {
			t.Fatal(err)
		}
		if f.refunds.count() != 1 {
			t.Fatalf("refunds = %d, want 1", f.refunds.count())
		}
		req := f.refunds.requests[0]
		if req.ProviderRef != "ORD-9" || req.Amount != 150 {
			t.Fatalf("refund = %+v", req)
		}
		if f.events.count(EventRefundRequested) != 1 {
			t.Fatal("expected refund.requested event")
		}
	})

	t.Run("twice is illegal", func(t *testing.T) {
		f := newFixture(t)
		b := f.book(t, "alice", "1A")
		if _, err := f.svc.Cancel(ctx, b.ID, "", ""); err != nil {
			t.Fatal(err)
		}
		_, err := f.svc.Cancel(ctx, b.ID, "", "")
		if !errors.Is(err, apperror.ErrIllegalTransition) {
			t.Fatalf("err = %v, want IllegalTransition", err)
		}
	})

	t.Run("other holder", func(t *testing.T) {
		f := newFixture(t)
		b := f.book(t, "alice", "1A")
		_, err := f.svc.Cancel(ctx, b.ID, "mallory", "")
		if !errors.Is(err, apperror.ErrNotHeld) {
			t.Fatalf("err = %v, want NotHeld", err)
		}
	})
}

func TestComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, "alice", "1A")

	if _, err := f.svc.Complete(ctx, b.ID); !errors.Is(err, apperror.ErrIllegalTransition) {
		t.Fatalf("completing a pending booking: err = %v", err)
	}
	if _, err := f.svc.MarkPaid(ctx, b.ID, "ORD-1"); err != nil {
		t.Fatal(err)
	}
	got, err := f.svc.Complete(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("booking = %+v", got)
	}
	if _, err := f.svc.Cancel(ctx, b.ID, "", ""); !errors.Is(err, apperror.ErrIllegalTransition) {
		t.Fatalf("cancelling a completed booking: err = %v", err)
	}
}

// BK2: expiry releases the seat, a late confirmation proving payment inside
// the window reinstates the booking and re-books the seat.
func TestExpiryThenLateConfirmationReinstates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bk2 := f.book(t, "alice", "2A")
	deadline := bk2.ExpiresAt

	f.clock.Advance(testWindow + time.Second)
	n, err := f.svc.ExpireDue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ExpireDue = %d, %v", n, err)
	}
	if f.status(t, bk2.ID) != StatusExpired {
		t.Fatal("booking should be EXPIRED")
	}
	if st := f.seat(t, "2A"); st.Status != seatlock.StatusAvailable {
		t.Fatalf("2A = %s, want AVAILABLE", st.Status)
	}

	paidAt := deadline.Add(-time.Minute)
	in := paidConfirm(bk2.ID, "ORD-BK2")
	in.PaidAt = &paidAt
	res, err := f.svc.ConfirmPayment(ctx, in)
	if err != nil {
		t.Fatalf("late confirm: %v", err)
	}
	if res.Disposition != DispositionReinstated || res.Booking.Status != StatusPaid {
		t.Fatalf("result = %s/%s", res.Disposition, res.Booking.Status)
	}
	if st := f.seat(t, "2A"); st.Status != seatlock.StatusBooked || st.BookingID != bk2.ID {
		t.Fatalf("2A = %+v, want BOOKED(%s)", st, bk2.ID)
	}
	if f.events.count(EventBookingReinstated) != 1 || f.refunds.count() != 0 {
		t.Fatal("expected one reinstatement and no refund")
	}
}

func TestLateConfirmationWithoutProofIsRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, "alice", "2A")

	f.clock.Advance(testWindow + time.Second)
	if _, err := f.svc.ExpireDue(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		_, err := f.svc.ConfirmPayment(ctx, paidConfirm(b.ID, "ORD-LATE"))
		if !errors.Is(err, apperror.ErrIllegalTransition) {
			t.Fatalf("attempt %d: err = %v, want IllegalTransition", i, err)
		}
	}
	if f.refunds.count() != 1 {
		t.Fatalf("refunds = %d, want exactly 1", f.refunds.count())
	}
	if f.status(t, b.ID) != StatusExpired || f.seat(t, "2A").Status != seatlock.StatusAvailable {
		t.Fatal("seat must not be silently re-booked")
	}
}

func TestLateConfirmationRefundsWhenSeatWasRetaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, "alice", "2A")
	deadline := b.ExpiresAt

	f.clock.Advance(testWindow + time.Second)
	if _, err := f.svc.ExpireDue(ctx); err != nil {
		t.Fatal(err)
	}
	f.lock(t, "bob", "2A")

	paidAt := deadline.Add(-time.Second)
	in := paidConfirm(b.ID, "ORD-1")
	in.PaidAt = &paidAt
	if _, err := f.svc.ConfirmPayment(ctx, in); !errors.Is(err, apperror.ErrIllegalTransition) {
		t.Fatalf("err = %v, want IllegalTransition", err)
	}
	if f.refunds.count() != 1 {
		t.Fatal("payment must be refunded")
	}
	if st := f.seat(t, "2A"); st.Status != seatlock.StatusLocked || st.HolderID != "bob" {
		t.Fatalf("bob's lock must survive, got %+v", st)
	}
}

func TestConfirmationOnCancelledBookingIsRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, "alice", "1A")
	if _, err := f.svc.Cancel(ctx, b.ID, "", ""); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.ConfirmPayment(ctx, paidConfirm(b.ID, "ORD-1"))
	if !errors.Is(err, apperror.ErrIllegalTransition) {
		t.Fatalf("err = %v", err)
	}
	if f.refunds.count() != 1 || f.status(t, b.ID) != StatusCancelled {
		t.Fatal("cancelled booking must stay cancelled and be refunded once")
	}
}

func TestPaymentAfterDeadlineBeforeSweepExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, "alice", "1B")

	f.clock.Advance(testWindow + time.Minute)
	_, err := f.svc.ConfirmPayment(ctx, paidConfirm(b.ID, "ORD-1"))
	if !errors.Is(err, apperror.ErrIllegalTransition) {
		t.Fatalf("err = %v", err)
	}
	if f.status(t, b.ID) != StatusExpired {
		t.Fatal("booking should be expired")
	}
	if f.seat(t, "1B").Status != seatlock.StatusAvailable || f.refunds.count() != 1 {
		t.Fatal("seat must be released and the payment refunded")
	}
}

func TestExpireDueSkipsSettledBookings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	paid := f.book(t, "alice", "1A")
	pending := f.book(t, "bob", "1B")
	if _, err := f.svc.MarkPaid(ctx, paid.ID, "ORD-1"); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(testWindow + time.Second)
	n, err := f.svc.ExpireDue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ExpireDue = %d, %v", n, err)
	}
	if f.status(t, paid.ID) != StatusPaid || f.status(t, pending.ID) != StatusExpired {
		t.Fatal("only the unpaid booking expires")
	}
	if n, _ := f.svc.ExpireDue(ctx); n != 0 {
		t.Fatalf("second sweep expired %d bookings", n)
	}
}

func TestIsManagedBooking(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, "alice", "1A")

	if ok, err := f.svc.IsManagedBooking(context.Background(), b.ID); err != nil || !ok {
		t.Fatalf("IsManagedBooking(%s) = %v, %v", b.ID, ok, err)
	}
	if ok, _ := f.svc.IsManagedBooking(context.Background(), "seat-xyz"); ok {
		t.Fatal("unknown id reported as managed")
	}
}
