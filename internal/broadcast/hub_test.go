package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"busline/internal/bookings"
	"busline/internal/seatlock"
	"busline/internal/shared/apperror"
	"busline/pkg/logger"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type hubFixture struct {
	hub      *Hub
	store    *seatlock.Store
	bookings bookings.Service
	clock    *testClock
}

func newTestHub(t *testing.T) hubFixture {
	t.Helper()
	clock := &testClock{now: time.Now()}
	store := seatlock.NewStore(seatlock.DefaultConfig(), seatlock.WithClock(clock.Now))
	if err := store.RegisterTrip("T1", []seatlock.Seat{
		{SeatID: "5A", Price: 100},
		{SeatID: "5B", Price: 100},
	}); err != nil {
		t.Fatal(err)
	}
	svc := bookings.NewService(bookings.NewMemoryRepository(), store,
		bookings.Config{PaymentWindow: 15 * time.Minute},
		bookings.WithClock(clock.Now), bookings.WithLogger(logger.Discard()))
	return hubFixture{
		hub:      NewHub(store, svc, logger.Discard()),
		store:    store,
		bookings: svc,
		clock:    clock,
	}
}

// drain returns every queued message of c, decoded
func drain(c *Client) []map[string]interface{} {
	var out []map[string]interface{}
	for {
		select {
		case payload, ok := <-c.Send():
			if !ok {
				return out
			}
			var msg map[string]interface{}
			if err := json.Unmarshal(payload, &msg); err == nil {
				out = append(out, msg)
			}
		default:
			return out
		}
	}
}

func types(msgs []map[string]interface{}) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m["type"].(string))
	}
	return out
}

func TestJoinSendsSnapshotThenEvents(t *testing.T) {
	f := newTestHub(t)
	hub := f.hub
	if _, err := f.store.Lock("T1", "5B", "holder-b", time.Minute); err != nil {
		t.Fatal(err)
	}

	a := NewClient("a", "holder-a", 16)
	b := NewClient("b", "holder-b", 16)
	hub.Register(a)
	hub.Register(b)
	for _, c := range []*Client{a, b} {
		if ack := hub.Handle(context.Background(), c, Request{Type: ActionJoinTrip, TripID: "T1"}); !ack.Success {
			t.Fatalf("join = %+v", ack)
		}
	}

	msgs := drain(b)
	if got := types(msgs); len(got) != 2 || got[0] != TypeWelcome || got[1] != TypeCurrentLocks {
		t.Fatalf("b messages = %v", got)
	}
	locked := msgs[1]["lockedSeats"].([]interface{})
	if len(locked) != 1 || locked[0].(map[string]interface{})["seatId"] != "5B" || locked[0].(map[string]interface{})["mine"] != true {
		t.Fatalf("snapshot = %v", msgs[1])
	}
	msgs = drain(a)
	if seat := msgs[1]["lockedSeats"].([]interface{})[0].(map[string]interface{}); seat["mine"] != nil || seat["holderId"] != nil {
		t.Fatalf("a snapshot = %v", msgs[1])
	}

	ack := hub.Handle(context.Background(), a, Request{Type: ActionLockSeat, TripID: "T1", SeatID: "5A", RequestID: "r1"})
	if !ack.Success || ack.HolderID != "holder-a" || ack.ExpiresAt == nil || ack.RequestID != "r1" {
		t.Fatalf("lock ack = %+v", ack)
	}

	msgs = drain(b)
	if len(msgs) != 1 || msgs[0]["type"] != string(seatlock.EventSeatLocked) || msgs[0]["holderId"] != nil || msgs[0]["mine"] != nil {
		t.Fatalf("b after lock = %v", msgs)
	}
	if msgs := drain(a); len(msgs) != 1 || msgs[0]["mine"] != true {
		t.Fatalf("a after lock = %v", msgs)
	}

	// Refresh changes no visible state
	if ack := hub.Handle(context.Background(), a, Request{Type: ActionRefreshLock, TripID: "T1", SeatID: "5A"}); !ack.Success {
		t.Fatalf("refresh = %+v", ack)
	}
	if msgs := drain(b); len(msgs) != 0 {
		t.Fatalf("refresh broadcast %v", msgs)
	}

	hub.Leave(b, "T1")
	hub.Handle(context.Background(), a, Request{Type: ActionUnlockSeat, TripID: "T1", SeatID: "5A"})
	if msgs := drain(b); len(msgs) != 0 {
		t.Fatalf("left client got %v", msgs)
	}
}

func TestHandleRejectsBadRequests(t *testing.T) {
	hub := newTestHub(t).hub
	c := NewClient("a", "holder-a", 16)

	tests := []struct {
		name string
		req  Request
		kind apperror.Kind
	}{
		{"unknown action", Request{Type: "dance", TripID: "T1"}, apperror.KindInvalid},
		{"missing trip", Request{Type: ActionLockSeat, SeatID: "5A"}, apperror.KindInvalid},
		{"missing seat", Request{Type: ActionLockSeat, TripID: "T1"}, apperror.KindInvalid},
		{"unknown trip", Request{Type: ActionJoinTrip, TripID: "T9"}, apperror.KindNotFound},
		{"unknown seat", Request{Type: ActionLockSeat, TripID: "T1", SeatID: "9Z"}, apperror.KindNotFound},
		{"foreign holder", Request{Type: ActionLockSeat, TripID: "T1", SeatID: "5A", HolderID: "someone"}, apperror.KindNotHeld},
		{"unlock not held", Request{Type: ActionUnlockSeat, TripID: "T1", SeatID: "5A"}, apperror.KindNotHeld},
		{"unknown booking", Request{Type: ActionBookSeat, TripID: "T1", SeatID: "5A", BookingID: "nope"}, apperror.KindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := hub.Handle(context.Background(), c, tt.req)
			if ack.Success || ack.Error != string(tt.kind) {
				t.Fatalf("ack = %+v, want %s", ack, tt.kind)
			}
		})
	}
}

func TestClientCannotActForAnotherHolder(t *testing.T) {
	f := newTestHub(t)
	ctx := context.Background()
	if _, err := f.store.Lock("T1", "5A", "guest-7", time.Minute); err != nil {
		t.Fatal(err)
	}
	c := NewClient("a", "guest-1", 16)

	for _, req := range []Request{
		{Type: ActionUnlockSeat, TripID: "T1", SeatID: "5A", HolderID: "guest-7"},
		{Type: ActionLockSeat, TripID: "T1", SeatID: "5B", HolderID: "guest-7"},
		{Type: ActionBookSeat, TripID: "T1", SeatID: "5A", HolderID: "guest-7"},
	} {
		if ack := f.hub.Handle(ctx, c, req); ack.Success || ack.Error != string(apperror.KindNotHeld) {
			t.Fatalf("%s as guest-7 = %+v", req.Type, ack)
		}
	}
	if c.HolderID() != "guest-1" {
		t.Fatalf("holder = %s", c.HolderID())
	}
	if st, _ := f.store.State("T1", "5A"); st.Status != seatlock.StatusLocked || st.HolderID != "guest-7" {
		t.Fatalf("5A = %+v", st)
	}
	if st, _ := f.store.State("T1", "5B"); st.Status != seatlock.StatusAvailable {
		t.Fatalf("5B = %+v", st)
	}
}

func TestBookAndCancelSeat(t *testing.T) {
	f := newTestHub(t)
	hub := f.hub
	c := NewClient("a", "holder-a", 16)
	other := NewClient("b", "holder-b", 16)
	ctx := context.Background()

	ack := hub.Handle(ctx, c, Request{Type: ActionBookSeat, TripID: "T1", SeatID: "5A", PassengerName: "Ana Silva"})
	if !ack.Success || ack.BookingID == "" || ack.ExpiresAt == nil {
		t.Fatalf("book = %+v", ack)
	}
	st, _ := f.store.State("T1", "5A")
	if st.Status != seatlock.StatusBooked || st.BookingID != ack.BookingID {
		t.Fatalf("state = %+v", st)
	}
	b, err := f.bookings.Get(ctx, ack.BookingID)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != bookings.StatusPending || b.HolderID != "holder-a" || len(b.Passengers) != 1 || b.Passengers[0].FullName != "Ana Silva" {
		t.Fatalf("booking = %+v", b)
	}
	if !b.ExpiresAt.Equal(*ack.ExpiresAt) {
		t.Fatalf("ack expiry %v, booking expiry %v", ack.ExpiresAt, b.ExpiresAt)
	}

	// Naming the booking that already holds the seat is a no-op
	again := hub.Handle(ctx, c, Request{Type: ActionBookSeat, TripID: "T1", SeatID: "5A", BookingID: ack.BookingID})
	if !again.Success || again.BookingID != ack.BookingID {
		t.Fatalf("rebook = %+v", again)
	}
	if ack := hub.Handle(ctx, c, Request{Type: ActionBookSeat, TripID: "T1", SeatID: "5B", BookingID: again.BookingID}); ack.Success || ack.Error != string(apperror.KindConflict) {
		t.Fatalf("book other seat into booking = %+v", ack)
	}
	if ack := hub.Handle(ctx, other, Request{Type: ActionBookSeat, TripID: "T1", SeatID: "5A", BookingID: again.BookingID}); ack.Success || ack.Error != string(apperror.KindNotHeld) {
		t.Fatalf("foreign rebook = %+v", ack)
	}
	if ack := hub.Handle(ctx, other, Request{Type: ActionCancelSeat, TripID: "T1", SeatID: "5A"}); ack.Success || ack.Error != string(apperror.KindNotHeld) {
		t.Fatalf("foreign cancel = %+v", ack)
	}

	cancel := hub.Handle(ctx, c, Request{Type: ActionCancelSeat, TripID: "T1", SeatID: "5A"})
	if !cancel.Success || cancel.BookingID != ack.BookingID {
		t.Fatalf("cancel = %+v", cancel)
	}
	if st, _ := f.store.State("T1", "5A"); st.Status != seatlock.StatusAvailable {
		t.Fatalf("state after cancel = %+v", st)
	}
	if b, _ := f.bookings.Get(ctx, ack.BookingID); b.Status != bookings.StatusCancelled {
		t.Fatalf("booking after cancel = %s", b.Status)
	}
}

func TestSocketBookingExpiresWithPaymentWindow(t *testing.T) {
	f := newTestHub(t)
	ctx := context.Background()
	c := NewClient("a", "holder-a", 16)

	ack := f.hub.Handle(ctx, c, Request{Type: ActionBookSeat, TripID: "T1", SeatID: "5A"})
	if !ack.Success {
		t.Fatalf("book = %+v", ack)
	}

	f.clock.Advance(10 * time.Minute)
	if n, err := f.bookings.ExpireDue(ctx); err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v", n, err)
	}
	if st, _ := f.store.State("T1", "5A"); st.Status != seatlock.StatusBooked {
		t.Fatalf("state inside the window = %+v", st)
	}

	f.clock.Advance(6 * time.Minute)
	if n, err := f.bookings.ExpireDue(ctx); err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v", n, err)
	}
	if st, _ := f.store.State("T1", "5A"); st.Status != seatlock.StatusAvailable {
		t.Fatalf("state after expiry = %+v", st)
	}
	if b, _ := f.bookings.Get(ctx, ack.BookingID); b.Status != bookings.StatusExpired {
		t.Fatalf("booking = %s", b.Status)
	}
}

func TestCancelSeatNeedsItsOwnBookingRecord(t *testing.T) {
	f := newTestHub(t)
	ctx := context.Background()
	c := NewClient("a", "holder-a", 16)

	// Promoted but not yet written: the lifecycle is between the two steps
	if _, err := f.store.Lock("T1", "5A", "holder-a", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Promote("T1", []string{"5A"}, "holder-a", "BK-in-flight"); err != nil {
		t.Fatal(err)
	}
	if ack := f.hub.Handle(ctx, c, Request{Type: ActionCancelSeat, TripID: "T1", SeatID: "5A"}); ack.Success || ack.Error != string(apperror.KindConflict) {
		t.Fatalf("cancel in flight = %+v", ack)
	}
	if st, _ := f.store.State("T1", "5A"); st.Status != seatlock.StatusBooked || st.BookingID != "BK-in-flight" {
		t.Fatalf("state = %+v", st)
	}

	// A multi-seat booking is cancelled as a whole, never seat by seat
	f2 := newTestHub(t)
	for _, seat := range []string{"5A", "5B"} {
		if _, err := f2.store.Lock("T1", seat, "holder-a", time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	b, err := f2.bookings.Create(ctx, "holder-a", bookings.CreateBookingRequest{
		TripID: "T1",
		Passengers: []bookings.PassengerRequest{
			{SeatID: "5A", FullName: "Ana"},
			{SeatID: "5B", FullName: "Bruno"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if ack := f2.hub.Handle(ctx, c, Request{Type: ActionCancelSeat, TripID: "T1", SeatID: "5A"}); ack.Success || ack.Error != string(apperror.KindConflict) {
		t.Fatalf("cancel one seat of two = %+v", ack)
	}
	if got, _ := f2.bookings.Get(ctx, b.ID); got.Status != bookings.StatusPending {
		t.Fatalf("booking = %s", got.Status)
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	f := newTestHub(t)
	hub, store := f.hub, f.store
	// Room for the welcome and the snapshot only
	slow := NewClient("slow", "holder-s", 2)
	hub.Register(slow)
	if ack := hub.Handle(context.Background(), slow, Request{Type: ActionJoinTrip, TripID: "T1"}); !ack.Success {
		t.Fatalf("join = %+v", ack)
	}

	if _, err := store.Lock("T1", "5A", "other", time.Minute); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !slow.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("slow client was not dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if clients := hub.Stats()["clients"].(int); clients != 0 {
		t.Fatalf("clients = %d", clients)
	}

	// Dropping a subscriber leaves seat state alone
	if st, _ := store.State("T1", "5A"); st.Status != seatlock.StatusLocked {
		t.Fatalf("state = %+v", st)
	}
}
