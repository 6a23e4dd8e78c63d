package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"busline/internal/bookings"
	"busline/internal/seatlock"
	"busline/internal/shared/apperror"
	"busline/pkg/logger"

	"github.com/go-playground/validator/v10"
)

// defaultPassengerName names the traveller when bookSeat does not
const defaultPassengerName = "Guest"

// Bookings is the part of the booking lifecycle the seat channel drives.
// Every booked seat belongs to a booking record, so the expiry sweep frees
// it when the payment window passes.
type Bookings interface {
	Create(ctx context.Context, holderID string, req bookings.CreateBookingRequest) (*bookings.Booking, error)
	Get(ctx context.Context, id string) (*bookings.Booking, error)
	Cancel(ctx context.Context, id, holderID, reason string) (*bookings.Booking, error)
}

// Hub fans seat events out to the clients subscribed to each trip. It
// publishes from inside the store's critical section, so it only enqueues.
type Hub struct {
	store    *seatlock.Store
	bookings Bookings
	log      *logger.Logger
	validate *validator.Validate

	mu      sync.RWMutex
	trips   map[string]map[*Client]struct{}
	clients map[*Client]struct{}
}

// NewHub creates a hub and subscribes it to store events
func NewHub(store *seatlock.Store, lifecycle Bookings, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.GetDefault()
	}
	h := &Hub{
		store:    store,
		bookings: lifecycle,
		log:      log.WithComponent("broadcast_hub"),
		validate: validator.New(),
		trips:    make(map[string]map[*Client]struct{}),
		clients:  make(map[*Client]struct{}),
	}
	store.AddPublisher(h)
	return h
}

// Register adds a connected client and greets it with its holder id
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	c.enqueueJSON(WelcomeMessage{Type: TypeWelcome, ClientID: c.ID, HolderID: c.HolderID(), GuestToken: c.guestToken})
}

// Unregister removes a client from every trip. Its locks stay until they
// are unlocked or expire, so a dropped connection can come back to them.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	for _, tripID := range c.tripIDs() {
		if subs, ok := h.trips[tripID]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.trips, tripID)
			}
		}
	}
	delete(h.clients, c)
	h.mu.Unlock()

	c.close()
}

// Publish implements seatlock.Publisher
func (h *Hub) Publish(ev seatlock.Event) {
	if !ev.Type.Broadcast() {
		return
	}
	payload, err := json.Marshal(seatMessage(ev, false))
	if err != nil {
		h.log.Error("Failed to encode seat event", "error", err.Error())
		return
	}
	var own []byte

	h.mu.RLock()
	var slow []*Client
	for c := range h.trips[ev.TripID] {
		out := payload
		if ev.HolderID != "" && c.HolderID() == ev.HolderID {
			if own == nil {
				own, _ = json.Marshal(seatMessage(ev, true))
			}
			out = own
		}
		if !c.enqueue(out) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		// Unregister needs the write lock and may be reached from inside a
		// seat critical section, so it runs on its own goroutine.
		h.log.Warn("Dropping slow client", "client_id", c.ID, "trip_id", ev.TripID)
		go h.Unregister(c)
	}
}

// Join subscribes c to a trip. The snapshot is enqueued and the
// subscription registered while the trip is quiescent, so the client
// neither misses nor repeats an event.
func (h *Hub) Join(c *Client, tripID string) error {
	return h.store.Join(tripID, func(snap seatlock.Snapshot) {
		h.mu.Lock()
		subs, ok := h.trips[tripID]
		if !ok {
			subs = make(map[*Client]struct{})
			h.trips[tripID] = subs
		}
		subs[c] = struct{}{}
		h.mu.Unlock()

		c.addTrip(tripID)
		if !c.enqueueJSON(currentLocksMessage(snap, c.HolderID())) {
			go h.Unregister(c)
		}
	})
}

// Leave unsubscribes c from a trip
func (h *Hub) Leave(c *Client, tripID string) {
	h.mu.Lock()
	if subs, ok := h.trips[tripID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.trips, tripID)
		}
	}
	h.mu.Unlock()
	c.removeTrip(tripID)
}

// Handle executes one client request and returns its acknowledgement
func (h *Hub) Handle(ctx context.Context, c *Client, req Request) Ack {
	ack := Ack{
		Type:      TypeAck,
		RequestID: req.RequestID,
		Action:    req.Type,
		TripID:    req.TripID,
		SeatID:    req.SeatID,
	}

	if err := h.validateRequest(req); err != nil {
		return h.fail(ctx, ack, err)
	}

	switch req.Type {
	case ActionJoinTrip:
		if err := h.Join(c, req.TripID); err != nil {
			return h.fail(ctx, ack, err)
		}
	case ActionLeaveTrip:
		h.Leave(c, req.TripID)
	default:
		holderID, ok := c.resolveHolder(req.HolderID)
		if !ok {
			return h.fail(ctx, ack, apperror.NotHeld("broadcast.Handle", "holder id does not match this connection"))
		}
		ack.HolderID = holderID
		if err := h.handleSeat(ctx, &ack, req, holderID); err != nil {
			return h.fail(ctx, ack, err)
		}
	}

	ack.Success = true
	return ack
}

func (h *Hub) handleSeat(ctx context.Context, ack *Ack, req Request, holderID string) error {
	ttl := time.Duration(req.TTLSeconds) * time.Second

	switch req.Type {
	case ActionLockSeat:
		lock, err := h.store.Lock(req.TripID, req.SeatID, holderID, ttl)
		if err != nil {
			return err
		}
		ack.ExpiresAt = &lock.ExpiresAt
	case ActionUnlockSeat:
		return h.store.Unlock(req.TripID, req.SeatID, holderID)
	case ActionRefreshLock:
		lock, err := h.store.Refresh(req.TripID, req.SeatID, holderID, ttl)
		if err != nil {
			return err
		}
		ack.ExpiresAt = &lock.ExpiresAt
	case ActionBookSeat:
		b, err := h.bookSeat(ctx, req, holderID, ttl)
		if err != nil {
			return err
		}
		ack.BookingID = b.ID
		ack.ExpiresAt = &b.ExpiresAt
	case ActionCancelSeat:
		bookingID, err := h.cancelSeat(ctx, req, holderID)
		if err != nil {
			return err
		}
		ack.BookingID = bookingID
	}
	return nil
}

// bookSeat locks the seat when needed and opens a PENDING single-seat
// booking for it. Naming an existing booking of the caller that already
// holds the seat is a no-op.
func (h *Hub) bookSeat(ctx context.Context, req Request, holderID string, ttl time.Duration) (*bookings.Booking, error) {
	const op = "broadcast.bookSeat"
	if req.BookingID != "" {
		b, err := h.bookings.Get(ctx, req.BookingID)
		if err != nil {
			if apperror.KindOf(err) == apperror.KindNotFound {
				return nil, apperror.Invalid(op, "booking %s does not exist", req.BookingID)
			}
			return nil, err
		}
		if b.HolderID != holderID {
			return nil, apperror.NotHeld(op, "booking %s belongs to another holder", b.ID)
		}
		if b.TripID != req.TripID || !containsSeat(b.SeatIDs(), req.SeatID) {
			return nil, apperror.Conflict(op, "seat %s is not part of booking %s", req.SeatID, b.ID)
		}
		return b, nil
	}

	st, err := h.store.State(req.TripID, req.SeatID)
	if err != nil {
		return nil, err
	}
	if st.Status != seatlock.StatusLocked || st.HolderID != holderID {
		if _, err := h.store.Lock(req.TripID, req.SeatID, holderID, ttl); err != nil {
			return nil, err
		}
	}

	name := req.PassengerName
	if name == "" {
		name = defaultPassengerName
	}
	return h.bookings.Create(ctx, holderID, bookings.CreateBookingRequest{
		TripID:     req.TripID,
		SeatIDs:    []string{req.SeatID},
		Passengers: []bookings.PassengerRequest{{SeatID: req.SeatID, FullName: name}},
	})
}

// cancelSeat cancels the caller's single-seat booking through the lifecycle.
// A seat whose booking record is not written yet cannot be cancelled.
func (h *Hub) cancelSeat(ctx context.Context, req Request, holderID string) (string, error) {
	const op = "broadcast.cancelSeat"
	st, err := h.store.State(req.TripID, req.SeatID)
	if err != nil {
		return "", err
	}
	if st.Status != seatlock.StatusBooked {
		return "", apperror.Conflict(op, "seat %s is not booked", req.SeatID)
	}
	if req.BookingID != "" && req.BookingID != st.BookingID {
		return "", apperror.Conflict(op, "seat %s belongs to another booking", req.SeatID)
	}

	b, err := h.bookings.Get(ctx, st.BookingID)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindNotFound {
			return "", apperror.Conflict(op, "booking of seat %s is still being created", req.SeatID)
		}
		return "", err
	}
	if b.HolderID != holderID {
		return "", apperror.NotHeld(op, "seat %s is booked by another holder", req.SeatID)
	}
	if len(b.Seats) != 1 {
		return "", apperror.Conflict(op, "booking %s holds %d seats; cancel the booking instead", b.ID, len(b.Seats))
	}
	if _, err := h.bookings.Cancel(ctx, b.ID, holderID, "cancelled from the seat channel"); err != nil {
		return "", err
	}
	return b.ID, nil
}

func containsSeat(ids []string, seatID string) bool {
	for _, id := range ids {
		if id == seatID {
			return true
		}
	}
	return false
}

func (h *Hub) validateRequest(req Request) error {
	const op = "broadcast.validate"
	if err := h.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apperror.Invalid(op, "field %s failed %s", verrs[0].Field(), verrs[0].Tag())
		}
		return apperror.Invalid(op, "malformed request")
	}
	if req.Type != ActionJoinTrip && req.Type != ActionLeaveTrip && req.SeatID == "" {
		return apperror.Invalid(op, "seatId is required for %s", req.Type)
	}
	return nil
}

func (h *Hub) fail(ctx context.Context, ack Ack, err error) Ack {
	ack.Success = false
	ack.Error = string(apperror.KindOf(err))
	ack.Message = apperror.PublicMessage(err)
	if apperror.IsInternal(err) {
		h.log.ErrorWithContext(ctx, "Seat request failed", err, map[string]interface{}{
			"action":  ack.Action,
			"trip_id": ack.TripID,
			"seat_id": ack.SeatID,
		})
	} else {
		h.log.DebugWithContext(ctx, "Seat request rejected", map[string]interface{}{
			"action": ack.Action,
			"kind":   ack.Error,
			"reason": err.Error(),
		})
	}
	return ack
}

// Stats reports connection counts for the status endpoint
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	perTrip := make(map[string]int, len(h.trips))
	for id, subs := range h.trips {
		perTrip[id] = len(subs)
	}
	return map[string]interface{}{
		"clients": len(h.clients),
		"trips":   perTrip,
	}
}
