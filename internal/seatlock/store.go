package seatlock

import (
	"sort"
	"sync"
	"time"

	"busline/internal/shared/apperror"
)

const minLockTTL = time.Second

// Config holds lock TTL limits
type Config struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

// DefaultConfig returns the TTL limits used when none are configured
func DefaultConfig() Config {
	return Config{
		DefaultTTL: 2 * time.Minute,
		MaxTTL:     10 * time.Minute,
	}
}

// TripRegistrar is implemented by publishers that also persist trip catalogs.
type TripRegistrar interface {
	TripRegistered(tripID string, seats []Seat)
}

// Store is the authoritative seat state of every trip. Trips are sharded and
// each seat has its own mutex, so unrelated seats never contend. Multi-seat
// operations take the seat mutexes in sorted order.
type Store struct {
	cfg Config
	now func() time.Time

	mu    sync.RWMutex
	trips map[string]*tripShard

	pubMu      sync.RWMutex
	publishers []Publisher
}

type tripShard struct {
	id string
	// mu is held for reading by seat operations and for writing by Join,
	// which needs a quiescent trip to take a consistent snapshot.
	mu    sync.RWMutex
	seats map[string]*seatSlot
	order []string
}

type seatSlot struct {
	mu    sync.Mutex
	seat  Seat
	state SeatState
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithPublisher registers a publisher at construction time
func WithPublisher(p Publisher) Option {
	return func(s *Store) { s.publishers = append(s.publishers, p) }
}

// NewStore creates an empty store
func NewStore(cfg Config, opts ...Option) *Store {
	def := DefaultConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = def.MaxTTL
	}
	if cfg.MaxTTL < cfg.DefaultTTL {
		cfg.MaxTTL = cfg.DefaultTTL
	}

	s := &Store{
		cfg:   cfg,
		now:   time.Now,
		trips: make(map[string]*tripShard),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddPublisher registers a publisher for all future events
func (s *Store) AddPublisher(p Publisher) {
	s.pubMu.Lock()
	s.publishers = append(s.publishers, p)
	s.pubMu.Unlock()
}

// Config returns the effective TTL limits
func (s *Store) Config() Config {
	return s.cfg
}

// RegisterTrip adds the seat catalog of a trip. A trip can be registered once.
func (s *Store) RegisterTrip(tripID string, seats []Seat) error {
	const op = "seatlock.RegisterTrip"
	if tripID == "" {
		return apperror.Invalid(op, "trip id is required")
	}
	if len(seats) == 0 {
		return apperror.Invalid(op, "trip %s has no seats", tripID)
	}

	shard := &tripShard{id: tripID, seats: make(map[string]*seatSlot, len(seats))}
	catalog := make([]Seat, 0, len(seats))
	for _, seat := range seats {
		if seat.SeatID == "" {
			return apperror.Invalid(op, "seat id is required")
		}
		if _, dup := shard.seats[seat.SeatID]; dup {
			return apperror.Invalid(op, "duplicate seat %s", seat.SeatID)
		}
		if seat.Type == "" {
			seat.Type = SeatTypeNormal
		}
		if !seat.Type.IsValid() {
			return apperror.Invalid(op, "seat %s has unknown type %q", seat.SeatID, seat.Type)
		}
		if seat.Price < 0 {
			return apperror.Invalid(op, "seat %s has negative price", seat.SeatID)
		}
		if seat.Code == "" {
			seat.Code = seat.SeatID
		}
		shard.seats[seat.SeatID] = &seatSlot{
			seat:  seat,
			state: SeatState{SeatID: seat.SeatID, Status: StatusAvailable},
		}
		shard.order = append(shard.order, seat.SeatID)
		catalog = append(catalog, seat)
	}

	s.mu.Lock()
	if _, exists := s.trips[tripID]; exists {
		s.mu.Unlock()
		return apperror.Conflict(op, "trip %s is already scheduled", tripID)
	}
	s.trips[tripID] = shard
	s.mu.Unlock()

	s.pubMu.RLock()
	for _, p := range s.publishers {
		if r, ok := p.(TripRegistrar); ok {
			r.TripRegistered(tripID, catalog)
		}
	}
	s.pubMu.RUnlock()
	return nil
}

// Restore loads a trip and its persisted seat states without emitting events.
// Expired locks are dropped. Restoring a trip that already exists is an error.
func (s *Store) Restore(tripID string, seats []Seat, states []SeatState) error {
	const op = "seatlock.Restore"
	shard := &tripShard{id: tripID, seats: make(map[string]*seatSlot, len(seats))}
	for _, seat := range seats {
		shard.seats[seat.SeatID] = &seatSlot{
			seat:  seat,
			state: SeatState{SeatID: seat.SeatID, Status: StatusAvailable},
		}
		shard.order = append(shard.order, seat.SeatID)
	}

	now := s.now()
	for _, st := range states {
		slot, ok := shard.seats[st.SeatID]
		if !ok {
			continue
		}
		if st.Status == StatusLocked && !now.Before(st.ExpiresAt) {
			slot.state = SeatState{SeatID: st.SeatID, Status: StatusAvailable, Version: st.Version}
			continue
		}
		slot.state = st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.trips[tripID]; exists {
		return apperror.Conflict(op, "trip %s is already loaded", tripID)
	}
	s.trips[tripID] = shard
	return nil
}

// Trips returns the ids of all registered trips
func (s *Store) Trips() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.trips))
	for id := range s.trips {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Catalog returns the seats of a trip in registration order
func (s *Store) Catalog(tripID string) ([]Seat, error) {
	shard, err := s.shard("seatlock.Catalog", tripID)
	if err != nil {
		return nil, err
	}
	seats := make([]Seat, 0, len(shard.order))
	for _, id := range shard.order {
		seats = append(seats, shard.seats[id].seat)
	}
	return seats, nil
}

// Lock acquires or extends a lock on a seat. Re-locking by the same holder
// extends the TTL. A lock whose TTL has passed counts as free.
func (s *Store) Lock(tripID, seatID, holderID string, ttl time.Duration) (Lock, error) {
	const op = "seatlock.Lock"
	if holderID == "" {
		return Lock{}, apperror.Invalid(op, "holder id is required")
	}
	ttl = s.clampTTL(ttl)

	var lock Lock
	err := s.withSeat(op, tripID, seatID, func(slot *seatSlot, now time.Time) error {
		st := slot.state
		switch st.Status {
		case StatusBooked:
			return apperror.Conflict(op, "seat %s is booked", seatID)
		case StatusLocked:
			if st.HolderID != holderID {
				return apperror.Conflict(op, "seat %s is locked by another holder", seatID)
			}
		}

		acquired := now
		if st.Status == StatusLocked {
			acquired = st.AcquiredAt
		}
		next := SeatState{
			Status:     StatusLocked,
			HolderID:   holderID,
			AcquiredAt: acquired,
			ExpiresAt:  now.Add(ttl),
		}
		s.apply(tripID, slot, next, EventSeatLocked, ReasonRequested, now)
		lock = lockOf(tripID, slot.state)
		return nil
	})
	return lock, err
}

// Unlock removes a lock owned by holderID. Unlocking an own lock that already
// expired succeeds since the seat is free either way.
func (s *Store) Unlock(tripID, seatID, holderID string) error {
	const op = "seatlock.Unlock"
	return s.withSeatExpiry(op, tripID, seatID, func(slot *seatSlot, now time.Time, expiredHolder string) error {
		st := slot.state
		if st.Status == StatusAvailable && expiredHolder == holderID && holderID != "" {
			return nil
		}
		if st.Status != StatusLocked || st.HolderID != holderID {
			return apperror.NotHeld(op, "seat %s is not locked by caller", seatID)
		}
		s.apply(tripID, slot, SeatState{Status: StatusAvailable}, EventSeatUnlocked, ReasonRequested, now)
		return nil
	})
}

// Refresh extends an existing lock. No broadcast is produced since the
// visible state does not change.
func (s *Store) Refresh(tripID, seatID, holderID string, ttl time.Duration) (Lock, error) {
	const op = "seatlock.Refresh"
	ttl = s.clampTTL(ttl)

	var lock Lock
	err := s.withSeat(op, tripID, seatID, func(slot *seatSlot, now time.Time) error {
		st := slot.state
		if st.Status != StatusLocked || st.HolderID != holderID {
			return apperror.NotHeld(op, "seat %s is not locked by caller", seatID)
		}
		st.ExpiresAt = now.Add(ttl)
		s.apply(tripID, slot, st, EventLockRefreshed, ReasonRequested, now)
		lock = lockOf(tripID, slot.state)
		return nil
	})
	return lock, err
}

// Promote turns seats locked by holderID into BOOKED(bookingID). Either every
// seat is promoted or none is. Seats already booked under bookingID count as
// promoted, which makes retries safe.
func (s *Store) Promote(tripID string, seatIDs []string, holderID, bookingID string) error {
	const op = "seatlock.Promote"
	if bookingID == "" || holderID == "" {
		return apperror.Invalid(op, "holder and booking id are required")
	}
	return s.withSeats(op, tripID, seatIDs, func(slots []*seatSlot, now time.Time) error {
		for _, slot := range slots {
			st := slot.state
			if st.Status == StatusBooked && st.BookingID == bookingID {
				continue
			}
			if st.Status != StatusLocked || st.HolderID != holderID {
				return apperror.Conflict(op, "seat %s is not locked by caller", slot.seat.SeatID)
			}
		}
		for _, slot := range slots {
			if slot.state.Status == StatusBooked {
				continue
			}
			next := SeatState{Status: StatusBooked, HolderID: holderID, BookingID: bookingID}
			s.apply(tripID, slot, next, EventSeatBooked, ReasonBooking, now)
		}
		return nil
	})
}

// Rebook books seats that are currently AVAILABLE directly under bookingID.
// It is used to reinstate a booking whose seats were released. All-or-nothing.
func (s *Store) Rebook(tripID string, seatIDs []string, holderID, bookingID string) error {
	const op = "seatlock.Rebook"
	if bookingID == "" {
		return apperror.Invalid(op, "booking id is required")
	}
	return s.withSeats(op, tripID, seatIDs, func(slots []*seatSlot, now time.Time) error {
		for _, slot := range slots {
			st := slot.state
			switch {
			case st.Status == StatusAvailable:
			case st.Status == StatusBooked && st.BookingID == bookingID:
			case st.Status == StatusLocked && st.HolderID == holderID && holderID != "":
			default:
				return apperror.Conflict(op, "seat %s was taken", slot.seat.SeatID)
			}
		}
		for _, slot := range slots {
			if slot.state.Status == StatusBooked {
				continue
			}
			next := SeatState{Status: StatusBooked, HolderID: holderID, BookingID: bookingID}
			s.apply(tripID, slot, next, EventSeatBooked, ReasonBooking, now)
		}
		return nil
	})
}

// Release returns booked seats to AVAILABLE regardless of the booking they
// belong to. Seats that are not booked are left untouched.
func (s *Store) Release(tripID string, seatIDs []string) error {
	return s.release("seatlock.Release", tripID, "", seatIDs)
}

// ReleaseBooking is Release restricted to seats booked under bookingID.
func (s *Store) ReleaseBooking(tripID, bookingID string, seatIDs []string) error {
	if bookingID == "" {
		return apperror.Invalid("seatlock.ReleaseBooking", "booking id is required")
	}
	return s.release("seatlock.ReleaseBooking", tripID, bookingID, seatIDs)
}

func (s *Store) release(op, tripID, bookingID string, seatIDs []string) error {
	return s.withSeats(op, tripID, seatIDs, func(slots []*seatSlot, now time.Time) error {
		for _, slot := range slots {
			st := slot.state
			if st.Status != StatusBooked {
				continue
			}
			if bookingID != "" && st.BookingID != bookingID {
				continue
			}
			s.apply(tripID, slot, SeatState{Status: StatusAvailable}, EventSeatAvailable, ReasonReleased, now)
		}
		return nil
	})
}

// State returns the current state of one seat
func (s *Store) State(tripID, seatID string) (SeatState, error) {
	var st SeatState
	err := s.withSeat("seatlock.State", tripID, seatID, func(slot *seatSlot, _ time.Time) error {
		st = slot.state
		return nil
	})
	return st, err
}

// States returns the state of every seat of a trip in catalog order
func (s *Store) States(tripID string) ([]SeatState, error) {
	shard, err := s.shard("seatlock.States", tripID)
	if err != nil {
		return nil, err
	}
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	states := make([]SeatState, 0, len(shard.order))
	for _, id := range shard.order {
		slot := shard.seats[id]
		slot.mu.Lock()
		s.expireIfDue(tripID, slot, s.now())
		states = append(states, slot.state)
		slot.mu.Unlock()
	}
	return states, nil
}

// Snapshot returns the locked and booked seats of a trip
func (s *Store) Snapshot(tripID string) (Snapshot, error) {
	shard, err := s.shard("seatlock.Snapshot", tripID)
	if err != nil {
		return Snapshot{}, err
	}
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return s.snapshotLocked(shard), nil
}

// Join runs register with a snapshot while no mutation of the trip can run.
// Subscribing inside register guarantees the subscriber sees every event after
// the snapshot and none before it.
func (s *Store) Join(tripID string, register func(Snapshot)) error {
	shard, err := s.shard("seatlock.Join", tripID)
	if err != nil {
		return err
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	register(s.snapshotLocked(shard))
	return nil
}

// SeatMap returns every seat of the trip with its current state
func (s *Store) SeatMap(tripID string) ([]SeatView, error) {
	shard, err := s.shard("seatlock.SeatMap", tripID)
	if err != nil {
		return nil, err
	}
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	views := make([]SeatView, 0, len(shard.order))
	for _, id := range shard.order {
		slot := shard.seats[id]
		slot.mu.Lock()
		s.expireIfDue(tripID, slot, s.now())
		st := slot.state
		slot.mu.Unlock()

		view := SeatView{Seat: slot.seat, Status: st.Status, HolderID: st.HolderID, BookingID: st.BookingID}
		if st.Status == StatusLocked {
			exp := st.ExpiresAt
			view.ExpiresAt = &exp
		}
		views = append(views, view)
	}
	return views, nil
}

// HeldBy returns the live locks of holderID on a trip
func (s *Store) HeldBy(tripID, holderID string) ([]Lock, error) {
	snap, err := s.Snapshot(tripID)
	if err != nil {
		return nil, err
	}
	var locks []Lock
	for _, l := range snap.LockedSeats {
		if l.HolderID == holderID {
			locks = append(locks, l)
		}
	}
	return locks, nil
}

// ReapExpired frees every lock whose TTL has passed and returns how many were
// freed. Expiry is checked under the seat mutex, so a lock refreshed just
// before the sweep survives it.
func (s *Store) ReapExpired() int {
	s.mu.RLock()
	shards := make([]*tripShard, 0, len(s.trips))
	for _, shard := range s.trips {
		shards = append(shards, shard)
	}
	s.mu.RUnlock()

	reaped := 0
	for _, shard := range shards {
		shard.mu.RLock()
		for _, id := range shard.order {
			slot := shard.seats[id]
			slot.mu.Lock()
			if s.expireIfDue(shard.id, slot, s.now()) != "" {
				reaped++
			}
			slot.mu.Unlock()
		}
		shard.mu.RUnlock()
	}
	return reaped
}

func (s *Store) snapshotLocked(shard *tripShard) Snapshot {
	now := s.now()
	snap := Snapshot{
		TripID:      shard.id,
		LockedSeats: []Lock{},
		BookedSeats: []BookedSeat{},
		TakenAt:     now,
	}
	for _, id := range shard.order {
		slot := shard.seats[id]
		slot.mu.Lock()
		s.expireIfDue(shard.id, slot, now)
		st := slot.state
		slot.mu.Unlock()

		switch st.Status {
		case StatusLocked:
			snap.LockedSeats = append(snap.LockedSeats, lockOf(shard.id, st))
		case StatusBooked:
			snap.BookedSeats = append(snap.BookedSeats, BookedSeat{SeatID: st.SeatID, BookingID: st.BookingID, HolderID: st.HolderID})
		}
	}
	return snap
}

func (s *Store) shard(op, tripID string) (*tripShard, error) {
	s.mu.RLock()
	shard, ok := s.trips[tripID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperror.NotFound(op, "trip %s not found", tripID)
	}
	return shard, nil
}

func (s *Store) withSeat(op, tripID, seatID string, fn func(*seatSlot, time.Time) error) error {
	return s.withSeatExpiry(op, tripID, seatID, func(slot *seatSlot, now time.Time, _ string) error {
		return fn(slot, now)
	})
}

// withSeatExpiry is withSeat that also reports the holder whose lock was
// lazily expired on this access, if any.
func (s *Store) withSeatExpiry(op, tripID, seatID string, fn func(*seatSlot, time.Time, string) error) error {
	shard, err := s.shard(op, tripID)
	if err != nil {
		return err
	}
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	slot, ok := shard.seats[seatID]
	if !ok {
		return apperror.NotFound(op, "seat %s not found on trip %s", seatID, tripID)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	now := s.now()
	expiredHolder := s.expireIfDue(tripID, slot, now)
	return fn(slot, now, expiredHolder)
}

func (s *Store) withSeats(op, tripID string, seatIDs []string, fn func([]*seatSlot, time.Time) error) error {
	ids := dedupe(seatIDs)
	if len(ids) == 0 {
		return apperror.Invalid(op, "at least one seat is required")
	}
	shard, err := s.shard(op, tripID)
	if err != nil {
		return err
	}
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	slots := make([]*seatSlot, 0, len(ids))
	for _, id := range ids {
		slot, ok := shard.seats[id]
		if !ok {
			return apperror.NotFound(op, "seat %s not found on trip %s", id, tripID)
		}
		slots = append(slots, slot)
	}
	for _, slot := range slots {
		slot.mu.Lock()
	}
	defer func() {
		for i := len(slots) - 1; i >= 0; i-- {
			slots[i].mu.Unlock()
		}
	}()

	now := s.now()
	for _, slot := range slots {
		s.expireIfDue(tripID, slot, now)
	}
	return fn(slots, now)
}

// expireIfDue frees an expired lock and returns its former holder.
// The caller holds slot.mu.
func (s *Store) expireIfDue(tripID string, slot *seatSlot, now time.Time) string {
	st := slot.state
	if st.Status != StatusLocked || now.Before(st.ExpiresAt) {
		return ""
	}
	s.apply(tripID, slot, SeatState{Status: StatusAvailable}, EventSeatUnlocked, ReasonExpired, now)
	return st.HolderID
}

// apply installs next as the seat state and emits the matching event.
// The caller holds slot.mu.
func (s *Store) apply(tripID string, slot *seatSlot, next SeatState, typ EventType, reason Reason, now time.Time) {
	prev := slot.state
	next.SeatID = slot.seat.SeatID
	next.Version = prev.Version + 1
	slot.state = next

	ev := Event{
		Type:       typ,
		TripID:     tripID,
		SeatID:     next.SeatID,
		HolderID:   next.HolderID,
		BookingID:  next.BookingID,
		AcquiredAt: next.AcquiredAt,
		ExpiresAt:  next.ExpiresAt,
		Reason:     reason,
		Version:    next.Version,
		At:         now,
	}
	if next.Status == StatusAvailable {
		ev.HolderID = prev.HolderID
		ev.BookingID = prev.BookingID
	}
	s.emit(ev)
}

func (s *Store) emit(ev Event) {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	for _, p := range s.publishers {
		p.Publish(ev)
	}
}

func (s *Store) clampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return s.cfg.DefaultTTL
	case ttl < minLockTTL:
		return minLockTTL
	case ttl > s.cfg.MaxTTL:
		return s.cfg.MaxTTL
	}
	return ttl
}

func lockOf(tripID string, st SeatState) Lock {
	return Lock{
		TripID:     tripID,
		SeatID:     st.SeatID,
		HolderID:   st.HolderID,
		AcquiredAt: st.AcquiredAt,
		ExpiresAt:  st.ExpiresAt,
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
