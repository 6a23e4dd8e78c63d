package seats

import (
	"context"
	"time"

	"busline/internal/seatlock"
	"busline/internal/shared/apperror"
	"busline/pkg/logger"
)

// Service exposes trip scheduling and seat holds over REST. Socket clients go
// through the broadcast hub; both end up in the same seat lock store.
type Service interface {
	ScheduleTrip(ctx context.Context, req ScheduleTripRequest) (*SeatMapResponse, error)
	ListTrips(ctx context.Context) []string
	GetSeatMap(ctx context.Context, tripID, viewerID string) (*SeatMapResponse, error)
	GetSnapshot(ctx context.Context, tripID, viewerID string) (*SnapshotResponse, error)
	HoldSeats(ctx context.Context, tripID, holderID string, req HoldSeatsRequest) (*SeatHoldResponse, error)
	ReleaseSeat(ctx context.Context, tripID, seatID, holderID string) error
	GetHolds(ctx context.Context, tripID, holderID string) (*SeatHoldResponse, error)
}

type service struct {
	store *seatlock.Store
	log   *logger.Logger
	now   func() time.Time
}

func NewService(store *seatlock.Store, log *logger.Logger) Service {
	if log == nil {
		log = logger.GetDefault()
	}
	return &service{store: store, log: log.WithComponent("seats"), now: time.Now}
}

func (s *service) ScheduleTrip(ctx context.Context, req ScheduleTripRequest) (*SeatMapResponse, error) {
	if err := s.store.RegisterTrip(req.TripID, req.catalog()); err != nil {
		return nil, err
	}
	s.log.InfoWithContext(ctx, "Trip scheduled", map[string]interface{}{
		"trip_id": req.TripID,
		"seats":   len(req.Seats),
	})
	return s.GetSeatMap(ctx, req.TripID, "")
}

func (s *service) ListTrips(ctx context.Context) []string {
	return s.store.Trips()
}

func (s *service) GetSeatMap(ctx context.Context, tripID, viewerID string) (*SeatMapResponse, error) {
	views, err := s.store.SeatMap(tripID)
	if err != nil {
		return nil, err
	}
	out := toSeatMapResponse(tripID, views, viewerID)
	return &out, nil
}

func (s *service) GetSnapshot(ctx context.Context, tripID, viewerID string) (*SnapshotResponse, error) {
	snap, err := s.store.Snapshot(tripID)
	if err != nil {
		return nil, err
	}
	out := toSnapshotResponse(snap, viewerID)
	return &out, nil
}

// HoldSeats locks every requested seat or none. Seats the holder already held
// keep their lock when a later seat conflicts.
func (s *service) HoldSeats(ctx context.Context, tripID, holderID string, req HoldSeatsRequest) (*SeatHoldResponse, error) {
	const op = "seats.HoldSeats"
	held, err := s.store.HeldBy(tripID, holderID)
	if err != nil {
		return nil, err
	}
	already := make(map[string]bool, len(held))
	for _, l := range held {
		already[l.SeatID] = true
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	var acquired []string
	for _, seatID := range req.SeatIDs {
		if _, err := s.store.Lock(tripID, seatID, holderID, ttl); err != nil {
			for _, id := range acquired {
				if uerr := s.store.Unlock(tripID, id, holderID); uerr != nil && apperror.IsInternal(uerr) {
					s.log.ErrorWithContext(ctx, "Failed to roll back seat hold", uerr, map[string]interface{}{
						"trip_id": tripID,
						"seat_id": id,
					})
				}
			}
			s.log.DebugWithContext(ctx, "Seat hold rejected", map[string]interface{}{
				"op":      op,
				"trip_id": tripID,
				"seat_id": seatID,
				"kind":    string(apperror.KindOf(err)),
			})
			return nil, err
		}
		if !already[seatID] {
			acquired = append(acquired, seatID)
		}
	}

	return s.GetHolds(ctx, tripID, holderID)
}

func (s *service) ReleaseSeat(ctx context.Context, tripID, seatID, holderID string) error {
	return s.store.Unlock(tripID, seatID, holderID)
}

func (s *service) GetHolds(ctx context.Context, tripID, holderID string) (*SeatHoldResponse, error) {
	locks, err := s.store.HeldBy(tripID, holderID)
	if err != nil {
		return nil, err
	}
	catalog, err := s.store.Catalog(tripID)
	if err != nil {
		return nil, err
	}
	out := toSeatHoldResponse(tripID, holderID, locks, catalog, s.now())
	return &out, nil
}
