package seatlock

import (
	"context"

	"busline/pkg/logger"
)

// NewEventLogger returns a publisher that writes every seat event to the
// debug log. It is a no-op unless LOG_LEVEL is debug.
func NewEventLogger(log *logger.Logger) Publisher {
	log = log.WithComponent("seat_events")
	return PublisherFunc(func(ev Event) {
		log.LogSeatEvent(context.Background(), string(ev.Type), ev.TripID, ev.SeatID,
			ev.HolderID, ev.BookingID, string(ev.Reason), ev.Version)
	})
}
