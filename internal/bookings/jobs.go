package bookings

import (
	"context"
	"fmt"
	"time"

	"busline/pkg/logger"

	"github.com/go-co-op/gocron/v2"
)

// ExpiryJob runs the booking expiry sweep on a fixed interval
type ExpiryJob struct {
	service   Service
	interval  time.Duration
	log       *logger.Logger
	scheduler gocron.Scheduler
}

// NewExpiryJob creates the sweep job; it does not start it
func NewExpiryJob(service Service, interval time.Duration, log *logger.Logger) *ExpiryJob {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &ExpiryJob{service: service, interval: interval, log: log.WithComponent("booking_expiry")}
}

// Start schedules the sweep. Runs never overlap.
func (j *ExpiryJob) Start(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(j.interval),
		gocron.NewTask(func() { j.Sweep(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("booking-expiry-sweep"),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule expiry sweep: %w", err)
	}

	j.scheduler = s
	s.Start()
	j.log.Info("Booking expiry sweep started", "interval", j.interval.String())
	return nil
}

// Sweep expires overdue bookings once
func (j *ExpiryJob) Sweep(ctx context.Context) int {
	start := time.Now()
	n, err := j.service.ExpireDue(ctx)
	if err != nil {
		j.log.ErrorWithContext(ctx, "Booking expiry sweep failed", err, nil)
	}
	if n > 0 {
		j.log.InfoWithContext(ctx, "Expired overdue bookings", map[string]interface{}{
			"count":       n,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
	return n
}

// Stop shuts the scheduler down and waits for a running sweep
func (j *ExpiryJob) Stop() error {
	if j.scheduler == nil {
		return nil
	}
	return j.scheduler.Shutdown()
}
