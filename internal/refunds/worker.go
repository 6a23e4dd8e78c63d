package refunds

import (
	"context"
	"errors"
	"sync"
	"time"

	"busline/internal/bookings"
	"busline/internal/shared/apperror"
	"busline/pkg/logger"
)

// Executor carries out a refund at the payment provider
type Executor interface {
	Refund(ctx context.Context, req bookings.RefundRequest) error
}

// Worker executes refund requests with bounded retries
type Worker struct {
	executor   Executor
	maxRetries int
	backoff    time.Duration
	log        *logger.Logger
	after      func(time.Duration) <-chan time.Time
}

func NewWorker(executor Executor, maxRetries int, backoff time.Duration, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.GetDefault()
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Worker{
		executor:   executor,
		maxRetries: maxRetries,
		backoff:    backoff,
		log:        log.WithComponent("refund-worker"),
		after:      time.After,
	}
}

// Process refunds req. Only transient provider failures are retried.
func (w *Worker) Process(ctx context.Context, req bookings.RefundRequest) error {
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		err := w.executor.Refund(ctx, req)
		if err == nil {
			w.log.InfoWithContext(ctx, "Refund executed", map[string]interface{}{
				"booking_id":   req.BookingID,
				"provider_ref": req.ProviderRef,
				"amount":       req.Amount,
				"attempts":     attempt + 1,
			})
			return nil
		}

		if !errors.Is(err, apperror.ErrProviderUnreachable) || attempt == w.maxRetries {
			w.log.ErrorWithContext(ctx, "Refund failed", err, map[string]interface{}{
				"booking_id":   req.BookingID,
				"provider_ref": req.ProviderRef,
				"attempts":     attempt + 1,
			})
			return err
		}

		// Exponential backoff
		delay := w.backoff * time.Duration(1<<attempt)
		select {
		case <-w.after(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// InlineScheduler runs refunds in background goroutines of this process.
// It is used when no message broker is configured.
type InlineScheduler struct {
	worker *Worker
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewInlineScheduler(worker *Worker) *InlineScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &InlineScheduler{worker: worker, ctx: ctx, cancel: cancel}
}

func (s *InlineScheduler) ScheduleRefund(_ context.Context, req bookings.RefundRequest) error {
	if err := s.ctx.Err(); err != nil {
		return apperror.New(apperror.KindInternal, "refunds.ScheduleRefund", "refund scheduler is closed")
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.worker.Process(s.ctx, req)
	}()
	return nil
}

// Wait blocks until every scheduled refund has finished
func (s *InlineScheduler) Wait() {
	s.wg.Wait()
}

// Close stops pending retries and waits for running refunds
func (s *InlineScheduler) Close() {
	s.cancel()
	s.wg.Wait()
}
