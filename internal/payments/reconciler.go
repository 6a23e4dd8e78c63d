package payments

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"busline/internal/bookings"
	"busline/internal/shared/apperror"
	"busline/internal/shared/config"
	"busline/internal/shared/keymutex"
	"busline/pkg/logger"
)

// Bookings is the part of the booking lifecycle the reconciler drives.
// The reconciler never writes booking status itself.
type Bookings interface {
	Get(ctx context.Context, id string) (*bookings.Booking, error)
	ConfirmPayment(ctx context.Context, in bookings.ConfirmInput) (*bookings.ConfirmResult, error)
	Cancel(ctx context.Context, id, holderID, reason string) (*bookings.Booking, error)
}

// Hint is what a provider result code suggests about a payment
type Hint string

const (
	HintSuccess   Hint = "success"
	HintCancelled Hint = "cancelled"
	HintUnknown   Hint = "unknown"
)

// ClassifyCode maps a redirect result code to a hint. Codes are untrusted.
func ClassifyCode(code string) Hint {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "00", "0", "SUCCESS", "PAID", "COMPLETED", "OK":
		return HintSuccess
	case "24", "CANCEL", "CANCELLED", "CANCELED", "USER_CANCELLED":
		return HintCancelled
	default:
		return HintUnknown
	}
}

// Signal is one payment signal from the client redirect or confirm call
type Signal struct {
	BookingID   string
	ProviderRef string
	Code        string
	HolderID    string
	Source      string
}

// Outcome is where a reconciliation left the booking
type Outcome string

const (
	OutcomeConfirmed Outcome = "CONFIRMED"
	OutcomeCancelled Outcome = "CANCELLED"
	OutcomeClosed    Outcome = "CLOSED"
	OutcomePending   Outcome = "PENDING"
)

// Result reports a reconciliation
type Result struct {
	Booking       *bookings.Booking
	Outcome       Outcome
	Polls         int
	ConfirmIssued bool
}

// Config tunes confirmation retries and polling
type Config struct {
	ConfirmRetries int
	RetryBackoff   time.Duration
	PollInterval   time.Duration
	PollTimeout    time.Duration
	// IssuedTTL is how long a sent confirmation suppresses a repeat for the same key
	IssuedTTL time.Duration
}

// ConfigFrom builds a reconciler configuration from the payments section
func ConfigFrom(cfg config.PaymentsConfig) Config {
	return Config{
		ConfirmRetries: cfg.ConfirmRetries,
		RetryBackoff:   cfg.RetryBackoff,
		PollInterval:   cfg.PollInterval,
		PollTimeout:    cfg.PollTimeout,
		IssuedTTL:      time.Hour,
	}
}

type Option func(*Reconciler)

func WithLogger(l *logger.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithTimer replaces time.After for the poll and backoff waits
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(r *Reconciler) { r.after = after }
}

// Reconciler collapses redirect, confirm and webhook signals into one
// authoritative booking status.
type Reconciler struct {
	bookings Bookings
	gateway  Gateway
	cfg      Config
	log      *logger.Logger
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time

	keys      *keymutex.KeyMutex
	mu        sync.Mutex
	issued    map[string]issuedConfirm
	lastPrune time.Time
}

type issuedConfirm struct {
	at    time.Time
	order *Order
}

func NewReconciler(b Bookings, gateway Gateway, cfg Config, opts ...Option) *Reconciler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.ConfirmRetries < 0 {
		cfg.ConfirmRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.IssuedTTL <= 0 {
		cfg.IssuedTTL = time.Hour
	}
	r := &Reconciler{
		bookings: b,
		gateway:  gateway,
		cfg:      cfg,
		log:      logger.GetDefault(),
		now:      time.Now,
		after:    time.After,
		keys:     keymutex.New(),
		issued:   make(map[string]issuedConfirm),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile resolves one client-side signal. When polling ends without a
// settled status it returns the result together with a ProviderAmbiguous
// error, or ProviderUnreachable if the confirmation could not be delivered.
// The booking stays PENDING in both cases.
func (r *Reconciler) Reconcile(ctx context.Context, sig Signal) (*Result, error) {
	const op = "payments.Reconcile"
	if sig.BookingID == "" {
		return nil, apperror.Invalid(op, "booking id is required")
	}
	if sig.Source == "" {
		sig.Source = "redirect"
	}

	b, err := r.bookings.Get(ctx, sig.BookingID)
	if err != nil {
		return nil, err
	}
	res := &Result{Booking: b}
	if b.Status.IsSettled() {
		res.Outcome = OutcomeConfirmed
		return res, nil
	}

	hint := ClassifyCode(sig.Code)
	r.log.LogPaymentSignal(ctx, sig.BookingID, sig.ProviderRef, sig.Source, string(hint))

	var confirmErr error
	watch := false
	switch hint {
	case HintCancelled:
		return r.cancel(ctx, sig, res)

	case HintSuccess:
		if sig.ProviderRef == "" {
			return nil, apperror.Invalid(op, "provider reference is required to confirm a payment")
		}
		var order *Order
		order, res.ConfirmIssued, confirmErr = r.confirmOnce(ctx, sig.BookingID, sig.ProviderRef)
		switch {
		case confirmErr == nil:
			done, err := r.applyOrder(ctx, sig, order, res)
			if err != nil {
				return nil, err
			}
			if done {
				return res, nil
			}
			watch = true
		case errors.Is(confirmErr, context.Canceled), errors.Is(confirmErr, context.DeadlineExceeded):
			return nil, confirmErr
		case !errors.Is(confirmErr, apperror.ErrProviderUnreachable):
			// The provider refused the confirmation or does not know the
			// order yet. A webhook can still settle the booking.
			r.log.InfoWithContext(ctx, "Payment confirmation rejected, waiting for the provider", map[string]interface{}{
				"booking_id":   sig.BookingID,
				"provider_ref": sig.ProviderRef,
				"error":        confirmErr.Error(),
			})
		}
	}

	if res.Booking.Status.IsTerminal() {
		res.Outcome = OutcomeClosed
		return res, nil
	}
	return r.poll(ctx, op, sig, res, watch, confirmErr)
}

// HandleWebhook applies a provider-pushed order status. It goes through the
// same idempotent confirmation as the client path.
func (r *Reconciler) HandleWebhook(ctx context.Context, evt WebhookEvent) (*bookings.ConfirmResult, error) {
	const op = "payments.HandleWebhook"
	outcome := evt.Outcome()
	if evt.BookingID == "" || evt.ProviderRef == "" || !outcome.IsValid() {
		return nil, apperror.Invalid(op, "webhook needs booking id, provider reference and a known status")
	}

	res, err := r.bookings.ConfirmPayment(ctx, bookings.ConfirmInput{
		BookingID:   evt.BookingID,
		ProviderRef: evt.ProviderRef,
		Outcome:     outcome,
		Amount:      evt.Amount,
		PaidAt:      evt.PaidAt,
		Source:      "webhook",
	})
	if err != nil {
		return nil, err
	}

	if outcome == bookings.OutcomeCancelled && res.Booking.Status == bookings.StatusPending &&
		res.Disposition == bookings.DispositionRecorded {
		b, err := r.bookings.Cancel(ctx, evt.BookingID, res.Booking.HolderID, "payment cancelled at provider")
		if err != nil && !errors.Is(err, apperror.ErrIllegalTransition) {
			return nil, err
		}
		if b != nil {
			res.Booking = b
		}
	}
	return res, nil
}

func (r *Reconciler) cancel(ctx context.Context, sig Signal, res *Result) (*Result, error) {
	if sig.HolderID == "" {
		return nil, apperror.Invalid("payments.Reconcile", "holder id is required to cancel a booking")
	}
	if sig.ProviderRef != "" {
		if _, err := r.bookings.ConfirmPayment(ctx, bookings.ConfirmInput{
			BookingID:   sig.BookingID,
			ProviderRef: sig.ProviderRef,
			Outcome:     bookings.OutcomeCancelled,
			Source:      sig.Source,
		}); err != nil {
			return nil, err
		}
	}
	if res.Booking.Status != bookings.StatusPending {
		res.Outcome = OutcomeClosed
		return res, nil
	}

	b, err := r.bookings.Cancel(ctx, sig.BookingID, sig.HolderID, "payment cancelled at provider")
	if err != nil {
		return nil, err
	}
	res.Booking = b
	res.Outcome = OutcomeCancelled
	return res, nil
}

// applyOrder feeds the provider's answer to the state machine. It reports
// done when no polling is needed.
func (r *Reconciler) applyOrder(ctx context.Context, sig Signal, order *Order, res *Result) (bool, error) {
	if order == nil {
		return false, nil
	}
	var outcome bookings.Outcome
	switch order.Status {
	case ProviderPaid:
		outcome = bookings.OutcomePaid
	case ProviderFailed:
		outcome = bookings.OutcomeFailed
	case ProviderCancelled:
		outcome = bookings.OutcomeCancelled
	default:
		return false, nil
	}

	confirmed, err := r.bookings.ConfirmPayment(ctx, bookings.ConfirmInput{
		BookingID:   sig.BookingID,
		ProviderRef: sig.ProviderRef,
		Outcome:     outcome,
		Amount:      order.Amount,
		PaidAt:      order.PaidAt,
		Source:      sig.Source,
	})
	if err != nil {
		return true, err
	}
	res.Booking = confirmed.Booking

	if res.Booking.Status.IsSettled() {
		res.Outcome = OutcomeConfirmed
		return true, nil
	}
	if outcome == bookings.OutcomeCancelled && res.Booking.Status == bookings.StatusPending {
		b, err := r.bookings.Cancel(ctx, sig.BookingID, res.Booking.HolderID, "payment cancelled at provider")
		if err != nil {
			return true, err
		}
		res.Booking = b
		res.Outcome = OutcomeCancelled
		return true, nil
	}
	return false, nil
}

// poll waits for the booking to settle. With watch set the provider order is
// also looked up on every tick, since a confirmation was accepted but left
// the order open.
func (r *Reconciler) poll(ctx context.Context, op string, sig Signal, res *Result, watch bool, confirmErr error) (*Result, error) {
	polls := int(r.cfg.PollTimeout / r.cfg.PollInterval)
	if polls < 1 {
		polls = 1
	}

	for i := 0; i < polls; i++ {
		select {
		case <-r.after(r.cfg.PollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		res.Polls++

		b, err := r.bookings.Get(ctx, res.Booking.ID)
		if err != nil {
			return nil, err
		}
		res.Booking = b
		if b.Status.IsSettled() {
			res.Outcome = OutcomeConfirmed
			return res, nil
		}
		if b.Status.IsTerminal() {
			res.Outcome = OutcomeClosed
			return res, nil
		}

		if watch {
			if order := r.lookupOrder(ctx, sig.BookingID, sig.ProviderRef); order != nil && order.Status.IsFinal() {
				done, err := r.applyOrder(ctx, sig, order, res)
				if err != nil {
					return nil, err
				}
				if done {
					return res, nil
				}
			}
		}
	}

	res.Outcome = OutcomePending
	if errors.Is(confirmErr, apperror.ErrProviderUnreachable) {
		return res, apperror.New(apperror.KindProviderUnreachable, op,
			"payment provider is unreachable, please try again; your booking is kept until it expires")
	}
	return res, apperror.New(apperror.KindProviderAmbiguous, op,
		"payment is pending confirmation; check My Bookings")
}

// lookupOrder asks the provider for the current order status without
// confirming again. A failed lookup returns nil and leaves the cache alone.
func (r *Reconciler) lookupOrder(ctx context.Context, bookingID, providerRef string) *Order {
	order, err := r.gateway.Order(ctx, providerRef)
	if err != nil {
		r.log.DebugWithContext(ctx, "Order status lookup failed", map[string]interface{}{
			"booking_id":   bookingID,
			"provider_ref": providerRef,
			"error":        err.Error(),
		})
		return nil
	}

	key := IdempotencyKey(bookingID, providerRef)
	r.mu.Lock()
	if prev, ok := r.issued[key]; ok {
		prev.order = order
		r.issued[key] = prev
	}
	r.mu.Unlock()
	return order
}

// confirmOnce sends at most one confirmation per (booking, order) while the
// previous one is remembered. A remembered order that was still open is
// looked up again instead. A failed delivery is forgotten so a later signal
// may try again.
func (r *Reconciler) confirmOnce(ctx context.Context, bookingID, providerRef string) (*Order, bool, error) {
	key := IdempotencyKey(bookingID, providerRef)
	unlock := r.keys.Lock(key)
	defer unlock()

	r.mu.Lock()
	r.pruneLocked()
	prev, ok := r.issued[key]
	r.mu.Unlock()
	if ok && r.now().Sub(prev.at) <= r.cfg.IssuedTTL {
		if prev.order != nil && !prev.order.Status.IsFinal() {
			if order := r.lookupOrder(ctx, bookingID, providerRef); order != nil {
				return order, false, nil
			}
		}
		return prev.order, false, nil
	}

	order, err := r.confirmWithRetry(ctx, bookingID, providerRef)
	if err != nil {
		return nil, true, err
	}

	r.mu.Lock()
	r.issued[key] = issuedConfirm{at: r.now(), order: order}
	r.mu.Unlock()
	return order, true, nil
}

func (r *Reconciler) confirmWithRetry(ctx context.Context, bookingID, providerRef string) (*Order, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.ConfirmRetries; attempt++ {
		if attempt > 0 {
			delay := r.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			r.log.InfoWithContext(ctx, "Retrying payment confirmation", map[string]interface{}{
				"booking_id":   bookingID,
				"provider_ref": providerRef,
				"attempt":      attempt,
				"delay":        delay.String(),
			})
			select {
			case <-r.after(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		order, err := r.gateway.Confirm(ctx, bookingID, providerRef)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, apperror.ErrProviderUnreachable) {
			return nil, err
		}
		lastErr = err
	}

	r.log.ErrorWithContext(ctx, "Payment confirmation failed after retries", lastErr, map[string]interface{}{
		"booking_id":   bookingID,
		"provider_ref": providerRef,
	})
	return nil, lastErr
}

func (r *Reconciler) pruneLocked() {
	now := r.now()
	if now.Sub(r.lastPrune) < r.cfg.IssuedTTL/4 {
		return
	}
	r.lastPrune = now
	for key, ic := range r.issued {
		if now.Sub(ic.at) > r.cfg.IssuedTTL {
			delete(r.issued, key)
		}
	}
}
