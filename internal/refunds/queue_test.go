package refunds

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"busline/internal/bookings"
	"busline/internal/shared/apperror"
	"busline/internal/shared/config"
	"busline/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// settlement records how a delivery was settled
type settlement struct {
	mu       sync.Mutex
	acks     int
	nacks    int
	requeued bool
}

func (s *settlement) Ack(uint64, bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks++
	return nil
}

func (s *settlement) Nack(_ uint64, _ bool, requeue bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nacks++
	s.requeued = requeue
	return nil
}

func (s *settlement) Reject(tag uint64, requeue bool) error {
	return s.Nack(tag, false, requeue)
}

func newTestConsumer(exec Executor) *Consumer {
	w := NewWorker(exec, 0, time.Millisecond, logger.Discard())
	w.after = immediate
	return NewConsumer(config.RabbitMQConfig{URL: "amqp://unused", RefundQueue: "refunds"}, w, logger.Discard())
}

func delivery(t *testing.T, ack amqp.Acknowledger, body []byte, redelivered bool) amqp.Delivery {
	t.Helper()
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body, Redelivered: redelivered}
}

func TestConsumerSettlesDeliveries(t *testing.T) {
	req := bookings.RefundRequest{BookingID: "BK1", ProviderRef: "ORD-1", Amount: 200, Reason: "late payment"}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		body        []byte
		failures    int
		err         error
		redelivered bool
		acks        int
		nacks       int
		requeued    bool
		calls       int
	}{
		{"refund executed", body, 0, nil, false, 1, 0, false, 1},
		{"first failure is requeued", body, 1, unreachable, false, 0, 1, true, 1},
		{"second failure goes to an operator", body, 1, unreachable, true, 0, 1, false, 1},
		{"permanent failure is requeued once", body, 1, apperror.Invalid("test", "bad amount"), false, 0, 1, true, 1},
		{"undecodable body is dropped", []byte("{nope"), 0, nil, false, 0, 1, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &flakyExecutor{failures: tt.failures, err: tt.err}
			ack := &settlement{}
			newTestConsumer(exec).handle(context.Background(), delivery(t, ack, tt.body, tt.redelivered))

			if ack.acks != tt.acks || ack.nacks != tt.nacks || ack.requeued != tt.requeued {
				t.Fatalf("acks=%d nacks=%d requeued=%v", ack.acks, ack.nacks, ack.requeued)
			}
			if exec.count() != tt.calls {
				t.Fatalf("refund calls = %d, want %d", exec.count(), tt.calls)
			}
			if tt.calls > 0 && (exec.calls[0].BookingID != req.BookingID || exec.calls[0].Amount != req.Amount) {
				t.Fatalf("refund = %+v", exec.calls[0])
			}
		})
	}
}

func TestConsumerDoesNotRequeueAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	body, _ := json.Marshal(bookings.RefundRequest{BookingID: "BK1", ProviderRef: "ORD-1"})
	ack := &settlement{}

	newTestConsumer(&flakyExecutor{failures: 1, err: unreachable}).handle(ctx, delivery(t, ack, body, false))
	if ack.nacks != 1 || ack.requeued {
		t.Fatalf("nacks=%d requeued=%v", ack.nacks, ack.requeued)
	}
}

func TestRefundMessage(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("BRT", -3*3600))
	req := bookings.RefundRequest{BookingID: "BK1", ProviderRef: "ORD-1", Amount: 150}

	msg, err := refundMessage(req, now)
	if err != nil {
		t.Fatal(err)
	}
	if msg.DeliveryMode != amqp.Persistent || msg.MessageId != "BK1:ORD-1" || msg.ContentType != "application/json" {
		t.Fatalf("message = %+v", msg)
	}
	if msg.Timestamp.Location() != time.UTC || !msg.Timestamp.Equal(now) {
		t.Fatalf("timestamp = %v", msg.Timestamp)
	}
	var decoded bookings.RefundRequest
	if err := json.Unmarshal(msg.Body, &decoded); err != nil || decoded.Amount != 150 {
		t.Fatalf("body = %s, %v", msg.Body, err)
	}
}
