package refunds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"busline/internal/bookings"
	"busline/internal/shared/config"
	"busline/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher enqueues refund requests on RabbitMQ
type Publisher struct {
	url   string
	queue string
	log   *logger.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewPublisher(cfg config.RabbitMQConfig, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.GetDefault()
	}
	return &Publisher{url: cfg.URL, queue: cfg.RefundQueue, log: log.WithComponent("refund-publisher")}
}

// ScheduleRefund publishes req as a persistent message. A broken connection
// is dropped and redialed on the next call.
func (p *Publisher) ScheduleRefund(ctx context.Context, req bookings.RefundRequest) error {
	msg, err := refundMessage(req, time.Now())
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		msg)
	if err != nil {
		p.resetLocked()
		p.log.ErrorWithContext(ctx, "Failed to publish refund", err, map[string]interface{}{
			"booking_id": req.BookingID,
		})
		return fmt.Errorf("failed to publish refund: %w", err)
	}
	return nil
}

// refundMessage encodes req as a persistent message. The message id is the
// refund's idempotency key.
func refundMessage(req bookings.RefundRequest, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to encode refund: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    req.BookingID + ":" + req.ProviderRef,
		Timestamp:    now.UTC(),
		Body:         body,
	}, nil
}

func (p *Publisher) channelLocked() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.resetLocked()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := declareQueue(ch, p.queue); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

func declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return q, fmt.Errorf("queue declare: %w", err)
	}
	return q, nil
}

// Consumer feeds queued refunds to a Worker
type Consumer struct {
	url    string
	queue  string
	worker *Worker
	log    *logger.Logger
}

func NewConsumer(cfg config.RabbitMQConfig, worker *Worker, log *logger.Logger) *Consumer {
	if log == nil {
		log = logger.GetDefault()
	}
	return &Consumer{url: cfg.URL, queue: cfg.RefundQueue, worker: worker, log: log.WithComponent("refund-consumer")}
}

// Run consumes until ctx is cancelled, reconnecting with a doubling backoff
// capped at 30s.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.ErrorWithContext(ctx, "Failed to dial broker", err, map[string]interface{}{
				"retry_in": backoff.String(),
			})
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.ErrorWithContext(ctx, "Consume loop ended, reconnecting", err, nil)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(10, 0, false); err != nil {
		c.log.ErrorWithContext(ctx, "Set QoS failed", err, nil)
	}
	if _, err := declareQueue(ch, c.queue); err != nil {
		return err
	}

	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

// handle runs one delivery through the worker and settles it: ack on
// success, one requeue on failure, then a nack without requeue.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var msg bookings.RefundRequest
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.log.ErrorWithContext(ctx, "Dropping undecodable refund", err, nil)
		_ = d.Nack(false, false)
		return
	}

	if err := c.worker.Process(ctx, msg); err != nil {
		// One redelivery, then the refund needs an operator
		requeue := !d.Redelivered && ctx.Err() == nil
		if !requeue {
			c.log.ErrorWithContext(ctx, "Refund needs manual attention", err, map[string]interface{}{
				"booking_id":   msg.BookingID,
				"provider_ref": msg.ProviderRef,
				"amount":       msg.Amount,
			})
		}
		_ = d.Nack(false, requeue)
		return
	}
	_ = d.Ack(false)
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
