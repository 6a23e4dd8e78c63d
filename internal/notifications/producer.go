package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"busline/internal/bookings"
	"busline/internal/shared/config"
	"busline/pkg/logger"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// KafkaProducerConfig contains configuration for the lifecycle event producer
type KafkaProducerConfig struct {
	Brokers          []string
	Topic            string
	ClientID         string
	RetryMax         int
	TimeoutMs        int
	RequiredAcks     sarama.RequiredAcks
	CompressionType  sarama.CompressionCodec
	IdempotentWrites bool
	MaxMessageBytes  int
	// QueueSize bounds events waiting to be sent; beyond it events are dropped
	QueueSize int
}

// DefaultKafkaProducerConfig returns a default producer configuration
func DefaultKafkaProducerConfig() *KafkaProducerConfig {
	return &KafkaProducerConfig{
		Brokers:          []string{"localhost:9092"},
		Topic:            "busline.lifecycle",
		ClientID:         "busline",
		RetryMax:         3,
		TimeoutMs:        10000,             // 10 seconds
		RequiredAcks:     sarama.WaitForAll, // Wait for all in-sync replicas
		CompressionType:  sarama.CompressionSnappy,
		IdempotentWrites: true,
		MaxMessageBytes:  1000000, // 1MB
		QueueSize:        1024,
	}
}

// ProducerConfigFrom applies the Kafka section of the app config to the defaults
func ProducerConfigFrom(cfg config.KafkaConfig) *KafkaProducerConfig {
	pc := DefaultKafkaProducerConfig()
	if len(cfg.Brokers) > 0 {
		pc.Brokers = cfg.Brokers
	}
	if cfg.Topic != "" {
		pc.Topic = cfg.Topic
	}
	if cfg.ClientID != "" {
		pc.ClientID = cfg.ClientID
	}
	return pc
}

// NewSaramaConfig builds the sarama client configuration
func NewSaramaConfig(config *KafkaProducerConfig) *sarama.Config {
	saramaConfig := sarama.NewConfig()
	saramaConfig.ClientID = config.ClientID

	// Producer configuration
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = config.RequiredAcks
	saramaConfig.Producer.Compression = config.CompressionType
	saramaConfig.Producer.Retry.Max = config.RetryMax
	saramaConfig.Producer.Timeout = time.Duration(config.TimeoutMs) * time.Millisecond
	saramaConfig.Producer.Idempotent = config.IdempotentWrites
	saramaConfig.Producer.MaxMessageBytes = config.MaxMessageBytes

	// Enable idempotent producer
	if config.IdempotentWrites {
		saramaConfig.Net.MaxOpenRequests = 1
	}

	// Hash on booking id so one booking's events stay in order
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	return saramaConfig
}

// LifecycleProducer publishes booking lifecycle events to Kafka. Publishing
// never blocks the caller: events are queued and sent by a background loop.
type LifecycleProducer struct {
	producer sarama.SyncProducer
	config   *KafkaProducerConfig
	log      *logger.Logger

	queue   chan *sarama.ProducerMessage
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewKafkaLifecycleProducer connects to the brokers and starts the send loop
func NewKafkaLifecycleProducer(config *KafkaProducerConfig, log *logger.Logger) (*LifecycleProducer, error) {
	producer, err := sarama.NewSyncProducer(config.Brokers, NewSaramaConfig(config))
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewLifecycleProducer(producer, config, log), nil
}

// NewLifecycleProducer wraps an existing sarama producer
func NewLifecycleProducer(producer sarama.SyncProducer, config *KafkaProducerConfig, log *logger.Logger) *LifecycleProducer {
	if log == nil {
		log = logger.GetDefault()
	}
	size := config.QueueSize
	if size <= 0 {
		size = 1024
	}
	p := &LifecycleProducer{
		producer: producer,
		config:   config,
		log:      log.WithComponent("lifecycle-producer"),
		queue:    make(chan *sarama.ProducerMessage, size),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

// PublishLifecycle queues ev for Kafka
func (p *LifecycleProducer) PublishLifecycle(ctx context.Context, ev bookings.LifecycleEvent) {
	msg, err := p.message(ev)
	if err != nil {
		p.log.ErrorWithContext(ctx, "Failed to encode lifecycle event", err, map[string]interface{}{
			"booking_id": ev.BookingID,
			"type":       string(ev.Type),
		})
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.dropped.Add(1)
		p.log.ErrorWithContext(ctx, "Lifecycle event queue full, dropping event", errQueueFull, map[string]interface{}{
			"booking_id": ev.BookingID,
			"type":       string(ev.Type),
		})
	}
}

var errQueueFull = errors.New("queue full")

func (p *LifecycleProducer) message(ev bookings.LifecycleEvent) (*sarama.ProducerMessage, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return &sarama.ProducerMessage{
		Topic:     p.config.Topic,
		Key:       sarama.StringEncoder(ev.BookingID),
		Value:     sarama.ByteEncoder(body),
		Headers:   p.createHeaders(ev),
		Timestamp: ev.At,
	}, nil
}

// createHeaders creates Kafka headers for lifecycle events
func (p *LifecycleProducer) createHeaders(ev bookings.LifecycleEvent) []sarama.RecordHeader {
	headers := []sarama.RecordHeader{
		{Key: []byte("message_id"), Value: []byte(uuid.NewString())},
		{Key: []byte("event_type"), Value: []byte(ev.Type)},
		{Key: []byte("booking_id"), Value: []byte(ev.BookingID)},
		{Key: []byte("trip_id"), Value: []byte(ev.TripID)},
		{Key: []byte("status"), Value: []byte(ev.Status)},
		{Key: []byte("version"), Value: []byte("1.0")},
		{Key: []byte("producer"), Value: []byte(p.config.ClientID)},
	}
	if ev.ProviderRef != "" {
		headers = append(headers, sarama.RecordHeader{
			Key:   []byte("provider_ref"),
			Value: []byte(ev.ProviderRef),
		})
	}
	return headers
}

func (p *LifecycleProducer) run() {
	defer close(p.done)
	for msg := range p.queue {
		partition, offset, err := p.producer.SendMessage(msg)
		if err != nil {
			p.failed.Add(1)
			p.log.ErrorWithContext(context.Background(), "Failed to send lifecycle event to Kafka", err, map[string]interface{}{
				"topic": msg.Topic,
			})
			continue
		}
		p.sent.Add(1)
		p.log.DebugWithContext(context.Background(), "Lifecycle event published", map[string]interface{}{
			"topic":     msg.Topic,
			"partition": partition,
			"offset":    offset,
		})
	}
}

// Close flushes queued events and closes the Kafka producer
func (p *LifecycleProducer) Close() error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		<-p.done
		if cerr := p.producer.Close(); cerr != nil {
			err = fmt.Errorf("failed to close Kafka producer: %w", cerr)
		}
	})
	return err
}

// ProducerMetrics contains counters for monitoring the producer
type ProducerMetrics struct {
	MessagesSent    int64 `json:"messages_sent"`
	MessagesFailed  int64 `json:"messages_failed"`
	MessagesDropped int64 `json:"messages_dropped"`
	Queued          int   `json:"queued"`
}

// GetMetrics returns current producer metrics
func (p *LifecycleProducer) GetMetrics() ProducerMetrics {
	return ProducerMetrics{
		MessagesSent:    p.sent.Load(),
		MessagesFailed:  p.failed.Load(),
		MessagesDropped: p.dropped.Load(),
		Queued:          len(p.queue),
	}
}

// LogPublisher records lifecycle events in the application log. It stands in
// for Kafka when Kafka is disabled.
type LogPublisher struct {
	log *logger.Logger
}

func NewLogPublisher(log *logger.Logger) *LogPublisher {
	if log == nil {
		log = logger.GetDefault()
	}
	return &LogPublisher{log: log.WithComponent("lifecycle")}
}

func (p *LogPublisher) PublishLifecycle(ctx context.Context, ev bookings.LifecycleEvent) {
	p.log.InfoWithContext(ctx, "Lifecycle event", map[string]interface{}{
		"type":       string(ev.Type),
		"booking_id": ev.BookingID,
		"trip_id":    ev.TripID,
		"status":     string(ev.Status),
	})
}
