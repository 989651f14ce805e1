package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka audit sink.
type KafkaConfig struct {
	// Brokers is the list of broker addresses (host:port).
	Brokers []string
	// Topic is the topic audit events are written to.
	Topic string
	// MaxAttempts is how many times a produce is retried on transient
	// error. Defaults to 3 if <= 0.
	MaxAttempts int
	// WriteTimeout is the per-attempt timeout. Defaults to 5s if zero.
	WriteTimeout time.Duration
}

// KafkaSink streams audit events to a Kafka topic. Events are keyed by
// target id so all events for one session land on the same partition and
// keep their order.
type KafkaSink struct {
	writer       *kafka.Writer
	maxAttempts  int
	writeTimeout time.Duration
	mu           sync.Mutex
	closed       bool
}

// NewKafkaSink constructs a Kafka-backed sink.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})

	return &KafkaSink{
		writer:       w,
		maxAttempts:  cfg.MaxAttempts,
		writeTimeout: cfg.WriteTimeout,
	}, nil
}

// Emit produces the event with bounded retries and exponential backoff.
// Produce failures are logged, never returned: audit emission is
// fire-and-forget from the engine's hot paths.
func (s *KafkaSink) Emit(ctx context.Context, ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	value, err := json.Marshal(ev)
	if err != nil {
		log.Printf("audit: kafka marshal failed for %s: %v", ev.Event, err)
		return
	}

	msg := kafka.Message{
		Key:   []byte(ev.Target),
		Value: value,
		Time:  ev.Timestamp,
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
		err := s.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return
		}
		lastErr = err

		select {
		case <-ctx.Done():
			log.Printf("audit: kafka produce abandoned for %s: %v", ev.Event, ctx.Err())
			return
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}

	log.Printf("audit: kafka produce failed after %d attempts for %s: %v", s.maxAttempts, ev.Event, lastErr)
}

// Close shuts down the underlying writer.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.writer.Close()
}
