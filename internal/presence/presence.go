// Package presence publishes online/offline user-state events for admitted
// sessions to an external event stream.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTopic is the Kafka topic user-state events are written to.
const DefaultTopic = "user_state"

// State is a user's connection state.
type State string

// User states.
const (
	StateOnline  State = "online"
	StateOffline State = "offline"
)

// Event reports that a session came online or went offline.
type Event struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	SessionID      string `json:"session_id"`
	State          State  `json:"state"`
	ConnectionTime int64  `json:"connection_time"`
}

// NewEvent builds an event with a fresh id.
func NewEvent(userID, sessionID string, state State, connectedAt time.Time) Event {
	return Event{
		ID:             uuid.NewString(),
		UserID:         userID,
		SessionID:      sessionID,
		State:          state,
		ConnectionTime: connectedAt.UnixMilli(),
	}
}

// Publisher delivers presence events. Publish must not block on the remote
// broker for longer than the context allows.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("presence: publisher closed")

// KafkaPublisher writes events to a Kafka topic through an async producer.
// Delivery results are drained in the background and only logged.
type KafkaPublisher struct {
	producer sarama.AsyncProducer
	topic    string
	log      *zap.Logger
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewKafkaConfig returns the producer configuration used for presence events.
func NewKafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Timeout = 5 * time.Second
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return cfg
}

// NewKafkaPublisher connects an async producer to brokers.
func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) (*KafkaPublisher, error) {
	producer, err := sarama.NewAsyncProducer(brokers, NewKafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, topic, log), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer. The producer must
// be configured to return both successes and errors.
func NewKafkaPublisherWithProducer(producer sarama.AsyncProducer, topic string, log *zap.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	p := &KafkaPublisher{
		producer: producer,
		topic:    topic,
		log:      log,
		done:     make(chan struct{}),
	}
	go p.drain()
	return p
}

func (p *KafkaPublisher) drain() {
	defer close(p.done)
	successes, failures := p.producer.Successes(), p.producer.Errors()
	for successes != nil || failures != nil {
		select {
		case msg, ok := <-successes:
			if !ok {
				successes = nil
				continue
			}
			p.log.Debug("presence event published",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset))
		case perr, ok := <-failures:
			if !ok {
				failures = nil
				continue
			}
			p.log.Warn("presence event publish failed", zap.Error(perr.Err))
		}
	}
}

// Publish enqueues ev keyed by user id so one user's events stay ordered
// within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal presence event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.UserID),
		Value: sarama.ByteEncoder(data),
	}

	// Held across the send so Close cannot shut the input channel under us.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish presence event: %w", ctx.Err())
	}
}

// Close flushes and closes the producer and waits for the result drain.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.producer.AsyncClose()
	<-p.done
	return nil
}
