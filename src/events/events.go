package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	kafkago "github.com/segmentio/kafka-go"
)

var logger = loggo.GetLogger("ledgerlink.events")

// publishTimeout bounds how long a request waits on the broker.
var publishTimeout = 2 * time.Second

const (
	ItemLinked         = "item.linked"
	TransactionsSynced = "transactions.synced"
	ItemDisconnected   = "item.disconnected"
)

// Event is one ledger change, published as JSON keyed by item id.
type Event struct {
	Type          string      `json:"type"`
	ApplicationID string      `json:"applicationId"`
	UserID        string      `json:"userId"`
	ItemID        string      `json:"itemId"`
	OccurredAt    time.Time   `json:"occurredAt"`
	Data          interface{} `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher drops every event. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                          { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaPublisher writes events to a single topic.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafkago.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafkago.RequireAll,
			MaxAttempts:  3,
			WriteTimeout: publishTimeout,
		},
		topic: topic,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return errors.Annotatef(err, "encode %s event", event.Type)
	}
	msg := kafkago.Message{
		Key:   []byte(event.ItemID),
		Value: value,
		Headers: []kafkago.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Annotatef(err, "kafka publish to %s", p.topic)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// PublishBestEffort publishes within publishTimeout and only logs a failure.
// Ledger state is already committed by the time events go out.
func PublishBestEffort(ctx context.Context, p Publisher, event Event) {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.Publish(ctx, event); err != nil {
		logger.Warningf("failed to publish %s for item %s: %v", event.Type, event.ItemID, err)
	}
}
