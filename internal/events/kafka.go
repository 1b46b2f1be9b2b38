// Package events publishes ledger events to Kafka.
package events

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/xenking/kart-promo/internal/domain/redemption"
)

// KindHeader carries the event kind so consumers can filter without decoding.
const KindHeader = "event-kind"

// MessageWriter is the part of kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// WriterConfig configures NewWriter.
type WriterConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// NewWriter creates a kafka.Writer keyed by account so that one account's
// events stay ordered on a partition.
func NewWriter(cfg WriterConfig) *kafka.Writer {
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 50 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batch,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

var _ redemption.Publisher = (*Publisher)(nil)

// Publisher writes ledger events as JSON messages.
type Publisher struct {
	writer     MessageWriter
	propagator propagation.TextMapPropagator
}

// NewPublisher creates a Publisher over w.
func NewPublisher(w MessageWriter) *Publisher {
	return &Publisher{writer: w, propagator: otel.GetTextMapPropagator()}
}

// Publish writes events in one batch.
func (p *Publisher) Publish(ctx context.Context, events ...redemption.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, len(events))
	for i, ev := range events {
		carrier := headerCarrier{{Key: KindHeader, Value: []byte(ev.Kind)}}
		p.propagator.Inject(ctx, &carrier)
		msgs[i] = kafka.Message{
			Key:     []byte(strconv.FormatInt(ev.AccountID, 10)),
			Value:   Encode(ev),
			Headers: []kafka.Header(carrier),
			Time:    ev.At,
		}
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return errors.Wrapf(err, "write %d events", len(msgs))
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Encode renders an event as JSON.
func Encode(ev redemption.Event) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("kind", func(e *jx.Encoder) { e.Str(string(ev.Kind)) })
		e.Field("code", func(e *jx.Encoder) { e.Str(ev.Code) })
		e.Field("templateId", func(e *jx.Encoder) { e.Int64(ev.TemplateID) })
		e.Field("accountId", func(e *jx.Encoder) { e.Int64(ev.AccountID) })
		if ev.OrderRef != nil {
			e.Field("orderRef", func(e *jx.Encoder) { e.Str(*ev.OrderRef) })
		}
		if ev.Kind == redemption.EventRedeemed {
			e.Field("remainingPoints", func(e *jx.Encoder) { e.Int64(ev.RemainingPoints) })
		}
		e.Field("at", func(e *jx.Encoder) { e.Str(ev.At.UTC().Format(time.RFC3339Nano)) })
	})
	return e.Bytes()
}

// headerCarrier adapts Kafka headers to the OpenTelemetry propagation API.
type headerCarrier []kafka.Header

func (c *headerCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, len(*c))
	for i, h := range *c {
		keys[i] = h.Key
	}
	return keys
}
