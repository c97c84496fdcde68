// Package kafka publishes fulfillment events to Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	kafkaGo "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/keymarket/internal/fulfillment"
	"github.com/fairyhunter13/keymarket/internal/messaging"
	"github.com/fairyhunter13/keymarket/internal/obs"
)

type Config struct {
	Brokers         []string
	OrdersTopic     string
	RejectionsTopic string
	TracerProvider  trace.TracerProvider
	Logger          *slog.Logger
}

type messageWriter interface {
	WriteMessage(ctx context.Context, msg kafkaGo.Message) error
	Close() error
}

// Publisher keeps one long-lived writer per topic. Order outcomes go
// to the orders topic keyed by buyer id so a buyer's events stay in
// order; rejected payments go to the rejections topic.
type Publisher struct {
	orders     messageWriter
	rejections messageWriter
	logger     *slog.Logger
}

var _ messaging.Publisher = (*Publisher)(nil)

func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	orders, err := newWriter(cfg.Brokers, cfg.OrdersTopic, tp)
	if err != nil {
		return nil, err
	}
	rejections, err := newWriter(cfg.Brokers, cfg.RejectionsTopic, tp)
	if err != nil {
		_ = orders.Close()
		return nil, err
	}
	logger := obs.Or(cfg.Logger)
	logger.Info("kafka_publisher_ready", "brokers", cfg.Brokers, "orders_topic", cfg.OrdersTopic, "rejections_topic", cfg.RejectionsTopic)
	return &Publisher{orders: orders, rejections: rejections, logger: logger}, nil
}

func newWriter(brokers []string, topic string, tp trace.TracerProvider) (messageWriter, error) {
	base := &kafkaGo.Writer{
		Addr:         kafkaGo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkaGo.Hash{},
		RequiredAcks: kafkaGo.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
	}
	w, err := otelkafka.NewWriter(base,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes([]attribute.KeyValue{
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.kafka.client_id", obs.ServiceName),
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: instrumenting writer for %s: %w", topic, err)
	}
	return w, nil
}

// Message builds the Kafka record for ev.
func Message(ev fulfillment.Event) (kafkaGo.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return kafkaGo.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return kafkaGo.Message{
		Key:   []byte(strconv.FormatInt(ev.BuyerID, 10)),
		Value: payload,
		Headers: []kafkaGo.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "event-id", Value: []byte(ev.ID)},
		},
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, ev fulfillment.Event) error {
	msg, err := Message(ev)
	if err != nil {
		return err
	}
	w := p.orders
	if ev.Type == fulfillment.EventPaymentRejected {
		w = p.rejections
	}
	if err := w.WriteMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s event %s: %w", ev.Type, ev.ID, err)
	}
	p.logger.Debug("event_published", "event_id", ev.ID, "type", ev.Type, "order_id", ev.OrderID)
	return nil
}

func (p *Publisher) Close() error {
	return errors.Join(p.orders.Close(), p.rejections.Close())
}
