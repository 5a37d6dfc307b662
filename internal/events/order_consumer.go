// Package events ingests order events from Kafka and hands them to the notifier.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/NomadCrew/order-push-backend/config"
	"github.com/NomadCrew/order-push-backend/logger"
	"github.com/NomadCrew/order-push-backend/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// OrderEventHandler reacts to one decoded order event.
type OrderEventHandler interface {
	Handle(ctx context.Context, event types.OrderEvent) error
}

// OrderConsumer is a sarama consumer group handler for the order topic.
type OrderConsumer struct {
	topic    string
	group    sarama.ConsumerGroup
	handler  OrderEventHandler
	log      *zap.Logger
	consumed *prometheus.CounterVec
}

// NewConsumerGroup creates the sarama consumer group described by cfg.
func NewConsumerGroup(cfg config.KafkaConfig) (sarama.ConsumerGroup, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V2_1_0_0
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}
	return group, nil
}

func NewOrderConsumer(topic string, group sarama.ConsumerGroup, handler OrderEventHandler, reg prometheus.Registerer) *OrderConsumer {
	return &OrderConsumer{
		topic:   topic,
		group:   group,
		handler: handler,
		log:     logger.Named("order-consumer"),
		consumed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "order_events_consumed_total",
			Help: "Order events read from Kafka by result",
		}, []string{"result"}),
	}
}

// Run consumes until ctx is cancelled or the group is closed.
func (c *OrderConsumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.group.Close(); err != nil {
			c.log.Warn("Failed to close consumer group", zap.Error(err))
		}
	}()

	c.log.Info("Order event consumer started", zap.String("topic", c.topic))

	backoff := time.Second
	for {
		err := c.group.Consume(ctx, []string{c.topic}, c)
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return err
			}
			c.log.Error("Error consuming order events", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		if ctx.Err() != nil {
			c.log.Info("Context cancelled, stopping order event consumer")
			return ctx.Err()
		}
		backoff = time.Second
	}
}

func (c *OrderConsumer) Setup(session sarama.ConsumerGroupSession) error {
	for topic, partitions := range session.Claims() {
		c.log.Info("Partition assignment", zap.String("topic", topic), zap.Int32s("partitions", partitions))
	}
	return nil
}

func (c *OrderConsumer) Cleanup(_ sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim decodes each message and hands it to the handler. Undecodable
// messages are marked and skipped; handler failures are left unmarked.
func (c *OrderConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		event, err := decodeOrderEvent(message.Value)
		if err != nil {
			c.consumed.WithLabelValues("invalid").Inc()
			c.log.Error("Skipping undecodable order event",
				zap.Int32("partition", message.Partition),
				zap.Int64("offset", message.Offset),
				zap.Error(err))
			session.MarkMessage(message, "")
			continue
		}

		if err := c.handler.Handle(session.Context(), event); err != nil {
			c.consumed.WithLabelValues("failed").Inc()
			c.log.Error("Order event handling failed",
				zap.String("orderID", event.OrderID),
				zap.String("event", event.Event),
				zap.Error(err))
			continue
		}

		c.consumed.WithLabelValues("handled").Inc()
		session.MarkMessage(message, "")
	}
	return nil
}

func decodeOrderEvent(data []byte) (types.OrderEvent, error) {
	var event types.OrderEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return event, err
	}
	switch {
	case event.Event != types.OrderEventCreated && event.Event != types.OrderEventStatusChanged:
		return event, fmt.Errorf("unknown event %q", event.Event)
	case event.OrderID == "":
		return event, errors.New("orderId is required")
	case event.CustomerID == "" && event.Event == types.OrderEventStatusChanged:
		return event, errors.New("customerId is required")
	}
	return event, nil
}
