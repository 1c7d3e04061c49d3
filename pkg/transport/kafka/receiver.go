// Package kafka consumes normalized chat-transport events from a Kafka
// topic and feeds them to the engine's inbound surface. Delivery is
// at-least-once; correlation idempotency absorbs redelivery.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/chatops/swadl/pkg/models"
	"github.com/chatops/swadl/pkg/protocol"
)

// DefaultTopic carries the normalized transport events.
const DefaultTopic = "swadl.transport"

// inboundEvent is the wire shape of one transport event.
type inboundEvent struct {
	Type     models.EventKind `json:"type"`
	StreamID string           `json:"stream_id,omitempty"`
	Content  string           `json:"content,omitempty"`
	FormID   string           `json:"form_id,omitempty"`
	Field    string           `json:"field,omitempty"`
	Values   map[string]any   `json:"values,omitempty"`
	TimerID  string           `json:"timer_id,omitempty"`
}

// Config selects the brokers, topic and consumer group for the receiver.
// Zero values fall back to KAFKA_BROKERS and the defaults.
type Config struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// Receiver runs a sarama consumer group against the transport topic.
type Receiver struct {
	inbound  protocol.InboundEvents
	logger   *slog.Logger
	config   Config
	consumer sarama.ConsumerGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewReceiver(inbound protocol.InboundEvents, logger *slog.Logger, config Config) (*Receiver, error) {
	if len(config.Brokers) == 0 {
		raw := os.Getenv("KAFKA_BROKERS")
		if raw == "" {
			return nil, errors.New("no kafka brokers configured and KAFKA_BROKERS is not set")
		}

		for _, broker := range strings.Split(raw, ",") {
			config.Brokers = append(config.Brokers, strings.TrimSpace(broker))
		}
	}

	if config.Topic == "" {
		config.Topic = DefaultTopic
	}

	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "swadl-transport"
	}

	return &Receiver{
		inbound: inbound,
		logger:  logger.With("module", "kafka_transport"),
		config:  config,
	}, nil
}

// Start launches the consumer loop. Returns once the group is created;
// consumption runs until Stop.
func (r *Receiver) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	saramaConfig := sarama.NewConfig()
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumerGroup(r.config.Brokers, r.config.ConsumerGroup, saramaConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	r.consumer = consumer
	handler := &consumerHandler{receiver: r}

	go func() {
		for {
			select {
			case <-r.ctx.Done():
				return
			default:
				if err := consumer.Consume(r.ctx, []string{r.config.Topic}, handler); err != nil {
					r.logger.Error("consumer error", "error", err)
					time.Sleep(5 * time.Second)
				}
			}
		}
	}()

	go func() {
		for {
			select {
			case err := <-consumer.Errors():
				if err != nil {
					r.logger.Error("consumer group error", "error", err)
				}
			case <-r.ctx.Done():
				return
			}
		}
	}()

	r.logger.Info("transport receiver started",
		"topic", r.config.Topic, "consumer_group", r.config.ConsumerGroup)

	return nil
}

func (r *Receiver) Stop(_ context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	if r.consumer != nil {
		return r.consumer.Close()
	}

	return nil
}

// dispatch decodes one transport payload and routes it to the inbound
// surface. Unknown event types are dropped with a log so redelivery does
// not wedge the partition.
func (r *Receiver) dispatch(ctx context.Context, payload []byte) error {
	var event inboundEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		r.logger.Warn("dropping malformed transport event", "error", err)

		return nil
	}

	switch event.Type {
	case models.EventMessageReceived:
		return r.inbound.OnMessage(ctx, event.StreamID, event.Content)
	case models.EventFormReplied:
		return r.inbound.OnFormReply(ctx, event.FormID, event.Field, event.Values)
	case models.EventTimerFired:
		return r.inbound.OnTimerFire(ctx, event.TimerID)
	default:
		r.logger.Warn("dropping transport event of unknown type", "type", event.Type)

		return nil
	}
}

type consumerHandler struct {
	receiver *Receiver
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error {
	h.receiver.logger.Info("consumer group session started")

	return nil
}

func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.receiver.logger.Info("consumer group session ended")

	return nil
}

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if err := h.receiver.dispatch(session.Context(), message.Value); err != nil {
			h.receiver.logger.Error("failed to deliver transport event",
				"topic", message.Topic, "offset", message.Offset, "error", err)
		}

		session.MarkMessage(message, "")
	}

	return nil
}
