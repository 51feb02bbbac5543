package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents    = "ordercore.order.events"
	TopicOrderEventsDLQ = "ordercore.order.events.dlq"
)

// Kafka headers
const (
	HeaderEventType   = "x-event-type"
	HeaderOutboxID    = "x-outbox-id"
	HeaderReplayCount = "x-replay-count"
)

// Envelope: сообщение в топике событий заказов.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope оборачивает outbox-сообщение.
func NewEnvelope(msg domain.OutboxMessage, publishedAt time.Time) Envelope {
	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       json.RawMessage(msg.Payload),
		PublishedAt:   publishedAt,
	}
}

// partitionKey: ключ партиции: события одного заказа идут в одну партицию по порядку.
func partitionKey(msg domain.OutboxMessage) string {
	if msg.AggregateID != "" {
		return msg.AggregateID
	}
	return msg.ID
}

// publishEnvelope отправляет сообщение в topic в конверте Envelope.
// replay > 0 проставляет HeaderReplayCount, чтобы повторная переигровка видела счётчик.
func publishEnvelope(ctx context.Context, producer *Producer, topic string, msg domain.OutboxMessage, replay int) error {
	headers := map[string]string{
		HeaderEventType: msg.EventType,
		HeaderOutboxID:  msg.ID,
	}
	if replay > 0 {
		headers[HeaderReplayCount] = strconv.Itoa(replay)
	}
	return producer.PublishEvent(ctx, topic, partitionKey(msg), NewEnvelope(msg, time.Now().UTC()), headers)
}
