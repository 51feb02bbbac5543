package kafka

import (
	"context"
	"errors"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

var errNoProducer = errors.New("kafka publisher has no producer")

// TopicPublisher отправляет outbox-сообщения в один topic. Один Producer
// обслуживает и основной topic событий, и DLQ.
type TopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт publisher; пустой topic означает TopicOrderEvents.
func NewOutboxPublisher(producer *Producer, topic string) *TopicPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &TopicPublisher{producer: producer, topic: topic}
}

// Publish повторяет доставку безопасно: потребители дедуплицируют по HeaderOutboxID.
func (p *TopicPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errNoProducer
	}
	return publishEnvelope(ctx, p.producer, p.topic, msg, 0)
}

func (p *TopicPublisher) Topic() string { return p.topic }

var _ domain.OutboxPublisher = (*TopicPublisher)(nil)
