package kafka

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

func TestTopicPublisher_WrapsMessageInEnvelope(t *testing.T) {
	sync := mocks.NewSyncProducer(t, nil)
	sync.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var env Envelope
		require.NoError(t, json.Unmarshal(val, &env))
		require.Equal(t, "outbox-1", env.ID)
		require.Equal(t, "order-123", env.AggregateID)
		require.Equal(t, domain.EventOrderCreated, env.EventType)
		require.JSONEq(t, `{"status":"PENDING"}`, string(env.Payload))
		require.False(t, env.PublishedAt.IsZero())
		return nil
	})

	publisher := NewOutboxPublisher(NewProducerFromSync(sync, nil), "orders.custom")
	require.Equal(t, "orders.custom", publisher.Topic())

	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-123",
		EventType:     domain.EventOrderCreated,
		Payload:       []byte(`{"status":"PENDING"}`),
	})
	require.NoError(t, err)
	require.NoError(t, sync.Close())
}

func TestTopicPublisher_ProducerError(t *testing.T) {
	sync := mocks.NewSyncProducer(t, nil)
	sync.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewOutboxPublisher(NewProducerFromSync(sync, nil), "")
	require.Equal(t, TopicOrderEvents, publisher.Topic())

	err := publisher.Publish(context.Background(), domain.OutboxMessage{ID: "outbox-2", AggregateID: "order-234"})
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, sync.Close())
}

func TestTopicPublisher_WithoutProducer(t *testing.T) {
	require.ErrorIs(t, NewOutboxPublisher(nil, "").Publish(context.Background(), domain.OutboxMessage{}), errNoProducer)

	var nilPublisher *TopicPublisher
	require.ErrorIs(t, nilPublisher.Publish(context.Background(), domain.OutboxMessage{}), errNoProducer)
}

func TestPartitionKey(t *testing.T) {
	require.Equal(t, "order-1", partitionKey(domain.OutboxMessage{ID: "m", AggregateID: "order-1"}))
	require.Equal(t, "m", partitionKey(domain.OutboxMessage{ID: "m"}))
}
