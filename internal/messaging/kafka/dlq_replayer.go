package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

const defaultMaxReplays = 3

// errPoisonMessage: сообщение нельзя разобрать или переиграть; оно коммитится и пропускается.
var errPoisonMessage = errors.New("poison dlq message")

// ReplayerOptions задаёт параметры Replayer.
type ReplayerOptions struct {
	SourceTopic string
	TargetTopic string
	MaxReplays  int
	Logger      *log.Entry
}

// Replayer читает DLQ consumer group'ой и возвращает события в основной топик.
// Каждое переигрывание увеличивает HeaderReplayCount; после MaxReplays
// сообщение остаётся в DLQ.
type Replayer struct {
	group      sarama.ConsumerGroup
	producer   *Producer
	source     string
	target     string
	maxReplays int
	logger     *log.Entry
	wg         sync.WaitGroup

	replayed atomic.Int64
	skipped  atomic.Int64
}

// NewReplayer создаёт consumer group и Replayer поверх неё.
func NewReplayer(brokers []string, groupID string, producer *Producer, opts ReplayerOptions) (*Replayer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}

	return newReplayer(group, producer, opts), nil
}

func newReplayer(group sarama.ConsumerGroup, producer *Producer, opts ReplayerOptions) *Replayer {
	if opts.SourceTopic == "" {
		opts.SourceTopic = TopicOrderEventsDLQ
	}
	if opts.TargetTopic == "" {
		opts.TargetTopic = TopicOrderEvents
	}
	if opts.MaxReplays <= 0 {
		opts.MaxReplays = defaultMaxReplays
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "kafka-dlq-replayer")
	}

	return &Replayer{
		group:      group,
		producer:   producer,
		source:     opts.SourceTopic,
		target:     opts.TargetTopic,
		maxReplays: opts.MaxReplays,
		logger:     opts.Logger,
	}
}

// Run потребляет DLQ до отмены ctx.
func (r *Replayer) Run(ctx context.Context) error {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range r.group.Errors() {
			r.logger.WithError(err).Error("consumer error")
		}
	}()

	r.logger.WithFields(log.Fields{"source": r.source, "target": r.target}).Info("dlq replay started")
	for {
		// Consume должен вызываться в цикле, так как при rebalance он завершается
		if err := r.group.Consume(ctx, []string{r.source}, r); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			r.logger.WithError(err).Error("error from consumer")
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close останавливает consumer group.
func (r *Replayer) Close() error {
	if err := r.group.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer group: %w", err)
	}
	r.wg.Wait()
	r.logger.WithFields(log.Fields{
		"replayed": r.replayed.Load(),
		"skipped":  r.skipped.Load(),
	}).Info("dlq replay stopped")
	return nil
}

// Replayed возвращает число переигранных сообщений.
func (r *Replayer) Replayed() int64 {
	return r.replayed.Load()
}

// Skipped возвращает число пропущенных сообщений.
func (r *Replayer) Skipped() int64 {
	return r.skipped.Load()
}

// Setup вызывается при старте consumer session
func (r *Replayer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup вызывается при завершении consumer session
func (r *Replayer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim обрабатывает сообщения из partition
func (r *Replayer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			entry := r.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			})

			if err := r.replay(session.Context(), message); err != nil {
				if !errors.Is(err, errPoisonMessage) {
					// Без коммита: сообщение придёт снова после rebalance или рестарта.
					entry.WithError(err).Error("dlq replay failed")
					return err
				}
				r.skipped.Add(1)
				entry.WithError(err).Warn("dlq message skipped")
			}

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// replay разбирает DLQ-сообщение и публикует исходное событие в целевой топик.
func (r *Replayer) replay(ctx context.Context, message *sarama.ConsumerMessage) error {
	count := replayCount(message)
	if count >= r.maxReplays {
		return fmt.Errorf("%w: replay limit %d reached", errPoisonMessage, r.maxReplays)
	}

	var outer Envelope
	if err := json.Unmarshal(message.Value, &outer); err != nil {
		return fmt.Errorf("%w: decode envelope: %v", errPoisonMessage, err)
	}
	var dead domain.DeadLetter
	if err := json.Unmarshal(outer.Payload, &dead); err != nil {
		return fmt.Errorf("%w: decode dead letter: %v", errPoisonMessage, err)
	}
	if dead.OutboxID == "" || len(dead.Payload) == 0 {
		return fmt.Errorf("%w: dead letter without outbox id or payload", errPoisonMessage)
	}

	original := dead.Message()
	if err := publishEnvelope(ctx, r.producer, r.target, original, count+1); err != nil {
		return err
	}

	r.replayed.Add(1)
	r.logger.WithFields(log.Fields{
		"outbox_id":  original.ID,
		"event_type": original.EventType,
		"order_id":   original.AggregateID,
	}).Info("dlq message replayed")
	return nil
}

func replayCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == HeaderReplayCount {
			if count, err := strconv.Atoi(string(header.Value)); err == nil {
				return count
			}
		}
	}
	return 0
}
