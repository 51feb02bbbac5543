// Команда dlq-reprocess возвращает события из DLQ в основной топик заказов.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/app"
	"github.com/vladislavdragonenkov/ordercore/internal/messaging/kafka"
)

const (
	defaultGroupID      = "ordercore-dlq-replayer"
	defaultPollInterval = 200 * time.Millisecond
)

type config struct {
	brokers    []string
	groupID    string
	source     string
	target     string
	maxReplays int
	limit      int64
	duration   time.Duration
}

// replayer описывает то, что команде нужно от kafka.Replayer.
type replayer interface {
	Run(ctx context.Context) error
	Close() error
	Replayed() int64
	Skipped() int64
}

type replayerFactory func(cfg config, logger *log.Entry) (replayer, func() error, error)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, newKafkaReplayer); err != nil {
		log.WithError(err).Error("dlq replay failed")
		os.Exit(1)
	}
}

func parseConfig(args []string, getenv func(string) string) (config, error) {
	var (
		cfg        config
		brokersRaw string
	)

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+app.EnvKafkaBrokers+")")
	fs.StringVar(&cfg.groupID, "group", defaultGroupID, "consumer group id")
	fs.StringVar(&cfg.source, "source-topic", kafka.TopicOrderEventsDLQ, "DLQ source topic")
	fs.StringVar(&cfg.target, "target-topic", kafka.TopicOrderEvents, "target topic for replay")
	fs.IntVar(&cfg.maxReplays, "max-replays", 3, "messages replayed this many times stay in the DLQ")
	fs.Int64Var(&cfg.limit, "limit", 0, "stop after this many processed messages, 0 means no limit")
	fs.DurationVar(&cfg.duration, "duration", 0, "stop after this long, 0 means until SIGTERM")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" && getenv != nil {
		brokersRaw = getenv(app.EnvKafkaBrokers)
	}
	cfg.brokers = parseBrokers(brokersRaw)

	switch {
	case len(cfg.brokers) == 0:
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or %s)", app.EnvKafkaBrokers)
	case strings.TrimSpace(cfg.groupID) == "":
		return config{}, errors.New("group is required")
	case strings.TrimSpace(cfg.source) == "":
		return config{}, errors.New("source-topic is required")
	case strings.TrimSpace(cfg.target) == "":
		return config{}, errors.New("target-topic is required")
	case cfg.source == cfg.target:
		return config{}, errors.New("source-topic and target-topic must differ")
	case cfg.maxReplays <= 0:
		return config{}, errors.New("max-replays must be > 0")
	case cfg.limit < 0:
		return config{}, errors.New("limit must be >= 0")
	case cfg.duration < 0:
		return config{}, errors.New("duration must be >= 0")
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	chunks := strings.Split(raw, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		broker := strings.TrimSpace(chunk)
		if broker == "" {
			continue
		}
		brokers = append(brokers, broker)
	}
	return brokers
}

func newKafkaReplayer(cfg config, logger *log.Entry) (replayer, func() error, error) {
	producer, err := kafka.NewProducer(cfg.brokers, defaultGroupID)
	if err != nil {
		return nil, nil, err
	}
	r, err := kafka.NewReplayer(cfg.brokers, cfg.groupID, producer, kafka.ReplayerOptions{
		SourceTopic: cfg.source,
		TargetTopic: cfg.target,
		MaxReplays:  cfg.maxReplays,
		Logger:      logger,
	})
	if err != nil {
		_ = producer.Close()
		return nil, nil, err
	}
	return r, producer.Close, nil
}

func run(ctx context.Context, args []string, getenv func(string) string, factory replayerFactory) error {
	cfg, err := parseConfig(args, getenv)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := log.WithFields(log.Fields{
		"component":    "dlq-reprocess",
		"source_topic": cfg.source,
		"target_topic": cfg.target,
		"group":        cfg.groupID,
	})

	r, closeProducer, err := factory(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeProducer != nil {
			if err := closeProducer(); err != nil {
				logger.WithError(err).Warn("failed to close kafka producer")
			}
		}
	}()

	if cfg.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.duration)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.limit > 0 {
		go stopAtLimit(ctx, cancel, r, cfg.limit)
	}

	runErr := r.Run(ctx)
	closeErr := r.Close()

	logger.WithFields(log.Fields{
		"replayed": r.Replayed(),
		"skipped":  r.Skipped(),
	}).Info("dlq replay finished")

	return errors.Join(runErr, closeErr)
}

// stopAtLimit отменяет ctx, когда обработано limit сообщений.
func stopAtLimit(ctx context.Context, cancel context.CancelFunc, r replayer, limit int64) {
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.Replayed()+r.Skipped() >= limit {
				cancel()
				return
			}
		}
	}
}
