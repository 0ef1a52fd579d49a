package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/radiusdt/spend-optimizer/internal/config"
	"github.com/radiusdt/spend-optimizer/internal/models"
)

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads lifecycle envelopes from Kafka and records them. Offsets
// are committed only after a record is stored, so a crash replays it;
// records without an ID get one derived from their offset, which keeps
// replays idempotent.
type Consumer struct {
	reader   messageReader
	recorder Recorder
	log      *zap.Logger
}

// NewConsumer creates a consumer group member for the lifecycle topic.
func NewConsumer(cfg config.KafkaConfig, recorder Recorder, log *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})
	return &Consumer{reader: reader, recorder: recorder, log: log}
}

// Run consumes until ctx is cancelled. Malformed messages are logged and
// skipped; a storage failure stops the consumer without committing.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return fmt.Errorf("kafka read: %w", err)
		}

		if err := c.handleMessage(ctx, msg); err != nil {
			if !errors.Is(err, ErrInvalidRecord) {
				return err
			}
			c.log.Warn("skipping malformed message",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			return fmt.Errorf("kafka commit: %w", err)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg kafka.Message) error {
	env, err := decodeEnvelope(msg.Value)
	if err != nil {
		return err
	}

	switch env.Kind {
	case KindEvent:
		e := *env.Event
		if e.ID == "" {
			e.ID = messageID(msg)
		}
		_, err = c.recorder.RecordEvents(ctx, SourceKafka, []models.Event{e})
	case KindTransaction:
		tx := *env.Transaction
		if tx.ID == "" {
			tx.ID = messageID(msg)
		}
		_, err = c.recorder.RecordTransactions(ctx, SourceKafka, []models.Transaction{tx})
	}
	return err
}

// messageID derives a stable record ID from a message position.
func messageID(msg kafka.Message) string {
	name := "kafka://" + msg.Topic + "/" + strconv.Itoa(msg.Partition) + "/" + strconv.FormatInt(msg.Offset, 10)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
