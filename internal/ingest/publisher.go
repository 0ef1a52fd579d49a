package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/radiusdt/spend-optimizer/internal/config"
	"github.com/radiusdt/spend-optimizer/internal/metrics"
	"github.com/radiusdt/spend-optimizer/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is a Recorder that validates records and queues them on the
// lifecycle topic instead of storing them. A Consumer stores them later.
type Publisher struct {
	writer  messageWriter
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewPublisher creates a Kafka publisher for the lifecycle topic.
func NewPublisher(cfg config.KafkaConfig, m *metrics.Metrics, log *zap.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &Publisher{writer: writer, metrics: m, log: log}
}

func (p *Publisher) RecordEvents(ctx context.Context, source string, events []models.Event) ([]string, error) {
	ids, err := prepareEvents(events)
	if err != nil {
		p.recordError(source, "validation")
		return nil, err
	}
	envs := make([]Envelope, len(events))
	for i := range events {
		envs[i] = Envelope{Kind: KindEvent, Event: &events[i]}
	}
	if err := p.publish(ctx, envs); err != nil {
		p.recordError(source, "publish")
		return nil, err
	}
	return ids, nil
}

func (p *Publisher) RecordTransactions(ctx context.Context, source string, txs []models.Transaction) ([]string, error) {
	ids, err := prepareTransactions(txs)
	if err != nil {
		p.recordError(source, "validation")
		return nil, err
	}
	envs := make([]Envelope, len(txs))
	for i := range txs {
		envs[i] = Envelope{Kind: KindTransaction, Transaction: &txs[i]}
	}
	if err := p.publish(ctx, envs); err != nil {
		p.recordError(source, "publish")
		return nil, err
	}
	return ids, nil
}

func (p *Publisher) publish(ctx context.Context, envs []Envelope) error {
	msgs := make([]kafka.Message, 0, len(envs))
	for i := range envs {
		value, err := json.Marshal(&envs[i])
		if err != nil {
			return fmt.Errorf("marshal envelope: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: envs[i].partitionKey(), Value: value})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	p.log.Debug("records queued", zap.Int("count", len(msgs)))
	return nil
}

func (p *Publisher) recordError(source, reason string) {
	if p.metrics != nil {
		p.metrics.RecordIngestError(source, reason)
	}
}

// Close flushes and closes the underlying Kafka writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
