package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/radiusdt/spend-optimizer/internal/metrics"
	"github.com/radiusdt/spend-optimizer/internal/models"
	"github.com/radiusdt/spend-optimizer/internal/storage"
)

// Sources label where records came from.
const (
	SourceHTTP  = "http"
	SourceKafka = "kafka"
)

// ErrInvalidRecord marks records rejected by validation.
var ErrInvalidRecord = errors.New("invalid record")

// ValidationError reports the first invalid record of a batch.
type ValidationError struct {
	Index int
	Err   error
}

func (e *ValidationError) Error() string {
	return "record " + strconv.Itoa(e.Index) + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() []error {
	return []error{ErrInvalidRecord, e.Err}
}

// Recorder accepts batches of lifecycle records. Batches are validated as
// a whole; nothing is recorded if any record is invalid. Records without
// an ID get a random one, and the IDs are returned in input order.
type Recorder interface {
	RecordEvents(ctx context.Context, source string, events []models.Event) ([]string, error)
	RecordTransactions(ctx context.Context, source string, txs []models.Transaction) ([]string, error)
}

// Ingester writes records straight into the event store.
type Ingester struct {
	store    storage.EventStore
	metrics  *metrics.Metrics
	log      *zap.Logger
	onChange func(ctx context.Context, clientID string)
}

// NewIngester creates an Ingester. m may be nil.
func NewIngester(store storage.EventStore, m *metrics.Metrics, log *zap.Logger) *Ingester {
	return &Ingester{store: store, metrics: m, log: log}
}

// OnChange registers fn to be called once per client touched by a stored
// batch.
func (i *Ingester) OnChange(fn func(ctx context.Context, clientID string)) {
	i.onChange = fn
}

func (i *Ingester) RecordEvents(ctx context.Context, source string, events []models.Event) ([]string, error) {
	ids, err := prepareEvents(events)
	if err != nil {
		i.recordError(source, "validation")
		return nil, err
	}
	if err := i.store.SaveEvents(ctx, events); err != nil {
		i.recordError(source, "store")
		return nil, fmt.Errorf("failed to save events: %w", err)
	}

	clients := make(map[string]struct{})
	for _, e := range events {
		clients[e.ClientID] = struct{}{}
		if i.metrics != nil {
			i.metrics.RecordEvent(source, string(e.EventType))
		}
	}
	i.notify(ctx, clients)

	i.log.Debug("events stored", zap.String("source", source), zap.Int("count", len(events)))
	return ids, nil
}

func (i *Ingester) RecordTransactions(ctx context.Context, source string, txs []models.Transaction) ([]string, error) {
	ids, err := prepareTransactions(txs)
	if err != nil {
		i.recordError(source, "validation")
		return nil, err
	}
	if err := i.store.SaveTransactions(ctx, txs); err != nil {
		i.recordError(source, "store")
		return nil, fmt.Errorf("failed to save transactions: %w", err)
	}

	clients := make(map[string]struct{})
	for _, tx := range txs {
		clients[tx.ClientID] = struct{}{}
		if i.metrics != nil {
			i.metrics.RecordTransaction(source, tx.IsFraudulent)
		}
	}
	i.notify(ctx, clients)

	i.log.Debug("transactions stored", zap.String("source", source), zap.Int("count", len(txs)))
	return ids, nil
}

func (i *Ingester) notify(ctx context.Context, clients map[string]struct{}) {
	if i.onChange == nil {
		return
	}
	for id := range clients {
		i.onChange(ctx, id)
	}
}

func (i *Ingester) recordError(source, reason string) {
	if i.metrics != nil {
		i.metrics.RecordIngestError(source, reason)
	}
}

// prepareEvents validates a batch and then fills in missing IDs in place.
// A rejected batch is left untouched.
func prepareEvents(events []models.Event) ([]string, error) {
	for idx := range events {
		if err := events[idx].Validate(); err != nil {
			return nil, &ValidationError{Index: idx, Err: err}
		}
	}

	ids := make([]string, len(events))
	for idx := range events {
		e := &events[idx]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.Timestamp = e.Timestamp.UTC()
		ids[idx] = e.ID
	}
	return ids, nil
}

func prepareTransactions(txs []models.Transaction) ([]string, error) {
	for idx := range txs {
		if err := txs[idx].Validate(); err != nil {
			return nil, &ValidationError{Index: idx, Err: err}
		}
	}

	ids := make([]string, len(txs))
	for idx := range txs {
		tx := &txs[idx]
		if tx.ID == "" {
			tx.ID = uuid.NewString()
		}
		tx.Timestamp = tx.Timestamp.UTC()
		ids[idx] = tx.ID
	}
	return ids, nil
}
