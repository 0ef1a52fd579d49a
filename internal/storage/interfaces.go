package storage

import (
	"context"
	"errors"

	"github.com/radiusdt/spend-optimizer/internal/models"
)

// =============================================
// EVENT STORE
// =============================================

// ErrUnavailable wraps health check failures of a storage backend.
var ErrUnavailable = errors.New("storage unavailable")

// Query selects one client's records within a date range.
type Query struct {
	ClientID string
	Range    models.DateRange
}

// EventStore is the append-only source of lifecycle events and
// transactions. List methods return records ordered by timestamp
// ascending, ties broken by insertion order (memory) or ID (databases).
type EventStore interface {
	SaveEvents(ctx context.Context, events []models.Event) error
	SaveTransactions(ctx context.Context, txs []models.Transaction) error

	ListEvents(ctx context.Context, q Query) ([]models.Event, error)
	ListTransactions(ctx context.Context, q Query) ([]models.Transaction, error)

	Health(ctx context.Context) error
}

// SchemaInitializer is implemented by stores that can create their tables.
type SchemaInitializer interface {
	InitSchema(ctx context.Context) error
}
