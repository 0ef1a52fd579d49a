package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/radiusdt/spend-optimizer/internal/models"
)

// PostgresEventStore implements EventStore using PostgreSQL.
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
func NewPostgresEventStore(pool *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS fintech_user_events (
	id              TEXT PRIMARY KEY,
	client_id       TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	channel         TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	event_timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fintech_user_events_client_ts
	ON fintech_user_events (client_id, event_timestamp);

CREATE TABLE IF NOT EXISTS fintech_transactions (
	id             TEXT PRIMARY KEY,
	client_id      TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	source_channel TEXT NOT NULL,
	amount         DOUBLE PRECISION NOT NULL CHECK (amount >= 0),
	is_fraudulent  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fintech_transactions_client_ts
	ON fintech_transactions (client_id, created_at);
`

// InitSchema creates the event tables if they do not exist.
func (s *PostgresEventStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create event tables: %w", err)
	}
	return nil
}

// SaveEvents appends events. Records are immutable, so a repeated ID is
// ignored rather than updated.
func (s *PostgresEventStore) SaveEvents(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO fintech_user_events (id, client_id, user_id, channel, event_type, event_timestamp)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, e.ID, e.ClientID, e.UserID, e.Channel, string(e.EventType), e.Timestamp)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save events: %w", err)
	}
	return nil
}

// SaveTransactions appends transactions.
func (s *PostgresEventStore) SaveTransactions(ctx context.Context, txs []models.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, tx := range txs {
		batch.Queue(`
			INSERT INTO fintech_transactions (id, client_id, user_id, source_channel, amount, is_fraudulent, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, tx.ID, tx.ClientID, tx.UserID, tx.Channel, tx.Amount, tx.IsFraudulent, tx.Timestamp)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save transactions: %w", err)
	}
	return nil
}

// ListEvents returns a client's events within the range, oldest first.
func (s *PostgresEventStore) ListEvents(ctx context.Context, q Query) ([]models.Event, error) {
	from, to := rangeBounds(q.Range)

	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, user_id, channel, event_type, event_timestamp
		FROM fintech_user_events
		WHERE client_id = $1
		  AND ($2::timestamptz IS NULL OR event_timestamp >= $2)
		  AND ($3::timestamptz IS NULL OR event_timestamp <= $3)
		ORDER BY event_timestamp ASC, id ASC
	`, q.ClientID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := make([]models.Event, 0)
	for rows.Next() {
		var e models.Event
		var eventType string
		if err := rows.Scan(&e.ID, &e.ClientID, &e.UserID, &e.Channel, &eventType, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.EventType = models.EventType(eventType)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	return events, nil
}

// ListTransactions returns a client's transactions within the range.
func (s *PostgresEventStore) ListTransactions(ctx context.Context, q Query) ([]models.Transaction, error) {
	from, to := rangeBounds(q.Range)

	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, user_id, source_channel, amount, is_fraudulent, created_at
		FROM fintech_transactions
		WHERE client_id = $1
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at <= $3)
		ORDER BY created_at ASC, id ASC
	`, q.ClientID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	txs := make([]models.Transaction, 0)
	for rows.Next() {
		var tx models.Transaction
		if err := rows.Scan(&tx.ID, &tx.ClientID, &tx.UserID, &tx.Channel, &tx.Amount, &tx.IsFraudulent, &tx.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}

	return txs, nil
}

func (s *PostgresEventStore) Health(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: postgres: %v", ErrUnavailable, err)
	}
	return nil
}

// rangeBounds maps open range ends to NULL parameters.
func rangeBounds(r models.DateRange) (from, to *time.Time) {
	if !r.From.IsZero() {
		f := r.From
		from = &f
	}
	if !r.To.IsZero() {
		t := r.To
		to = &t
	}
	return from, to
}
