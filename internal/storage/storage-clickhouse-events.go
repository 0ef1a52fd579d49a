package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/radiusdt/spend-optimizer/internal/models"
)

// ClickHouseEventStore implements EventStore on ClickHouse. Both tables use
// ReplacingMergeTree keyed by record ID, so replayed inserts collapse.
type ClickHouseEventStore struct {
	conn driver.Conn
	log  *zap.Logger
}

// NewClickHouseEventStore creates a ClickHouse-backed event store.
func NewClickHouseEventStore(conn driver.Conn, log *zap.Logger) *ClickHouseEventStore {
	return &ClickHouseEventStore{conn: conn, log: log}
}

var clickHouseSchema = []string{
	`CREATE TABLE IF NOT EXISTS fintech_user_events (
		id String,
		client_id String,
		user_id String,
		channel LowCardinality(String),
		event_type LowCardinality(String),
		event_timestamp DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree
	PARTITION BY toYYYYMM(event_timestamp)
	ORDER BY (client_id, event_timestamp, id)`,
	`CREATE TABLE IF NOT EXISTS fintech_transactions (
		id String,
		client_id String,
		user_id String,
		source_channel LowCardinality(String),
		amount Float64,
		is_fraudulent Bool,
		created_at DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree
	PARTITION BY toYYYYMM(created_at)
	ORDER BY (client_id, created_at, id)`,
}

// InitSchema creates the event tables if they do not exist.
func (s *ClickHouseEventStore) InitSchema(ctx context.Context) error {
	for _, stmt := range clickHouseSchema {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create ClickHouse table: %w", err)
		}
	}
	s.log.Info("ClickHouse schema initialized")
	return nil
}

func (s *ClickHouseEventStore) SaveEvents(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.sendBatch(ctx, "INSERT INTO fintech_user_events", "event", len(events), func(i int) []any {
		e := events[i]
		return []any{e.ID, e.ClientID, e.UserID, e.Channel, string(e.EventType), e.Timestamp}
	})
}

func (s *ClickHouseEventStore) SaveTransactions(ctx context.Context, txs []models.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	return s.sendBatch(ctx, "INSERT INTO fintech_transactions", "transaction", len(txs), func(i int) []any {
		tx := txs[i]
		return []any{tx.ID, tx.ClientID, tx.UserID, tx.Channel, tx.Amount, tx.IsFraudulent, tx.Timestamp}
	})
}

// sendBatch appends n rows to a prepared insert and sends it. A batch that
// fails before it is sent is aborted so its connection returns to the pool.
func (s *ClickHouseEventStore) sendBatch(ctx context.Context, query, kind string, n int, row func(i int) []any) (err error) {
	batch, err := s.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare %s batch: %w", kind, err)
	}
	defer func() {
		if err == nil || batch.IsSent() {
			return
		}
		if aerr := batch.Abort(); aerr != nil {
			s.log.Warn("failed to abort batch", zap.String("kind", kind), zap.Error(aerr))
		}
	}()

	for i := 0; i < n; i++ {
		if err := batch.Append(row(i)...); err != nil {
			return fmt.Errorf("failed to append %s to batch: %w", kind, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send %s batch: %w", kind, err)
	}
	return nil
}

func (s *ClickHouseEventStore) ListEvents(ctx context.Context, q Query) ([]models.Event, error) {
	where, args := clickHouseWhere(q, "event_timestamp")
	query := fmt.Sprintf(`
		SELECT id, client_id, user_id, channel, event_type, event_timestamp
		FROM fintech_user_events FINAL
		%s
		ORDER BY event_timestamp ASC, id ASC
	`, where)

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func(rows driver.Rows) {
		if err := rows.Close(); err != nil {
			s.log.Error("failed to close event rows", zap.Error(err))
		}
	}(rows)

	events := make([]models.Event, 0)
	for rows.Next() {
		var e models.Event
		var eventType string
		if err := rows.Scan(&e.ID, &e.ClientID, &e.UserID, &e.Channel, &eventType, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.EventType = models.EventType(eventType)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

func (s *ClickHouseEventStore) ListTransactions(ctx context.Context, q Query) ([]models.Transaction, error) {
	where, args := clickHouseWhere(q, "created_at")
	query := fmt.Sprintf(`
		SELECT id, client_id, user_id, source_channel, amount, is_fraudulent, created_at
		FROM fintech_transactions FINAL
		%s
		ORDER BY created_at ASC, id ASC
	`, where)

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer func(rows driver.Rows) {
		if err := rows.Close(); err != nil {
			s.log.Error("failed to close transaction rows", zap.Error(err))
		}
	}(rows)

	txs := make([]models.Transaction, 0)
	for rows.Next() {
		var tx models.Transaction
		if err := rows.Scan(&tx.ID, &tx.ClientID, &tx.UserID, &tx.Channel, &tx.Amount, &tx.IsFraudulent, &tx.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction rows: %w", err)
	}
	return txs, nil
}

func (s *ClickHouseEventStore) Health(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return fmt.Errorf("%w: clickhouse: %v", ErrUnavailable, err)
	}
	return nil
}

// clickHouseWhere builds the client and date range filter for tsColumn.
func clickHouseWhere(q Query, tsColumn string) (string, []interface{}) {
	conds := []string{"client_id = ?"}
	args := []interface{}{q.ClientID}
	if !q.Range.From.IsZero() {
		conds = append(conds, tsColumn+" >= ?")
		args = append(args, q.Range.From)
	}
	if !q.Range.To.IsZero() {
		conds = append(conds, tsColumn+" <= ?")
		args = append(args, q.Range.To)
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}
