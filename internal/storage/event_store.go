package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/radiusdt/spend-optimizer/internal/models"
)

// InMemoryEventStore keeps events and transactions in memory, indexed by
// client. It is not durable and is intended for development and tests.
// Like the database stores it ignores records whose ID was already saved.
type InMemoryEventStore struct {
	mu           sync.RWMutex
	events       map[string][]models.Event       // client_id -> events
	transactions map[string][]models.Transaction // client_id -> transactions
	eventIDs     map[string]struct{}
	txIDs        map[string]struct{}
}

// NewInMemoryEventStore creates a new in-memory event store.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{
		events:       make(map[string][]models.Event),
		transactions: make(map[string][]models.Transaction),
		eventIDs:     make(map[string]struct{}),
		txIDs:        make(map[string]struct{}),
	}
}

func (s *InMemoryEventStore) SaveEvents(ctx context.Context, events []models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if _, dup := s.eventIDs[e.ID]; dup {
			continue
		}
		s.eventIDs[e.ID] = struct{}{}
		s.events[e.ClientID] = append(s.events[e.ClientID], e)
	}
	return nil
}

func (s *InMemoryEventStore) SaveTransactions(ctx context.Context, txs []models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range txs {
		if _, dup := s.txIDs[tx.ID]; dup {
			continue
		}
		s.txIDs[tx.ID] = struct{}{}
		s.transactions[tx.ClientID] = append(s.transactions[tx.ClientID], tx)
	}
	return nil
}

func (s *InMemoryEventStore) ListEvents(ctx context.Context, q Query) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Event, 0)
	for _, e := range s.events[q.ClientID] {
		if q.Range.Contains(e.Timestamp) {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

func (s *InMemoryEventStore) ListTransactions(ctx context.Context, q Query) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Transaction, 0)
	for _, tx := range s.transactions[q.ClientID] {
		if q.Range.Contains(tx.Timestamp) {
			result = append(result, tx)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

func (s *InMemoryEventStore) Health(ctx context.Context) error {
	return nil
}
