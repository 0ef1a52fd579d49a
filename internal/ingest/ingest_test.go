package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radiusdt/spend-optimizer/internal/metrics"
	"github.com/radiusdt/spend-optimizer/internal/models"
	"github.com/radiusdt/spend-optimizer/internal/storage"
)

var ts = time.Date(2024, 2, 10, 12, 0, 0, 0, time.FixedZone("CET", 3600))

func validEvent() models.Event {
	return models.Event{
		ClientID:  "acme",
		UserID:    "u1",
		Channel:   "email",
		EventType: models.EventRegistration,
		Timestamp: ts,
	}
}

// MockRecorder is a mock implementation of Recorder
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) RecordEvents(ctx context.Context, source string, events []models.Event) ([]string, error) {
	args := m.Called(ctx, source, events)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockRecorder) RecordTransactions(ctx context.Context, source string, txs []models.Transaction) ([]string, error) {
	args := m.Called(ctx, source, txs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func TestIngester_RecordEvents(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryEventStore()
	m := metrics.NewMetrics("test", nil)
	ing := NewIngester(store, m, zap.NewNop())

	var changed []string
	ing.OnChange(func(_ context.Context, clientID string) { changed = append(changed, clientID) })

	withID := validEvent()
	withID.ID = "fixed"
	ids, err := ing.RecordEvents(ctx, SourceHTTP, []models.Event{validEvent(), withID})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.NotEmpty(t, ids[0])
	assert.Equal(t, "fixed", ids[1])
	assert.Equal(t, []string{"acme"}, changed)

	stored, err := store.ListEvents(ctx, storage.Query{ClientID: "acme"})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, time.UTC, stored[0].Timestamp.Location())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsIngested.WithLabelValues(SourceHTTP, "registration")))
}

func TestIngester_RejectsWholeBatch(t *testing.T) {
	ctx := context.Background()
	store := storage.NewInMemoryEventStore()
	m := metrics.NewMetrics("test", nil)
	ing := NewIngester(store, m, zap.NewNop())

	bad := validEvent()
	bad.UserID = ""
	local := validEvent()
	local.Timestamp = ts.In(time.FixedZone("UTC+3", 3*3600))
	batch := []models.Event{local, bad}
	_, err := ing.RecordEvents(ctx, SourceHTTP, batch)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRecord)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, 1, verr.Index)
	assert.Contains(t, err.Error(), "user_id is required")

	// Records ahead of the invalid one are not rewritten.
	assert.Empty(t, batch[0].ID)
	assert.Equal(t, "UTC+3", batch[0].Timestamp.Location().String())

	stored, err := store.ListEvents(ctx, storage.Query{ClientID: "acme"})
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestErrors.WithLabelValues(SourceHTTP, "validation")))
}

func TestIngester_AcceptsUnknownEventType(t *testing.T) {
	ing := NewIngester(storage.NewInMemoryEventStore(), nil, zap.NewNop())
	e := validEvent()
	e.EventType = "app_opened"

	_, err := ing.RecordEvents(context.Background(), SourceHTTP, []models.Event{e})
	assert.NoError(t, err)
}

func TestIngester_RecordTransactions(t *testing.T) {
	ing := NewIngester(storage.NewInMemoryEventStore(), nil, zap.NewNop())

	rejected := []models.Transaction{
		{ClientID: "acme", UserID: "u1", Channel: "email", Amount: 5, Timestamp: ts},
		{ClientID: "acme", UserID: "u1", Channel: "email", Amount: -1, Timestamp: ts},
	}
	_, err := ing.RecordTransactions(context.Background(), SourceHTTP, rejected)
	assert.ErrorIs(t, err, ErrInvalidRecord)
	assert.Empty(t, rejected[0].ID)
	assert.Equal(t, ts, rejected[0].Timestamp)

	ids, err := ing.RecordTransactions(context.Background(), SourceHTTP, []models.Transaction{
		{ClientID: "acme", UserID: "u1", Channel: "email", Amount: 25, Timestamp: ts},
	})
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

// fakeReader serves queued messages, then blocks until ctx is done.
type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func envelopeMessage(t *testing.T, offset int64, env Envelope) kafka.Message {
	t.Helper()
	value, err := json.Marshal(env)
	require.NoError(t, err)
	return kafka.Message{Topic: "fintech_lifecycle", Partition: 0, Offset: offset, Value: value}
}

func TestConsumer_Run(t *testing.T) {
	e := validEvent()
	tx := models.Transaction{ID: "tx-1", ClientID: "acme", UserID: "u1", Channel: "email", Amount: 10, Timestamp: ts}
	reader := &fakeReader{msgs: []kafka.Message{
		envelopeMessage(t, 1, Envelope{Kind: KindEvent, Event: &e}),
		{Topic: "fintech_lifecycle", Offset: 2, Value: []byte("{not json")},
		envelopeMessage(t, 3, Envelope{Kind: "click"}),
		envelopeMessage(t, 4, Envelope{Kind: KindTransaction, Transaction: &tx}),
	}}
	store := storage.NewInMemoryEventStore()
	c := &Consumer{reader: reader, recorder: NewIngester(store, nil, zap.NewNop()), log: zap.NewNop()}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := c.Run(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []int64{1, 2, 3, 4}, reader.committed)

	events, err := store.ListEvents(context.Background(), storage.Query{ClientID: "acme"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, messageID(kafka.Message{Topic: "fintech_lifecycle", Offset: 1}), events[0].ID)

	txs, err := store.ListTransactions(context.Background(), storage.Query{ClientID: "acme"})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "tx-1", txs[0].ID)
}

func TestConsumer_StoreFailureStopsWithoutCommit(t *testing.T) {
	e := validEvent()
	reader := &fakeReader{msgs: []kafka.Message{envelopeMessage(t, 7, Envelope{Kind: KindEvent, Event: &e})}}
	recorder := new(MockRecorder)
	recorder.On("RecordEvents", mock.Anything, SourceKafka, mock.Anything).Return(nil, errors.New("db down"))
	c := &Consumer{reader: reader, recorder: recorder, log: zap.NewNop()}

	err := c.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Empty(t, reader.committed)
	recorder.AssertExpectations(t)
}

func TestMessageID_Stable(t *testing.T) {
	msg := kafka.Message{Topic: "t", Partition: 2, Offset: 42}
	assert.Equal(t, messageID(msg), messageID(msg))
	assert.NotEqual(t, messageID(msg), messageID(kafka.Message{Topic: "t", Partition: 2, Offset: 43}))
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestPublisher_RecordEvents(t *testing.T) {
	w := &fakeWriter{}
	p := &Publisher{writer: w, log: zap.NewNop()}

	ids, err := p.RecordEvents(context.Background(), SourceHTTP, []models.Event{validEvent()})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "acme/u1", string(w.msgs[0].Key))

	env, err := decodeEnvelope(w.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, KindEvent, env.Kind)
	assert.Equal(t, ids[0], env.Event.ID)
}

func TestPublisher_WriteError(t *testing.T) {
	m := metrics.NewMetrics("test", nil)
	p := &Publisher{writer: &fakeWriter{err: io.ErrClosedPipe}, metrics: m, log: zap.NewNop()}

	_, err := p.RecordTransactions(context.Background(), SourceHTTP, []models.Transaction{
		{ClientID: "acme", UserID: "u1", Channel: "email", Amount: 1, Timestamp: ts},
	})
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestErrors.WithLabelValues(SourceHTTP, "publish")))
}
