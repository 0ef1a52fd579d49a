package optimizer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radiusdt/spend-optimizer/internal/analytics"
	"github.com/radiusdt/spend-optimizer/internal/config"
	"github.com/radiusdt/spend-optimizer/internal/metrics"
	"github.com/radiusdt/spend-optimizer/internal/models"
	"github.com/radiusdt/spend-optimizer/internal/storage"
)

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// gatedStore counts loads and blocks them until gate is closed.
type gatedStore struct {
	*storage.InMemoryEventStore
	gate  chan struct{}
	loads atomic.Int32
}

func newGatedStore(t *testing.T, open bool) *gatedStore {
	t.Helper()
	s := &gatedStore{
		InMemoryEventStore: storage.NewInMemoryEventStore(),
		gate:               make(chan struct{}),
	}
	if open {
		close(s.gate)
	}
	seed(t, s.InMemoryEventStore)
	return s
}

func (s *gatedStore) ListEvents(ctx context.Context, q storage.Query) ([]models.Event, error) {
	s.loads.Add(1)
	select {
	case <-s.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.InMemoryEventStore.ListEvents(ctx, q)
}

// MockEventStore is a mock implementation of storage.EventStore
type MockEventStore struct {
	mock.Mock
}

func (m *MockEventStore) SaveEvents(ctx context.Context, events []models.Event) error {
	return m.Called(ctx, events).Error(0)
}

func (m *MockEventStore) SaveTransactions(ctx context.Context, txs []models.Transaction) error {
	return m.Called(ctx, txs).Error(0)
}

func (m *MockEventStore) ListEvents(ctx context.Context, q storage.Query) ([]models.Event, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Event), args.Error(1)
}

func (m *MockEventStore) ListTransactions(ctx context.Context, q storage.Query) ([]models.Transaction, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Transaction), args.Error(1)
}

func (m *MockEventStore) Health(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// seed stores two channels for client "acme": email users convert, social
// users stall after registration.
func seed(t *testing.T, s *storage.InMemoryEventStore) {
	t.Helper()
	ctx := context.Background()
	var events []models.Event
	add := func(user, channel string, types ...models.EventType) {
		for i, et := range types {
			events = append(events, models.Event{
				ID:        user + "-" + string(et),
				ClientID:  "acme",
				UserID:    user,
				Channel:   channel,
				EventType: et,
				Timestamp: baseTime.Add(time.Duration(i) * time.Hour),
			})
		}
	}
	add("u1", "email", models.FunnelStages[:]...)
	add("u2", "email", models.FunnelStages[:]...)
	add("u3", "social", models.EventRegistration)
	add("u4", "social", models.EventRegistration, models.EventKYCStarted)
	require.NoError(t, s.SaveEvents(ctx, events))
	require.NoError(t, s.SaveTransactions(ctx, []models.Transaction{
		{ID: "t1", ClientID: "acme", UserID: "u1", Channel: "email", Amount: 300, Timestamp: baseTime.Add(5 * time.Hour)},
		{ID: "t2", ClientID: "acme", UserID: "u3", Channel: "social", Amount: 50, IsFraudulent: true, Timestamp: baseTime.Add(6 * time.Hour)},
	}))
}

func newTestService(t *testing.T, store storage.EventStore, cache ResultCache, m *metrics.Metrics) *Service {
	t.Helper()
	svc, err := NewService(store, cache, config.OptimizerConfig{
		Attribution: "last_event",
		RunTimeout:  5 * time.Second,
	}, m, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestService_StartAndWait(t *testing.T) {
	svc := newTestService(t, newGatedStore(t, true), nil, nil)

	run, err := svc.Start(Request{ClientID: "acme", Budget: 1000})
	require.NoError(t, err)

	report, err := run.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, models.AllocationOK, report.Allocation.Status)
	assert.Len(t, report.Allocation.Channels, 2)
	assert.Equal(t, int64(4), report.Funnel.Overall[0].Count)

	snap := svc.Snapshot("acme")
	assert.Equal(t, StateOptimized, snap.State)
	assert.Equal(t, uint64(1), snap.Sequence)
	assert.Equal(t, uint64(1), snap.ResultSequence)
	require.NotNil(t, snap.Progress)
	assert.Equal(t, len(analytics.Steps), snap.Progress.Completed)
	assert.Equal(t, analytics.StepReallocate, snap.Progress.Step)
	assert.Same(t, report, snap.Result)
	assert.Equal(t, analytics.AttributionLastEvent, snap.Request.Attribution)
}

func TestService_InvalidBudgetRejectedBeforeStore(t *testing.T) {
	store := new(MockEventStore)
	svc := newTestService(t, store, nil, nil)

	for _, budget := range []float64{0, -5} {
		_, err := svc.Start(Request{ClientID: "acme", Budget: budget})
		assert.ErrorIs(t, err, analytics.ErrInvalidBudget)
	}
	_, err := svc.Channels(context.Background(), "acme", models.DateRange{}, 0)
	assert.ErrorIs(t, err, analytics.ErrInvalidBudget)

	store.AssertNotCalled(t, "ListEvents", mock.Anything, mock.Anything)
	assert.Equal(t, StateIdle, svc.Snapshot("acme").State)
}

func TestService_RejectsBadRequests(t *testing.T) {
	svc := newTestService(t, new(MockEventStore), nil, nil)

	_, err := svc.Start(Request{Budget: 10})
	assert.ErrorIs(t, err, ErrMissingClient)

	_, err = svc.Start(Request{
		ClientID: "acme",
		Budget:   10,
		Range:    models.DateRange{From: baseTime, To: baseTime.Add(-time.Hour)},
	})
	assert.ErrorIs(t, err, models.ErrInvalidRange)
}

func TestService_LastRequestWins(t *testing.T) {
	store := newGatedStore(t, false)
	m := metrics.NewMetrics("test", nil)
	svc := newTestService(t, store, nil, m)

	first, err := svc.Start(Request{ClientID: "acme", Budget: 1000})
	require.NoError(t, err)
	assert.Equal(t, StateLoading, svc.Snapshot("acme").State)

	second, err := svc.Start(Request{ClientID: "acme", Budget: 2000})
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)

	_, err = first.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrSuperseded)

	close(store.gate)
	report, err := second.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 2000.0, report.Allocation.TotalBudget)

	snap := svc.Snapshot("acme")
	assert.Equal(t, StateOptimized, snap.State)
	assert.Equal(t, second.Seq, snap.ResultSequence)
	assert.Equal(t, 2000.0, snap.Result.Allocation.TotalBudget)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleResults))
}

func TestService_BudgetChangeReusesLoadedData(t *testing.T) {
	store := newGatedStore(t, true)
	svc := newTestService(t, store, nil, nil)

	run, err := svc.Start(Request{ClientID: "acme", Budget: 1000})
	require.NoError(t, err)
	first, err := run.Wait(waitCtx(t))
	require.NoError(t, err)

	run, err = svc.Start(Request{ClientID: "acme", Budget: 4000})
	require.NoError(t, err)
	second, err := run.Wait(waitCtx(t))
	require.NoError(t, err)

	assert.Equal(t, int32(1), store.loads.Load())
	assert.InDelta(t, 4*first.Allocation.Totals.RecommendedSpend, second.Allocation.Totals.RecommendedSpend, 1e-6)

	// New records force a reload.
	svc.Invalidate(context.Background(), "acme")
	run, err = svc.Start(Request{ClientID: "acme", Budget: 4000})
	require.NoError(t, err)
	_, err = run.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.loads.Load())
}

func TestService_ResultCacheHit(t *testing.T) {
	cache := NewMemoryResultCache(time.Minute)
	m := metrics.NewMetrics("test", nil)

	warm := newTestService(t, newGatedStore(t, true), cache, m)
	run, err := warm.Start(Request{ClientID: "acme", Budget: 1000})
	require.NoError(t, err)
	want, err := run.Wait(waitCtx(t))
	require.NoError(t, err)

	store := new(MockEventStore)
	cold := newTestService(t, store, cache, m)
	run, err = cold.Start(Request{ClientID: "acme", Budget: 1000})
	require.NoError(t, err)
	got, err := run.Wait(waitCtx(t))
	require.NoError(t, err)

	assert.Equal(t, want, got)
	assert.Equal(t, len(analytics.Steps), run.Progress().Completed)
	store.AssertNotCalled(t, "ListEvents", mock.Anything, mock.Anything)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResultCacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OptimizationRuns.WithLabelValues("cached")))
}

func TestService_StoreError(t *testing.T) {
	store := new(MockEventStore)
	store.On("ListEvents", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))
	store.On("ListTransactions", mock.Anything, mock.Anything).Return([]models.Transaction{}, nil)
	svc := newTestService(t, store, nil, nil)

	run, err := svc.Start(Request{ClientID: "acme", Budget: 1000})
	require.NoError(t, err)
	_, err = run.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load events")

	snap := svc.Snapshot("acme")
	assert.Equal(t, StateIdle, snap.State)
	assert.Contains(t, snap.Error, "connection refused")
	assert.Nil(t, snap.Result)
}

func TestService_InsufficientData(t *testing.T) {
	store := storage.NewInMemoryEventStore()
	svc := newTestService(t, store, nil, nil)

	run, err := svc.Start(Request{ClientID: "nobody", Budget: 500})
	require.NoError(t, err)
	report, err := run.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, models.AllocationInsufficientData, report.Allocation.Status)
	assert.Empty(t, report.Allocation.Channels)
}

func TestService_FunnelAndChannels(t *testing.T) {
	svc := newTestService(t, newGatedStore(t, true), nil, nil)
	ctx := waitCtx(t)

	funnel, err := svc.Funnel(ctx, "acme", models.DateRange{}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), funnel.Overall[0].Count)
	assert.Equal(t, int64(2), funnel.Overall[models.StageCount-1].Count)
	assert.Len(t, funnel.ByChannel, 2)

	channels, err := svc.Channels(ctx, "acme", models.DateRange{}, 1000)
	require.NoError(t, err)
	require.Len(t, channels, 2)
	var total float64
	for _, c := range channels {
		total += c.CurrentSpend
		assert.Zero(t, c.Score)
	}
	assert.InDelta(t, 1000, total, 1e-6)
}

func TestService_SnapshotUnknownClient(t *testing.T) {
	svc := newTestService(t, new(MockEventStore), nil, nil)
	snap := svc.Snapshot("ghost")
	assert.Equal(t, StateIdle, snap.State)
	assert.Zero(t, snap.Sequence)
	assert.Nil(t, snap.Progress)
}

func TestService_StartAfterClose(t *testing.T) {
	svc, err := NewService(new(MockEventStore), nil, config.OptimizerConfig{}, nil, zap.NewNop())
	require.NoError(t, err)
	svc.Close()

	_, err = svc.Start(Request{ClientID: "acme", Budget: 1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewService_UnknownAttribution(t *testing.T) {
	_, err := NewService(new(MockEventStore), nil, config.OptimizerConfig{Attribution: "linear"}, nil, zap.NewNop())
	assert.Error(t, err)
}

// heldCache holds Set calls until release is closed, and Get calls while
// holdGets is set, so a test can park runs in a known state.
type heldCache struct {
	*MemoryResultCache
	release  chan struct{}
	resume   chan struct{}
	holdGets atomic.Bool
	sets     atomic.Int32
}

func newHeldCache() *heldCache {
	return &heldCache{
		MemoryResultCache: NewMemoryResultCache(time.Minute),
		release:           make(chan struct{}),
		resume:            make(chan struct{}),
	}
}

func (c *heldCache) Get(ctx context.Context, key string) (*models.Report, bool, error) {
	if c.holdGets.Load() {
		select {
		case <-c.resume:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	return c.MemoryResultCache.Get(ctx, key)
}

func (c *heldCache) Set(ctx context.Context, key string, report *models.Report) error {
	c.sets.Add(1)
	<-c.release
	return c.MemoryResultCache.Set(ctx, key, report)
}

func totalRevenue(report *models.Report) float64 {
	var sum float64
	for _, c := range report.Allocation.Channels {
		sum += c.Revenue
	}
	return sum
}

func TestService_BudgetChangeWhileOptimizing(t *testing.T) {
	ctx := waitCtx(t)
	cache := newHeldCache()
	m := metrics.NewMetrics("test", nil)
	svc := newTestService(t, newGatedStore(t, true), cache, m)

	first, err := svc.Start(Request{ClientID: "acme", Budget: 1000})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return cache.sets.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateOptimizing, svc.Snapshot("acme").State)

	cache.holdGets.Store(true)
	second, err := svc.Start(Request{ClientID: "acme", Budget: 2000})
	require.NoError(t, err)

	snap := svc.Snapshot("acme")
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, second.Seq, snap.Sequence)

	close(cache.release)
	_, err = first.Wait(ctx)
	assert.ErrorIs(t, err, ErrSuperseded)

	snap = svc.Snapshot("acme")
	assert.Equal(t, StateReady, snap.State)
	assert.Nil(t, snap.Result)
	assert.Zero(t, snap.ResultSequence)

	close(cache.resume)
	report, err := second.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2000.0, report.Allocation.TotalBudget)

	snap = svc.Snapshot("acme")
	assert.Equal(t, StateOptimized, snap.State)
	assert.Equal(t, second.Seq, snap.ResultSequence)
	assert.Equal(t, 2000.0, snap.Result.Allocation.TotalBudget)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleResults))
}

func TestService_IngestBypassesCachedResult(t *testing.T) {
	ctx := waitCtx(t)
	store := newGatedStore(t, true)
	cache := NewMemoryResultCache(time.Minute)
	svc := newTestService(t, store, cache, nil)
	req := Request{ClientID: "acme", Budget: 1000}

	run, err := svc.Start(req)
	require.NoError(t, err)
	before, err := run.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, before.Allocation.Channels, 2)

	require.NoError(t, store.SaveEvents(ctx, []models.Event{{
		ID: "u5-registration", ClientID: "acme", UserID: "u5", Channel: "search",
		EventType: models.EventRegistration, Timestamp: baseTime,
	}}))
	svc.Invalidate(ctx, "acme")

	run, err = svc.Start(req)
	require.NoError(t, err)
	after, err := run.Wait(ctx)
	require.NoError(t, err)

	assert.Len(t, after.Allocation.Channels, 3)
	assert.Equal(t, int32(2), store.loads.Load())
	gen, err := cache.Generation(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	// The post-ingest report is cached for the next identical request.
	run, err = svc.Start(req)
	require.NoError(t, err)
	again, err := run.Wait(ctx)
	require.NoError(t, err)
	assert.Same(t, after, again)
}

func TestService_IngestDuringLoadDropsLoadedData(t *testing.T) {
	ctx := waitCtx(t)
	store := newGatedStore(t, false)
	svc := newTestService(t, store, nil, nil)

	first, err := svc.Start(Request{ClientID: "acme", Budget: 1000})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return store.loads.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, store.SaveTransactions(ctx, []models.Transaction{
		{ID: "t9", ClientID: "acme", UserID: "u1", Channel: "email", Amount: 10000, Timestamp: baseTime.Add(7 * time.Hour)},
	}))
	svc.Invalidate(ctx, "acme")
	close(store.gate)

	_, err = first.Wait(ctx)
	require.NoError(t, err)

	// A budget-only change must not reuse the load that began before the
	// ingest.
	run, err := svc.Start(Request{ClientID: "acme", Budget: 2000})
	require.NoError(t, err)
	report, err := run.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(2), store.loads.Load())
	assert.InDelta(t, 10350.0, totalRevenue(report), 1e-9)
}

func TestService_FunnelAfterIngestStartsFreshLoad(t *testing.T) {
	ctx := waitCtx(t)
	store := newGatedStore(t, false)
	svc := newTestService(t, store, nil, nil)

	stale := make(chan error, 1)
	go func() {
		_, err := svc.Funnel(ctx, "acme", models.DateRange{}, "")
		stale <- err
	}()
	require.Eventually(t, func() bool { return store.loads.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	svc.Invalidate(ctx, "acme")
	fresh := make(chan error, 1)
	go func() {
		_, err := svc.Funnel(ctx, "acme", models.DateRange{}, "")
		fresh <- err
	}()
	require.Eventually(t, func() bool { return store.loads.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	close(store.gate)
	require.NoError(t, <-stale)
	require.NoError(t, <-fresh)
}
