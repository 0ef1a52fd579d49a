package optimizer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/radiusdt/spend-optimizer/internal/analytics"
	"github.com/radiusdt/spend-optimizer/internal/config"
	"github.com/radiusdt/spend-optimizer/internal/metrics"
	"github.com/radiusdt/spend-optimizer/internal/models"
	"github.com/radiusdt/spend-optimizer/internal/storage"
)

var (
	ErrMissingClient = errors.New("client_id is required")
	ErrClosed        = errors.New("optimizer is shut down")
)

// State is the lifecycle of a client's optimization session.
type State string

const (
	StateIdle       State = "idle"
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateOptimizing State = "optimizing"
	StateOptimized  State = "optimized"
)

const (
	outcomeOK         = "ok"
	outcomeCached     = "cached"
	outcomeSuperseded = "superseded"
	outcomeError      = "error"
)

// Snapshot is a point-in-time view of a client's session.
type Snapshot struct {
	ClientID string    `json:"client_id"`
	State    State     `json:"state"`
	Sequence uint64    `json:"sequence"`
	Request  *Request  `json:"request,omitempty"`
	Progress *Progress `json:"progress,omitempty"`
	// Result is the latest accepted report; ResultSequence tells which
	// request produced it.
	Result         *models.Report `json:"result,omitempty"`
	ResultSequence uint64         `json:"result_sequence,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// dataset is one loaded input snapshot. gen is the client's data
// generation when the load started.
type dataset struct {
	key    string
	gen    uint64
	events []models.Event
	txs    []models.Transaction
}

type session struct {
	seq     uint64
	state   State
	request *Request
	run     *Run
	cancel  context.CancelFunc
	data    *dataset

	result    *models.Report
	resultSeq uint64
	err       error
}

// Service runs optimizations off the request goroutine. Each client has one
// session; a new request cancels the one in flight and only the result of
// the latest request is ever accepted.
type Service struct {
	store   storage.EventStore
	cache   ResultCache
	metrics *metrics.Metrics
	log     *zap.Logger

	attribution analytics.AttributionPolicy
	runTimeout  time.Duration

	loads singleflight.Group

	mu       sync.Mutex
	sessions map[string]*session
	// gens counts ingests per client. Loads started under an older
	// generation are never kept for reuse.
	gens   map[string]uint64
	closed bool
	wg     sync.WaitGroup
}

// NewService creates an optimizer service. cache and m may be nil.
func NewService(store storage.EventStore, cache ResultCache, cfg config.OptimizerConfig, m *metrics.Metrics, log *zap.Logger) (*Service, error) {
	policy, err := analytics.ParseAttributionPolicy(cfg.Attribution)
	if err != nil {
		return nil, err
	}
	timeout := cfg.RunTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &Service{
		store:       store,
		cache:       cache,
		metrics:     m,
		log:         log,
		attribution: policy,
		runTimeout:  timeout,
		sessions:    make(map[string]*session),
		gens:        make(map[string]uint64),
	}, nil
}

// Start validates req and launches an optimization for its client,
// superseding any run still in flight for that client. Invalid budgets are
// rejected before the store is touched.
func (s *Service) Start(req Request) (*Run, error) {
	if req.ClientID == "" {
		return nil, ErrMissingClient
	}
	if err := analytics.ValidateBudget(req.Budget); err != nil {
		return nil, err
	}
	if err := req.Range.Validate(); err != nil {
		return nil, err
	}
	if req.Attribution == "" {
		req.Attribution = s.attribution
	}
	run := newRun(req)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	sess, ok := s.sessions[req.ClientID]
	if !ok {
		sess = &session{state: StateIdle}
		s.sessions[req.ClientID] = sess
	}
	if sess.cancel != nil {
		sess.cancel()
	}
	sess.seq++
	run.Seq = sess.seq

	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	sess.cancel = cancel
	sess.run = run
	sess.request = &req
	sess.err = nil

	// A budget change over the same range reuses the loaded inputs.
	var data *dataset
	if sess.data != nil && sess.data.key == dataKey(req.ClientID, req.Range) {
		data = sess.data
		sess.state = StateReady
	} else {
		sess.state = StateLoading
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Debug("optimization started",
		zap.String("client_id", req.ClientID),
		zap.Uint64("seq", run.Seq),
		zap.Float64("budget", req.Budget),
		zap.Bool("reuse_data", data != nil),
	)

	go s.execute(ctx, cancel, sess, run, data)
	return run, nil
}

func (s *Service) execute(ctx context.Context, cancel context.CancelFunc, sess *session, run *Run, data *dataset) {
	defer s.wg.Done()
	defer cancel()
	start := time.Now()

	cacheKey, cacheable := s.resultKey(ctx, run)
	if cacheable {
		if report, ok := s.cached(ctx, cacheKey); ok {
			run.completed.Store(int32(len(analytics.Steps)))
			s.complete(sess, run, report, nil, start, true)
			return
		}
	}

	if data == nil {
		loaded, err := s.load(ctx, run.Request.ClientID, run.Request.Range)
		if err != nil {
			s.complete(sess, run, nil, err, start, false)
			return
		}
		data = loaded
		if !s.transition(sess, run, StateReady, data) {
			s.complete(sess, run, nil, ErrSuperseded, start, false)
			return
		}
	}
	if !s.transition(sess, run, StateOptimizing, nil) {
		s.complete(sess, run, nil, ErrSuperseded, start, false)
		return
	}

	report, err := analytics.ComputeContext(ctx, data.events, data.txs, run.Request.Budget, analytics.Options{
		Attribution: run.Request.Attribution,
		OnStep:      run.onStep,
	})
	if err == nil && cacheable {
		if cerr := s.cache.Set(ctx, cacheKey, report); cerr != nil {
			s.log.Warn("failed to cache optimization result",
				zap.String("client_id", run.Request.ClientID),
				zap.Error(cerr),
			)
		}
	}
	s.complete(sess, run, report, err, start, false)
}

// resultKey returns the cache key of run at the client's current data
// generation. Runs are not cached when the generation cannot be read.
func (s *Service) resultKey(ctx context.Context, run *Run) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	gen, err := s.cache.Generation(ctx, run.Request.ClientID)
	if err != nil {
		s.log.Warn("result cache generation lookup failed",
			zap.String("client_id", run.Request.ClientID),
			zap.Error(err),
		)
		return "", false
	}
	return resultKey(run.Key, gen), true
}

func (s *Service) cached(ctx context.Context, key string) (*models.Report, bool) {
	report, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn("result cache lookup failed", zap.Error(err))
		return nil, false
	}
	if s.metrics != nil {
		s.metrics.RecordCacheLookup(ok)
	}
	return report, ok
}

// transition moves sess to state if run is still the latest request. data
// is kept for reuse only if no records were ingested since its load began.
func (s *Service) transition(sess *session, run *Run, state State, data *dataset) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.seq != run.Seq {
		return false
	}
	sess.state = state
	if data != nil && data.gen == s.gens[run.Request.ClientID] {
		sess.data = data
	}
	return true
}

// complete publishes a run's outcome. Results of superseded runs are
// discarded and never touch the session.
func (s *Service) complete(sess *session, run *Run, report *models.Report, err error, start time.Time, fromCache bool) {
	s.mu.Lock()
	stale := sess.seq != run.Seq
	if stale {
		report, err = nil, ErrSuperseded
	} else {
		sess.cancel = nil
		if err != nil {
			sess.err = err
			if sess.data != nil && sess.data.key == dataKey(run.Request.ClientID, run.Request.Range) {
				sess.state = StateReady
			} else {
				sess.state = StateIdle
			}
		} else {
			sess.state = StateOptimized
			sess.result = report
			sess.resultSeq = run.Seq
		}
	}
	s.mu.Unlock()

	run.finish(report, err)

	outcome := outcomeOK
	switch {
	case stale || errors.Is(err, ErrSuperseded):
		outcome = outcomeSuperseded
	case err != nil:
		outcome = outcomeError
	case fromCache:
		outcome = outcomeCached
	}

	log := s.log.With(
		zap.String("client_id", run.Request.ClientID),
		zap.Uint64("seq", run.Seq),
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(start)),
	)
	switch outcome {
	case outcomeError:
		log.Error("optimization failed", zap.Error(err))
	case outcomeSuperseded:
		log.Debug("optimization result discarded")
	default:
		log.Info("optimization finished",
			zap.String("status", string(report.Allocation.Status)),
			zap.Int("channels", len(report.Allocation.Channels)),
		)
	}

	if s.metrics != nil {
		s.metrics.RecordOptimization(outcome, time.Since(start))
		if outcome == outcomeSuperseded {
			s.metrics.RecordStaleResult()
		}
		if report != nil {
			s.metrics.SetChannels(run.Request.ClientID, len(report.Allocation.Channels))
		}
	}
}

// load reads a client's input snapshot. Concurrent loads of the same
// snapshot and generation share one store round trip; a caller whose ctx
// ends stops waiting without cancelling the others. A load begun before an
// ingest is never joined by callers arriving after it.
func (s *Service) load(ctx context.Context, clientID string, rng models.DateRange) (*dataset, error) {
	s.mu.Lock()
	gen := s.gens[clientID]
	s.mu.Unlock()

	key := dataKey(clientID, rng)
	flight := key + "@" + strconv.FormatUint(gen, 10)
	ch := s.loads.DoChan(flight, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
		defer cancel()
		return s.fetch(loadCtx, key, gen, storage.Query{ClientID: clientID, Range: rng})
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*dataset), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) fetch(ctx context.Context, key string, gen uint64, q storage.Query) (*dataset, error) {
	data := &dataset{key: key, gen: gen}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		events, err := s.store.ListEvents(gctx, q)
		if err != nil {
			return fmt.Errorf("failed to load events: %w", err)
		}
		data.events = events
		return nil
	})
	g.Go(func() error {
		txs, err := s.store.ListTransactions(gctx, q)
		if err != nil {
			return fmt.Errorf("failed to load transactions: %w", err)
		}
		data.txs = txs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return data, nil
}

// Funnel computes the funnel for a client synchronously.
func (s *Service) Funnel(ctx context.Context, clientID string, rng models.DateRange, policy analytics.AttributionPolicy) (models.FunnelResult, error) {
	if clientID == "" {
		return models.FunnelResult{}, ErrMissingClient
	}
	if err := rng.Validate(); err != nil {
		return models.FunnelResult{}, err
	}
	if policy == "" {
		policy = s.attribution
	}
	data, err := s.load(ctx, clientID, rng)
	if err != nil {
		return models.FunnelResult{}, err
	}
	return analytics.AggregateFunnel(data.events, policy), nil
}

// Channels computes per-channel metrics before scoring.
func (s *Service) Channels(ctx context.Context, clientID string, rng models.DateRange, budget float64) ([]models.ChannelSpend, error) {
	if clientID == "" {
		return nil, ErrMissingClient
	}
	if err := analytics.ValidateBudget(budget); err != nil {
		return nil, err
	}
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	data, err := s.load(ctx, clientID, rng)
	if err != nil {
		return nil, err
	}
	return analytics.ChannelMetrics(data.events, data.txs, budget), nil
}

// Snapshot returns the current session of a client. Unknown clients are
// idle.
func (s *Service) Snapshot(clientID string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{ClientID: clientID, State: StateIdle}
	sess, ok := s.sessions[clientID]
	if !ok {
		return snap
	}

	snap.State = sess.state
	snap.Sequence = sess.seq
	if sess.request != nil {
		req := *sess.request
		snap.Request = &req
	}
	if sess.run != nil {
		p := sess.run.Progress()
		snap.Progress = &p
	}
	snap.Result = sess.result
	snap.ResultSequence = sess.resultSeq
	if sess.err != nil {
		snap.Error = sess.err.Error()
	}
	return snap
}

// Invalidate is called after new records of a client were stored. It drops
// the loaded inputs and advances the client's data generation, so later
// runs reload and never hit a report cached before the ingest.
func (s *Service) Invalidate(ctx context.Context, clientID string) {
	s.mu.Lock()
	s.gens[clientID]++
	if sess, ok := s.sessions[clientID]; ok {
		sess.data = nil
		if sess.state == StateReady {
			sess.state = StateIdle
		}
	}
	s.mu.Unlock()

	if s.cache == nil {
		return
	}
	// The records are already stored; finish even if the caller is gone.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.cache.Invalidate(cctx, clientID); err != nil {
		s.log.Warn("failed to invalidate cached results",
			zap.String("client_id", clientID),
			zap.Error(err),
		)
	}
}

// Close cancels all runs in flight and waits for them to finish.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	for _, sess := range s.sessions {
		if sess.cancel != nil {
			sess.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
}
