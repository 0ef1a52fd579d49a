package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/spend-optimizer/internal/analytics"
	"github.com/radiusdt/spend-optimizer/internal/config"
	"github.com/radiusdt/spend-optimizer/internal/ingest"
	"github.com/radiusdt/spend-optimizer/internal/metrics"
	"github.com/radiusdt/spend-optimizer/internal/models"
	"github.com/radiusdt/spend-optimizer/internal/optimizer"
	"github.com/radiusdt/spend-optimizer/internal/storage"
)

// maxBodyBytes bounds ingestion and optimize request bodies.
const maxBodyBytes = 10 << 20

// Optimizer is the part of optimizer.Service the handlers use.
type Optimizer interface {
	Start(req optimizer.Request) (*optimizer.Run, error)
	Snapshot(clientID string) optimizer.Snapshot
	Funnel(ctx context.Context, clientID string, rng models.DateRange, policy analytics.AttributionPolicy) (models.FunnelResult, error)
	Channels(ctx context.Context, clientID string, rng models.DateRange, budget float64) ([]models.ChannelSpend, error)
}

// HealthChecker is a backend reported by /health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	Optimizer Optimizer
	Recorder  ingest.Recorder
	Checks    map[string]HealthChecker
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Server wraps HTTP handlers and the optimizer.
type Server struct {
	optimizer Optimizer
	recorder  ingest.Recorder
	checks    map[string]HealthChecker
	logger    *zap.Logger
	config    *config.Config
	now       func() time.Time
}

// NewServer constructs a new http.Handler with all routes registered.
func NewServer(deps *Dependencies) http.Handler {
	s := &Server{
		optimizer: deps.Optimizer,
		recorder:  deps.Recorder,
		checks:    deps.Checks,
		logger:    deps.Logger,
		config:    deps.Config,
		now:       deps.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics
	if deps.Config.Metrics.Enabled && deps.Metrics != nil {
		mux.Handle(deps.Config.Metrics.Path, deps.Metrics.Handler())
	}

	// Ingestion
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/transactions", s.handleTransactions)

	// Per-client analytics
	mux.HandleFunc("/clients/", s.handleClient)

	return mux
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for name, c := range s.checks {
		if err := c.Health(ctx); err != nil {
			s.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// ---- Ingestion ----

type ingestResponse struct {
	Accepted int      `json:"accepted"`
	IDs      []string `json:"ids"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var events []models.Event
	if err := decodeBatch(r, &events); err != nil {
		s.errorResponse(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}

	ids, err := s.recorder.RecordEvents(r.Context(), ingest.SourceHTTP, events)
	if err != nil {
		s.handleError(w, "failed to record events", err)
		return
	}

	s.jsonStatus(w, http.StatusAccepted, ingestResponse{Accepted: len(ids), IDs: ids})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var txs []models.Transaction
	if err := decodeBatch(r, &txs); err != nil {
		s.errorResponse(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}

	ids, err := s.recorder.RecordTransactions(r.Context(), ingest.SourceHTTP, txs)
	if err != nil {
		s.handleError(w, "failed to record transactions", err)
		return
	}

	s.jsonStatus(w, http.StatusAccepted, ingestResponse{Accepted: len(ids), IDs: ids})
}

// decodeBatch decodes either a JSON array or a single object into the
// slice pointed to by dst.
func decodeBatch(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return errors.New("empty body")
	}
	if body[0] != '[' {
		body = append(append([]byte{'['}, body...), ']')
	}
	return json.Unmarshal(body, dst)
}

// ---- Helper Methods ----

// handleError maps domain errors to status codes. Unexpected errors are
// logged and hidden behind msg.
func (s *Server) handleError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, analytics.ErrInvalidBudget),
		errors.Is(err, models.ErrInvalidRange),
		errors.Is(err, optimizer.ErrMissingClient),
		errors.Is(err, ingest.ErrInvalidRecord):
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, optimizer.ErrSuperseded):
		s.errorResponse(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, optimizer.ErrClosed):
		s.errorResponse(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		s.errorResponse(w, "timed out", http.StatusGatewayTimeout)
	default:
		s.logger.Error(msg, zap.Error(err))
		s.errorResponse(w, msg, http.StatusInternalServerError)
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
