package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/radiusdt/spend-optimizer/internal/analytics"
	"github.com/radiusdt/spend-optimizer/internal/models"
	"github.com/radiusdt/spend-optimizer/internal/optimizer"
)

// handleClient routes /clients/{id}/{action}.
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/clients/")
	clientID, action, _ := strings.Cut(rest, "/")
	if clientID == "" {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "funnel":
		s.handleFunnel(w, r, clientID)
	case "funnel/export":
		s.handleFunnelExport(w, r, clientID)
	case "channels":
		s.handleChannels(w, r, clientID)
	case "optimize":
		switch r.Method {
		case http.MethodGet:
			s.jsonResponse(w, s.optimizer.Snapshot(clientID))
		case http.MethodPost:
			s.handleOptimize(w, r, clientID)
		default:
			s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	default:
		http.NotFound(w, r)
	}
}

// ---- Funnel ----

type funnelResponse struct {
	ClientID    string                      `json:"client_id"`
	Range       models.DateRange            `json:"range"`
	Attribution analytics.AttributionPolicy `json:"attribution,omitempty"`
	models.FunnelResult
}

func (s *Server) handleFunnel(w http.ResponseWriter, r *http.Request, clientID string) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	rng, err := s.parseRange(q)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	policy, err := parseAttribution(q.Get("attribution"))
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	funnel, err := s.optimizer.Funnel(r.Context(), clientID, rng, policy)
	if err != nil {
		s.handleError(w, "failed to compute funnel", err)
		return
	}

	s.jsonResponse(w, funnelResponse{
		ClientID:     clientID,
		Range:        rng,
		Attribution:  policy,
		FunnelResult: funnel,
	})
}

func (s *Server) handleFunnelExport(w http.ResponseWriter, r *http.Request, clientID string) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	rng, err := s.parseRange(q)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	policy, err := parseAttribution(q.Get("attribution"))
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	funnel, err := s.optimizer.Funnel(r.Context(), clientID, rng, policy)
	if err != nil {
		s.handleError(w, "failed to compute funnel", err)
		return
	}

	filename := fmt.Sprintf("activation-funnel-%s.csv", s.now().UTC().Format(dateLayout))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if err := analytics.WriteFunnelCSV(w, funnel.Overall); err != nil {
		s.logger.Error("failed to write funnel export", zap.String("client_id", clientID), zap.Error(err))
	}
}

// ---- Channels ----

type channelsResponse struct {
	ClientID    string                `json:"client_id"`
	Range       models.DateRange      `json:"range"`
	TotalBudget float64               `json:"total_budget"`
	Channels    []models.ChannelSpend `json:"channels"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request, clientID string) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	rng, err := s.parseRange(q)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	budget, err := s.parseBudget(q.Get("budget"))
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	channels, err := s.optimizer.Channels(r.Context(), clientID, rng, budget)
	if err != nil {
		s.handleError(w, "failed to compute channel metrics", err)
		return
	}

	s.jsonResponse(w, channelsResponse{
		ClientID:    clientID,
		Range:       rng,
		TotalBudget: budget,
		Channels:    channels,
	})
}

// ---- Optimize ----

type optimizeRequest struct {
	Budget      *float64 `json:"budget"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Range       string   `json:"range"`
	Attribution string   `json:"attribution"`
}

type optimizeResponse struct {
	ClientID string          `json:"client_id"`
	Sequence uint64          `json:"sequence"`
	Key      string          `json:"key"`
	State    optimizer.State `json:"state"`
	Result   *models.Report  `json:"result,omitempty"`
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request, clientID string) {
	var body optimizeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	rng, err := s.parseRange(url.Values{
		"from":  {body.From},
		"to":    {body.To},
		"range": {body.Range},
	})
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	policy, err := parseAttribution(body.Attribution)
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	budget := s.config.Optimizer.DefaultBudget
	if body.Budget != nil {
		budget = *body.Budget
	}

	run, err := s.optimizer.Start(optimizer.Request{
		ClientID:    clientID,
		Range:       rng,
		Budget:      budget,
		Attribution: policy,
	})
	if err != nil {
		s.handleError(w, "failed to start optimization", err)
		return
	}

	resp := optimizeResponse{ClientID: clientID, Sequence: run.Seq, Key: run.Key}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		resp.State = s.optimizer.Snapshot(clientID).State
		s.jsonStatus(w, http.StatusAccepted, resp)
		return
	}

	report, err := run.Wait(r.Context())
	if err != nil {
		s.handleError(w, "optimization failed", err)
		return
	}
	resp.State = optimizer.StateOptimized
	resp.Result = report
	s.jsonResponse(w, resp)
}
