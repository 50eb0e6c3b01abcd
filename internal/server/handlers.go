package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/modules/models"
	"github.com/aristath/rebalancer/internal/modules/rebalancing"
)

// Handlers exposes the rebalancing core over HTTP.
type Handlers struct {
	orchestrator *rebalancing.Orchestrator
	repo         *models.Repository
	log          zerolog.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(orchestrator *rebalancing.Orchestrator, repo *models.Repository, log zerolog.Logger) *Handlers {
	return &Handlers{
		orchestrator: orchestrator,
		repo:         repo,
		log:          log.With().Str("component", "handlers").Logger(),
	}
}

// positionRequest is the wire shape of one model position.
type positionRequest struct {
	SecurityID string          `json:"security_id"`
	Target     decimal.Decimal `json:"target"`
	BoundLow   decimal.Decimal `json:"bound_low"`
	BoundHigh  decimal.Decimal `json:"bound_high"`
}

// modelRequest is the wire shape of an investment model.
type modelRequest struct {
	Name         string            `json:"name"`
	Positions    []positionRequest `json:"positions"`
	PortfolioIDs []string          `json:"portfolio_ids,omitempty"`
}

func (r *modelRequest) toDomain() (*domain.InvestmentModel, error) {
	model, err := domain.NewInvestmentModel(r.Name)
	if err != nil {
		return nil, err
	}
	for _, p := range r.Positions {
		target, err := domain.NewTargetPercentage(p.Target)
		if err != nil {
			return nil, err
		}
		bounds, err := domain.NewDriftBounds(p.BoundLow, p.BoundHigh)
		if err != nil {
			return nil, err
		}
		if err := model.AddPosition(p.SecurityID, target, bounds); err != nil {
			return nil, err
		}
	}
	for _, id := range r.PortfolioIDs {
		if err := model.AssociatePortfolio(id); err != nil {
			return nil, err
		}
	}
	return model, nil
}

// snapshotRequest is the wire shape of a portfolio snapshot. Decimals
// travel as JSON strings.
type snapshotRequest struct {
	PortfolioID string                     `json:"portfolio_id"`
	Quantities  map[string]int64           `json:"quantities"`
	Prices      map[string]decimal.Decimal `json:"prices"`
	Cash        decimal.Decimal            `json:"cash"`
	MarketValue decimal.Decimal            `json:"market_value"`
}

func (r *snapshotRequest) toDomain() *domain.PortfolioSnapshot {
	s := &domain.PortfolioSnapshot{
		PortfolioID: r.PortfolioID,
		Quantities:  r.Quantities,
		Prices:      r.Prices,
		Cash:        r.Cash,
		MarketValue: r.MarketValue,
	}
	if s.Quantities == nil {
		s.Quantities = map[string]int64{}
	}
	if s.Prices == nil {
		s.Prices = map[string]decimal.Decimal{}
	}
	return s
}

// rebalanceRequest carries either a stored model reference or an inline
// model, plus the snapshot(s) assembled by the caller from the market-data
// and position collaborators.
type rebalanceRequest struct {
	ModelName string             `json:"model_name,omitempty"`
	Model     *modelRequest      `json:"model,omitempty"`
	Snapshot  *snapshotRequest   `json:"snapshot,omitempty"`
	Snapshots []*snapshotRequest `json:"snapshots,omitempty"`
}

// resolveModel loads the referenced model from the repository or builds
// the inline one. Returns whether the model came from storage.
func (h *Handlers) resolveModel(req *rebalanceRequest) (*domain.InvestmentModel, bool, error) {
	if req.ModelName != "" {
		model, err := h.repo.Get(req.ModelName)
		return model, true, err
	}
	if req.Model == nil {
		return nil, false, domain.NewValidationError(domain.RuleModelName, "request carries neither model_name nor model")
	}
	model, err := req.Model.toDomain()
	return model, false, err
}

// HandleCreateModel stores a new investment model.
func (h *Handlers) HandleCreateModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.log, domain.NewValidationError(domain.RuleModelName, "invalid JSON: %v", err))
		return
	}

	model, err := req.toDomain()
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	if err := h.repo.Save(model); err != nil {
		writeError(w, h.log, err)
		return
	}

	h.log.Info().Str("model", model.Name).Int("positions", len(model.Positions)).Msg("Model created")
	writeJSON(w, http.StatusCreated, model)
}

// HandleListModels returns every stored model.
func (h *Handlers) HandleListModels(w http.ResponseWriter, r *http.Request) {
	all, err := h.repo.GetAll()
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if all == nil {
		all = []*domain.InvestmentModel{}
	}
	writeJSON(w, http.StatusOK, all)
}

// HandleGetModel returns one stored model.
func (h *Handlers) HandleGetModel(w http.ResponseWriter, r *http.Request) {
	model, err := h.repo.Get(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

// HandleDeleteModel removes a stored model.
func (h *Handlers) HandleDeleteModel(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Delete(chi.URLParam(r, "name")); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAssociatePortfolio binds a portfolio to a stored model.
func (h *Handlers) HandleAssociatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PortfolioID string `json:"portfolio_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.log, domain.NewValidationError(domain.RulePortfolioBound, "invalid JSON: %v", err))
		return
	}

	model, err := h.repo.Get(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := model.AssociatePortfolio(req.PortfolioID); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.repo.Save(model); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

// HandleDissociatePortfolio unbinds a portfolio from a stored model.
func (h *Handlers) HandleDissociatePortfolio(w http.ResponseWriter, r *http.Request) {
	model, err := h.repo.Get(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := model.DissociatePortfolio(chi.URLParam(r, "portfolioID")); err != nil {
		writeError(w, h.log, err)
		return
	}
	if err := h.repo.Save(model); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

// HandleDrift returns read-only drift analytics for one snapshot.
func (h *Handlers) HandleDrift(w http.ResponseWriter, r *http.Request) {
	var req rebalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.log, domain.NewValidationError(domain.RuleModelName, "invalid JSON: %v", err))
		return
	}
	if req.Snapshot == nil {
		writeError(w, h.log, domain.NewValidationError(domain.RuleMarketValue, "request carries no snapshot"))
		return
	}

	model, _, err := h.resolveModel(&req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	drifts, err := h.orchestrator.CalculateDrift(model, req.Snapshot.toDomain())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, drifts)
}

// HandleRebalancePortfolio runs a single-portfolio optimization.
// Infeasible and timed-out runs are reported in the result payload, not as
// transport errors; only invalid input produces a non-200 status.
func (h *Handlers) HandleRebalancePortfolio(w http.ResponseWriter, r *http.Request) {
	var req rebalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.log, domain.NewValidationError(domain.RuleModelName, "invalid JSON: %v", err))
		return
	}
	if req.Snapshot == nil {
		writeError(w, h.log, domain.NewValidationError(domain.RuleMarketValue, "request carries no snapshot"))
		return
	}

	model, _, err := h.resolveModel(&req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	result, err := h.orchestrator.RebalancePortfolio(r.Context(), model, req.Snapshot.toDomain())
	var verr *domain.ValidationError
	if err != nil && errors.As(err, &verr) {
		writeError(w, h.log, err)
		return
	}
	// Solver-level failures still carry a result describing the outcome.
	writeJSON(w, http.StatusOK, result)
}

// HandleRebalanceModel runs the batch entry point over all supplied
// snapshots. When the model came from storage and at least one portfolio
// succeeded, the rebalance date is persisted under optimistic locking.
func (h *Handlers) HandleRebalanceModel(w http.ResponseWriter, r *http.Request) {
	var req rebalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.log, domain.NewValidationError(domain.RuleModelName, "invalid JSON: %v", err))
		return
	}

	model, stored, err := h.resolveModel(&req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	snapshots := make([]*domain.PortfolioSnapshot, 0, len(req.Snapshots))
	for _, s := range req.Snapshots {
		snapshots = append(snapshots, s.toDomain())
	}

	report := h.orchestrator.RebalanceModel(r.Context(), model, snapshots)

	if stored && report.Succeeded > 0 {
		model.MarkRebalanced(time.Now().UTC())
		if err := h.repo.Save(model); err != nil {
			// The report is still valid; a concurrent model edit just means
			// the rebalance date bump lost the race.
			h.log.Warn().Str("model", model.Name).Err(err).Msg("Failed to persist rebalance date")
		}
	}

	writeJSON(w, http.StatusOK, report)
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the error taxonomy onto HTTP statuses: invalid input is
// 422 with the rule code, lock conflicts are 409, unknown models are 404.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	var verr *domain.ValidationError
	var cerr *domain.ConcurrencyError

	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": verr.Message,
			"code":  verr.Code,
		})
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusConflict, map[string]string{"error": cerr.Error()})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		log.Error().Err(err).Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
