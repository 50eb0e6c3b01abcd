// Package rebalancing orchestrates optimization runs across the portfolios
// associated with a model: bounded concurrency, per-portfolio failure
// isolation, and report assembly.
package rebalancing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/modules/drift"
	"github.com/aristath/rebalancer/internal/modules/optimization"
	"github.com/aristath/rebalancer/internal/modules/validation"
)

// DefaultMaxWorkers bounds concurrent per-portfolio optimizations.
const DefaultMaxWorkers = 4

// PortfolioOutcome is one portfolio's result within a batch: either a
// feasible/infeasible OptimizationResult or a failure reason. Err keeps the
// typed error for programmatic callers; Reason is its rendered form.
type PortfolioOutcome struct {
	PortfolioID string                     `json:"portfolio_id"`
	Result      *domain.OptimizationResult `json:"result,omitempty"`
	Reason      string                     `json:"reason,omitempty"`
	Err         error                      `json:"-"`
}

// ModelRebalanceReport aggregates one batch run over a model's portfolios.
type ModelRebalanceReport struct {
	ReportID       string                      `json:"report_id"`
	ModelName      string                      `json:"model_name"`
	StartedAt      time.Time                   `json:"started_at"`
	Duration       time.Duration               `json:"duration_ns"`
	Outcomes       map[string]PortfolioOutcome `json:"outcomes"`
	Succeeded      int                         `json:"succeeded"`
	Failed         int                         `json:"failed"`
	AggregateDrift decimal.Decimal             `json:"aggregate_drift"`
}

// Orchestrator runs the validate -> drift -> optimize -> validate pipeline
// per portfolio and fans batches out over a bounded worker pool.
type Orchestrator struct {
	validator  *validation.Service
	calculator *drift.Calculator
	engine     *optimization.Engine
	maxWorkers int
	log        zerolog.Logger
}

// NewOrchestrator creates a new rebalance orchestrator.
func NewOrchestrator(
	validator *validation.Service,
	calculator *drift.Calculator,
	engine *optimization.Engine,
	maxWorkers int,
	log zerolog.Logger,
) *Orchestrator {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Orchestrator{
		validator:  validator,
		calculator: calculator,
		engine:     engine,
		maxWorkers: maxWorkers,
		log:        log.With().Str("service", "rebalancing").Logger(),
	}
}

// CalculateDrift is the read-only analytics entry point: validated input,
// per-position DriftInfo, no optimization.
func (o *Orchestrator) CalculateDrift(model *domain.InvestmentModel, snapshot *domain.PortfolioSnapshot) ([]domain.DriftInfo, error) {
	if err := o.validator.ValidateOptimizationInput(model, snapshot); err != nil {
		return nil, err
	}
	return o.calculator.PortfolioDrift(model, snapshot)
}

// RebalancePortfolio runs one portfolio through the full pipeline. The
// returned result is always validated before it reaches the caller.
func (o *Orchestrator) RebalancePortfolio(ctx context.Context, model *domain.InvestmentModel, snapshot *domain.PortfolioSnapshot) (*domain.OptimizationResult, error) {
	if err := o.validator.ValidateOptimizationInput(model, snapshot); err != nil {
		return nil, err
	}

	drifts, err := o.calculator.PortfolioDrift(model, snapshot)
	if err != nil {
		return nil, err
	}
	o.log.Debug().
		Str("portfolio", snapshot.PortfolioID).
		Int("outside_bounds", len(o.calculator.PositionsOutsideBounds(drifts))).
		Str("current_drift", o.calculator.TotalDrift(drifts).StringFixed(6)).
		Msg("Pre-optimization drift")

	return o.engine.Optimize(ctx, model, snapshot)
}

// RebalanceModel runs the optimization independently for every supplied
// portfolio snapshot. Workers own copies of their inputs; one portfolio's
// failure (including a panic) never aborts its siblings. Outcomes are keyed
// by portfolio ID, not completion order.
func (o *Orchestrator) RebalanceModel(ctx context.Context, model *domain.InvestmentModel, snapshots []*domain.PortfolioSnapshot) *ModelRebalanceReport {
	start := time.Now()
	report := &ModelRebalanceReport{
		ReportID:       uuid.NewString(),
		ModelName:      model.Name,
		StartedAt:      start,
		Outcomes:       make(map[string]PortfolioOutcome, len(snapshots)),
		AggregateDrift: decimal.Zero,
	}

	workers := o.maxWorkers
	if len(snapshots) < workers {
		workers = len(snapshots)
	}

	o.log.Info().
		Str("report", report.ReportID).
		Str("model", model.Name).
		Int("portfolios", len(snapshots)).
		Int("workers", workers).
		Msg("Starting model rebalance")

	sem := make(chan struct{}, workers)
	results := make(chan PortfolioOutcome, len(snapshots))
	var wg sync.WaitGroup

	for _, snapshot := range snapshots {
		wg.Add(1)
		go func(s *domain.PortfolioSnapshot) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results <- o.runOne(ctx, model.Clone(), s.Clone())
		}(snapshot)
	}

	wg.Wait()
	close(results)

	for outcome := range results {
		report.Outcomes[outcome.PortfolioID] = outcome
		if outcome.Err != nil {
			report.Failed++
			continue
		}
		report.Succeeded++
		if outcome.Result != nil {
			report.AggregateDrift = report.AggregateDrift.Add(outcome.Result.TotalDrift)
		}
	}

	report.Duration = time.Since(start)

	o.log.Info().
		Str("report", report.ReportID).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Str("aggregate_drift", report.AggregateDrift.StringFixed(6)).
		Dur("duration", report.Duration).
		Msg("Model rebalance complete")

	return report
}

// runOne executes one portfolio's pipeline, converting panics into failure
// outcomes so a defective input cannot take down the batch.
func (o *Orchestrator) runOne(ctx context.Context, model *domain.InvestmentModel, snapshot *domain.PortfolioSnapshot) (outcome PortfolioOutcome) {
	outcome.PortfolioID = snapshot.PortfolioID

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("panic during rebalance: %v", p)
			o.log.Error().Str("portfolio", snapshot.PortfolioID).Msg(err.Error())
			outcome = PortfolioOutcome{PortfolioID: snapshot.PortfolioID, Err: err, Reason: err.Error()}
		}
	}()

	result, err := o.RebalancePortfolio(ctx, model, snapshot)
	if err != nil {
		o.log.Warn().
			Str("portfolio", snapshot.PortfolioID).
			Err(err).
			Msg("Portfolio rebalance failed")
		return PortfolioOutcome{PortfolioID: snapshot.PortfolioID, Result: result, Err: err, Reason: err.Error()}
	}

	return PortfolioOutcome{PortfolioID: snapshot.PortfolioID, Result: result}
}
