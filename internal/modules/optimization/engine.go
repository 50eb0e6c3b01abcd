package optimization

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/modules/validation"
)

// DefaultSolveBudget is the overall wall-clock budget for one optimization
// call, shared across all backend attempts.
const DefaultSolveBudget = 30 * time.Second

// Engine produces an OptimizationResult for a validated model + snapshot
// pair. Each call is stateless: formulate, try backends in priority order,
// round to integers, re-validate. No I/O.
type Engine struct {
	validator *validation.Service
	backends  []Backend
	budget    time.Duration
	log       zerolog.Logger
}

// NewEngine creates an engine with the default backend chain.
func NewEngine(validator *validation.Service, budget time.Duration, log zerolog.Logger) *Engine {
	return NewEngineWithBackends(validator, DefaultBackends(), budget, log)
}

// NewEngineWithBackends creates an engine with an explicit backend chain.
func NewEngineWithBackends(validator *validation.Service, backends []Backend, budget time.Duration, log zerolog.Logger) *Engine {
	if budget <= 0 {
		budget = DefaultSolveBudget
	}
	return &Engine{
		validator: validator,
		backends:  backends,
		budget:    budget,
		log:       log.With().Str("service", "optimization").Logger(),
	}
}

// Optimize solves the rebalancing problem for one portfolio. The model and
// snapshot must already have passed input validation; malformed input never
// reaches the solvers.
//
// On failure the returned result describes the terminal status
// (is_feasible=false, no partial quantities) and the error carries the
// typed cause.
func (e *Engine) Optimize(ctx context.Context, model *domain.InvestmentModel, snapshot *domain.PortfolioSnapshot) (*domain.OptimizationResult, error) {
	start := time.Now()
	deadline := start.Add(e.budget)

	prob := BuildProblem(model, snapshot)
	if prob.Size() == 0 {
		// Nothing to trade against; an empty model is trivially at target.
		return &domain.OptimizationResult{
			PortfolioID:      snapshot.PortfolioID,
			IsFeasible:       true,
			TargetQuantities: map[string]int64{},
			Drifts:           map[string]decimal.Decimal{},
			TotalDrift:       decimal.Zero,
			SolverStatus:     domain.StatusOptimal,
			SolveDuration:    time.Since(start),
		}, nil
	}

	sol, solverName, err := e.solve(ctx, prob, deadline)
	if err != nil {
		return e.failedResult(snapshot, start, err), err
	}

	rounded, err := RoundSolution(prob, sol)
	if err != nil {
		e.log.Warn().
			Str("portfolio", snapshot.PortfolioID).
			Str("solver", solverName).
			Err(err).
			Msg("Integer rounding failed")
		return e.failedResult(snapshot, start, err), err
	}

	result := e.buildResult(model, snapshot, prob, rounded, solverName, start)

	// Last-resort correctness gate: a result that violates drift tolerances
	// or leaks market value is defective and must be discarded.
	if verr := e.validator.ValidateResult(model, snapshot, result); verr != nil {
		ierr := &domain.InfeasibleSolutionError{Reason: verr.Error()}
		e.log.Warn().
			Str("portfolio", snapshot.PortfolioID).
			Str("solver", solverName).
			Err(verr).
			Msg("Rounded solution rejected by result validation")
		return e.failedResult(snapshot, start, ierr), ierr
	}

	e.log.Info().
		Str("portfolio", snapshot.PortfolioID).
		Str("solver", solverName).
		Str("total_drift", result.TotalDrift.StringFixed(6)).
		Dur("duration", result.SolveDuration).
		Msg("Optimization complete")

	return result, nil
}

// solve runs the backend chain. Each attempt gets an even share of the
// remaining wall-clock budget; the first backend reporting success wins.
func (e *Engine) solve(ctx context.Context, prob *Problem, deadline time.Time) (*Solution, string, error) {
	var lastErr error

	for i, backend := range e.backends {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, "", &domain.SolverTimeoutError{Solver: backend.Name(), Budget: e.budget}
		}
		slice := remaining / time.Duration(len(e.backends)-i)

		sol, err := e.runBackend(ctx, backend, prob, slice)
		if err == nil {
			return sol, backend.Name(), nil
		}

		lastErr = err
		e.log.Debug().
			Str("solver", backend.Name()).
			Err(err).
			Msg("Backend failed, falling back")
	}

	if lastErr == nil {
		lastErr = &domain.SolverError{Solver: "none", Err: errors.New("no backends configured")}
	}
	return nil, "", lastErr
}

// runBackend executes one backend under its time slice. The backend is
// expected to honor the context deadline; the outer select guards against a
// backend that does not.
func (e *Engine) runBackend(ctx context.Context, backend Backend, prob *Problem, slice time.Duration) (*Solution, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, slice)
	defer cancel()

	type outcome struct {
		sol *Solution
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		sol, err := backend.Solve(attemptCtx, prob)
		done <- outcome{sol: sol, err: err}
	}()

	select {
	case out := <-done:
		return out.sol, out.err
	case <-attemptCtx.Done():
		return nil, &domain.SolverTimeoutError{Solver: backend.Name(), Budget: slice}
	}
}

// buildResult converts rounded integer quantities back into a decimal
// result: per-security achieved drift and the aggregate.
func (e *Engine) buildResult(
	model *domain.InvestmentModel,
	snapshot *domain.PortfolioSnapshot,
	prob *Problem,
	rounded []int64,
	solverName string,
	start time.Time,
) *domain.OptimizationResult {
	quantities := make(map[string]int64, len(rounded))
	drifts := make(map[string]decimal.Decimal, len(rounded))
	total := decimal.Zero

	for i, id := range prob.SecurityIDs {
		quantities[id] = rounded[i]

		pos, _ := model.Position(id)
		price, _ := snapshot.Price(id)
		weight := price.Mul(decimal.NewFromInt(rounded[i])).DivRound(snapshot.MarketValue, 12)
		d := weight.Sub(pos.Target.Decimal())

		drifts[id] = d
		total = total.Add(d.Abs())
	}

	return &domain.OptimizationResult{
		PortfolioID:      snapshot.PortfolioID,
		IsFeasible:       true,
		TargetQuantities: quantities,
		Drifts:           drifts,
		TotalDrift:       total,
		SolverStatus:     domain.StatusOptimal,
		SolverName:       solverName,
		SolveDuration:    time.Since(start),
	}
}

// failedResult packages a terminal failure with no partial solution.
func (e *Engine) failedResult(snapshot *domain.PortfolioSnapshot, start time.Time, cause error) *domain.OptimizationResult {
	return &domain.OptimizationResult{
		PortfolioID:   snapshot.PortfolioID,
		IsFeasible:    false,
		TotalDrift:    decimal.Zero,
		SolverStatus:  statusFor(cause),
		SolveDuration: time.Since(start),
		Message:       cause.Error(),
	}
}

// statusFor maps the error taxonomy onto the closed solver-status enum.
func statusFor(err error) domain.SolverStatus {
	var timeoutErr *domain.SolverTimeoutError
	var infeasibleErr *domain.InfeasibleSolutionError

	switch {
	case errors.As(err, &timeoutErr):
		return domain.StatusTimeout
	case errors.As(err, &infeasibleErr):
		return domain.StatusInfeasible
	default:
		return domain.StatusError
	}
}
