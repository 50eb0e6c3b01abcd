package optimization

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/optimize"

	"github.com/aristath/rebalancer/internal/domain"
)

// Solution is one backend's continuous answer, already projected into the
// feasible region.
type Solution struct {
	Weights []float64
	Drift   float64 // exact aggregate absolute drift at Weights
}

// Backend is one numerical solver in the fallback chain. Solve honors the
// context deadline and returns a typed error: SolverTimeoutError when the
// budget ran out, SolverError for numerical failures.
type Backend interface {
	Name() string
	Solve(ctx context.Context, prob *Problem) (*Solution, error)
}

// gonum statuses accepted as convergence.
var successStatuses = map[optimize.Status]bool{
	optimize.Success:             true,
	optimize.GradientThreshold:   true,
	optimize.FunctionConvergence: true,
	optimize.StepConvergence:     true,
}

// solveGonum runs a gonum optimize.Method on the penalized objective and
// projects the answer into the feasible region.
func solveGonum(ctx context.Context, name string, prob *Problem, method optimize.Method, withGrad bool) (*Solution, error) {
	problem := optimize.Problem{
		Func: prob.PenalizedObjective,
	}
	if withGrad {
		problem.Grad = prob.PenalizedGradient
	}

	settings := &optimize.Settings{}
	if deadline, ok := ctx.Deadline(); ok {
		budget := time.Until(deadline)
		if budget <= 0 {
			return nil, &domain.SolverTimeoutError{Solver: name}
		}
		settings.Runtime = budget
	}

	result, err := optimize.Minimize(problem, prob.InitialPoint(), settings, method)
	if err != nil {
		return nil, &domain.SolverError{Solver: name, Err: err}
	}
	if result.Status == optimize.RuntimeLimit {
		return nil, &domain.SolverTimeoutError{Solver: name, Budget: settings.Runtime}
	}
	if !successStatuses[result.Status] {
		return nil, &domain.SolverError{Solver: name, Err: fmt.Errorf("did not converge: status=%v", result.Status)}
	}

	weights := prob.ProjectFeasible(result.X)
	return &Solution{Weights: weights, Drift: prob.Drift(weights)}, nil
}

// BFGSBackend is the primary backend: quasi-Newton descent on the smoothed
// absolute-drift objective.
type BFGSBackend struct{}

func (b *BFGSBackend) Name() string { return "bfgs" }

func (b *BFGSBackend) Solve(ctx context.Context, prob *Problem) (*Solution, error) {
	return solveGonum(ctx, b.Name(), prob, &optimize.BFGS{}, true)
}

// NelderMeadBackend is the secondary backend: derivative-free simplex
// search, more robust when the smoothed gradient misbehaves near kinks.
type NelderMeadBackend struct{}

func (b *NelderMeadBackend) Name() string { return "nelder-mead" }

func (b *NelderMeadBackend) Solve(ctx context.Context, prob *Problem) (*Solution, error) {
	return solveGonum(ctx, b.Name(), prob, &optimize.NelderMead{}, false)
}

// AnalyticBackend is the tertiary backend. The relaxation decomposes per
// position except for the cash coupling, so the exact minimizer is the
// target weights projected onto the floors and scaled into the cash
// constraint. It always terminates and never errors, making the fallback
// chain total.
type AnalyticBackend struct{}

func (b *AnalyticBackend) Name() string { return "analytic" }

func (b *AnalyticBackend) Solve(_ context.Context, prob *Problem) (*Solution, error) {
	weights := prob.ProjectFeasible(prob.InitialPoint())
	return &Solution{Weights: weights, Drift: prob.Drift(weights)}, nil
}

// DefaultBackends returns the fixed fallback order. The order is the
// documented deterministic tie-break: the first backend reporting success
// wins and later backends are never consulted.
func DefaultBackends() []Backend {
	return []Backend{
		&BFGSBackend{},
		&NelderMeadBackend{},
		&AnalyticBackend{},
	}
}
