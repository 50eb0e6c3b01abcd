// Package optimization formulates and solves the integer rebalancing
// problem: a continuous relaxation minimizing aggregate absolute drift,
// solved by a chain of numerical backends, followed by integer rounding and
// feasibility re-validation.
package optimization

import (
	"math"

	"github.com/aristath/rebalancer/internal/domain"
)

// Penalty weight for constraint violations in the penalized objective.
const penaltyWeight = 1000.0

// smoothingEps smooths |x| as sqrt(x*x+eps) so gradient methods can work
// on the absolute-drift objective.
const smoothingEps = 1e-10

// Problem is the continuous relaxation of one rebalancing run, expressed in
// weight space: decision variable u_i is the resulting fractional weight of
// security i. Decimals are converted to float64 here, at the solver
// boundary, and converted back after rounding.
type Problem struct {
	SecurityIDs []string
	Prices      []float64 // p_i > 0
	Current     []float64 // current quantity c_i (may be negative for shorts)
	Targets     []float64 // target weight t_i
	MinWeights  []float64 // floor on resulting weight (0, or current for shorts)
	MarketValue float64
	Cash        float64
	CashFloor   float64 // resulting cash must not drop below this
}

// BuildProblem converts a validated model + snapshot pair into coefficient
// vectors for the solvers.
func BuildProblem(model *domain.InvestmentModel, snapshot *domain.PortfolioSnapshot) *Problem {
	n := len(model.Positions)
	p := &Problem{
		SecurityIDs: make([]string, 0, n),
		Prices:      make([]float64, 0, n),
		Current:     make([]float64, 0, n),
		Targets:     make([]float64, 0, n),
		MinWeights:  make([]float64, 0, n),
		MarketValue: snapshot.MarketValue.InexactFloat64(),
		Cash:        snapshot.Cash.InexactFloat64(),
	}

	// Cash can go negative only if it already was; never manufactured.
	p.CashFloor = math.Min(0, p.Cash)

	for _, pos := range model.Positions {
		price, _ := snapshot.Price(pos.SecurityID)
		qty := float64(snapshot.Quantity(pos.SecurityID))
		pf := price.InexactFloat64()

		floor := 0.0
		if qty < 0 {
			// Existing shorts are a fixed floor, not a target.
			floor = qty * pf / p.MarketValue
		}

		p.SecurityIDs = append(p.SecurityIDs, pos.SecurityID)
		p.Prices = append(p.Prices, pf)
		p.Current = append(p.Current, qty)
		p.Targets = append(p.Targets, pos.Target.Decimal().InexactFloat64())
		p.MinWeights = append(p.MinWeights, floor)
	}

	return p
}

// Size returns the number of decision variables.
func (p *Problem) Size() int { return len(p.SecurityIDs) }

// CurrentWeights returns the current fractional weights c_i*p_i/MV.
func (p *Problem) CurrentWeights() []float64 {
	w := make([]float64, p.Size())
	for i := range w {
		w[i] = p.Current[i] * p.Prices[i] / p.MarketValue
	}
	return w
}

// CashAfter returns the cash balance remaining once the portfolio moves to
// weights u. Trades are zero-sum against cash.
func (p *Problem) CashAfter(u []float64) float64 {
	spent := 0.0
	w0 := p.CurrentWeights()
	for i := range u {
		spent += (u[i] - w0[i]) * p.MarketValue
	}
	return p.Cash - spent
}

// Drift returns the exact aggregate absolute drift of weights u. Used to
// compare candidate solutions across backends and against the current
// state.
func (p *Problem) Drift(u []float64) float64 {
	total := 0.0
	for i := range u {
		total += math.Abs(u[i] - p.Targets[i])
	}
	return total
}

// PenalizedObjective is the smooth objective handed to the gradient-based
// backends: smoothed absolute drift plus quadratic penalties for weight
// floors and the cash constraint.
func (p *Problem) PenalizedObjective(u []float64) float64 {
	obj := 0.0
	for i := range u {
		d := u[i] - p.Targets[i]
		obj += math.Sqrt(d*d + smoothingEps)

		if shortfall := p.MinWeights[i] - u[i]; shortfall > 0 {
			obj += penaltyWeight * shortfall * shortfall
		}
	}

	if deficit := (p.CashFloor - p.CashAfter(u)) / p.MarketValue; deficit > 0 {
		obj += penaltyWeight * deficit * deficit
	}

	return obj
}

// PenalizedGradient writes the gradient of PenalizedObjective into grad.
func (p *Problem) PenalizedGradient(grad, u []float64) {
	deficit := (p.CashFloor - p.CashAfter(u)) / p.MarketValue

	for i := range u {
		d := u[i] - p.Targets[i]
		grad[i] = d / math.Sqrt(d*d+smoothingEps)

		if shortfall := p.MinWeights[i] - u[i]; shortfall > 0 {
			grad[i] -= 2 * penaltyWeight * shortfall
		}

		// d(cashAfter)/d(u_i) = -MV, so d(deficit)/d(u_i) = +1.
		if deficit > 0 {
			grad[i] += 2 * penaltyWeight * deficit
		}
	}
}

// InitialPoint returns the solver starting point: the ideal target weights
// projected onto the weight floors.
func (p *Problem) InitialPoint() []float64 {
	u := make([]float64, p.Size())
	for i := range u {
		u[i] = math.Max(p.Targets[i], p.MinWeights[i])
	}
	return u
}

// ProjectFeasible clamps weights to their floors and scales buys down into
// the cash constraint. The result is always cash-feasible.
func (p *Problem) ProjectFeasible(u []float64) []float64 {
	proj := make([]float64, len(u))
	for i := range u {
		proj[i] = math.Max(u[i], p.MinWeights[i])
	}

	deficit := p.CashFloor - p.CashAfter(proj)
	if deficit <= 0 {
		return proj
	}

	// Scale buy-side moves back proportionally until cash is covered.
	w0 := p.CurrentWeights()
	buyDollars := 0.0
	for i := range proj {
		if diff := proj[i] - w0[i]; diff > 0 {
			buyDollars += diff * p.MarketValue
		}
	}
	if buyDollars <= 0 {
		return proj
	}

	scale := math.Max(0, (buyDollars-deficit)/buyDollars)
	for i := range proj {
		if diff := proj[i] - w0[i]; diff > 0 {
			proj[i] = w0[i] + diff*scale
			proj[i] = math.Max(proj[i], p.MinWeights[i])
		}
	}
	return proj
}

// Quantities converts weights back to fractional share counts.
func (p *Problem) Quantities(u []float64) []float64 {
	q := make([]float64, len(u))
	for i := range u {
		q[i] = u[i] * p.MarketValue / p.Prices[i]
	}
	return q
}
