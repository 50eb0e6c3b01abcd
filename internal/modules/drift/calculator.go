// Package drift provides pure portfolio deviation analytics: per-position
// and aggregate drift, bound violations, and the integer trades that would
// zero the drift. No mutation, no I/O.
package drift

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/rebalancer/internal/domain"
)

// DisplayScale is the fixed scale for reported percentages and money.
// Rounding is half-up (decimal.Round is half away from zero; displayed
// magnitudes are non-negative).
const DisplayScale = 3

// weightScale is the internal scale for weight and drift division.
const weightScale = 12

// Calculator computes drift analytics for a model + snapshot pair.
type Calculator struct {
	log zerolog.Logger
}

// NewCalculator creates a new drift calculator.
func NewCalculator(log zerolog.Logger) *Calculator {
	return &Calculator{
		log: log.With().Str("component", "drift").Logger(),
	}
}

// PositionDrift computes the drift of one position given its current
// quantity, price and the portfolio market value.
//
// drift = (quantity * price / market_value) - target
func (c *Calculator) PositionDrift(
	pos domain.Position,
	quantity int64,
	price decimal.Decimal,
	marketValue decimal.Decimal,
) (domain.DriftInfo, error) {
	if !marketValue.IsPositive() {
		return domain.DriftInfo{}, domain.NewValidationError(domain.RuleMarketValue,
			"market value %s must be positive", marketValue)
	}
	if !price.IsPositive() {
		return domain.DriftInfo{}, domain.NewValidationError(domain.RuleInvalidPrice,
			"price %s for %s must be positive", price, pos.SecurityID)
	}

	currentWeight := price.Mul(decimal.NewFromInt(quantity)).DivRound(marketValue, weightScale)
	target := pos.Target.Decimal()
	d := currentWeight.Sub(target)

	return domain.DriftInfo{
		SecurityID:    pos.SecurityID,
		CurrentWeight: currentWeight,
		TargetWeight:  target,
		Drift:         d,
		OutOfBounds:   pos.Bounds.OutOfBand(d),
		RequiredTrade: c.RequiredTrade(d, price, marketValue),
	}, nil
}

// PortfolioDrift computes DriftInfo for every position in the model.
// Positions in the model but absent from the snapshot holdings are treated
// as zero quantity; a missing price is an input error.
func (c *Calculator) PortfolioDrift(model *domain.InvestmentModel, snapshot *domain.PortfolioSnapshot) ([]domain.DriftInfo, error) {
	drifts := make([]domain.DriftInfo, 0, len(model.Positions))
	for _, pos := range model.Positions {
		price, ok := snapshot.Price(pos.SecurityID)
		if !ok {
			return nil, domain.NewValidationError(domain.RuleMissingPrice,
				"no price for security %s", pos.SecurityID)
		}
		info, err := c.PositionDrift(pos, snapshot.Quantity(pos.SecurityID), price, snapshot.MarketValue)
		if err != nil {
			return nil, err
		}
		drifts = append(drifts, info)
	}

	c.log.Debug().
		Str("portfolio", snapshot.PortfolioID).
		Int("positions", len(drifts)).
		Str("total_drift", c.TotalDrift(drifts).StringFixed(DisplayScale)).
		Msg("Computed portfolio drift")

	return drifts, nil
}

// TotalDrift returns the sum of absolute drifts, the optimization
// objective's target metric.
func (c *Calculator) TotalDrift(drifts []domain.DriftInfo) decimal.Decimal {
	total := decimal.Zero
	for _, d := range drifts {
		total = total.Add(d.Drift.Abs())
	}
	return total
}

// PositionsOutsideBounds filters drifts to those violating their own
// position's band. Boundary-inclusive values are within bounds.
func (c *Calculator) PositionsOutsideBounds(drifts []domain.DriftInfo) []domain.DriftInfo {
	outside := make([]domain.DriftInfo, 0)
	for _, d := range drifts {
		if d.OutOfBounds {
			outside = append(outside, d)
		}
	}
	return outside
}

// RequiredTrade returns the signed integer share count whose execution at
// price would drive the drift to zero. The fractional count is truncated
// toward zero so the trade never overshoots the target.
func (c *Calculator) RequiredTrade(drift, price, marketValue decimal.Decimal) int64 {
	if !price.IsPositive() || !marketValue.IsPositive() {
		return 0
	}
	shares := drift.Neg().Mul(marketValue).DivRound(price, weightScale)
	return shares.IntPart()
}

// DisplayPercent rounds a fractional value to the fixed display scale,
// half-up.
func DisplayPercent(v decimal.Decimal) decimal.Decimal {
	return v.Round(DisplayScale)
}
