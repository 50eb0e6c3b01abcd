// Package validation is the gate between untrusted or derived data and the
// optimization engine, and between the engine's output and callers. Every
// failure is a domain.ValidationError carrying a machine-readable rule code.
package validation

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/rebalancer/internal/domain"
)

// valueTolerance is the absolute tolerance (one cent) when comparing a
// snapshot's declared market value against the value recomputed from its
// own positions and prices, and when checking conservation of a result.
var valueTolerance = decimal.RequireFromString("0.01")

// Service validates models, optimization inputs, market data and
// optimization results against the business rules.
type Service struct {
	log zerolog.Logger
}

// NewService creates a new validation service.
func NewService(log zerolog.Logger) *Service {
	return &Service{
		log: log.With().Str("service", "validation").Logger(),
	}
}

// ValidateModel re-checks all domain invariants defensively. The value
// objects make invalid states unconstructable in-process; this catches
// corruption from storage round-trips.
func (s *Service) ValidateModel(model *domain.InvestmentModel) error {
	if model == nil {
		return domain.NewValidationError(domain.RuleModelName, "model is nil")
	}
	if model.Name == "" {
		return domain.NewValidationError(domain.RuleModelName, "model name must not be empty")
	}
	if len(model.Positions) > domain.MaxPositions {
		return domain.NewValidationError(domain.RulePositionLimit,
			"model %s holds %d positions, above %d", model.Name, len(model.Positions), domain.MaxPositions)
	}

	seen := make(map[string]bool, len(model.Positions))
	total := decimal.Zero
	for _, pos := range model.Positions {
		if seen[pos.SecurityID] {
			return domain.NewValidationError(domain.RuleDuplicatePosition,
				"security %s appears twice in model %s", pos.SecurityID, model.Name)
		}
		seen[pos.SecurityID] = true

		// Re-run the value-object constructors on the raw decimals.
		if _, err := domain.NewTargetPercentage(pos.Target.Decimal()); err != nil {
			return err
		}
		if _, err := domain.NewDriftBounds(pos.Bounds.Low(), pos.Bounds.High()); err != nil {
			return err
		}
		if pos.Target.IsZero() {
			return domain.NewValidationError(domain.RuleTargetRange,
				"security %s carries a zero target; zero-target positions must be pruned", pos.SecurityID)
		}
		total = total.Add(pos.Target.Decimal())
	}

	if total.GreaterThan(domain.MaxTotalTarget) {
		return domain.NewValidationError(domain.RuleTargetSum,
			"model %s targets sum to %s, above %s", model.Name, total, domain.MaxTotalTarget)
	}

	return nil
}

// ValidateMarketData checks that every supplied price is strictly positive.
func (s *Service) ValidateMarketData(prices map[string]decimal.Decimal) error {
	for id, price := range prices {
		if !price.IsPositive() {
			return domain.NewValidationError(domain.RuleInvalidPrice,
				"price %s for security %s must be strictly positive", price, id)
		}
	}
	return nil
}

// ValidateOptimizationInput checks a model + snapshot pair before it
// reaches the solver: prices cover every relevant security, the market
// value is positive and the declared market value is consistent with the
// snapshot's own positions and cash.
func (s *Service) ValidateOptimizationInput(model *domain.InvestmentModel, snapshot *domain.PortfolioSnapshot) error {
	if err := s.ValidateModel(model); err != nil {
		return err
	}
	if snapshot == nil {
		return domain.NewValidationError(domain.RuleMarketValue, "snapshot is nil")
	}
	if !snapshot.MarketValue.IsPositive() {
		return domain.NewValidationError(domain.RuleMarketValue,
			"portfolio %s market value %s must be positive", snapshot.PortfolioID, snapshot.MarketValue)
	}
	if err := s.ValidateMarketData(snapshot.Prices); err != nil {
		return err
	}

	// Price coverage: every security with a non-zero target and every
	// security actually held needs a price.
	for _, pos := range model.Positions {
		if _, ok := snapshot.Price(pos.SecurityID); !ok {
			return domain.NewValidationError(domain.RuleMissingPrice,
				"no price for modeled security %s", pos.SecurityID)
		}
	}
	for id, qty := range snapshot.Quantities {
		if qty == 0 {
			continue
		}
		if _, ok := snapshot.Price(id); !ok {
			return domain.NewValidationError(domain.RuleMissingPrice,
				"no price for held security %s", id)
		}
	}

	// Consistency of declared vs recomputed market value catches stale
	// collaborator data before it skews the whole optimization.
	computed := snapshot.ComputedMarketValue()
	if diff := computed.Sub(snapshot.MarketValue).Abs(); diff.GreaterThan(valueTolerance) {
		return domain.NewValidationError(domain.RuleValueMismatch,
			"portfolio %s declared market value %s differs from computed %s by %s",
			snapshot.PortfolioID, snapshot.MarketValue, computed, diff)
	}

	return nil
}

// ValidateResult re-derives drift from the result's target quantities and
// confirms every position is within its drift tolerance, quantities respect
// the short-position floor, and no market value leaked. This is a
// last-resort correctness check; if it fires the optimization is defective
// and the result must be discarded.
func (s *Service) ValidateResult(
	model *domain.InvestmentModel,
	snapshot *domain.PortfolioSnapshot,
	result *domain.OptimizationResult,
) error {
	if result == nil {
		return domain.NewValidationError(domain.RuleResultQuantity, "result is nil")
	}

	tradeValue := decimal.Zero
	for _, pos := range model.Positions {
		qty, ok := result.TargetQuantities[pos.SecurityID]
		if !ok {
			return domain.NewValidationError(domain.RuleResultQuantity,
				"result omits target quantity for %s", pos.SecurityID)
		}

		current := snapshot.Quantity(pos.SecurityID)
		if qty < 0 && qty < current {
			// Existing shorts are a fixed floor, never driven further negative.
			return domain.NewValidationError(domain.RuleResultQuantity,
				"security %s driven from %d to %d shares", pos.SecurityID, current, qty)
		}
		if qty < 0 && current >= 0 {
			return domain.NewValidationError(domain.RuleResultQuantity,
				"security %s target quantity %d is negative", pos.SecurityID, qty)
		}

		price, ok := snapshot.Price(pos.SecurityID)
		if !ok {
			return domain.NewValidationError(domain.RuleMissingPrice,
				"no price for security %s", pos.SecurityID)
		}

		weight := price.Mul(decimal.NewFromInt(qty)).DivRound(snapshot.MarketValue, 12)
		d := weight.Sub(pos.Target.Decimal())
		if pos.Bounds.ExceedsTolerance(d) {
			return domain.NewValidationError(domain.RuleResultDrift,
				"security %s drift %s exceeds tolerance %s", pos.SecurityID, d, pos.Bounds.High())
		}

		tradeValue = tradeValue.Add(price.Mul(decimal.NewFromInt(qty - current)))
	}

	// Trades settle against cash; the resulting cash balance must cover
	// them. Cash may stay negative only if it started negative, and must
	// not decrease further.
	resultingCash := snapshot.Cash.Sub(tradeValue)
	if resultingCash.IsNegative() {
		if !snapshot.Cash.IsNegative() || resultingCash.LessThan(snapshot.Cash) {
			return domain.NewValidationError(domain.RuleResultConservation,
				"portfolio %s trades manufacture cash: balance %s would become %s",
				snapshot.PortfolioID, snapshot.Cash, resultingCash)
		}
	}

	// Conservation: resulting market value (new cash + repriced holdings)
	// must match the original within tolerance.
	resulting := resultingCash
	for id, qty := range snapshot.Quantities {
		_, modeled := model.Position(id)
		if modeled {
			continue
		}
		// Unmodeled holdings are untouched by the optimizer.
		if price, ok := snapshot.Price(id); ok {
			resulting = resulting.Add(price.Mul(decimal.NewFromInt(qty)))
		}
	}
	for _, pos := range model.Positions {
		price, _ := snapshot.Price(pos.SecurityID)
		resulting = resulting.Add(price.Mul(decimal.NewFromInt(result.TargetQuantities[pos.SecurityID])))
	}
	if diff := resulting.Sub(snapshot.MarketValue).Abs(); diff.GreaterThan(valueTolerance) {
		return domain.NewValidationError(domain.RuleResultConservation,
			"portfolio %s market value %s would become %s (leak %s)",
			snapshot.PortfolioID, snapshot.MarketValue, resulting, diff)
	}

	return nil
}
