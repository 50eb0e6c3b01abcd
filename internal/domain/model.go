// Package domain provides the investment-model aggregate and the value
// objects shared by the drift, validation and optimization modules.
// All monetary and percentage arithmetic uses fixed-precision decimals;
// binary floats appear only inside the solver backends.
package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// MaxPositions is the maximum number of non-zero-target positions a model
// may hold.
const MaxPositions = 100

var (
	// TargetQuantum is the smallest allowed target increment (5 basis points).
	TargetQuantum = decimal.RequireFromString("0.005")

	// MaxTotalTarget caps the sum of all targets, reserving at least 5% cash.
	MaxTotalTarget = decimal.RequireFromString("0.95")

	one = decimal.NewFromInt(1)
)

// TargetPercentage is a fractional allocation in [0, 0.95], exactly zero or
// an integer multiple of TargetQuantum. Invalid values fail construction.
type TargetPercentage struct {
	value decimal.Decimal
}

// NewTargetPercentage validates and constructs a TargetPercentage.
func NewTargetPercentage(v decimal.Decimal) (TargetPercentage, error) {
	if v.IsNegative() || v.GreaterThan(MaxTotalTarget) {
		return TargetPercentage{}, NewValidationError(RuleTargetRange,
			"target %s outside [0, %s]", v, MaxTotalTarget)
	}
	if !v.Mod(TargetQuantum).IsZero() {
		return TargetPercentage{}, NewValidationError(RuleTargetQuantum,
			"target %s is not a multiple of %s", v, TargetQuantum)
	}
	return TargetPercentage{value: v}, nil
}

// MustTargetPercentage parses a decimal string into a TargetPercentage,
// panicking on invalid input. Intended for fixtures and literals.
func MustTargetPercentage(s string) TargetPercentage {
	t, err := NewTargetPercentage(decimal.RequireFromString(s))
	if err != nil {
		panic(err)
	}
	return t
}

// Decimal returns the underlying fraction.
func (t TargetPercentage) Decimal() decimal.Decimal { return t.value }

// IsZero reports whether the target is exactly zero.
func (t TargetPercentage) IsZero() bool { return t.value.IsZero() }

func (t TargetPercentage) String() string { return t.value.String() }

// MarshalJSON encodes the target as its decimal value.
func (t TargetPercentage) MarshalJSON() ([]byte, error) {
	return t.value.MarshalJSON()
}

// UnmarshalJSON decodes and validates a target.
func (t *TargetPercentage) UnmarshalJSON(data []byte) error {
	var v decimal.Decimal
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	parsed, err := NewTargetPercentage(v)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// DriftBounds is the tolerated fractional deviation below/above the target
// before rebalancing is mandatory. Both bounds are in [0, 1] with low <= high.
type DriftBounds struct {
	low  decimal.Decimal
	high decimal.Decimal
}

// NewDriftBounds validates and constructs a DriftBounds pair.
func NewDriftBounds(low, high decimal.Decimal) (DriftBounds, error) {
	if low.IsNegative() || low.GreaterThan(one) || high.IsNegative() || high.GreaterThan(one) {
		return DriftBounds{}, NewValidationError(RuleBoundsRange,
			"bounds (%s, %s) outside [0, 1]", low, high)
	}
	if low.GreaterThan(high) {
		return DriftBounds{}, NewValidationError(RuleBoundsOrder,
			"lower bound %s exceeds upper bound %s", low, high)
	}
	return DriftBounds{low: low, high: high}, nil
}

// MustDriftBounds parses two decimal strings into a DriftBounds, panicking
// on invalid input. Intended for fixtures and literals.
func MustDriftBounds(low, high string) DriftBounds {
	b, err := NewDriftBounds(decimal.RequireFromString(low), decimal.RequireFromString(high))
	if err != nil {
		panic(err)
	}
	return b
}

// Low returns the tolerated deviation below target.
func (b DriftBounds) Low() decimal.Decimal { return b.low }

// High returns the tolerated deviation above target.
func (b DriftBounds) High() decimal.Decimal { return b.high }

type driftBoundsJSON struct {
	Low  decimal.Decimal `json:"low"`
	High decimal.Decimal `json:"high"`
}

// MarshalJSON encodes the bounds as a {low, high} object.
func (b DriftBounds) MarshalJSON() ([]byte, error) {
	return json.Marshal(driftBoundsJSON{Low: b.low, High: b.high})
}

// UnmarshalJSON decodes and validates a bounds pair.
func (b *DriftBounds) UnmarshalJSON(data []byte) error {
	var raw driftBoundsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewDriftBounds(raw.Low, raw.High)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// OutOfBand reports whether a signed drift falls outside the position's
// tolerated band: above the high bound or below the low bound in magnitude.
// Boundary values are considered within the band.
func (b DriftBounds) OutOfBand(drift decimal.Decimal) bool {
	abs := drift.Abs()
	return abs.GreaterThan(b.high) || abs.LessThan(b.low)
}

// ExceedsTolerance reports whether a drift magnitude is above the high
// bound. Result validation uses only the upper tolerance: a rebalanced
// position below the low bound is the goal, not a violation.
func (b DriftBounds) ExceedsTolerance(drift decimal.Decimal) bool {
	return drift.Abs().GreaterThan(b.high)
}

// Position is one entry in an investment model: a security identifier, its
// target allocation and its drift tolerance.
type Position struct {
	SecurityID string           `json:"security_id"`
	Target     TargetPercentage `json:"target"`
	Bounds     DriftBounds      `json:"bounds"`
}

// validSecurityID accepts non-empty alphanumeric tokens. The exact external
// format (ISIN, CUSIP, ...) is owned by the security-reference collaborator;
// the model treats identifiers as opaque keys.
func validSecurityID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// InvestmentModel is the aggregate encoding every business rule about a
// valid model: unique positions, target sum cap, position count cap and the
// set of associated portfolios. Mutation methods validate before applying;
// on error the aggregate is unchanged.
type InvestmentModel struct {
	Name              string     `json:"name"`
	Positions         []Position `json:"positions"`
	PortfolioIDs      []string   `json:"portfolio_ids,omitempty"`
	Version           int64      `json:"version"`
	LastRebalanceDate time.Time  `json:"last_rebalance_date"`
}

// NewInvestmentModel creates an empty model with the given name.
func NewInvestmentModel(name string) (*InvestmentModel, error) {
	if name == "" {
		return nil, NewValidationError(RuleModelName, "model name must not be empty")
	}
	return &InvestmentModel{Name: name}, nil
}

// TotalTarget returns the sum of all position targets.
func (m *InvestmentModel) TotalTarget() decimal.Decimal {
	total := decimal.Zero
	for _, p := range m.Positions {
		total = total.Add(p.Target.Decimal())
	}
	return total
}

// Position returns the position for a security, if present.
func (m *InvestmentModel) Position(securityID string) (Position, bool) {
	for _, p := range m.Positions {
		if p.SecurityID == securityID {
			return p, true
		}
	}
	return Position{}, false
}

// AddPosition adds a position to the model. A zero target removes the
// position instead (zero-target positions are pruned automatically). Fails
// if the security is already present, the position count would exceed
// MaxPositions, or the total target would exceed MaxTotalTarget.
func (m *InvestmentModel) AddPosition(securityID string, target TargetPercentage, bounds DriftBounds) error {
	if !validSecurityID(securityID) {
		return NewValidationError(RuleSecurityID, "invalid security identifier %q", securityID)
	}

	if target.IsZero() {
		// Setting a zero target is the idiom for removal.
		if _, ok := m.Position(securityID); ok {
			return m.RemovePosition(securityID)
		}
		return nil
	}

	if _, ok := m.Position(securityID); ok {
		return NewValidationError(RuleDuplicatePosition, "security %s already in model %s", securityID, m.Name)
	}
	if len(m.Positions) >= MaxPositions {
		return NewValidationError(RulePositionLimit, "model %s already holds %d positions", m.Name, MaxPositions)
	}
	if total := m.TotalTarget().Add(target.Decimal()); total.GreaterThan(MaxTotalTarget) {
		return NewValidationError(RuleTargetSum,
			"adding %s would raise total target to %s, above %s", securityID, total, MaxTotalTarget)
	}

	m.Positions = append(m.Positions, Position{SecurityID: securityID, Target: target, Bounds: bounds})
	return nil
}

// RemovePosition removes a security from the model.
func (m *InvestmentModel) RemovePosition(securityID string) error {
	for i, p := range m.Positions {
		if p.SecurityID == securityID {
			m.Positions = append(m.Positions[:i], m.Positions[i+1:]...)
			return nil
		}
	}
	return NewValidationError(RuleUnknownPosition, "security %s not in model %s", securityID, m.Name)
}

// AssociatePortfolio binds a portfolio to this model.
func (m *InvestmentModel) AssociatePortfolio(portfolioID string) error {
	for _, id := range m.PortfolioIDs {
		if id == portfolioID {
			return NewValidationError(RulePortfolioBound, "portfolio %s already associated with model %s", portfolioID, m.Name)
		}
	}
	m.PortfolioIDs = append(m.PortfolioIDs, portfolioID)
	return nil
}

// DissociatePortfolio unbinds a portfolio from this model.
func (m *InvestmentModel) DissociatePortfolio(portfolioID string) error {
	for i, id := range m.PortfolioIDs {
		if id == portfolioID {
			m.PortfolioIDs = append(m.PortfolioIDs[:i], m.PortfolioIDs[i+1:]...)
			return nil
		}
	}
	return NewValidationError(RulePortfolioNotBound, "portfolio %s not associated with model %s", portfolioID, m.Name)
}

// MarkRebalanced records a completed rebalance. The version bump happens in
// the persistence layer under its optimistic-locking write.
func (m *InvestmentModel) MarkRebalanced(at time.Time) {
	m.LastRebalanceDate = at
}

// Clone returns a deep copy. Workers operate on copies so concurrent
// rebalances never share mutable state.
func (m *InvestmentModel) Clone() *InvestmentModel {
	c := &InvestmentModel{
		Name:              m.Name,
		Version:           m.Version,
		LastRebalanceDate: m.LastRebalanceDate,
		Positions:         make([]Position, len(m.Positions)),
		PortfolioIDs:      make([]string, len(m.PortfolioIDs)),
	}
	copy(c.Positions, m.Positions)
	copy(c.PortfolioIDs, m.PortfolioIDs)
	return c
}
