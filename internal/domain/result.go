package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SolverStatus is the closed outcome of an optimization call.
type SolverStatus string

const (
	StatusOptimal    SolverStatus = "optimal"
	StatusInfeasible SolverStatus = "infeasible"
	StatusTimeout    SolverStatus = "timeout"
	StatusError      SolverStatus = "error"
)

// DriftInfo is the computed deviation of one position from its target.
type DriftInfo struct {
	SecurityID    string          `json:"security_id"`
	CurrentWeight decimal.Decimal `json:"current_weight"`
	TargetWeight  decimal.Decimal `json:"target_weight"`
	Drift         decimal.Decimal `json:"drift"`
	OutOfBounds   bool            `json:"out_of_bounds"`
	RequiredTrade int64           `json:"required_trade"`
}

// OptimizationResult is the outcome of one rebalance optimization. Immutable
// once constructed; the validation service checks it before it reaches
// callers.
type OptimizationResult struct {
	PortfolioID      string                     `json:"portfolio_id"`
	IsFeasible       bool                       `json:"is_feasible"`
	TargetQuantities map[string]int64           `json:"target_quantities,omitempty"`
	Drifts           map[string]decimal.Decimal `json:"drifts,omitempty"`
	TotalDrift       decimal.Decimal            `json:"total_drift"`
	SolverStatus     SolverStatus               `json:"solver_status"`
	SolverName       string                     `json:"solver_name,omitempty"`
	SolveDuration    time.Duration              `json:"solve_duration_ns"`
	Message          string                     `json:"message,omitempty"`
}
