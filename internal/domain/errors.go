package domain

import (
	"fmt"
	"time"
)

// Rule codes carried by ValidationError. Callers match on these rather than
// on message text.
const (
	RuleTargetRange        = "target/range"
	RuleTargetQuantum      = "target/quantum"
	RuleBoundsRange        = "bounds/range"
	RuleBoundsOrder        = "bounds/order"
	RuleSecurityID         = "security/id"
	RuleDuplicatePosition  = "model/duplicate-position"
	RuleUnknownPosition    = "model/unknown-position"
	RulePositionLimit      = "model/position-limit"
	RuleTargetSum          = "model/target-sum"
	RuleModelName          = "model/name"
	RulePortfolioBound     = "model/portfolio-associated"
	RulePortfolioNotBound  = "model/portfolio-not-associated"
	RuleMissingPrice       = "input/missing-price"
	RuleInvalidPrice       = "input/invalid-price"
	RuleMarketValue        = "input/market-value"
	RuleValueMismatch      = "input/value-mismatch"
	RuleResultDrift        = "result/drift-bounds"
	RuleResultConservation = "result/value-conservation"
	RuleResultQuantity     = "result/quantity"
)

// ValidationError reports malformed or rule-violating input. Code identifies
// the violated rule, Message is human-readable context.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Code, e.Message)
}

// NewValidationError creates a ValidationError with a formatted message.
func NewValidationError(code, format string, args ...interface{}) *ValidationError {
	return &ValidationError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// InfeasibleSolutionError reports that no rounded integer solution satisfies
// the drift bounds and market-value conservation.
type InfeasibleSolutionError struct {
	Reason string
}

func (e *InfeasibleSolutionError) Error() string {
	return fmt.Sprintf("no feasible integer solution: %s", e.Reason)
}

// SolverTimeoutError reports that a solver backend exceeded its share of the
// overall wall-clock budget.
type SolverTimeoutError struct {
	Solver string
	Budget time.Duration
}

func (e *SolverTimeoutError) Error() string {
	return fmt.Sprintf("solver %s timed out after %s", e.Solver, e.Budget)
}

// SolverError reports an unexpected numerical or internal failure inside a
// solver backend. The engine treats it as fallback-and-continue.
type SolverError struct {
	Solver string
	Err    error
}

func (e *SolverError) Error() string {
	return fmt.Sprintf("solver %s failed: %v", e.Solver, e.Err)
}

func (e *SolverError) Unwrap() error {
	return e.Err
}

// ConcurrencyError reports an optimistic-locking version mismatch when
// persisting a model. Callers re-read and retry with fresh data.
type ConcurrencyError struct {
	ModelName string
	Expected  int64
	Found     int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("model %q version mismatch: expected %d, found %d", e.ModelName, e.Expected, e.Found)
}
