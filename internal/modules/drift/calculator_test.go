package drift

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/pkg/logger"
)

func newTestCalculator() *Calculator {
	return NewCalculator(logger.New(logger.Config{Level: "error"}))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCalculator_PositionDrift(t *testing.T) {
	calc := newTestCalculator()

	tests := []struct {
		name        string
		target      string
		bounds      [2]string
		quantity    int64
		price       string
		marketValue string
		wantDrift   string
		wantOutside bool
		wantTrade   int64
	}{
		{
			name:        "overweight position",
			target:      "0.25",
			bounds:      [2]string{"0", "0.05"},
			quantity:    300,
			price:       "100",
			marketValue: "100000",
			wantDrift:   "0.05", // 30% held vs 25% target
			wantOutside: false,  // boundary is within band
			wantTrade:   -50,    // sell 50 shares to reach target
		},
		{
			name:        "underweight position",
			target:      "0.4",
			bounds:      [2]string{"0", "0.05"},
			quantity:    100,
			price:       "100",
			marketValue: "100000",
			wantDrift:   "-0.3",
			wantOutside: true,
			wantTrade:   300,
		},
		{
			name:        "exactly on target",
			target:      "0.5",
			bounds:      [2]string{"0.01", "0.05"},
			quantity:    500,
			price:       "100",
			marketValue: "100000",
			wantDrift:   "0",
			wantOutside: true, // zero drift is below the 1% low bound
			wantTrade:   0,
		},
		{
			name:        "not held at all",
			target:      "0.1",
			bounds:      [2]string{"0", "0.05"},
			quantity:    0,
			price:       "50",
			marketValue: "100000",
			wantDrift:   "-0.1",
			wantOutside: true,
			wantTrade:   200,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := domain.Position{
				SecurityID: "SEC1",
				Target:     domain.MustTargetPercentage(tt.target),
				Bounds:     domain.MustDriftBounds(tt.bounds[0], tt.bounds[1]),
			}

			info, err := calc.PositionDrift(pos, tt.quantity, dec(tt.price), dec(tt.marketValue))
			require.NoError(t, err)

			assert.True(t, info.Drift.Equal(dec(tt.wantDrift)),
				"drift: want %s, got %s", tt.wantDrift, info.Drift)
			assert.Equal(t, tt.wantOutside, info.OutOfBounds)
			assert.Equal(t, tt.wantTrade, info.RequiredTrade)
		})
	}
}

func TestCalculator_PositionDrift_InvalidInput(t *testing.T) {
	calc := newTestCalculator()
	pos := domain.Position{
		SecurityID: "SEC1",
		Target:     domain.MustTargetPercentage("0.25"),
		Bounds:     domain.MustDriftBounds("0", "0.05"),
	}

	_, err := calc.PositionDrift(pos, 10, dec("100"), decimal.Zero)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.RuleMarketValue, verr.Code)

	_, err = calc.PositionDrift(pos, 10, decimal.Zero, dec("100000"))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.RuleInvalidPrice, verr.Code)
}

func TestCalculator_RequiredTrade_TruncatesTowardZero(t *testing.T) {
	calc := newTestCalculator()

	// Ideal trade is 333.33... shares; never overshoot the target.
	trade := calc.RequiredTrade(dec("-0.1"), dec("30"), dec("100000"))
	assert.Equal(t, int64(333), trade)

	// Sell side truncates toward zero as well.
	trade = calc.RequiredTrade(dec("0.1"), dec("30"), dec("100000"))
	assert.Equal(t, int64(-333), trade)
}

func TestCalculator_PortfolioDrift(t *testing.T) {
	calc := newTestCalculator()

	model, err := domain.NewInvestmentModel("balanced")
	require.NoError(t, err)
	bounds := domain.MustDriftBounds("0", "0.05")
	require.NoError(t, model.AddPosition("AAPL", domain.MustTargetPercentage("0.5"), bounds))
	require.NoError(t, model.AddPosition("GOOGL", domain.MustTargetPercentage("0.3"), bounds))

	snapshot := &domain.PortfolioSnapshot{
		PortfolioID: "p1",
		Quantities:  map[string]int64{"AAPL": 600},
		Prices: map[string]decimal.Decimal{
			"AAPL":  dec("100"),
			"GOOGL": dec("200"),
		},
		Cash:        dec("40000"),
		MarketValue: dec("100000"),
	}

	drifts, err := calc.PortfolioDrift(model, snapshot)
	require.NoError(t, err)
	require.Len(t, drifts, 2)

	// AAPL: 60% held vs 50% target. GOOGL: unheld vs 30% target.
	assert.True(t, drifts[0].Drift.Equal(dec("0.1")))
	assert.True(t, drifts[1].Drift.Equal(dec("-0.3")))
	assert.True(t, calc.TotalDrift(drifts).Equal(dec("0.4")))

	outside := calc.PositionsOutsideBounds(drifts)
	assert.Len(t, outside, 2)
}

func TestCalculator_PortfolioDrift_MissingPrice(t *testing.T) {
	calc := newTestCalculator()

	model, _ := domain.NewInvestmentModel("balanced")
	bounds := domain.MustDriftBounds("0", "0.05")
	require.NoError(t, model.AddPosition("AAPL", domain.MustTargetPercentage("0.5"), bounds))

	snapshot := &domain.PortfolioSnapshot{
		PortfolioID: "p1",
		Quantities:  map[string]int64{},
		Prices:      map[string]decimal.Decimal{},
		Cash:        dec("100000"),
		MarketValue: dec("100000"),
	}

	_, err := calc.PortfolioDrift(model, snapshot)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.RuleMissingPrice, verr.Code)
}

func TestDisplayPercent(t *testing.T) {
	assert.Equal(t, "0.057", DisplayPercent(dec("0.0566")).String())
	assert.Equal(t, "0.056", DisplayPercent(dec("0.0564")).String())
	// Half-up at the display scale.
	assert.Equal(t, "0.057", DisplayPercent(dec("0.0565")).String())
}
