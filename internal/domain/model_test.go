package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTargetPercentage(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		wantCode string
	}{
		{name: "zero", value: "0"},
		{name: "single quantum", value: "0.005"},
		{name: "typical allocation", value: "0.25"},
		{name: "maximum", value: "0.95"},
		{name: "negative", value: "-0.005", wantCode: RuleTargetRange},
		{name: "above cap", value: "0.955", wantCode: RuleTargetRange},
		{name: "off quantum", value: "0.0051", wantCode: RuleTargetQuantum},
		{name: "off quantum mid range", value: "0.253", wantCode: RuleTargetQuantum},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewTargetPercentage(decimal.RequireFromString(tt.value))
			if tt.wantCode != "" {
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tt.wantCode, verr.Code)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Decimal().Equal(decimal.RequireFromString(tt.value)))
		})
	}
}

func TestNewDriftBounds(t *testing.T) {
	tests := []struct {
		name      string
		low, high string
		wantCode  string
	}{
		{name: "zero band", low: "0", high: "0"},
		{name: "typical band", low: "0.01", high: "0.05"},
		{name: "full range", low: "0", high: "1"},
		{name: "negative low", low: "-0.01", high: "0.05", wantCode: RuleBoundsRange},
		{name: "high above one", low: "0", high: "1.5", wantCode: RuleBoundsRange},
		{name: "inverted", low: "0.05", high: "0.01", wantCode: RuleBoundsOrder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDriftBounds(decimal.RequireFromString(tt.low), decimal.RequireFromString(tt.high))
			if tt.wantCode != "" {
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tt.wantCode, verr.Code)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDriftBounds_OutOfBand(t *testing.T) {
	bounds := MustDriftBounds("0.01", "0.05")

	tests := []struct {
		name  string
		drift string
		want  bool
	}{
		{name: "inside band positive", drift: "0.03", want: false},
		{name: "inside band negative", drift: "-0.03", want: false},
		{name: "exactly at high", drift: "0.05", want: false},
		{name: "exactly at low", drift: "0.01", want: false},
		{name: "above high", drift: "0.051", want: true},
		{name: "below high negative", drift: "-0.06", want: true},
		{name: "below low", drift: "0.005", want: true},
		{name: "zero drift below low", drift: "0", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bounds.OutOfBand(decimal.RequireFromString(tt.drift))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDriftBounds_ExceedsTolerance(t *testing.T) {
	bounds := MustDriftBounds("0.01", "0.05")

	assert.False(t, bounds.ExceedsTolerance(decimal.RequireFromString("0.05")))
	assert.False(t, bounds.ExceedsTolerance(decimal.RequireFromString("-0.05")))
	assert.False(t, bounds.ExceedsTolerance(decimal.Zero))
	assert.True(t, bounds.ExceedsTolerance(decimal.RequireFromString("0.0501")))
	assert.True(t, bounds.ExceedsTolerance(decimal.RequireFromString("-0.06")))
}

func TestInvestmentModel_AddPosition(t *testing.T) {
	bounds := MustDriftBounds("0.01", "0.05")

	t.Run("adds positions up to target cap", func(t *testing.T) {
		model, err := NewInvestmentModel("growth")
		require.NoError(t, err)

		require.NoError(t, model.AddPosition("AAPL", MustTargetPercentage("0.5"), bounds))
		require.NoError(t, model.AddPosition("GOOGL", MustTargetPercentage("0.45"), bounds))
		assert.True(t, model.TotalTarget().Equal(decimal.RequireFromString("0.95")))

		err = model.AddPosition("MSFT", MustTargetPercentage("0.005"), bounds)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, RuleTargetSum, verr.Code)
		assert.Len(t, model.Positions, 2)
	})

	t.Run("rejects duplicate security", func(t *testing.T) {
		model, _ := NewInvestmentModel("growth")
		require.NoError(t, model.AddPosition("AAPL", MustTargetPercentage("0.25"), bounds))

		err := model.AddPosition("AAPL", MustTargetPercentage("0.1"), bounds)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, RuleDuplicatePosition, verr.Code)
	})

	t.Run("rejects invalid security identifier", func(t *testing.T) {
		model, _ := NewInvestmentModel("growth")
		for _, id := range []string{"", "AA PL", "AA-PL", "AA.PL"} {
			err := model.AddPosition(id, MustTargetPercentage("0.1"), bounds)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, RuleSecurityID, verr.Code)
		}
	})

	t.Run("zero target removes existing position", func(t *testing.T) {
		model, _ := NewInvestmentModel("growth")
		require.NoError(t, model.AddPosition("AAPL", MustTargetPercentage("0.25"), bounds))

		require.NoError(t, model.AddPosition("AAPL", MustTargetPercentage("0"), bounds))
		assert.Empty(t, model.Positions)
	})

	t.Run("zero target for absent security is a no-op", func(t *testing.T) {
		model, _ := NewInvestmentModel("growth")
		require.NoError(t, model.AddPosition("AAPL", MustTargetPercentage("0"), bounds))
		assert.Empty(t, model.Positions)
	})

	t.Run("enforces position limit", func(t *testing.T) {
		model, _ := NewInvestmentModel("broad")
		for i := 0; i < MaxPositions; i++ {
			id := fmt.Sprintf("S%d", i)
			require.NoError(t, model.AddPosition(id, MustTargetPercentage("0.005"), bounds))
		}

		err := model.AddPosition("OVERFLOW", MustTargetPercentage("0.005"), bounds)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, RulePositionLimit, verr.Code)
	})

	t.Run("failed add leaves model unchanged", func(t *testing.T) {
		model, _ := NewInvestmentModel("growth")
		require.NoError(t, model.AddPosition("AAPL", MustTargetPercentage("0.9"), bounds))
		before := model.TotalTarget()

		err := model.AddPosition("GOOGL", MustTargetPercentage("0.1"), bounds)
		require.Error(t, err)
		assert.Len(t, model.Positions, 1)
		assert.True(t, model.TotalTarget().Equal(before))
	})
}

func TestInvestmentModel_RemovePosition(t *testing.T) {
	bounds := MustDriftBounds("0.01", "0.05")
	model, _ := NewInvestmentModel("growth")
	require.NoError(t, model.AddPosition("AAPL", MustTargetPercentage("0.25"), bounds))

	require.NoError(t, model.RemovePosition("AAPL"))
	assert.Empty(t, model.Positions)

	err := model.RemovePosition("AAPL")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, RuleUnknownPosition, verr.Code)
}

func TestInvestmentModel_PortfolioAssociations(t *testing.T) {
	model, _ := NewInvestmentModel("growth")

	require.NoError(t, model.AssociatePortfolio("p1"))
	require.NoError(t, model.AssociatePortfolio("p2"))
	assert.Equal(t, []string{"p1", "p2"}, model.PortfolioIDs)

	err := model.AssociatePortfolio("p1")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, RulePortfolioBound, verr.Code)

	require.NoError(t, model.DissociatePortfolio("p1"))
	assert.Equal(t, []string{"p2"}, model.PortfolioIDs)

	err = model.DissociatePortfolio("p1")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, RulePortfolioNotBound, verr.Code)
}

func TestInvestmentModel_Clone(t *testing.T) {
	bounds := MustDriftBounds("0.01", "0.05")
	model, _ := NewInvestmentModel("growth")
	require.NoError(t, model.AddPosition("AAPL", MustTargetPercentage("0.25"), bounds))
	require.NoError(t, model.AssociatePortfolio("p1"))
	model.MarkRebalanced(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	model.Version = 3

	clone := model.Clone()
	require.NoError(t, clone.AddPosition("GOOGL", MustTargetPercentage("0.25"), bounds))
	require.NoError(t, clone.AssociatePortfolio("p2"))

	assert.Len(t, model.Positions, 1)
	assert.Len(t, clone.Positions, 2)
	assert.Equal(t, []string{"p1"}, model.PortfolioIDs)
	assert.Equal(t, int64(3), clone.Version)
	assert.Equal(t, model.LastRebalanceDate, clone.LastRebalanceDate)
}

func TestPortfolioSnapshot_ComputedMarketValue(t *testing.T) {
	snapshot := &PortfolioSnapshot{
		PortfolioID: "p1",
		Quantities:  map[string]int64{"AAPL": 10, "GOOGL": -5},
		Prices: map[string]decimal.Decimal{
			"AAPL":  decimal.RequireFromString("100"),
			"GOOGL": decimal.RequireFromString("50"),
		},
		Cash: decimal.RequireFromString("250"),
	}

	// 250 + 10*100 - 5*50 = 1000
	assert.True(t, snapshot.ComputedMarketValue().Equal(decimal.RequireFromString("1000")))
}

func TestPortfolioSnapshot_Clone(t *testing.T) {
	snapshot := &PortfolioSnapshot{
		PortfolioID: "p1",
		Quantities:  map[string]int64{"AAPL": 10},
		Prices:      map[string]decimal.Decimal{"AAPL": decimal.RequireFromString("100")},
		Cash:        decimal.RequireFromString("50"),
		MarketValue: decimal.RequireFromString("1050"),
	}

	clone := snapshot.Clone()
	clone.Quantities["AAPL"] = 99
	clone.Prices["GOOGL"] = decimal.RequireFromString("1")

	assert.Equal(t, int64(10), snapshot.Quantity("AAPL"))
	_, ok := snapshot.Price("GOOGL")
	assert.False(t, ok)
}
