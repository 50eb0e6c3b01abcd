package domain

import "github.com/shopspring/decimal"

// PortfolioSnapshot is the immutable input to one optimization run: current
// integer holdings, prices, cash and declared total market value. It is
// assembled by the caller from the market-data and position collaborators
// and discarded after the run.
type PortfolioSnapshot struct {
	PortfolioID string
	Quantities  map[string]int64           // security ID -> shares held (negative = short)
	Prices      map[string]decimal.Decimal // security ID -> positive price
	Cash        decimal.Decimal            // signed cash balance
	MarketValue decimal.Decimal            // declared total: cash + sum(quantity*price)
}

// Quantity returns the held quantity for a security, zero when absent.
func (s *PortfolioSnapshot) Quantity(securityID string) int64 {
	return s.Quantities[securityID]
}

// Price returns the price for a security, if known.
func (s *PortfolioSnapshot) Price(securityID string) (decimal.Decimal, bool) {
	p, ok := s.Prices[securityID]
	return p, ok
}

// ComputedMarketValue recomputes cash + sum(quantity*price) from the
// snapshot's own maps. The validation service compares it against the
// declared MarketValue to catch stale collaborator data.
func (s *PortfolioSnapshot) ComputedMarketValue() decimal.Decimal {
	total := s.Cash
	for id, qty := range s.Quantities {
		if price, ok := s.Prices[id]; ok {
			total = total.Add(price.Mul(decimal.NewFromInt(qty)))
		}
	}
	return total
}

// Clone returns a deep copy so each worker owns its inputs.
func (s *PortfolioSnapshot) Clone() *PortfolioSnapshot {
	c := &PortfolioSnapshot{
		PortfolioID: s.PortfolioID,
		Cash:        s.Cash,
		MarketValue: s.MarketValue,
		Quantities:  make(map[string]int64, len(s.Quantities)),
		Prices:      make(map[string]decimal.Decimal, len(s.Prices)),
	}
	for id, q := range s.Quantities {
		c.Quantities[id] = q
	}
	for id, p := range s.Prices {
		c.Prices[id] = p
	}
	return c
}
