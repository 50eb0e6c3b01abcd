package optimization

import (
	"math"

	"github.com/aristath/rebalancer/internal/domain"
)

// cashEps absorbs float noise when checking the cash floor during rounding;
// the authoritative conservation check runs later in decimal arithmetic.
const cashEps = 1e-6

// RoundSolution converts a continuous solution into integer share counts.
// Each quantity is rounded to the nearest integer and clamped to its floor
// (zero, or the current quantity for existing shorts). If the rounded buys
// overdraw cash, the most over-rounded positions are walked back one share
// at a time until the cash floor is respected. Fails with
// InfeasibleSolutionError when no walk-back can restore feasibility.
func RoundSolution(prob *Problem, sol *Solution) ([]int64, error) {
	n := prob.Size()
	continuous := prob.Quantities(sol.Weights)

	rounded := make([]int64, n)
	floors := make([]int64, n)
	for i := 0; i < n; i++ {
		floor := int64(0)
		if prob.Current[i] < 0 {
			floor = int64(prob.Current[i])
		}
		floors[i] = floor

		q := int64(math.Round(continuous[i]))
		if q < floor {
			q = floor
		}
		rounded[i] = q
	}

	cashAfter := func() float64 {
		spent := 0.0
		for i := 0; i < n; i++ {
			spent += (float64(rounded[i]) - prob.Current[i]) * prob.Prices[i]
		}
		return prob.Cash - spent
	}

	// Walk back over-rounded buys until cash is covered. Each step frees at
	// least one share's worth of cash, so the loop is bounded by the total
	// rounded-up share count.
	for cashAfter() < prob.CashFloor-cashEps {
		best := -1
		bestOver := 0.0
		for i := 0; i < n; i++ {
			if rounded[i] <= floors[i] || float64(rounded[i]) <= prob.Current[i] {
				continue
			}
			// Prefer the position holding the most excess dollars above its
			// continuous optimum; giving a share back there hurts drift least
			// per dollar recovered.
			over := (float64(rounded[i]) - continuous[i]) * prob.Prices[i]
			if best == -1 || over > bestOver {
				best = i
				bestOver = over
			}
		}
		if best == -1 {
			return nil, &domain.InfeasibleSolutionError{
				Reason: "rounded trades overdraw cash and no buy can be reduced",
			}
		}
		rounded[best]--
	}

	return rounded, nil
}
