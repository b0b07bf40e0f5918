package quota

import (
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/models"
	"github.com/shopspring/decimal"
)

// Weights convert token classes into quota units.
type Weights struct {
	Input  decimal.Decimal
	Cached decimal.Decimal
	Output decimal.Decimal
}

// DefaultWeights bill every token class at one unit per token.
func DefaultWeights() Weights {
	one := decimal.NewFromInt(1)
	return Weights{Input: one, Cached: one, Output: one}
}

// Cost returns the quota units consumed by counts, rounded up to a whole unit.
func (w Weights) Cost(counts models.TokenCounts) int64 {
	total := w.Input.Mul(decimal.NewFromInt(counts.Input)).
		Add(w.Cached.Mul(decimal.NewFromInt(counts.Cached))).
		Add(w.Output.Mul(decimal.NewFromInt(counts.Output)))
	if total.IsNegative() {
		return 0
	}
	return total.Ceil().IntPart()
}
