package credits

import (
	"errors"
	"fmt"
	"math"

	"github.com/textpolish/textpolish/internal/config"
)

var (
	ErrUnknownModel  = errors.New("unknown model type")
	ErrNegativeCount = errors.New("token counts must be non-negative")
)

// Rates is the billing pair for one model, in credits per 1K tokens.
type Rates struct {
	InputRate  float64
	OutputRate float64
}

// Calculator maps (model, token counts) to an integer micro-credit cost.
// It is pure and deterministic; the rate table is fixed at construction.
type Calculator struct {
	rates      map[string]Rates
	multiplier int64
}

// NewCalculator builds a Calculator from the validated model catalog.
func NewCalculator(cat *config.Catalog, multiplier int64) (*Calculator, error) {
	if multiplier <= 0 {
		return nil, fmt.Errorf("base multiplier must be positive, got %d", multiplier)
	}
	rates := make(map[string]Rates, len(cat.Models))
	for id, m := range cat.Models {
		rates[id] = Rates{InputRate: m.InputRate, OutputRate: m.OutputRate}
	}
	return &Calculator{rates: rates, multiplier: multiplier}, nil
}

// Calculate returns the micro-credit cost for the given token counts.
// The result is rounded up so a fraction of a credit is never undercharged.
func (c *Calculator) Calculate(modelType string, inputTokens, outputTokens int) (int64, error) {
	rates, ok := c.rates[modelType]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownModel, modelType)
	}
	if inputTokens < 0 || outputTokens < 0 {
		return 0, ErrNegativeCount
	}

	inputCost := float64(inputTokens) / 1000 * rates.InputRate
	outputCost := float64(outputTokens) / 1000 * rates.OutputRate
	return int64(math.Ceil((inputCost + outputCost) * float64(c.multiplier))), nil
}

// Knows reports whether the model is present in the rate table.
func (c *Calculator) Knows(modelType string) bool {
	_, ok := c.rates[modelType]
	return ok
}
