package filter

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Weights maps profile fields to their contribution to the preference score.
type Weights map[string]float64

// ParseWeights decodes {"field": weight}.
func ParseWeights(data []byte) (Weights, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var w Weights
	if err := sonic.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: weights: %v", ErrInvalidClause, err)
	}
	return w, nil
}

// Score sums weight times profile value. Missing and non-numeric fields add
// nothing.
func (w Weights) Score(profile map[string]any) float64 {
	var score float64
	for field, weight := range w {
		raw, ok := profile[field]
		if !ok || raw == nil {
			continue
		}
		if n, ok := toNumber(raw); ok {
			score += weight * n
		}
	}
	return score
}
