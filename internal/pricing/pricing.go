package pricing

import (
	"math"
	"strings"
)

// DefaultVideoSeconds is assumed when a per-second model is requested
// without a usable duration.
const DefaultVideoSeconds = 5

// defaultUnknownCost is charged for model identifiers not in the table.
// Unrecognized models are billed minimally rather than rejected; the
// request must still pass the credit gate.
const defaultUnknownCost = 1

// ModelCost prices a single model: either a flat credit cost or a
// per-second rate, never both.
type ModelCost struct {
	Flat      float64
	PerSecond float64
}

// Table maps model identifiers to credit costs.
type Table struct {
	costs map[string]ModelCost
}

// NewTable creates an empty cost table.
func NewTable() *Table {
	return &Table{costs: make(map[string]ModelCost)}
}

// Add registers or replaces the cost entry for a model.
func (t *Table) Add(modelID string, cost ModelCost) {
	t.costs[strings.TrimSpace(modelID)] = cost
}

// CreditCost computes the credit cost of one generation. Flat-cost models
// ignore the duration. Per-second models bill ceil(rate * duration), with
// the duration defaulting to DefaultVideoSeconds when zero or negative.
// Unknown models cost defaultUnknownCost.
func (t *Table) CreditCost(modelID string, durationSeconds int) float64 {
	cost, ok := t.costs[modelID]
	if !ok {
		return defaultUnknownCost
	}

	if cost.PerSecond == 0 {
		return cost.Flat
	}

	duration := durationSeconds
	if duration <= 0 {
		duration = DefaultVideoSeconds
	}
	return math.Ceil(cost.PerSecond * float64(duration))
}

// Default is the production cost table. It must stay in sync with the
// client-side table shown in the studio UI.
var Default = func() *Table {
	t := NewTable()

	// Image models
	t.Add("flux-schnell", ModelCost{Flat: 1})
	t.Add("flux-1.1-pro-ultra", ModelCost{Flat: 5})
	t.Add("p-image", ModelCost{Flat: 0.5})
	t.Add("imagen-4-fast", ModelCost{Flat: 2})
	t.Add("imagen-3-fast", ModelCost{Flat: 2.5})
	t.Add("imagen-4-ultra", ModelCost{Flat: 6})
	t.Add("ideogram-v3-turbo", ModelCost{Flat: 3})
	t.Add("seedream-4", ModelCost{Flat: 3})
	t.Add("seedream-4.5", ModelCost{Flat: 4})
	t.Add("nano-banana-pro", ModelCost{Flat: 15})

	// Video models (per-second rates unless noted)
	t.Add("seedance-1-pro-fast", ModelCost{PerSecond: 1.5})
	t.Add("seedance-1-lite", ModelCost{PerSecond: 1.8})
	t.Add("seedance-1-pro", ModelCost{PerSecond: 3})
	t.Add("wan-2.5-i2v", ModelCost{PerSecond: 5})
	t.Add("wan-2.5-t2v", ModelCost{PerSecond: 5})
	t.Add("wan-2.5-t2v-fast", ModelCost{PerSecond: 6.8})
	t.Add("wan-2.1-t2v-720p", ModelCost{PerSecond: 24})
	t.Add("wan-2.1-i2v-720p", ModelCost{PerSecond: 25})
	t.Add("pixverse-v4.5", ModelCost{PerSecond: 6})
	t.Add("kling-v2.5-turbo-pro", ModelCost{PerSecond: 7})
	t.Add("hailuo-2.3-fast", ModelCost{Flat: 19})
	t.Add("hailuo-2.3", ModelCost{Flat: 28})
	t.Add("sora-2", ModelCost{PerSecond: 10})
	t.Add("sora-2-own-key", ModelCost{Flat: 0})
	t.Add("veo-3-fast", ModelCost{PerSecond: 10})
	t.Add("veo-3.1-fast", ModelCost{PerSecond: 10})
	t.Add("veo-3", ModelCost{PerSecond: 20})
	t.Add("veo-3.1", ModelCost{PerSecond: 20})
	t.Add("veo-2", ModelCost{PerSecond: 50})

	return t
}()

// CreditCost computes the cost against the production table.
func CreditCost(modelID string, durationSeconds int) float64 {
	return Default.CreditCost(modelID, durationSeconds)
}
