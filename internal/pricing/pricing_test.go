package pricing

import (
	"math"
	"testing"
)

func TestFlatCostModels(t *testing.T) {
	cases := map[string]float64{
		"flux-schnell":       1,
		"flux-1.1-pro-ultra": 5,
		"p-image":            0.5,
		"imagen-4-fast":      2,
		"imagen-3-fast":      2.5,
		"imagen-4-ultra":     6,
		"ideogram-v3-turbo":  3,
		"seedream-4":         3,
		"seedream-4.5":       4,
		"nano-banana-pro":    15,
		"hailuo-2.3-fast":    19,
		"hailuo-2.3":         28,
	}

	for model, want := range cases {
		if got := CreditCost(model, 0); got != want {
			t.Errorf("CreditCost(%q) = %v, want %v", model, got, want)
		}
	}
}

func TestPerSecondModels(t *testing.T) {
	cases := []struct {
		model    string
		rate     float64
		duration int
	}{
		{"seedance-1-pro-fast", 1.5, 8},
		{"seedance-1-lite", 1.8, 4},
		{"wan-2.5-t2v-fast", 6.8, 10},
		{"kling-v2.5-turbo-pro", 7, 6},
		{"sora-2", 10, 12},
		{"veo-2", 50, 3},
	}

	for _, tc := range cases {
		want := math.Ceil(tc.rate * float64(tc.duration))
		if got := CreditCost(tc.model, tc.duration); got != want {
			t.Errorf("CreditCost(%q, %d) = %v, want %v", tc.model, tc.duration, got, want)
		}
	}
}

func TestPerSecondDefaultDuration(t *testing.T) {
	// Zero, negative, or omitted durations fall back to 5 seconds.
	want := math.Ceil(1.5 * float64(DefaultVideoSeconds))
	for _, d := range []int{0, -3} {
		if got := CreditCost("seedance-1-pro-fast", d); got != want {
			t.Errorf("CreditCost(seedance-1-pro-fast, %d) = %v, want %v", d, got, want)
		}
	}
}

func TestUnknownModelDefaultsToOne(t *testing.T) {
	if got := CreditCost("no-such-model", 0); got != 1 {
		t.Errorf("CreditCost(unknown) = %v, want 1", got)
	}
	if got := CreditCost("no-such-model", 30); got != 1 {
		t.Errorf("CreditCost(unknown, 30) = %v, want 1", got)
	}
}

func TestOwnKeyModelIsFree(t *testing.T) {
	if got := CreditCost("sora-2-own-key", 10); got != 0 {
		t.Errorf("CreditCost(sora-2-own-key) = %v, want 0", got)
	}
}

func TestTableIsDeterministic(t *testing.T) {
	a := CreditCost("veo-3", 7)
	b := CreditCost("veo-3", 7)
	if a != b {
		t.Errorf("CreditCost not deterministic: %v != %v", a, b)
	}
}
