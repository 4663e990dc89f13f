package credits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vizual/metering-plane/internal/ledger"
	"github.com/vizual/metering-plane/internal/pricing"
	"github.com/vizual/metering-plane/pkg/models"
)

func seedAccount(store *ledger.Memory, tier models.Tier, credits, used int) models.Account {
	acct := models.Account{
		ID:               uuid.New(),
		Email:            "dev@example.com",
		Credits:          credits,
		CreditsUsed:      used,
		CreditsResetAt:   time.Now().Add(20 * 24 * time.Hour),
		Tier:             tier,
		Status:           models.StatusActive,
		DailyFreeLimit:   tier.DailyFreeImageLimit(),
		DailyFreeResetAt: time.Now().Add(6 * time.Hour),
	}
	store.PutAccount(acct)
	return acct
}

// flakyStore wraps a Memory store and fails selected read paths, for
// exercising the gate's fail-open and fail-closed branches.
type flakyStore struct {
	*ledger.Memory
	failAdvisory bool
	failAccount  bool
}

var errStoreDown = errors.New("store unavailable")

func (f *flakyStore) CanGenerateImage(ctx context.Context, id uuid.UUID) (*ledger.ImageCheck, error) {
	if f.failAdvisory {
		return nil, errStoreDown
	}
	return f.Memory.CanGenerateImage(ctx, id)
}

func (f *flakyStore) Account(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	if f.failAccount {
		return nil, errStoreDown
	}
	return f.Memory.Account(ctx, id)
}

func TestGateAllowsFreeModel(t *testing.T) {
	store := ledger.NewMemory()
	gate := NewGate(store, nil, zap.NewNop())

	// zero-cost models skip the ledger entirely; no account needed
	dec := gate.Check(context.Background(), uuid.New(), models.KindVideo, "sora-2-own-key", 10)
	if !dec.Allowed {
		t.Fatalf("own-key model should always be allowed: %+v", dec)
	}
	if dec.CreditCost != 0 {
		t.Errorf("expected zero cost, got %v", dec.CreditCost)
	}
}

func TestGateAllowsNegativeCostEntry(t *testing.T) {
	prices := pricing.NewTable()
	prices.Add("comped-model", pricing.ModelCost{Flat: -1})

	store := ledger.NewMemory()
	gate := NewGate(store, prices, zap.NewNop())

	// a misconfigured negative cost must behave like zero, not reach
	// the paid path
	dec := gate.Check(context.Background(), uuid.New(), models.KindVideo, "comped-model", 0)
	if !dec.Allowed {
		t.Fatalf("non-positive cost should always be allowed: %+v", dec)
	}
	if dec.CreditCost != 0 {
		t.Errorf("expected zero cost, got %v", dec.CreditCost)
	}
}

func TestGateImageUsesDailyFreeAdvisory(t *testing.T) {
	store := ledger.NewMemory()
	acct := seedAccount(store, models.TierFree, 10, 10) // no credits left
	gate := NewGate(store, nil, zap.NewNop())

	dec := gate.Check(context.Background(), acct.ID, models.KindImage, "flux-schnell", 0)
	if !dec.Allowed {
		t.Fatalf("daily free allowance should admit the request: %+v", dec)
	}
	if dec.Source != ledger.SourceDailyFree {
		t.Errorf("expected daily_free source, got %s", dec.Source)
	}

	// advisory path must not consume anything
	after, _ := store.Snapshot(acct.ID)
	if after.DailyFreeUsed != 0 {
		t.Errorf("gate consumed a free slot: %d", after.DailyFreeUsed)
	}
}

func TestGateImageAdvisoryFailureFallsThrough(t *testing.T) {
	mem := ledger.NewMemory()
	acct := seedAccount(mem, models.TierBasic, 500, 0)
	gate := NewGate(&flakyStore{Memory: mem, failAdvisory: true}, nil, zap.NewNop())

	dec := gate.Check(context.Background(), acct.ID, models.KindImage, "flux-schnell", 0)
	if !dec.Allowed {
		t.Fatalf("advisory failure should fall through to balance check: %+v", dec)
	}
	if dec.Source != ledger.SourceCredits {
		t.Errorf("fallback should report credit source, got %s", dec.Source)
	}
}

func TestGateDeniesInsufficientCredits(t *testing.T) {
	store := ledger.NewMemory()
	acct := seedAccount(store, models.TierFree, 10, 7) // 3 remaining
	gate := NewGate(store, nil, zap.NewNop())

	dec := gate.Check(context.Background(), acct.ID, models.KindImage, "nano-banana-pro", 0) // costs 15
	if dec.Allowed {
		t.Fatal("expected denial")
	}
	if dec.CreditsRemaining != 3 {
		t.Errorf("expected 3 remaining, got %d", dec.CreditsRemaining)
	}
	want := "Insufficient credits. This costs 15 credits but you only have 3. Upgrade your plan for more!"
	if dec.Message != want {
		t.Errorf("message mismatch:\n got %q\nwant %q", dec.Message, want)
	}
	if !dec.UpgradeRequired {
		t.Error("insufficient-credit denial should suggest an upgrade")
	}
	if dec.ResetAt.IsZero() {
		t.Error("denial should carry the billing-cycle reset timestamp")
	}
}

func TestGateDenialMessageFractionalCost(t *testing.T) {
	store := ledger.NewMemory()
	acct := seedAccount(store, models.TierFree, 10, 10)
	acct.DailyFreeUsed = acct.DailyFreeLimit
	store.PutAccount(acct)
	gate := NewGate(store, nil, zap.NewNop())

	// video path skips the advisory check even for cheap models
	dec := gate.Check(context.Background(), acct.ID, models.KindVideo, "p-image", 0)
	if dec.Allowed {
		t.Fatal("expected denial")
	}
	want := "Insufficient credits. This costs 0.5 credits but you only have 0. Upgrade your plan for more!"
	if dec.Message != want {
		t.Errorf("message mismatch:\n got %q\nwant %q", dec.Message, want)
	}
}

func TestGateVideoCostScalesWithDuration(t *testing.T) {
	store := ledger.NewMemory()
	acct := seedAccount(store, models.TierPro, 2000, 0)
	gate := NewGate(store, nil, zap.NewNop())

	dec := gate.Check(context.Background(), acct.ID, models.KindVideo, "sora-2", 8)
	if !dec.Allowed {
		t.Fatalf("expected allow: %+v", dec)
	}
	if dec.CreditCost != 80 {
		t.Errorf("expected cost 80 for 8s at 10/s, got %v", dec.CreditCost)
	}
}

func TestGateFailsClosedOnBalanceError(t *testing.T) {
	mem := ledger.NewMemory()
	acct := seedAccount(mem, models.TierPro, 2000, 0)
	gate := NewGate(&flakyStore{Memory: mem, failAdvisory: true, failAccount: true}, nil, zap.NewNop())

	dec := gate.Check(context.Background(), acct.ID, models.KindVideo, "sora-2", 5)
	if dec.Allowed {
		t.Fatal("balance read failure must deny the request")
	}
	if dec.Message != verifyFailedMessage {
		t.Errorf("unexpected message: %q", dec.Message)
	}
}

func TestGateUnknownModelCostsOne(t *testing.T) {
	store := ledger.NewMemory()
	acct := seedAccount(store, models.TierFree, 10, 9) // exactly 1 remaining
	acct.DailyFreeUsed = acct.DailyFreeLimit
	store.PutAccount(acct)
	gate := NewGate(store, nil, zap.NewNop())

	dec := gate.Check(context.Background(), acct.ID, models.KindVideo, "some-new-model", 0)
	if !dec.Allowed {
		t.Fatalf("one remaining credit should cover the default cost: %+v", dec)
	}
	if dec.CreditCost != 1 {
		t.Errorf("expected default cost 1, got %v", dec.CreditCost)
	}
}

func TestChargeableCredits(t *testing.T) {
	cases := []struct {
		cost float64
		want int
	}{
		{0, 0},
		{0.5, 1},
		{1, 1},
		{1.2, 2},
		{15, 15},
	}
	for _, tc := range cases {
		if got := ChargeableCredits(tc.cost); got != tc.want {
			t.Errorf("ChargeableCredits(%v) = %d, want %d", tc.cost, got, tc.want)
		}
	}
}
