package credits

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vizual/metering-plane/internal/ledger"
	"github.com/vizual/metering-plane/pkg/models"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRecorderDeductCeilsFractionalCost(t *testing.T) {
	store := ledger.NewMemory()
	acct := seedAccount(store, models.TierBasic, 500, 0)
	rec := NewRecorder(store, nil, zap.NewNop())

	res, err := rec.DeductCredits(context.Background(), acct.ID, "p-image", 0.5)
	if err != nil {
		t.Fatalf("DeductCredits: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success: %+v", res)
	}
	if res.NewBalance != 499 {
		t.Errorf("fractional cost should deduct a whole credit, balance=%d", res.NewBalance)
	}
}

func TestRecorderDeductWritesTransaction(t *testing.T) {
	store := ledger.NewMemory()
	acct := seedAccount(store, models.TierPro, 2000, 0)
	rec := NewRecorder(store, nil, zap.NewNop())

	if _, err := rec.DeductCredits(context.Background(), acct.ID, "sora-2", 50); err != nil {
		t.Fatalf("DeductCredits: %v", err)
	}

	waitFor(t, func() bool { return len(store.Transactions()) == 1 })
	tx := store.Transactions()[0]
	if tx.Amount != -50 || tx.Type != "generation" || tx.Description != "sora-2" {
		t.Errorf("unexpected transaction row: %+v", tx)
	}
}

func TestRecorderDeductFailureWritesNothing(t *testing.T) {
	store := ledger.NewMemory()
	acct := seedAccount(store, models.TierFree, 10, 8)
	rec := NewRecorder(store, nil, zap.NewNop())

	res, err := rec.DeductCredits(context.Background(), acct.ID, "sora-2", 50)
	if err != nil {
		t.Fatalf("DeductCredits: %v", err)
	}
	if res.Success {
		t.Fatal("expected rejection")
	}

	time.Sleep(50 * time.Millisecond)
	if n := len(store.Transactions()); n != 0 {
		t.Errorf("rejected deduction wrote %d transactions", n)
	}
}

func TestRecorderConsumeImageDailyFreeNoTransaction(t *testing.T) {
	store := ledger.NewMemory()
	acct := seedAccount(store, models.TierBasic, 500, 0)
	rec := NewRecorder(store, nil, zap.NewNop())

	res, err := rec.ConsumeImageGeneration(context.Background(), acct.ID, "flux-schnell")
	if err != nil {
		t.Fatalf("ConsumeImageGeneration: %v", err)
	}
	if res.Source != ledger.SourceDailyFree {
		t.Fatalf("expected daily_free, got %s", res.Source)
	}

	time.Sleep(50 * time.Millisecond)
	if n := len(store.Transactions()); n != 0 {
		t.Errorf("free generation wrote %d ledger rows", n)
	}
}

func TestRecorderConsumeImageCreditWritesTransaction(t *testing.T) {
	store := ledger.NewMemory()
	acct := seedAccount(store, models.TierFree, 10, 0)
	acct.DailyFreeUsed = acct.DailyFreeLimit
	store.PutAccount(acct)
	rec := NewRecorder(store, nil, zap.NewNop())

	res, err := rec.ConsumeImageGeneration(context.Background(), acct.ID, "flux-schnell")
	if err != nil {
		t.Fatalf("ConsumeImageGeneration: %v", err)
	}
	if res.Source != ledger.SourceCredits {
		t.Fatalf("expected credits source, got %s", res.Source)
	}

	waitFor(t, func() bool { return len(store.Transactions()) == 1 })
	if tx := store.Transactions()[0]; tx.Amount != -1 {
		t.Errorf("expected -1 credit row, got %+v", tx)
	}
}

func TestRecorderTrackUsageRouting(t *testing.T) {
	store := ledger.NewMemory()
	acct := seedAccount(store, models.TierPro, 2000, 0)
	rec := NewRecorder(store, nil, zap.NewNop())
	ctx := context.Background()

	if err := rec.TrackUsage(ctx, acct.ID, models.UsageImageGen, "flux-schnell", 1); err != nil {
		t.Fatalf("image usage: %v", err)
	}
	if err := rec.TrackUsage(ctx, acct.ID, models.UsageVideoGen, "sora-2", 50); err != nil {
		t.Fatalf("video usage: %v", err)
	}
	if err := rec.TrackUsage(ctx, acct.ID, models.UsageChat, "", 0); err != nil {
		t.Fatalf("chat usage: %v", err)
	}

	after, _ := store.Snapshot(acct.ID)
	if after.DailyFreeUsed != 1 {
		t.Errorf("image usage should consume a free slot: %d", after.DailyFreeUsed)
	}
	if after.CreditsUsed != 50 {
		t.Errorf("video usage should deduct 50 credits: %d", after.CreditsUsed)
	}
	if got := store.UsageCount(acct.ID, models.UsageChat); got != 1 {
		t.Errorf("chat usage should bump the counter: %d", got)
	}
}

func TestRecorderLogAPICallBestEffort(t *testing.T) {
	store := ledger.NewMemory()
	acct := seedAccount(store, models.TierBasic, 500, 0)
	rec := NewRecorder(store, nil, zap.NewNop())

	rec.LogAPICall(models.APICallLog{
		AccountID:  acct.ID,
		Email:      acct.Email,
		Endpoint:   "/v1/generations/image",
		StatusCode: 200,
		DurationMs: 1834,
	})

	waitFor(t, func() bool { return len(store.APILogs()) == 1 })
	row := store.APILogs()[0]
	if row.Endpoint != "/v1/generations/image" || row.StatusCode != 200 {
		t.Errorf("unexpected audit row: %+v", row)
	}
}
