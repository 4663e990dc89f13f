package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vizual/metering-plane/internal/config"
	"github.com/vizual/metering-plane/internal/credits"
	"github.com/vizual/metering-plane/internal/ledger"
	"github.com/vizual/metering-plane/internal/provider"
	"github.com/vizual/metering-plane/pkg/models"
)

const testAPIKey = "sk-test-key"

type testEnv struct {
	gateway  *Gateway
	store    *ledger.Memory
	account  models.Account
	provider *atomic.Int32 // generation calls served
}

func setupGateway(t *testing.T, tier models.Tier, creditsTotal, used int) *testEnv {
	t.Helper()

	store := ledger.NewMemory()
	account := models.Account{
		ID:               uuid.New(),
		Email:            "dev@example.com",
		Credits:          creditsTotal,
		CreditsUsed:      used,
		CreditsResetAt:   time.Now().Add(20 * 24 * time.Hour),
		Tier:             tier,
		Status:           models.StatusActive,
		DailyFreeLimit:   tier.DailyFreeImageLimit(),
		DailyFreeResetAt: time.Now().Add(12 * time.Hour),
	}
	store.PutAccount(account)
	store.PutAPIKey(models.APIKey{
		Key:       testAPIKey,
		AccountID: account.ID,
		Status:    "active",
	})

	var calls atomic.Int32
	providerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(provider.GenerationResult{
			ID:      "gen_1",
			Status:  "completed",
			Outputs: []string{"https://cdn.example.com/out.png"},
		})
	}))
	t.Cleanup(providerSrv.Close)

	logger := zap.NewNop()
	providerClient := provider.NewClient(config.ProviderConfig{BaseURL: providerSrv.URL}, logger)
	gate := credits.NewGate(store, nil, logger)
	recorder := credits.NewRecorder(store, nil, logger)

	return &testEnv{
		gateway:  NewGateway(store, nil, gate, recorder, providerClient, nil, logger),
		store:    store,
		account:  account,
		provider: &calls,
	}
}

func doRequest(t *testing.T, g *Gateway, method, path string, body any, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)
	return w
}

func TestGenerateImageDailyFree(t *testing.T) {
	env := setupGateway(t, models.TierFree, 10, 0)

	w := doRequest(t, env.gateway, "POST", "/v1/generations/image",
		GenerationRequest{Model: "flux-schnell", Prompt: "a red fox"}, testAPIKey)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Outputs []string      `json:"outputs"`
		Credits creditSummary `json:"credits"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Outputs) != 1 {
		t.Errorf("expected one output, got %d", len(resp.Outputs))
	}
	if resp.Credits.Source != "daily_free" {
		t.Errorf("expected daily_free source, got %q", resp.Credits.Source)
	}
	if resp.Credits.Cost != 0 {
		t.Errorf("daily-free generation should report zero cost, got %v", resp.Credits.Cost)
	}

	after, _ := env.store.Snapshot(env.account.ID)
	if after.CreditsUsed != 0 {
		t.Errorf("daily-free generation deducted credits: %d", after.CreditsUsed)
	}
	if after.DailyFreeUsed != 1 {
		t.Errorf("expected one free slot used, got %d", after.DailyFreeUsed)
	}
}

func TestGenerateZeroCostModelConsumesNothing(t *testing.T) {
	env := setupGateway(t, models.TierFree, 10, 0)

	w := doRequest(t, env.gateway, "POST", "/v1/generations/image",
		GenerationRequest{Model: "sora-2-own-key", Prompt: "a red fox"}, testAPIKey)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Credits creditSummary `json:"credits"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Credits.Cost != 0 {
		t.Errorf("zero-cost generation should report zero cost, got %v", resp.Credits.Cost)
	}

	after, _ := env.store.Snapshot(env.account.ID)
	if after.DailyFreeUsed != 0 {
		t.Errorf("zero-cost generation burned a daily-free slot: %d", after.DailyFreeUsed)
	}
	if after.CreditsUsed != 0 {
		t.Errorf("zero-cost generation deducted credits: %d", after.CreditsUsed)
	}
}

func TestGenerateImageDeniedInsufficientCredits(t *testing.T) {
	env := setupGateway(t, models.TierFree, 10, 7) // 3 remaining

	w := doRequest(t, env.gateway, "POST", "/v1/generations/image",
		GenerationRequest{Model: "nano-banana-pro", Prompt: "a skyline"}, testAPIKey) // costs 15

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Error            map[string]string `json:"error"`
		CreditCost       float64           `json:"credit_cost"`
		CreditsRemaining int               `json:"credits_remaining"`
		UpgradeRequired  bool              `json:"upgrade_required"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CreditCost != 15 || resp.CreditsRemaining != 3 || !resp.UpgradeRequired {
		t.Errorf("unexpected denial payload: %+v", resp)
	}

	if env.provider.Load() != 0 {
		t.Error("denied request reached the provider")
	}
	after, _ := env.store.Snapshot(env.account.ID)
	if after.CreditsUsed != 7 {
		t.Errorf("denied request mutated balance: %d", after.CreditsUsed)
	}
}

func TestGenerateVideoDeductsDurationCost(t *testing.T) {
	env := setupGateway(t, models.TierPro, 2000, 0)

	w := doRequest(t, env.gateway, "POST", "/v1/generations/video",
		GenerationRequest{Model: "sora-2", Prompt: "ocean waves", DurationSeconds: 8}, testAPIKey)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	after, _ := env.store.Snapshot(env.account.ID)
	if after.CreditsUsed != 80 {
		t.Errorf("expected 80 credits deducted for 8s at 10/s, got %d", after.CreditsUsed)
	}
}

func TestGenerateRequiresAuth(t *testing.T) {
	env := setupGateway(t, models.TierFree, 10, 0)

	if w := doRequest(t, env.gateway, "POST", "/v1/generations/image",
		GenerationRequest{Model: "flux-schnell", Prompt: "x"}, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: expected 401, got %d", w.Code)
	}
	if w := doRequest(t, env.gateway, "POST", "/v1/generations/image",
		GenerationRequest{Model: "flux-schnell", Prompt: "x"}, "sk-wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad key: expected 401, got %d", w.Code)
	}
	if env.provider.Load() != 0 {
		t.Error("unauthenticated request reached the provider")
	}
}

func TestGenerateValidation(t *testing.T) {
	env := setupGateway(t, models.TierFree, 10, 0)

	w := doRequest(t, env.gateway, "POST", "/v1/generations/image",
		GenerationRequest{Prompt: "no model"}, testAPIKey)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing model, got %d", w.Code)
	}
}

func TestProviderFailureChargesNothing(t *testing.T) {
	env := setupGateway(t, models.TierPro, 2000, 0)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(failing.Close)
	env.gateway.provider = provider.NewClient(config.ProviderConfig{BaseURL: failing.URL}, zap.NewNop())

	w := doRequest(t, env.gateway, "POST", "/v1/generations/video",
		GenerationRequest{Model: "sora-2", Prompt: "x", DurationSeconds: 5}, testAPIKey)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	after, _ := env.store.Snapshot(env.account.ID)
	if after.CreditsUsed != 0 {
		t.Errorf("failed generation was charged: %d", after.CreditsUsed)
	}
}

func TestGetCreditsSnapshot(t *testing.T) {
	env := setupGateway(t, models.TierBasic, 500, 120)

	w := doRequest(t, env.gateway, "GET", "/v1/credits", nil, testAPIKey)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var snap models.CreditsAndUsage
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if snap.CreditsRemaining != 380 {
		t.Errorf("expected 380 remaining, got %d", snap.CreditsRemaining)
	}
	if !snap.IsPaidUser {
		t.Error("active basic account should report paid")
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := setupGateway(t, models.TierFree, 10, 0)

	if w := doRequest(t, env.gateway, "GET", "/health", nil, ""); w.Code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", w.Code)
	}
	if w := doRequest(t, env.gateway, "GET", "/ready", nil, ""); w.Code != http.StatusOK {
		t.Errorf("ready: expected 200, got %d", w.Code)
	}
}
