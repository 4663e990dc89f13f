package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vizual/metering-plane/pkg/models"
)

// Memory is an in-memory Store with the same atomicity guarantees as the
// Postgres implementation, provided by a single mutex. Used by unit tests
// and local development, the way miniredis stands in for Redis.
type Memory struct {
	mu            sync.Mutex
	accounts      map[uuid.UUID]*models.Account
	keys          map[string]*models.APIKey
	usage         map[string]int
	apiLogs       []models.APICallLog
	transactions  []models.CreditTransaction
	webhookEvents map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts:      make(map[uuid.UUID]*models.Account),
		keys:          make(map[string]*models.APIKey),
		usage:         make(map[string]int),
		webhookEvents: make(map[string]string),
	}
}

// PutAccount inserts or replaces an account.
func (m *Memory) PutAccount(a models.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := a
	m.accounts[a.ID] = &cp
}

// PutAPIKey inserts or replaces an API key.
func (m *Memory) PutAPIKey(k models.APIKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := k
	m.keys[k.Key] = &cp
}

// Snapshot returns a copy of the account's current state.
func (m *Memory) Snapshot(id uuid.UUID) (models.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return models.Account{}, false
	}
	return *a, true
}

// APILogs returns the audit log rows written so far.
func (m *Memory) APILogs() []models.APICallLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.APICallLog(nil), m.apiLogs...)
}

// Transactions returns the credit ledger rows written so far.
func (m *Memory) Transactions() []models.CreditTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CreditTransaction(nil), m.transactions...)
}

// WebhookEventCount reports how many distinct webhook events were recorded.
func (m *Memory) WebhookEventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.webhookEvents)
}

// UsageCount returns the counter value for an account and usage type.
func (m *Memory) UsageCount(id uuid.UUID, usageType models.UsageType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[usageKey(id, usageType)]
}

func usageKey(id uuid.UUID, usageType models.UsageType) string {
	return id.String() + ":" + string(usageType)
}

func (m *Memory) account(id uuid.UUID) (*models.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a, nil
}

// Account fetches an account by ID.
func (m *Memory) Account(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.account(id)
	if err != nil {
		return nil, err
	}
	cp := *a
	return &cp, nil
}

// AccountByEmail fetches an account by email.
func (m *Memory) AccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAccountNotFound
}

// AccountByCustomerID fetches an account by Stripe customer reference.
func (m *Memory) AccountByCustomerID(ctx context.Context, customerID string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.StripeCustomerID != "" && a.StripeCustomerID == customerID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAccountNotFound
}

func effectiveDailyUsed(a *models.Account, now time.Time) int {
	if !a.DailyFreeResetAt.After(now) {
		return 0
	}
	return a.DailyFreeUsed
}

// CanGenerateImage reports which allowance would satisfy an image
// generation, without consuming anything.
func (m *Memory) CanGenerateImage(ctx context.Context, id uuid.UUID) (*ImageCheck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.account(id)
	if err != nil {
		return nil, err
	}

	dailyUsed := effectiveDailyUsed(a, time.Now())
	check := &ImageCheck{
		DailyFreeRemaining: max(0, a.DailyFreeLimit-dailyUsed),
		CreditsRemaining:   max(0, a.Remaining()),
	}
	switch {
	case dailyUsed < a.DailyFreeLimit:
		check.CanGenerate = true
		check.Source = SourceDailyFree
		check.ResetAt = a.DailyFreeResetAt
	case a.Remaining() >= 1:
		check.CanGenerate = true
		check.Source = SourceCredits
		check.ResetAt = a.CreditsResetAt
	default:
		check.Source = SourceNone
		check.ResetAt = a.DailyFreeResetAt
		check.Message = "No daily free images or credits remaining. Upgrade your plan for more!"
	}
	return check, nil
}

// ConsumeImageGeneration uses a daily-free slot, else a credit.
func (m *Memory) ConsumeImageGeneration(ctx context.Context, id uuid.UUID) (*ConsumeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.account(id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if !a.DailyFreeResetAt.After(now) {
		a.DailyFreeUsed = 0
		a.DailyFreeResetAt = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}

	result := &ConsumeResult{}
	switch {
	case a.DailyFreeUsed < a.DailyFreeLimit:
		a.DailyFreeUsed++
		result.Success = true
		result.Source = SourceDailyFree
	case a.Remaining() >= 1:
		a.CreditsUsed++
		result.Success = true
		result.Source = SourceCredits
	default:
		result.Source = SourceNone
		result.Message = "No daily free images or credits remaining. Upgrade your plan for more!"
	}
	result.DailyFreeRemaining = max(0, a.DailyFreeLimit-a.DailyFreeUsed)
	result.CreditsRemaining = max(0, a.Remaining())
	return result, nil
}

// DeductCredits atomically deducts amount credits, rejecting overdrafts.
func (m *Memory) DeductCredits(ctx context.Context, id uuid.UUID, amount int) (*DeductResult, error) {
	if amount <= 0 {
		return &DeductResult{Success: true}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.account(id)
	if err != nil {
		return nil, err
	}

	if a.Remaining() < amount {
		return &DeductResult{
			Success:      false,
			NewBalance:   max(0, a.Remaining()),
			ErrorMessage: "Insufficient credits",
		}, nil
	}
	a.CreditsUsed += amount
	return &DeductResult{Success: true, NewBalance: a.Remaining()}, nil
}

// IncrementUsage bumps a non-credit usage counter.
func (m *Memory) IncrementUsage(ctx context.Context, id uuid.UUID, usageType models.UsageType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.account(id); err != nil {
		return err
	}
	m.usage[usageKey(id, usageType)]++
	return nil
}

// UpgradeTier applies a tier change with the tier's standard grant.
func (m *Memory) UpgradeTier(ctx context.Context, id uuid.UUID, tier models.Tier) error {
	return m.SetPlan(ctx, id, tier, tier.CreditGrant())
}

// SetPlan overwrites tier and credit grant, restarting the cycle.
func (m *Memory) SetPlan(ctx context.Context, id uuid.UUID, tier models.Tier, credits int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.account(id)
	if err != nil {
		return err
	}
	a.Tier = tier
	a.Status = models.StatusActive
	a.Credits = credits
	a.CreditsUsed = 0
	a.CreditsResetAt = time.Now().UTC().Add(30 * 24 * time.Hour)
	a.DailyFreeLimit = tier.DailyFreeImageLimit()
	return nil
}

// SetStatus overwrites the subscription status.
func (m *Memory) SetStatus(ctx context.Context, id uuid.UUID, status models.SubscriptionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.account(id)
	if err != nil {
		return err
	}
	a.Status = status
	return nil
}

// SetStripeCustomerID persists the billing customer reference.
func (m *Memory) SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.account(id)
	if err != nil {
		return err
	}
	a.StripeCustomerID = customerID
	return nil
}

// CancelSubscription applies the terminal downgrade.
func (m *Memory) CancelSubscription(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.account(id)
	if err != nil {
		return err
	}
	a.Tier = models.TierFree
	a.Status = models.StatusCancelled
	a.Credits = models.TierFree.CreditGrant()
	a.CreditsUsed = 0
	a.DailyFreeLimit = models.TierFree.DailyFreeImageLimit()
	return nil
}

// RefreshCredits restarts a billing cycle.
func (m *Memory) RefreshCredits(ctx context.Context, id uuid.UUID, credits int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.account(id)
	if err != nil {
		return err
	}
	a.Credits = credits
	a.CreditsUsed = 0
	a.CreditsResetAt = time.Now().UTC().Add(30 * 24 * time.Hour)
	return nil
}

// CreditsAndUsage builds the usage snapshot.
func (m *Memory) CreditsAndUsage(ctx context.Context, id uuid.UUID) (*models.CreditsAndUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.account(id)
	if err != nil {
		return nil, err
	}

	dailyUsed := effectiveDailyUsed(a, time.Now())
	return &models.CreditsAndUsage{
		Credits:                  a.Credits,
		CreditsUsed:              a.CreditsUsed,
		CreditsRemaining:         max(0, a.Remaining()),
		CreditsResetAt:           a.CreditsResetAt,
		Tier:                     a.Tier,
		DailyFreeImagesLimit:     a.DailyFreeLimit,
		DailyFreeImagesUsed:      dailyUsed,
		DailyFreeImagesRemaining: max(0, a.DailyFreeLimit-dailyUsed),
		DailyFreeImagesResetAt:   a.DailyFreeResetAt,
		IsPaidUser:               a.Tier != models.TierFree && a.Status == models.StatusActive,
	}, nil
}

// LookupAPIKey resolves an active API key.
func (m *Memory) LookupAPIKey(ctx context.Context, key string) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[key]
	if !ok || k.Status != "active" {
		return nil, ErrAccountNotFound
	}
	cp := *k
	return &cp, nil
}

// InsertAPILog appends an audit row.
func (m *Memory) InsertAPILog(ctx context.Context, entry *models.APICallLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *entry
	row.CreatedAt = time.Now().UTC()
	m.apiLogs = append(m.apiLogs, row)
	return nil
}

// InsertCreditTransaction appends a ledger row.
func (m *Memory) InsertCreditTransaction(ctx context.Context, entry *models.CreditTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *entry
	row.CreatedAt = time.Now().UTC()
	m.transactions = append(m.transactions, row)
	return nil
}

// InsertWebhookEvent records a processed event, ignoring duplicates.
func (m *Memory) InsertWebhookEvent(ctx context.Context, eventID, eventType string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.webhookEvents[eventID]; exists {
		return nil
	}
	m.webhookEvents[eventID] = eventType
	return nil
}

var _ Store = (*Memory)(nil)
var _ Store = (*Postgres)(nil)
