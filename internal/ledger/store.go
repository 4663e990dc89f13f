// Package ledger is the system of record for account balances. All
// balance-changing operations are exposed as named atomic calls; callers
// never read-modify-write credit fields themselves. The gate's advisory
// check and the recorder's consumption are deliberately separate calls, so
// two concurrent requests may both pass the check — the atomic ops here are
// the sole arbiter of who actually gets charged.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/vizual/metering-plane/pkg/models"
)

// ErrAccountNotFound is returned when no account matches the lookup.
var ErrAccountNotFound = errors.New("account not found")

// Source says which allowance satisfied (or would satisfy) a generation.
type Source string

const (
	SourceDailyFree Source = "daily_free"
	SourceCredits   Source = "credits"
	SourceNone      Source = "none"
)

// ImageCheck is the read-only result of can-generate-image. It reports
// whether a daily-free slot or a credit slot would satisfy the request
// without consuming either.
type ImageCheck struct {
	CanGenerate        bool
	Source             Source
	DailyFreeRemaining int
	CreditsRemaining   int
	// ResetAt is when the limiting window rolls over: the daily window
	// while free slots are the binding constraint, the billing cycle
	// otherwise.
	ResetAt time.Time
	Message string
}

// ConsumeResult is the mutating counterpart of ImageCheck: a daily-free
// slot is used first, then a credit.
type ConsumeResult struct {
	Success            bool
	Source             Source
	DailyFreeRemaining int
	CreditsRemaining   int
	Message            string
}

// DeductResult reports the outcome of an atomic credit deduction.
type DeductResult struct {
	Success      bool
	NewBalance   int
	ErrorMessage string
}

// Store is the contract the metering subsystem requires of its
// persistence layer.
type Store interface {
	// Reads
	Account(ctx context.Context, id uuid.UUID) (*models.Account, error)
	AccountByEmail(ctx context.Context, email string) (*models.Account, error)
	AccountByCustomerID(ctx context.Context, customerID string) (*models.Account, error)
	CanGenerateImage(ctx context.Context, id uuid.UUID) (*ImageCheck, error)
	CreditsAndUsage(ctx context.Context, id uuid.UUID) (*models.CreditsAndUsage, error)
	LookupAPIKey(ctx context.Context, key string) (*models.APIKey, error)

	// Atomic balance mutations. Each re-verifies its own precondition;
	// a deduction that would push the balance negative is rejected, not
	// clamped.
	ConsumeImageGeneration(ctx context.Context, id uuid.UUID) (*ConsumeResult, error)
	DeductCredits(ctx context.Context, id uuid.UUID, amount int) (*DeductResult, error)
	IncrementUsage(ctx context.Context, id uuid.UUID, usageType models.UsageType) error
	UpgradeTier(ctx context.Context, id uuid.UUID, tier models.Tier) error

	// Reconciler updates. Idempotent overwrites, safe as plain updates.
	SetPlan(ctx context.Context, id uuid.UUID, tier models.Tier, credits int) error
	SetStatus(ctx context.Context, id uuid.UUID, status models.SubscriptionStatus) error
	SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error
	CancelSubscription(ctx context.Context, id uuid.UUID) error
	RefreshCredits(ctx context.Context, id uuid.UUID, credits int) error

	// Append-only audit writes
	InsertAPILog(ctx context.Context, entry *models.APICallLog) error
	InsertCreditTransaction(ctx context.Context, tx *models.CreditTransaction) error
	InsertWebhookEvent(ctx context.Context, eventID, eventType string, payload []byte) error
}
