package models

import (
	"time"

	"github.com/google/uuid"
)

// Tier is the subscription level of an account. It determines the monthly
// credit grant and the daily free image allowance.
type Tier string

const (
	TierFree  Tier = "free"
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
	TierUltra Tier = "ultra"
)

// ParseTier maps a stored string onto a known tier, defaulting to free so an
// unrecognized value never unlocks paid features.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierFree, TierBasic, TierPro, TierUltra:
		return Tier(s)
	default:
		return TierFree
	}
}

// CreditGrant is the monthly credit allowance for the tier. The switch is
// exhaustive over known tiers; anything else gets the free grant.
func (t Tier) CreditGrant() int {
	switch t {
	case TierBasic:
		return 500
	case TierPro:
		return 2000
	case TierUltra:
		return 5000
	case TierFree:
		return 10
	default:
		return 10
	}
}

// DailyFreeImageLimit is the number of low-cost image generations served
// per day before credits are touched.
func (t Tier) DailyFreeImageLimit() int {
	switch t {
	case TierBasic:
		return 10
	case TierPro:
		return 25
	case TierUltra:
		return 50
	case TierFree:
		return 3
	default:
		return 3
	}
}

// SubscriptionStatus mirrors the billing processor's view of an account.
type SubscriptionStatus string

const (
	StatusNone      SubscriptionStatus = "none"
	StatusActive    SubscriptionStatus = "active"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusPastDue   SubscriptionStatus = "past_due"
)

// Account holds the credit and subscription state for one end user.
type Account struct {
	ID               uuid.UUID
	Email            string
	Credits          int
	CreditsUsed      int
	CreditsResetAt   time.Time
	Tier             Tier
	Status           SubscriptionStatus
	StripeCustomerID string
	DailyFreeUsed    int
	DailyFreeLimit   int
	DailyFreeResetAt time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Remaining is the spendable credit balance for the current cycle.
func (a Account) Remaining() int {
	return a.Credits - a.CreditsUsed
}

// APIKey represents credentials to access the generation endpoints.
type APIKey struct {
	Key                     string
	AccountID               uuid.UUID
	Status                  string
	RateLimitRequestsPerMin int
	CreatedAt               time.Time
	LastUsedAt              time.Time
}

// GenerationKind distinguishes metering rules for the two media types.
type GenerationKind string

const (
	KindImage GenerationKind = "image"
	KindVideo GenerationKind = "video"
)

// UsageType is the counter bucket for non-credit usage tracking.
type UsageType string

const (
	UsageChat      UsageType = "chat"
	UsageImageGen  UsageType = "image_gen"
	UsageVideoGen  UsageType = "video_gen"
	UsageWebSearch UsageType = "web_search"
)

// CreditsAndUsage is the full usage snapshot shown to the user.
type CreditsAndUsage struct {
	Credits                  int       `json:"credits"`
	CreditsUsed              int       `json:"credits_used"`
	CreditsRemaining         int       `json:"credits_remaining"`
	CreditsResetAt           time.Time `json:"credits_reset_at"`
	Tier                     Tier      `json:"subscription_tier"`
	DailyFreeImagesLimit     int       `json:"daily_free_images_limit"`
	DailyFreeImagesUsed      int       `json:"daily_free_images_used"`
	DailyFreeImagesRemaining int       `json:"daily_free_images_remaining"`
	DailyFreeImagesResetAt   time.Time `json:"daily_free_images_reset_at"`
	IsPaidUser               bool      `json:"is_paid_user"`
}

// APICallLog is an append-only audit row for every externally-billable call.
// Writes are best-effort; losing one must never fail the parent action.
type APICallLog struct {
	AccountID  uuid.UUID
	Email      string
	Endpoint   string
	Request    map[string]any
	Response   map[string]any
	StatusCode int
	DurationMs int64
	CreatedAt  time.Time
}

// CreditTransaction is an append-only ledger row for balance-changing events.
type CreditTransaction struct {
	AccountID   uuid.UUID
	Amount      int
	Type        string
	Description string
	StripeRef   string
	CreatedAt   time.Time
}
