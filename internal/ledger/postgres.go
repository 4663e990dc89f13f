package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/vizual/metering-plane/pkg/database"
	"github.com/vizual/metering-plane/pkg/models"
	"go.uber.org/zap"
)

// Postgres implements Store on top of a pgx connection pool.
type Postgres struct {
	db     *database.Database
	logger *zap.Logger
}

// NewPostgres creates a Postgres-backed ledger store.
func NewPostgres(db *database.Database, logger *zap.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

// Health reports whether the underlying database is reachable.
func (p *Postgres) Health(ctx context.Context) error {
	return p.db.Health(ctx)
}

const accountColumns = `
	id, email, credits, credits_used, credits_reset_at,
	subscription_tier, subscription_status, COALESCE(stripe_customer_id, ''),
	daily_free_images_used, daily_free_images_limit, daily_free_images_reset_at,
	created_at, updated_at
`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	var tier, status string
	err := row.Scan(
		&a.ID, &a.Email, &a.Credits, &a.CreditsUsed, &a.CreditsResetAt,
		&tier, &status, &a.StripeCustomerID,
		&a.DailyFreeUsed, &a.DailyFreeLimit, &a.DailyFreeResetAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	a.Tier = models.ParseTier(tier)
	a.Status = models.SubscriptionStatus(status)
	return &a, nil
}

// Account fetches an account by its ID.
func (p *Postgres) Account(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	row := p.db.Pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// AccountByEmail fetches an account by email. Used by the reconciler when a
// checkout session carries no known customer reference yet.
func (p *Postgres) AccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	row := p.db.Pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE lower(email) = lower($1)`, email)
	return scanAccount(row)
}

// AccountByCustomerID fetches an account by its Stripe customer reference.
func (p *Postgres) AccountByCustomerID(ctx context.Context, customerID string) (*models.Account, error) {
	row := p.db.Pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE stripe_customer_id = $1`, customerID)
	return scanAccount(row)
}

// CanGenerateImage reports whether a daily-free slot or a credit would
// satisfy an image generation. Read-only: consumption happens later via
// ConsumeImageGeneration and re-verifies everything.
func (p *Postgres) CanGenerateImage(ctx context.Context, id uuid.UUID) (*ImageCheck, error) {
	a, err := p.Account(ctx, id)
	if err != nil {
		return nil, err
	}

	dailyUsed := a.DailyFreeUsed
	if !a.DailyFreeResetAt.After(time.Now()) {
		// Window elapsed; the consume path resets the counter lazily.
		dailyUsed = 0
	}

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

// ConsumeImageGeneration atomically uses a daily-free slot, else one
// credit. The row is locked for the duration so concurrent consumers
// serialize here rather than double-spending.
func (p *Postgres) ConsumeImageGeneration(ctx context.Context, id uuid.UUID) (*ConsumeResult, error) {
	tx, err := p.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		credits, creditsUsed  int
		dailyUsed, dailyLimit int
		dailyResetAt          time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT credits, credits_used, daily_free_images_used,
		       daily_free_images_limit, daily_free_images_reset_at
		FROM accounts WHERE id = $1 FOR UPDATE
	`, id).Scan(&credits, &creditsUsed, &dailyUsed, &dailyLimit, &dailyResetAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to lock account row: %w", err)
	}

	now := time.Now().UTC()
	resetAt := dailyResetAt
	if !resetAt.After(now) {
		dailyUsed = 0
		resetAt = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}

	result := &ConsumeResult{}
	switch {
	case dailyUsed < dailyLimit:
		dailyUsed++
		result.Success = true
		result.Source = SourceDailyFree
	case credits-creditsUsed >= 1:
		creditsUsed++
		result.Success = true
		result.Source = SourceCredits
	default:
		result.Source = SourceNone
		result.Message = "No daily free images or credits remaining. Upgrade your plan for more!"
	}
	result.DailyFreeRemaining = max(0, dailyLimit-dailyUsed)
	result.CreditsRemaining = max(0, credits-creditsUsed)

	_, err = tx.Exec(ctx, `
		UPDATE accounts
		SET credits_used = $2, daily_free_images_used = $3,
		    daily_free_images_reset_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, creditsUsed, dailyUsed, resetAt)
	if err != nil {
		return nil, fmt.Errorf("failed to consume image generation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit consumption: %w", err)
	}
	return result, nil
}

// DeductCredits atomically deducts amount credits. The balance check and
// the decrement are one statement, so a deduction that would overdraw the
// account never commits regardless of what the caller checked earlier.
func (p *Postgres) DeductCredits(ctx context.Context, id uuid.UUID, amount int) (*DeductResult, error) {
	if amount <= 0 {
		return &DeductResult{Success: true}, nil
	}

	var newBalance int
	err := p.db.Pool.QueryRow(ctx, `
		UPDATE accounts
		SET credits_used = credits_used + $2, updated_at = NOW()
		WHERE id = $1 AND credits - credits_used >= $2
		RETURNING credits - credits_used
	`, id, amount).Scan(&newBalance)
	if err == nil {
		return &DeductResult{Success: true, NewBalance: newBalance}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to deduct credits: %w", err)
	}

	// Rejected: either the account is unknown or the balance is short.
	a, aerr := p.Account(ctx, id)
	if aerr != nil {
		return nil, aerr
	}
	return &DeductResult{
		Success:      false,
		NewBalance:   max(0, a.Remaining()),
		ErrorMessage: "Insufficient credits",
	}, nil
}

// IncrementUsage bumps a non-credit usage counter for the current month.
func (p *Postgres) IncrementUsage(ctx context.Context, id uuid.UUID, usageType models.UsageType) error {
	now := time.Now().UTC()
	periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	_, err := p.db.Pool.Exec(ctx, `
		INSERT INTO usage_counters (account_id, usage_type, period_start, count, updated_at)
		VALUES ($1, $2, $3, 1, NOW())
		ON CONFLICT (account_id, usage_type, period_start)
		DO UPDATE SET count = usage_counters.count + 1, updated_at = NOW()
	`, id, string(usageType), periodStart)
	if err != nil {
		return fmt.Errorf("failed to increment usage counter: %w", err)
	}
	return nil
}

// UpgradeTier is the named fallback used by the reconciler when a direct
// plan update fails. It derives the grant from the tier and resets the
// cycle in one statement.
func (p *Postgres) UpgradeTier(ctx context.Context, id uuid.UUID, tier models.Tier) error {
	tag, err := p.db.Pool.Exec(ctx, `
		UPDATE accounts
		SET subscription_tier = $2, subscription_status = 'active',
		    credits = $3, credits_used = 0,
		    credits_reset_at = NOW() + INTERVAL '30 days',
		    daily_free_images_limit = $4, updated_at = NOW()
		WHERE id = $1
	`, id, string(tier), tier.CreditGrant(), tier.DailyFreeImageLimit())
	if err != nil {
		return fmt.Errorf("failed to upgrade tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SetPlan overwrites tier and credit grant, zeroing usage and restarting
// the 30-day cycle.
func (p *Postgres) SetPlan(ctx context.Context, id uuid.UUID, tier models.Tier, credits int) error {
	tag, err := p.db.Pool.Exec(ctx, `
		UPDATE accounts
		SET subscription_tier = $2, subscription_status = 'active',
		    credits = $3, credits_used = 0,
		    credits_reset_at = NOW() + INTERVAL '30 days',
		    daily_free_images_limit = $4, updated_at = NOW()
		WHERE id = $1
	`, id, string(tier), credits, tier.DailyFreeImageLimit())
	if err != nil {
		return fmt.Errorf("failed to set plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SetStatus overwrites the subscription status only.
func (p *Postgres) SetStatus(ctx context.Context, id uuid.UUID, status models.SubscriptionStatus) error {
	tag, err := p.db.Pool.Exec(ctx, `
		UPDATE accounts SET subscription_status = $2, updated_at = NOW() WHERE id = $1
	`, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to set subscription status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SetStripeCustomerID persists the billing customer reference for future
// webhook lookups.
func (p *Postgres) SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error {
	_, err := p.db.Pool.Exec(ctx, `
		UPDATE accounts SET stripe_customer_id = $2, updated_at = NOW() WHERE id = $1
	`, id, customerID)
	if err != nil {
		return fmt.Errorf("failed to set stripe customer id: %w", err)
	}
	return nil
}

// CancelSubscription applies the terminal downgrade: free tier, cancelled
// status, the free credit grant, usage zeroed.
func (p *Postgres) CancelSubscription(ctx context.Context, id uuid.UUID) error {
	tag, err := p.db.Pool.Exec(ctx, `
		UPDATE accounts
		SET subscription_tier = 'free', subscription_status = 'cancelled',
		    credits = $2, credits_used = 0,
		    daily_free_images_limit = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.TierFree.CreditGrant(), models.TierFree.DailyFreeImageLimit())
	if err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// RefreshCredits restarts a billing cycle for an existing subscriber.
func (p *Postgres) RefreshCredits(ctx context.Context, id uuid.UUID, credits int) error {
	tag, err := p.db.Pool.Exec(ctx, `
		UPDATE accounts
		SET credits = $2, credits_used = 0,
		    credits_reset_at = NOW() + INTERVAL '30 days', updated_at = NOW()
		WHERE id = $1
	`, id, credits)
	if err != nil {
		return fmt.Errorf("failed to refresh credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// CreditsAndUsage builds the full usage snapshot shown to the user.
func (p *Postgres) CreditsAndUsage(ctx context.Context, id uuid.UUID) (*models.CreditsAndUsage, error) {
	a, err := p.Account(ctx, id)
	if err != nil {
		return nil, err
	}

	dailyUsed := a.DailyFreeUsed
	if !a.DailyFreeResetAt.After(time.Now()) {
		dailyUsed = 0
	}

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

// LookupAPIKey resolves an active API key to its account.
func (p *Postgres) LookupAPIKey(ctx context.Context, key string) (*models.APIKey, error) {
	var k models.APIKey
	err := p.db.Pool.QueryRow(ctx, `
		SELECT key, account_id, status, rate_limit_requests_per_min, created_at,
		       COALESCE(last_used_at, created_at)
		FROM api_keys WHERE key = $1 AND status = 'active'
	`, key).Scan(&k.Key, &k.AccountID, &k.Status, &k.RateLimitRequestsPerMin,
		&k.CreatedAt, &k.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	return &k, nil
}

// InsertAPILog appends an audit row for an external call.
func (p *Postgres) InsertAPILog(ctx context.Context, entry *models.APICallLog) error {
	reqJSON, _ := json.Marshal(entry.Request)
	respJSON, _ := json.Marshal(entry.Response)

	_, err := p.db.Pool.Exec(ctx, `
		INSERT INTO api_logs (
			id, account_id, email, endpoint, request_data, response_data,
			status_code, duration_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`, uuid.New(), entry.AccountID, entry.Email, entry.Endpoint,
		reqJSON, respJSON, entry.StatusCode, entry.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to insert api log: %w", err)
	}
	return nil
}

// InsertCreditTransaction appends a balance-change ledger row.
func (p *Postgres) InsertCreditTransaction(ctx context.Context, entry *models.CreditTransaction) error {
	_, err := p.db.Pool.Exec(ctx, `
		INSERT INTO credit_transactions (
			id, account_id, amount, type, description, stripe_ref, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, uuid.New(), entry.AccountID, entry.Amount, entry.Type,
		entry.Description, entry.StripeRef)
	if err != nil {
		return fmt.Errorf("failed to insert credit transaction: %w", err)
	}
	return nil
}

// InsertWebhookEvent records a processed webhook event for audit and
// replay detection. Duplicate event IDs are ignored.
func (p *Postgres) InsertWebhookEvent(ctx context.Context, eventID, eventType string, payload []byte) error {
	_, err := p.db.Pool.Exec(ctx, `
		INSERT INTO webhook_events (id, event_id, event_type, processed_at, payload)
		VALUES ($1, $2, $3, NOW(), $4)
		ON CONFLICT (event_id) DO NOTHING
	`, uuid.New(), eventID, eventType, payload)
	if err != nil {
		return fmt.Errorf("failed to persist webhook event: %w", err)
	}
	return nil
}
