// Package credits enforces the pre-generation credit gate and the
// post-generation usage recording that together meter paid work.
//
// The gate never mutates balances. It answers "may this request proceed"
// from a snapshot; the recorder settles the actual charge after the
// provider call succeeds, and the store arbitrates any race between the
// two under its own atomicity guarantees.
package credits

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vizual/metering-plane/internal/ledger"
	"github.com/vizual/metering-plane/internal/pricing"
	"github.com/vizual/metering-plane/pkg/metrics"
	"github.com/vizual/metering-plane/pkg/models"
)

const verifyFailedMessage = "Unable to verify credits. Please try again."

// Decision is the gate's verdict on a single generation request.
type Decision struct {
	Allowed          bool
	CreditCost       float64
	CreditsRemaining int
	Source           ledger.Source
	Message          string
	UpgradeRequired  bool
	// ResetAt is when the limiting window rolls over. Zero when the
	// denial has no window (e.g. the balance could not be read).
	ResetAt time.Time
}

// Gate answers allow/deny for generation requests against the ledger.
type Gate struct {
	store  ledger.Store
	prices *pricing.Table
	logger *zap.Logger
}

// NewGate builds a gate over the given store and price table. A nil table
// falls back to the default production pricing.
func NewGate(store ledger.Store, prices *pricing.Table, logger *zap.Logger) *Gate {
	if prices == nil {
		prices = pricing.Default
	}
	return &Gate{store: store, prices: prices, logger: logger}
}

// Check decides whether accountID may run modelID for the given duration.
// Image requests costing at most one credit take the daily-free advisory
// path first; an advisory failure falls through to the direct balance
// check rather than blocking the user. The direct check itself fails
// closed: if the balance cannot be read, the request is denied.
func (g *Gate) Check(ctx context.Context, accountID uuid.UUID, kind models.GenerationKind, modelID string, durationSeconds int) Decision {
	cost := g.prices.CreditCost(modelID, durationSeconds)
	if cost <= 0 {
		return Decision{Allowed: true, CreditCost: 0}
	}

	if kind == models.KindImage && cost <= 1 {
		check, err := g.store.CanGenerateImage(ctx, accountID)
		if err != nil {
			// advisory only; the direct check below still protects the balance
			g.logger.Warn("daily-free advisory check failed, falling back to balance check",
				zap.String("account_id", accountID.String()),
				zap.Error(err))
		} else if check.CanGenerate {
			return Decision{
				Allowed:          true,
				CreditCost:       cost,
				CreditsRemaining: check.CreditsRemaining,
				Source:           check.Source,
			}
		} else {
			metrics.RecordDenial("exhausted")
			return Decision{
				CreditCost:       cost,
				CreditsRemaining: check.CreditsRemaining,
				Source:           ledger.SourceNone,
				Message:          check.Message,
				UpgradeRequired:  true,
				ResetAt:          check.ResetAt,
			}
		}
	}

	account, err := g.store.Account(ctx, accountID)
	if err != nil {
		g.logger.Error("credit check failed",
			zap.String("account_id", accountID.String()),
			zap.String("model", modelID),
			zap.Error(err))
		metrics.RecordDenial("verify_failed")
		return Decision{CreditCost: cost, Message: verifyFailedMessage}
	}

	remaining := max(0, account.Remaining())
	if float64(remaining) < cost {
		metrics.RecordDenial("insufficient_credits")
		return Decision{
			CreditCost:       cost,
			CreditsRemaining: remaining,
			Message: fmt.Sprintf("Insufficient credits. This costs %s credits but you only have %d. Upgrade your plan for more!",
				formatCost(cost), remaining),
			UpgradeRequired: true,
			ResetAt:         account.CreditsResetAt,
		}
	}

	return Decision{
		Allowed:          true,
		CreditCost:       cost,
		CreditsRemaining: remaining,
		Source:           ledger.SourceCredits,
	}
}

// ChargeableCredits is the integer amount actually deducted for a cost.
// Fractional flat costs round up so the ledger stays integral.
func ChargeableCredits(cost float64) int {
	return int(math.Ceil(cost))
}

func formatCost(cost float64) string {
	return strconv.FormatFloat(cost, 'f', -1, 64)
}
