package credits

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vizual/metering-plane/internal/ledger"
	"github.com/vizual/metering-plane/pkg/events"
	"github.com/vizual/metering-plane/pkg/metrics"
	"github.com/vizual/metering-plane/pkg/models"
)

const auditWriteTimeout = 10 * time.Second

// Recorder settles charges and writes usage records after a generation
// has actually run. All mutations go through the ledger store, which
// serializes concurrent deductions.
type Recorder struct {
	store  ledger.Store
	bus    *events.Bus
	logger *zap.Logger
}

// NewRecorder builds a recorder. The bus may be nil when no subscribers
// care about deduction events.
func NewRecorder(store ledger.Store, bus *events.Bus, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, bus: bus, logger: logger}
}

// DeductCredits charges the account for a completed generation.
// Fractional costs round up. A zero cost is a no-op success.
func (r *Recorder) DeductCredits(ctx context.Context, accountID uuid.UUID, modelID string, cost float64) (*ledger.DeductResult, error) {
	amount := ChargeableCredits(cost)
	res, err := r.store.DeductCredits(ctx, accountID, amount)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return res, nil
	}

	metrics.RecordDeduction(modelID, amount)
	if amount > 0 {
		r.appendTransaction(accountID, -amount, "generation", modelID)
		r.publish(events.EventCreditsDeducted, accountID, map[string]any{
			"model":       modelID,
			"amount":      amount,
			"new_balance": res.NewBalance,
		})
	}
	return res, nil
}

// ConsumeImageGeneration settles an image generation, preferring the
// daily free allowance over paid credits.
func (r *Recorder) ConsumeImageGeneration(ctx context.Context, accountID uuid.UUID, modelID string) (*ledger.ConsumeResult, error) {
	res, err := r.store.ConsumeImageGeneration(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return res, nil
	}

	switch res.Source {
	case ledger.SourceDailyFree:
		metrics.DailyFreeConsumed.Inc()
	case ledger.SourceCredits:
		metrics.RecordDeduction(modelID, 1)
		r.appendTransaction(accountID, -1, "generation", modelID)
	}
	return res, nil
}

// TrackUsage routes a completed action to the right settlement path:
// images consume daily-free slots first, video deducts the model's
// credit cost, everything else bumps a non-credit counter.
func (r *Recorder) TrackUsage(ctx context.Context, accountID uuid.UUID, usageType models.UsageType, modelID string, cost float64) error {
	switch usageType {
	case models.UsageImageGen:
		_, err := r.ConsumeImageGeneration(ctx, accountID, modelID)
		return err
	case models.UsageVideoGen:
		_, err := r.DeductCredits(ctx, accountID, modelID, cost)
		return err
	default:
		return r.store.IncrementUsage(ctx, accountID, usageType)
	}
}

// LogAPICall writes an audit row in the background. Losing a row is
// logged and counted but never surfaces to the caller.
func (r *Recorder) LogAPICall(entry models.APICallLog) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("audit log writer panicked", zap.Any("panic", rec))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		defer cancel()
		if err := r.store.InsertAPILog(ctx, &entry); err != nil {
			metrics.AuditLogFailures.Inc()
			r.logger.Warn("audit log write failed",
				zap.String("account_id", entry.AccountID.String()),
				zap.String("endpoint", entry.Endpoint),
				zap.Error(err))
		}
	}()
}

func (r *Recorder) appendTransaction(accountID uuid.UUID, amount int, txType, description string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		defer cancel()
		err := r.store.InsertCreditTransaction(ctx, &models.CreditTransaction{
			AccountID:   accountID,
			Amount:      amount,
			Type:        txType,
			Description: description,
		})
		if err != nil {
			metrics.AuditLogFailures.Inc()
			r.logger.Warn("credit transaction write failed",
				zap.String("account_id", accountID.String()),
				zap.Error(err))
		}
	}()
}

func (r *Recorder) publish(eventType events.EventType, accountID uuid.UUID, payload map[string]any) {
	if r.bus == nil {
		return
	}
	_ = r.bus.Publish(context.Background(), events.NewEvent(eventType, accountID.String(), payload))
}
