package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vizual/metering-plane/internal/credits"
	"github.com/vizual/metering-plane/internal/ledger"
	"github.com/vizual/metering-plane/internal/provider"
	"github.com/vizual/metering-plane/pkg/models"
)

// GenerationRequest is the request body for both generation endpoints.
// DurationSeconds only applies to video models billed per second.
type GenerationRequest struct {
	Model           string         `json:"model"`
	Prompt          string         `json:"prompt"`
	DurationSeconds int            `json:"duration_seconds,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
}

func (r *GenerationRequest) Validate() error {
	if r.Model == "" {
		return errFieldRequired("model")
	}
	if r.Prompt == "" {
		return errFieldRequired("prompt")
	}
	return nil
}

type fieldError string

func errFieldRequired(field string) error { return fieldError(field) }
func (e fieldError) Error() string        { return string(e) + " is required" }

// creditSummary is attached to successful generation responses so the
// client can render the balance without a second round trip.
type creditSummary struct {
	Cost      float64 `json:"cost"`
	Remaining int     `json:"remaining"`
	Source    string  `json:"source,omitempty"`
}

func (g *Gateway) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	g.handleGeneration(w, r, models.KindImage)
}

func (g *Gateway) handleGenerateVideo(w http.ResponseWriter, r *http.Request) {
	g.handleGeneration(w, r, models.KindVideo)
}

// handleGeneration runs the check / generate / settle sequence. The
// gate decides from a snapshot; the actual charge happens only after
// the provider produced output, and the store arbitrates any race
// between concurrent requests on the same balance.
func (g *Gateway) handleGeneration(w http.ResponseWriter, r *http.Request, kind models.GenerationKind) {
	ctx := r.Context()
	account := accountFrom(ctx)
	start := time.Now()

	var req GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	decision := g.gate.Check(ctx, account.ID, kind, req.Model, req.DurationSeconds)
	if !decision.Allowed {
		g.writeDenial(w, decision)
		g.auditCall(account, r.URL.Path, req, http.StatusPaymentRequired, start)
		return
	}

	result, err := g.provider.Generate(ctx, provider.GenerationRequest{
		Model:           req.Model,
		Prompt:          req.Prompt,
		DurationSeconds: req.DurationSeconds,
		Params:          req.Params,
	})
	if err != nil {
		// nothing was charged; the user can simply retry
		g.logger.Error("generation failed",
			zap.String("account_id", account.ID.String()),
			zap.String("model", req.Model),
			zap.Error(err),
		)
		g.writeError(w, http.StatusBadGateway, "generation failed")
		g.auditCall(account, r.URL.Path, req, http.StatusBadGateway, start)
		return
	}

	summary := g.settle(r, account, kind, req.Model, decision)

	g.writeJSON(w, http.StatusOK, map[string]any{
		"id":      result.ID,
		"outputs": result.Outputs,
		"credits": summary,
	})
	g.auditCall(account, r.URL.Path, req, http.StatusOK, start)
}

// settle charges the account for a generation that already ran. A
// failed charge here means the balance was drained between check and
// settle; the output is delivered anyway and the shortfall logged,
// since clawing back delivered media is worse than eating one credit.
func (g *Gateway) settle(r *http.Request, account *models.Account, kind models.GenerationKind, model string, decision credits.Decision) creditSummary {
	ctx := r.Context()
	summary := creditSummary{Cost: decision.CreditCost, Remaining: decision.CreditsRemaining}

	// Zero-cost models bypass metering entirely: no allowance is
	// consumed and no counter moves.
	if decision.CreditCost <= 0 {
		return summary
	}

	if kind == models.KindImage && decision.CreditCost <= 1 {
		res, err := g.recorder.ConsumeImageGeneration(ctx, account.ID, model)
		if err != nil || !res.Success {
			g.logger.Warn("image settle failed after generation",
				zap.String("account_id", account.ID.String()),
				zap.String("model", model),
				zap.Error(err),
			)
			return summary
		}
		summary.Remaining = res.CreditsRemaining
		summary.Source = string(res.Source)
		if res.Source == ledger.SourceDailyFree {
			// served from the free allowance; no credits were charged
			summary.Cost = 0
		}
		return summary
	}

	res, err := g.recorder.DeductCredits(ctx, account.ID, model, decision.CreditCost)
	if err != nil || !res.Success {
		g.logger.Warn("credit settle failed after generation",
			zap.String("account_id", account.ID.String()),
			zap.String("model", model),
			zap.Error(err),
		)
		return summary
	}
	summary.Remaining = res.NewBalance
	summary.Source = string(decision.Source)
	return summary
}

func (g *Gateway) writeDenial(w http.ResponseWriter, decision credits.Decision) {
	body := map[string]any{
		"error": map[string]string{
			"message": decision.Message,
			"type":    "insufficient_credits",
		},
		"credit_cost":       decision.CreditCost,
		"credits_remaining": decision.CreditsRemaining,
		"upgrade_required":  decision.UpgradeRequired,
	}
	if !decision.ResetAt.IsZero() {
		body["reset_at"] = decision.ResetAt.UTC().Format(time.RFC3339)
	}
	g.writeJSON(w, http.StatusPaymentRequired, body)
}

func (g *Gateway) auditCall(account *models.Account, endpoint string, req GenerationRequest, statusCode int, start time.Time) {
	g.recorder.LogAPICall(models.APICallLog{
		AccountID: account.ID,
		Email:     account.Email,
		Endpoint:  endpoint,
		Request: map[string]any{
			"model":            req.Model,
			"duration_seconds": req.DurationSeconds,
		},
		StatusCode: statusCode,
		DurationMs: time.Since(start).Milliseconds(),
	})
}
