package gateway

import (
	"net/http"

	"go.uber.org/zap"
)

// handleGetCredits returns the full credits-and-usage snapshot for the
// authenticated account, fetched fresh so the numbers are never stale.
func (g *Gateway) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account := accountFrom(ctx)

	snapshot, err := g.store.CreditsAndUsage(ctx, account.ID)
	if err != nil {
		g.logger.Error("failed to load usage snapshot",
			zap.String("account_id", account.ID.String()),
			zap.Error(err),
		)
		g.writeError(w, http.StatusInternalServerError, "failed to load credits")
		return
	}

	g.writeJSON(w, http.StatusOK, snapshot)
}
