package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vizual/metering-plane/internal/provider"
	"github.com/vizual/metering-plane/pkg/models"
)

// WebTaskRequest starts a browser automation task.
type WebTaskRequest struct {
	Prompt string `json:"prompt"`
	URL    string `json:"url,omitempty"`
}

// handleWebTask submits a task and waits for it within the polling
// budget. Tasks that outlive the budget are reported as still running
// with a 202; the task keeps going upstream.
func (g *Gateway) handleWebTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account := accountFrom(ctx)
	start := time.Now()

	var req WebTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		g.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	submitted, err := g.provider.SubmitTask(ctx, provider.TaskRequest{
		Prompt: req.Prompt,
		URL:    req.URL,
	})
	if err != nil {
		g.logger.Error("web task submission failed",
			zap.String("account_id", account.ID.String()),
			zap.Error(err),
		)
		g.writeError(w, http.StatusBadGateway, "task submission failed")
		return
	}

	status, err := g.provider.WaitForTask(ctx, submitted.ID)
	if err != nil {
		// context cancelled mid-wait; the task itself is still running
		g.logger.Warn("web task wait interrupted",
			zap.String("task_id", submitted.ID),
			zap.Error(err),
		)
		status = submitted
	}

	if err := g.recorder.TrackUsage(ctx, account.ID, models.UsageWebSearch, "", 0); err != nil {
		g.logger.Warn("failed to track web task usage",
			zap.String("account_id", account.ID.String()),
			zap.Error(err),
		)
	}

	code := http.StatusOK
	if !status.Terminal() {
		code = http.StatusAccepted
	}
	g.writeJSON(w, code, map[string]any{
		"task_id": status.ID,
		"status":  status.Status,
		"output":  status.Output,
	})

	g.recorder.LogAPICall(models.APICallLog{
		AccountID:  account.ID,
		Email:      account.Email,
		Endpoint:   r.URL.Path,
		Request:    map[string]any{"url": req.URL},
		StatusCode: code,
		DurationMs: time.Since(start).Milliseconds(),
	})
}
