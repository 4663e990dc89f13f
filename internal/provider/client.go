// Package provider is the HTTP client for the upstream generation API.
// It exposes a synchronous call for image/video generation and a
// submit-then-poll pair for long-running browser automation tasks.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vizual/metering-plane/internal/config"
)

// Client is a pooled HTTP client for the generation provider.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	logger       *zap.Logger
	pollInterval time.Duration
	pollAttempts int
}

// NewClient creates a provider client with connection pooling. Zero
// config values fall back to the defaults in config.ProviderConfig.
func NewClient(cfg config.ProviderConfig, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollAttempts == 0 {
		cfg.PollAttempts = 30
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		logger:       logger,
		pollInterval: cfg.PollInterval,
		pollAttempts: cfg.PollAttempts,
	}
}

// GenerationRequest describes a single image or video generation.
type GenerationRequest struct {
	Model           string         `json:"model"`
	Prompt          string         `json:"prompt"`
	DurationSeconds int            `json:"duration,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
}

// GenerationResult is the provider's response for a completed generation.
type GenerationResult struct {
	ID      string   `json:"id"`
	Status  string   `json:"status"`
	Outputs []string `json:"outputs"`
	Error   string   `json:"error,omitempty"`
}

// TaskRequest describes a long-running browser automation task.
type TaskRequest struct {
	Prompt string `json:"prompt"`
	URL    string `json:"url,omitempty"`
}

// TaskStatus is a snapshot of an async task.
type TaskStatus struct {
	ID     string `json:"task_id"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Terminal reports whether the task has finished, successfully or not.
func (s *TaskStatus) Terminal() bool {
	switch s.Status {
	case "completed", "failed", "terminated", "canceled":
		return true
	}
	return false
}

// Generate runs a generation synchronously. The provider blocks until
// the media is ready or its own internal timeout fires.
func (c *Client) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	c.logger.Info("submitting generation",
		zap.String("model", req.Model),
		zap.Int("duration_seconds", req.DurationSeconds),
	)

	var result GenerationResult
	if err := c.doRequest(ctx, "POST", "/v1/generations", req, &result); err != nil {
		c.logger.Error("generation failed",
			zap.String("model", req.Model),
			zap.Error(err),
		)
		return nil, err
	}

	if result.Error != "" {
		return &result, fmt.Errorf("generation failed: %s", result.Error)
	}
	return &result, nil
}

// SubmitTask starts an async task and returns its initial status.
func (c *Client) SubmitTask(ctx context.Context, req TaskRequest) (*TaskStatus, error) {
	var status TaskStatus
	if err := c.doRequest(ctx, "POST", "/v1/tasks", req, &status); err != nil {
		c.logger.Error("task submission failed", zap.Error(err))
		return nil, err
	}

	c.logger.Info("task submitted",
		zap.String("task_id", status.ID),
		zap.String("status", status.Status),
	)
	return &status, nil
}

// GetTask fetches the current status of an async task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*TaskStatus, error) {
	var status TaskStatus
	if err := c.doRequest(ctx, "GET", "/v1/tasks/"+taskID, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// WaitForTask polls a task until it reaches a terminal state or the
// polling budget runs out. On budget exhaustion the last observed
// status is returned rather than an error: the task is still running
// upstream and the caller reports that to the user.
func (c *Client) WaitForTask(ctx context.Context, taskID string) (*TaskStatus, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	last := &TaskStatus{ID: taskID, Status: "running"}
	for attempt := 0; attempt < c.pollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}

		status, err := c.GetTask(ctx, taskID)
		if err != nil {
			// transient poll failures don't abort the wait
			c.logger.Warn("task poll failed",
				zap.String("task_id", taskID),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}
		last = status

		if status.Terminal() {
			c.logger.Info("task finished",
				zap.String("task_id", taskID),
				zap.String("status", status.Status),
				zap.Int("attempts", attempt+1),
			)
			return status, nil
		}
	}

	c.logger.Warn("task polling budget exhausted, returning last status",
		zap.String("task_id", taskID),
		zap.String("status", last.Status),
	)
	return last, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result interface{}) error {
	url := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debug("provider response",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr errorResponse
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error: %s (status: %d)", e.Message, e.StatusCode)
}

// IsRateLimited reports whether the provider throttled us.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
