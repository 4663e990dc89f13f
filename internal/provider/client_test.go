package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vizual/metering-plane/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(config.ProviderConfig{
		BaseURL:      srv.URL,
		APIKey:       "test-key",
		PollInterval: 5 * time.Millisecond,
		PollAttempts: 10,
	}, zap.NewNop())
	return client, srv
}

func TestGenerate(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/generations" || r.Method != "POST" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing auth header: %q", got)
		}

		var req GenerationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "flux-schnell" {
			t.Errorf("unexpected model: %s", req.Model)
		}

		json.NewEncoder(w).Encode(GenerationResult{
			ID:      "gen_1",
			Status:  "completed",
			Outputs: []string{"https://cdn.example.com/out.png"},
		})
	}))

	result, err := client.Generate(context.Background(), GenerationRequest{
		Model:  "flux-schnell",
		Prompt: "a lighthouse at dusk",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(result.Outputs) != 1 {
		t.Errorf("expected one output, got %d", len(result.Outputs))
	}
}

func TestGenerateProviderError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": "prompt rejected"})
	}))

	_, err := client.Generate(context.Background(), GenerationRequest{Model: "flux-schnell"})
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Message != "prompt rejected" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestWaitForTaskCompletes(t *testing.T) {
	var polls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/tasks/") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		status := "running"
		if polls.Add(1) >= 3 {
			status = "completed"
		}
		json.NewEncoder(w).Encode(TaskStatus{ID: "task_1", Status: status, Output: "done"})
	}))

	status, err := client.WaitForTask(context.Background(), "task_1")
	if err != nil {
		t.Fatalf("WaitForTask: %v", err)
	}
	if status.Status != "completed" {
		t.Errorf("expected completed, got %s", status.Status)
	}
	if polls.Load() != 3 {
		t.Errorf("expected 3 polls, got %d", polls.Load())
	}
}

func TestWaitForTaskBudgetExhausted(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TaskStatus{ID: "task_slow", Status: "running"})
	}))

	status, err := client.WaitForTask(context.Background(), "task_slow")
	if err != nil {
		t.Fatalf("budget exhaustion must not be an error: %v", err)
	}
	if status.Status != "running" {
		t.Errorf("expected last-known running status, got %s", status.Status)
	}
}

func TestWaitForTaskSurvivesTransientPollFailures(t *testing.T) {
	var polls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch polls.Add(1) {
		case 1, 2:
			w.WriteHeader(http.StatusInternalServerError)
		default:
			json.NewEncoder(w).Encode(TaskStatus{ID: "task_flaky", Status: "completed"})
		}
	}))

	status, err := client.WaitForTask(context.Background(), "task_flaky")
	if err != nil {
		t.Fatalf("WaitForTask: %v", err)
	}
	if status.Status != "completed" {
		t.Errorf("expected completed after transient failures, got %s", status.Status)
	}
}

func TestSubmitTask(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tasks" || r.Method != "POST" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(TaskStatus{ID: "task_new", Status: "queued"})
	}))

	status, err := client.SubmitTask(context.Background(), TaskRequest{Prompt: "find the pricing page"})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	if status.ID != "task_new" || status.Status != "queued" {
		t.Errorf("unexpected status: %+v", status)
	}
}
