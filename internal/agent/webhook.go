package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aristath/contentflow/internal/scheduler"
)

// DefaultWebhookTimeout bounds a single webhook call when no client is given.
const DefaultWebhookTimeout = 10 * time.Minute

// webhookRequest is the JSON body posted to an agent endpoint.
type webhookRequest struct {
	TaskID            string                     `json:"task_id"`
	RequestID         string                     `json:"request_id"`
	TaskName          string                     `json:"task_name"`
	AgentRole         string                     `json:"agent_role"`
	Attempt           int                        `json:"attempt"`
	Input             json.RawMessage            `json:"input,omitempty"`
	Intent            json.RawMessage            `json:"intent,omitempty"`
	DependencyResults map[string]json.RawMessage `json:"dependency_results,omitempty"`
}

// webhookResponse is the JSON an agent endpoint returns on success.
// Example: {"output": {...}, "tokens_used": 1234, "cost": 0.02}
type webhookResponse struct {
	Output     json.RawMessage `json:"output"`
	TokensUsed int64           `json:"tokens_used"`
	Cost       float64         `json:"cost"`
	Error      string          `json:"error,omitempty"`
}

// WebhookInvoker posts tasks to an HTTP endpoint and waits for the result.
type WebhookInvoker struct {
	endpoint string
	client   *http.Client
}

// NewWebhookInvoker creates an invoker for endpoint. A nil client gets
// DefaultWebhookTimeout.
func NewWebhookInvoker(endpoint string, client *http.Client) *WebhookInvoker {
	if client == nil {
		client = &http.Client{Timeout: DefaultWebhookTimeout}
	}
	return &WebhookInvoker{endpoint: endpoint, client: client}
}

// Endpoint returns the URL tasks are posted to.
func (w *WebhookInvoker) Endpoint() string {
	return w.endpoint
}

// Invoke posts the task and decodes the agent's result.
// 5xx and 429 responses are retryable; other non-2xx responses are not.
func (w *WebhookInvoker) Invoke(ctx context.Context, task *scheduler.Task, ictx Context) (Result, error) {
	body, err := json.Marshal(webhookRequest{
		TaskID:            task.ID,
		RequestID:         ictx.RequestID,
		TaskName:          task.Name,
		AgentRole:         task.AgentRole,
		Attempt:           task.RetryCount + 1,
		Input:             task.Input,
		Intent:            ictx.Intent,
		DependencyResults: ictx.DependencyResults,
	})
	if err != nil {
		return Result{}, Permanent(CodeAgentError, fmt.Sprintf("encoding webhook request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, Permanent(CodeAgentError, fmt.Sprintf("building webhook request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &Error{Code: CodeAgentError, Message: fmt.Sprintf("calling %s: %v", w.endpoint, err), Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Result{}, &Error{Code: CodeAgentError, Message: fmt.Sprintf("reading response: %v", err), Retryable: true, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &Error{
			Code:      CodeAgentError,
			Message:   fmt.Sprintf("agent returned %d: %s", resp.StatusCode, snippet(data)),
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	var out webhookResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, Permanent(CodeAgentError, fmt.Sprintf("decoding response: %v", err))
	}
	if out.Error != "" {
		return Result{}, &Error{Code: CodeAgentError, Message: out.Error, Retryable: true}
	}
	if len(out.Output) == 0 || string(out.Output) == "null" {
		return Result{}, Permanent(CodeAgentError, "agent response has no output")
	}

	return Result{Output: out.Output, TokensUsed: out.TokensUsed, Cost: out.Cost}, nil
}

func snippet(data []byte) string {
	const limit = 200
	s := string(bytes.TrimSpace(data))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
