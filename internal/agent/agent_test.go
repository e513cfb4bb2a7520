package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/contentflow/internal/breaker"
	"github.com/aristath/contentflow/internal/config"
	"github.com/aristath/contentflow/internal/scheduler"
)

func testTask(role string) *scheduler.Task {
	return &scheduler.Task{
		ID:        "t-1",
		RequestID: "r-1",
		Name:      "Write Script",
		AgentRole: role,
		Input:     json.RawMessage(`{"step":"script"}`),
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"agent error", &Error{Code: CodeNoAgent}, CodeNoAgent},
		{"wrapped agent error", fmt.Errorf("dispatch: %w", &Error{Code: CodeTaskTimeout}), CodeTaskTimeout},
		{"circuit open", &breaker.CircuitOpenError{Service: "n8n", State: breaker.Open}, CodeCircuitOpen},
		{"cancelled", context.Canceled, CodeCancelled},
		{"deadline", context.DeadlineExceeded, CodeTaskTimeout},
		{"plain", errors.New("boom"), CodeAgentError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestIsRetryableAndMessage(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("transient")))
	assert.False(t, IsRetryable(Permanent(CodeAgentError, "bad input")))
	assert.True(t, IsRetryable(&Error{Code: CodeAgentError, Retryable: true}))

	assert.Equal(t, "bad input", MessageOf(Permanent(CodeAgentError, "bad input")))
	assert.Equal(t, "boom", MessageOf(&Error{Code: CodeAgentError, Err: errors.New("boom")}))
	assert.Equal(t, "plain", MessageOf(errors.New("plain")))
	assert.Equal(t, "NO_AGENT: missing", Permanent(CodeNoAgent, "missing").Error())
}

func TestRegistry_NoAgent(t *testing.T) {
	r := NewRegistry(breaker.NewRegistry())

	_, err := r.Invoke(context.Background(), testTask("ghost"), Context{})
	require.Error(t, err)
	assert.Equal(t, CodeNoAgent, CodeOf(err))
	assert.False(t, IsRetryable(err))
}

func TestRegistry_RoutesThroughProviderBreaker(t *testing.T) {
	breakers := breaker.NewRegistry(breaker.WithDefaults(breaker.Config{FailureThreshold: 2, Timeout: time.Hour}))
	r := NewRegistry(breakers)

	var calls atomic.Int32
	r.Register(scheduler.RoleCopywriter, "openai", InvokerFunc(func(ctx context.Context, task *scheduler.Task, ictx Context) (Result, error) {
		calls.Add(1)
		return Result{}, errors.New("upstream 502")
	}))

	provider, ok := r.Provider(scheduler.RoleCopywriter)
	require.True(t, ok)
	assert.Equal(t, "openai", provider)
	assert.Equal(t, []string{scheduler.RoleCopywriter}, r.Roles())

	for i := 0; i < 2; i++ {
		_, err := r.Invoke(context.Background(), testTask(scheduler.RoleCopywriter), Context{})
		assert.Equal(t, CodeAgentError, CodeOf(err))
		assert.True(t, IsRetryable(err))
	}

	res, err := r.Invoke(context.Background(), testTask(scheduler.RoleCopywriter), Context{})
	require.Error(t, err)
	assert.Equal(t, CodeCircuitOpen, CodeOf(err))
	assert.True(t, IsRetryable(err))
	assert.True(t, breaker.IsCircuitOpen(err))
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, int32(2), calls.Load(), "open circuit must not reach the agent")
}

func TestRegistry_ClientTimeoutOpensProviderBreaker(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	breakers := breaker.NewRegistry(breaker.WithDefaults(breaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour}))
	r := NewRegistry(breakers)
	client := &http.Client{Timeout: 20 * time.Millisecond}
	r.Register(scheduler.RoleProducer, "midjourney", NewWebhookInvoker(srv.URL, client))

	for i := 0; i < 2; i++ {
		_, err := r.Invoke(context.Background(), testTask(scheduler.RoleProducer), Context{})
		require.Error(t, err)
		assert.True(t, IsRetryable(err))
	}

	stats, ok := breakers.StatsFor("midjourney")
	require.True(t, ok)
	assert.Equal(t, breaker.Open, stats.State)
	assert.Equal(t, int64(2), stats.TotalFailures)
	assert.Zero(t, stats.TotalSuccesses)

	_, err := r.Invoke(context.Background(), testTask(scheduler.RoleProducer), Context{})
	assert.Equal(t, CodeCircuitOpen, CodeOf(err))
}

func TestRegistry_SuccessCarriesProvider(t *testing.T) {
	r := NewRegistry(breaker.NewRegistry())
	r.Register(scheduler.RoleStrategist, "anthropic", InvokerFunc(func(ctx context.Context, task *scheduler.Task, ictx Context) (Result, error) {
		assert.Equal(t, "r-1", ictx.RequestID)
		assert.JSONEq(t, `{"brief":"done"}`, string(ictx.DependencyResults["t-0"]))
		return Result{Output: json.RawMessage(`{"strategy":"ok"}`), TokensUsed: 10, Cost: 0.01}, nil
	}))

	res, err := r.Invoke(context.Background(), testTask(scheduler.RoleStrategist), Context{
		RequestID:         "r-1",
		DependencyResults: map[string]json.RawMessage{"t-0": json.RawMessage(`{"brief":"done"}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", res.Provider)
	assert.Equal(t, int64(10), res.TokensUsed)
	assert.JSONEq(t, `{"strategy":"ok"}`, string(res.Output))
}

func TestRegistry_CancelledContext(t *testing.T) {
	r := NewRegistry(breaker.NewRegistry())
	r.Register(scheduler.RoleQA, "openai", InvokerFunc(func(ctx context.Context, task *scheduler.Task, ictx Context) (Result, error) {
		return Result{}, ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Invoke(ctx, testTask(scheduler.RoleQA), Context{})
	assert.Equal(t, CodeCancelled, CodeOf(err))
	assert.False(t, IsRetryable(err))
}

func TestWebhookInvoker_Success(t *testing.T) {
	var got webhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"output":{"script":"hello"},"tokens_used":321,"cost":0.05}`)
	}))
	defer srv.Close()

	task := testTask(scheduler.RoleCopywriter)
	task.RetryCount = 1

	res, err := NewWebhookInvoker(srv.URL, srv.Client()).Invoke(context.Background(), task, Context{
		RequestID: "r-1",
		Intent:    json.RawMessage(`{"goal":"launch"}`),
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{"script":"hello"}`, string(res.Output))
	assert.Equal(t, int64(321), res.TokensUsed)
	assert.InDelta(t, 0.05, res.Cost, 1e-9)

	assert.Equal(t, "t-1", got.TaskID)
	assert.Equal(t, "r-1", got.RequestID)
	assert.Equal(t, 2, got.Attempt)
	assert.JSONEq(t, `{"goal":"launch"}`, string(got.Intent))
	assert.JSONEq(t, `{"step":"script"}`, string(got.Input))
}

func TestWebhookInvoker_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"server error", http.StatusBadGateway, "upstream down", true},
		{"rate limited", http.StatusTooManyRequests, "slow down", true},
		{"bad request", http.StatusBadRequest, "invalid intent", false},
		{"agent reported error", http.StatusOK, `{"error":"model overloaded"}`, true},
		{"missing output", http.StatusOK, `{"tokens_used":3}`, false},
		{"malformed json", http.StatusOK, `not json`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewWebhookInvoker(srv.URL, srv.Client()).Invoke(context.Background(), testTask(scheduler.RoleQA), Context{})
			require.Error(t, err)
			assert.Equal(t, CodeAgentError, CodeOf(err))
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestFromConfig_BindsAgentsWithEndpoints(t *testing.T) {
	cfg := config.DefaultConfig()
	qa := cfg.Agents[scheduler.RoleQA]
	qa.Endpoint = "http://127.0.0.1:9/qa"
	cfg.Agents[scheduler.RoleQA] = qa

	r := FromConfig(cfg, breaker.NewRegistry(), nil)

	assert.Equal(t, []string{scheduler.RoleQA}, r.Roles())
	provider, ok := r.Provider(scheduler.RoleQA)
	require.True(t, ok)
	assert.Equal(t, qa.Provider, provider)

	_, err := r.Invoke(context.Background(), testTask(scheduler.RoleProducer), Context{})
	assert.Equal(t, CodeNoAgent, CodeOf(err))
}
