package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/contentflow/internal/agent"
	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/logging"
	"github.com/aristath/contentflow/internal/persistence"
	"github.com/aristath/contentflow/internal/scheduler"
)

var (
	// ErrDeadlock is matched by DeadlockError.
	ErrDeadlock = errors.New("request blocked")
	// ErrAlreadyRunning is returned when a request is already being run in this process.
	ErrAlreadyRunning = errors.New("request already running")

	errTaskStopped = errors.New("task no longer running")
)

// DeadlockError reports a request in which no remaining task can become ready.
type DeadlockError struct {
	RequestID string
	Blocked   []string // Pending tasks downstream of a failed task
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("request %s blocked: %d task(s) depend on failed tasks", e.RequestID, len(e.Blocked))
}

func (e *DeadlockError) Is(target error) bool {
	return target == ErrDeadlock
}

// Dispatcher invokes agents and names the provider a role is bound to.
// *agent.Registry implements it.
type Dispatcher interface {
	agent.Invoker
	Provider(role string) (string, bool)
}

// FailureHandler receives every task that ends in a counted failure.
// permanent marks failures that must not be retried in-process.
type FailureHandler interface {
	HandleFailure(ctx context.Context, taskID string, permanent bool) error
}

// Outcome summarizes a request after Run returns.
type Outcome struct {
	RequestID string
	Status    scheduler.RequestStatus
	Counts    scheduler.Counts
	Blocked   []string
	Waves     int
}

// RunnerConfig configures the runner.
type RunnerConfig struct {
	ConcurrencyLimit int              // Max concurrent dispatches per wave (default 4)
	Retry            RetryPolicy      // Zero value means DefaultRetryPolicy
	Failures         FailureHandler   // Optional; nil skips dead-lettering
	Publisher        events.Publisher // Optional in-process event sink
	Logger           *slog.Logger     // Optional; defaults to slog.Default()
	Now              func() time.Time // Optional clock for tests
}

// Runner drives requests through their plans wave by wave.
type Runner struct {
	repo       persistence.Repository
	dispatcher Dispatcher
	config     RunnerConfig
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewRunner creates a runner over the repository.
func NewRunner(repo persistence.Repository, dispatcher Dispatcher, cfg RunnerConfig) *Runner {
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = 4
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Discard
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Runner{
		repo:       repo,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logging.OrDefault(cfg.Logger).With("component", "runner"),
		active:     make(map[string]context.CancelFunc),
	}
}

// MaxRetries returns the failure budget per task.
func (r *Runner) MaxRetries() int {
	return r.config.Retry.MaxRetries
}

// Active reports whether the request is being run in this process.
func (r *Runner) Active(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[requestID]
	return ok
}

func (r *Runner) track(requestID string, cancel context.CancelFunc) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[requestID]; ok {
		return nil, fmt.Errorf("%s: %w", requestID, ErrAlreadyRunning)
	}
	r.active[requestID] = cancel
	return func() {
		r.mu.Lock()
		delete(r.active, requestID)
		r.mu.Unlock()
		cancel()
	}, nil
}

// Run executes the request until its plan is terminal, blocked, or waiting
// on tasks dispatched elsewhere. A blocked plan returns a *DeadlockError.
func (r *Runner) Run(ctx context.Context, requestID string) (Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	release, err := r.track(requestID, cancel)
	if err != nil {
		cancel()
		return Outcome{RequestID: requestID}, err
	}
	defer release()

	waves := 0
	for {
		// Check for context cancellation
		if err := ctx.Err(); err != nil {
			return r.outcome(context.WithoutCancel(ctx), requestID, waves), err
		}

		req, err := r.repo.GetRequest(ctx, requestID)
		if err != nil {
			return Outcome{RequestID: requestID, Waves: waves}, fmt.Errorf("loading request: %w", err)
		}

		plan := req.Plan()
		ready := plan.Ready()

		if len(ready) == 0 {
			out := outcomeOf(req, waves)
			switch {
			case plan.Terminal():
				r.logger.Info("request finished", "request_id", requestID, "status", out.Status, "waves", waves)
				return out, nil
			case len(plan.Running()) > 0:
				// Dispatched by another process; their results land in the repository
				return out, nil
			default:
				r.logger.Warn("request blocked", "request_id", requestID, "blocked", out.Blocked)
				return out, &DeadlockError{RequestID: requestID, Blocked: out.Blocked}
			}
		}

		if err := r.runWave(ctx, req, plan, ready); err != nil {
			return r.outcome(context.WithoutCancel(ctx), requestID, waves), err
		}
		waves++
		r.publishProgress(ctx, requestID)
	}
}

// runWave dispatches every ready task concurrently and waits for all of
// them. A repository error stops further dispatch; tasks already in flight
// still finish.
func (r *Runner) runWave(ctx context.Context, req *scheduler.Request, plan *scheduler.Plan, ready []*scheduler.Task) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.ConcurrencyLimit)

	var markErr error
	for _, task := range ready {
		provider, _ := r.dispatcher.Provider(task.AgentRole)

		ok, err := r.repo.MarkRunning(ctx, task.ID, provider, r.config.Now())
		if err != nil {
			markErr = fmt.Errorf("marking task %s running: %w", task.ID, err)
			break
		}
		if !ok {
			// Claimed by someone else between the read and the write
			continue
		}

		r.config.Publisher.Publish(events.TopicTask, events.TaskStartedEvent{
			ID:        task.ID,
			RequestID: req.ID,
			Name:      task.Name,
			AgentRole: task.AgentRole,
			Timestamp: r.config.Now(),
		})

		ictx := agent.Context{
			RequestID:         req.ID,
			Intent:            req.Intent,
			DependencyResults: plan.DependencyOutputs(task),
		}

		t := task.Clone()
		t.Status = scheduler.TaskRunning
		t.Provider = provider
		g.Go(func() error {
			r.executeTask(gctx, t, ictx)
			return nil // Sibling failures never abort the wave
		})
	}

	_ = g.Wait()
	return markErr
}

// executeTask runs one task through the retry policy and records the result.
func (r *Runner) executeTask(ctx context.Context, task *scheduler.Task, ictx agent.Context) {
	logger := r.logger.With("task_id", task.ID, "request_id", task.RequestID, "agent_role", task.AgentRole)
	started := r.config.Now()

	attempts := r.config.Retry.Attempts(task.RetryCount)
	if !task.Retryable {
		attempts = 1
	}

	var (
		result    agent.Result
		lastErr   error
		permanent bool
		stopped   bool
		attempt   int
	)

	operation := func() error {
		// Check context first - fail fast if cancelled
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		current := task.Clone()
		current.RetryCount = task.RetryCount + attempt
		attempt++

		res, err := r.dispatcher.Invoke(ctx, current, ictx)
		if err == nil {
			result = res
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if !agent.IsRetryable(err) || !task.Retryable {
			permanent = true
			return backoff.Permanent(err)
		}
		if attempt >= attempts {
			return backoff.Permanent(err)
		}

		ok, rerr := r.repo.RecordAttemptFailure(ctx, task.ID, agent.CodeOf(err), agent.MessageOf(err), events.ActorScheduler, r.config.Now())
		if rerr != nil {
			return backoff.Permanent(rerr)
		}
		if !ok {
			stopped = true
			return backoff.Permanent(errTaskStopped)
		}

		logger.Warn("task attempt failed, retrying", "attempt", attempt, "of", attempts, "error", err)
		return err
	}

	err := backoff.Retry(operation, r.config.Retry.backOff(ctx, attempts))
	now := r.config.Now()

	switch {
	case err == nil:
		ok, cerr := r.repo.CompleteTask(context.WithoutCancel(ctx), task.ID, persistence.Completion{
			Output:     result.Output,
			TokensUsed: result.TokensUsed,
			Cost:       result.Cost,
		}, now)
		if cerr != nil {
			logger.Error("failed to record completion", "error", cerr)
			return
		}
		if !ok {
			logger.Warn("discarding late result for task that is no longer running")
			return
		}
		logger.Info("task completed", "duration", now.Sub(started), "tokens_used", result.TokensUsed)
		r.config.Publisher.Publish(events.TopicTask, events.TaskCompletedEvent{
			ID:        task.ID,
			RequestID: task.RequestID,
			Duration:  now.Sub(started),
			Timestamp: now,
		})

	case stopped:
		logger.Info("task finalized elsewhere, stopping retries")

	case ctx.Err() != nil:
		ok, cerr := r.repo.CancelTask(context.WithoutCancel(ctx), task.ID, agent.CodeCancelled, "run cancelled", now)
		if cerr != nil {
			logger.Error("failed to record cancellation", "error", cerr)
			return
		}
		if ok {
			r.publishFailed(task, agent.CodeCancelled, ctx.Err(), now.Sub(started), now)
		}

	default:
		if lastErr == nil {
			// Repository error while recording an attempt
			lastErr = err
		}
		r.fail(context.WithoutCancel(ctx), logger, task, lastErr, permanent, now.Sub(started), now)
	}
}

func (r *Runner) fail(ctx context.Context, logger *slog.Logger, task *scheduler.Task, err error, permanent bool, elapsed time.Duration, now time.Time) {
	code := agent.CodeOf(err)
	ok, ferr := r.repo.FailTask(ctx, task.ID, code, agent.MessageOf(err), events.ActorScheduler, now)
	if ferr != nil {
		logger.Error("failed to record failure", "error", ferr)
		return
	}
	if !ok {
		logger.Info("task already finalized, dropping failure", "error", err)
		return
	}

	logger.Warn("task failed", "code", code, "permanent", permanent, "error", err)
	r.publishFailed(task, code, err, elapsed, now)

	if r.config.Failures != nil {
		if herr := r.config.Failures.HandleFailure(ctx, task.ID, permanent); herr != nil {
			logger.Error("failure handler error", "error", herr)
		}
	}
}

func (r *Runner) publishFailed(task *scheduler.Task, code string, err error, elapsed time.Duration, now time.Time) {
	r.config.Publisher.Publish(events.TopicTask, events.TaskFailedEvent{
		ID:        task.ID,
		RequestID: task.RequestID,
		Code:      code,
		Err:       err,
		Duration:  elapsed,
		Timestamp: now,
	})
}

func (r *Runner) publishProgress(ctx context.Context, requestID string) {
	req, err := r.repo.GetRequest(ctx, requestID)
	if err != nil {
		return
	}
	c := req.Plan().Counts()
	r.config.Publisher.Publish(events.TopicRequest, events.RequestProgressEvent{
		RequestID: requestID,
		Status:    string(req.Status()),
		Total:     c.Total,
		Completed: c.Completed,
		Running:   c.Running,
		Failed:    c.Failed,
		Pending:   c.Pending,
		Timestamp: r.config.Now(),
	})
}

func (r *Runner) outcome(ctx context.Context, requestID string, waves int) Outcome {
	req, err := r.repo.GetRequest(ctx, requestID)
	if err != nil {
		return Outcome{RequestID: requestID, Waves: waves}
	}
	return outcomeOf(req, waves)
}

func outcomeOf(req *scheduler.Request, waves int) Outcome {
	plan := req.Plan()
	out := Outcome{
		RequestID: req.ID,
		Status:    req.Status(),
		Counts:    plan.Counts(),
		Waves:     waves,
	}
	for _, t := range plan.Blocked() {
		out.Blocked = append(out.Blocked, t.ID)
	}
	return out
}

// Cancel fails every non-terminal task of the request with CANCELLED and
// interrupts an in-process run. Returns the number of tasks cancelled.
func (r *Runner) Cancel(ctx context.Context, requestID, reason string) (int, error) {
	req, err := r.repo.GetRequest(ctx, requestID)
	if err != nil {
		return 0, err
	}
	if reason == "" {
		reason = "request cancelled"
	}

	// Finalize first so in-flight results arrive for terminal tasks
	now := r.config.Now()
	var cancelled []string
	for _, t := range req.Tasks {
		if t.Status.Terminal() {
			continue
		}
		ok, err := r.repo.CancelTask(ctx, t.ID, agent.CodeCancelled, reason, now)
		if err != nil {
			return len(cancelled), fmt.Errorf("cancelling task %s: %w", t.ID, err)
		}
		if ok {
			cancelled = append(cancelled, t.ID)
		}
	}

	r.mu.Lock()
	if stop, ok := r.active[requestID]; ok {
		stop()
	}
	r.mu.Unlock()

	rec := events.NewRecord(requestID, "", events.RecordRequestCancelled,
		fmt.Sprintf("Request cancelled: %s", reason), events.ActorScheduler,
		map[string]any{"reason": reason, "cancelled_tasks": cancelled}, now)
	if err := r.repo.AppendEvent(ctx, rec); err != nil {
		return len(cancelled), err
	}

	r.logger.Info("request cancelled", "request_id", requestID, "tasks", len(cancelled), "reason", reason)
	r.publishProgress(ctx, requestID)
	return len(cancelled), nil
}
