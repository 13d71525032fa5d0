// Package executor runs a single task through its assigned capability with
// retry, failure classification and rollback semantics.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dmarkov/agentflow/pkg/capability"
	"github.com/dmarkov/agentflow/pkg/models"
	"github.com/dmarkov/agentflow/pkg/storage"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for the executor.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// KnowledgeBase is the narrow view of the knowledge service the executor
// needs: context before a run, result persistence after. Both sides are
// best-effort from the executor's perspective.
type KnowledgeBase interface {
	FetchContext(taskText string, cap models.CapabilityType, k int) []models.KnowledgeEntry
	Store(e models.KnowledgeEntry) (string, error)
}

// RetryPolicy bounds the retry loop for retryable failures.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy retries up to 3 attempts with 1s, 2s, 4s between
// them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Delay returns the backoff before the attempt following failed attempt n
// (1-based): doubling from InitialDelay, capped at MaxDelay.
func (p RetryPolicy) Delay(n int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Outcome is the tagged result of executing one task: completed with a
// payload, or failed with the surfaced error.
type Outcome struct {
	TaskID     string
	Status     models.TaskStatus
	Payload    string
	TokensUsed int
	Attempts   int
	Err        error
}

// Succeeded reports whether the task completed.
func (o Outcome) Succeeded() bool { return o.Status == models.CompletedTaskStatus }

// Executor drives single-task execution. It is the sole writer of a
// task's status while the task is in flight.
type Executor struct {
	store    storage.Store
	registry *capability.Registry
	kb       KnowledgeBase
	logger   Logger
	policy   RetryPolicy
	contextK int
}

// Option configures an Executor.
type Option func(*Executor)

// WithRetryPolicy overrides the default backoff-retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Executor) {
		if p.MaxAttempts > 0 {
			e.policy = p
		}
	}
}

// WithContextK overrides how many knowledge entries a task is enriched
// with.
func WithContextK(k int) Option {
	return func(e *Executor) {
		if k > 0 {
			e.contextK = k
		}
	}
}

// New creates an Executor. kb may be nil; tasks then run without context
// enrichment or result write-back.
func New(store storage.Store, registry *capability.Registry, kb KnowledgeBase, logger Logger, opts ...Option) *Executor {
	e := &Executor{
		store:    store,
		registry: registry,
		kb:       kb,
		logger:   logger,
		policy:   DefaultRetryPolicy(),
		contextK: 3,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs task through its capability. Retryable failures retry with
// exponential backoff up to the policy bound; non-retryable failures and
// retry exhaustion mark the task failed. On success the result is offered
// to the knowledge base, best-effort.
func (e *Executor) Execute(ctx context.Context, task models.Task) Outcome {
	if err := e.store.UpdateTaskStatus(task.ID, models.InProgressTaskStatus, ""); err != nil {
		return e.fail(task, 0, errors.Wrapf(err, "mark task %s in progress", task.ID))
	}

	c, ok := e.registry.Get(task.Capability)
	if !ok {
		return e.fail(task, 0, errors.Errorf("no capability registered for type %q", task.Capability))
	}

	var contextEntries []models.KnowledgeEntry
	if e.kb != nil {
		contextEntries = e.kb.FetchContext(taskText(task), task.Capability, e.contextK)
		if len(contextEntries) > 0 {
			e.logger.Infof("Task %s enriched with %d context entries", task.ID, len(contextEntries))
		}
	}

	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		e.logger.Infof("Executing task %s with %s (attempt %d/%d)", task.ID, task.Capability, attempt, e.policy.MaxAttempts)
		if err := e.store.UpdateTaskAttempts(task.ID, attempt); err != nil {
			e.logger.Errorf("Failed to record attempt %d for task %s: %v", attempt, task.ID, err)
		}

		result, err := c.Run(ctx, task, contextEntries)
		if err == nil {
			return e.complete(task, attempt, result)
		}
		lastErr = err

		if !capability.IsRetryable(err) {
			e.logger.Errorf("Task %s failed with non-retryable error: %v", task.ID, err)
			return e.fail(task, attempt, err)
		}
		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.policy.Delay(attempt)
		e.logger.Infof("Task %s attempt %d failed (%v), retrying in %s", task.ID, attempt, err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return e.fail(task, attempt, errors.Wrapf(ctx.Err(), "task %s cancelled during backoff", task.ID))
		}
	}

	return e.fail(task, e.policy.MaxAttempts,
		errors.Wrapf(lastErr, "task %s failed after %d attempts", task.ID, e.policy.MaxAttempts))
}

// Rollback undoes the observable effects of a task, resetting it to
// pending with no output, attempts or timestamps. It is idempotent and
// safe on a task that was never started. A rollback failure implies
// residual side effects, so it is surfaced as an error for the caller to
// alert on.
func (e *Executor) Rollback(taskID string) error {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return errors.Wrapf(err, "rollback task %s", taskID)
	}
	if err := e.store.ResetTask(task.ID); err != nil {
		return errors.Wrapf(err, "rollback task %s", taskID)
	}
	e.logger.Infof("Rolled back task %s", taskID)
	return nil
}

func (e *Executor) complete(task models.Task, attempts int, result capability.Result) Outcome {
	if err := e.store.UpdateTaskResult(task.ID, result.Payload, result.TokensUsed); err != nil {
		return e.fail(task, attempts, errors.Wrapf(err, "persist result for task %s", task.ID))
	}
	if err := e.store.UpdateTaskStatus(task.ID, models.CompletedTaskStatus, ""); err != nil {
		return e.fail(task, attempts, errors.Wrapf(err, "mark task %s completed", task.ID))
	}
	e.logger.Infof("Task %s completed after %d attempt(s)", task.ID, attempts)

	e.storeResult(task, result)

	return Outcome{
		TaskID:     task.ID,
		Status:     models.CompletedTaskStatus,
		Payload:    result.Payload,
		TokensUsed: result.TokensUsed,
		Attempts:   attempts,
	}
}

func (e *Executor) fail(task models.Task, attempts int, cause error) Outcome {
	if err := e.store.UpdateTaskStatus(task.ID, models.FailedTaskStatus, cause.Error()); err != nil {
		e.logger.Errorf("Failed to mark task %s failed: %v", task.ID, err)
	}
	return Outcome{
		TaskID:   task.ID,
		Status:   models.FailedTaskStatus,
		Attempts: attempts,
		Err:      cause,
	}
}

// storeResult offers a completed task's output to the knowledge base.
// Failure here is degradation, not propagation: it is logged and must
// never fail or retry the task itself.
func (e *Executor) storeResult(task models.Task, result capability.Result) {
	if e.kb == nil || len(strings.TrimSpace(result.Payload)) < 10 {
		return
	}
	content := fmt.Sprintf("Task: %s\nDescription: %s\nCapability: %s\n\nOutput:\n%s",
		task.Title, task.Description, task.Capability, result.Payload)
	entry := models.KnowledgeEntry{
		Title:       "Task Result: " + task.Title,
		Content:     content,
		ContentType: models.TaskResultContentType,
		SourceType:  "task",
		SourceID:    task.ID,
		ProjectID:   task.ProjectID,
		Capability:  task.Capability,
		Tags:        []string{string(task.Capability), string(task.Priority), models.TaskResultContentType},
		TokenCount:  result.TokensUsed,
	}
	if _, err := e.kb.Store(entry); err != nil {
		e.logger.Errorf("Failed to store task %s result in knowledge base: %v", task.ID, err)
	}
}

func taskText(task models.Task) string {
	if task.Description == "" {
		return task.Title
	}
	return task.Title + "\n" + task.Description
}
