// Package queue is the durable task queue: a dependency DAG of tasks with
// priorities, claims, bounded retries and timeouts.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"agentcouncil/internal/config"
	"agentcouncil/internal/db"
	"agentcouncil/internal/domain"
	"agentcouncil/internal/events"
	"agentcouncil/internal/repo"
)

const (
	defaultMaxRetries = 3
	defaultTimeout    = 5 * time.Minute
)

type Options struct {
	Retry       config.RetryConfig
	MaxRetries  int
	TaskTimeout time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

type Queue struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time

	retry       config.RetryConfig
	maxRetries  int
	taskTimeout time.Duration
	logger      *slog.Logger
}

func New(conn *sql.DB, opts Options) *Queue {
	q := &Queue{
		DB:          conn,
		Repo:        repo.Repo{DB: conn},
		Now:         opts.Now,
		retry:       opts.Retry,
		maxRetries:  opts.MaxRetries,
		taskTimeout: opts.TaskTimeout,
		logger:      opts.Logger,
	}
	if q.Now == nil {
		q.Now = time.Now
	}
	q.Events = events.Writer{Repo: q.Repo, Now: q.Now}
	if q.maxRetries < 0 {
		q.maxRetries = defaultMaxRetries
	}
	if q.taskTimeout <= 0 {
		q.taskTimeout = defaultTimeout
	}
	if q.retry.BaseDelay <= 0 {
		q.retry.BaseDelay = time.Second
	}
	if q.retry.MaxDelay <= 0 {
		q.retry.MaxDelay = time.Minute
	}
	if q.retry.Multiplier < 1 {
		q.retry.Multiplier = 2
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q
}

// EnqueueOptions describe a new task.
type EnqueueOptions struct {
	ID          string
	Type        string
	TargetAgent string
	ProjectID   string
	Payload     json.RawMessage
	Priority    int
	DependsOn   []string
	// MaxRetries overrides the queue default when set.
	MaxRetries *int
	Timeout    time.Duration
	SessionID  string
}

// Enqueue persists a pending task with its dependency edges and session link.
func (q *Queue) Enqueue(ctx context.Context, opts EnqueueOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Type) == "" {
		return domain.Task{}, errors.New("task type is required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	maxRetries := q.maxRetries
	if opts.MaxRetries != nil {
		if *opts.MaxRetries < 0 {
			return domain.Task{}, errors.New("max retries must be >= 0")
		}
		maxRetries = *opts.MaxRetries
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = q.taskTimeout
	}
	payload := opts.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	deps := dedupe(opts.DependsOn)
	t := domain.Task{
		ID:          opts.ID,
		Type:        opts.Type,
		TargetAgent: domain.StringPtr(opts.TargetAgent),
		ProjectID:   opts.ProjectID,
		Payload:     payload,
		Status:      domain.TaskPending,
		Priority:    opts.Priority,
		CreatedAt:   domain.FormatTime(q.Now()),
		MaxRetries:  maxRetries,
		TimeoutMs:   timeout.Milliseconds(),
		DependsOn:   deps,
	}
	err := db.WithTx(ctx, q.DB, func(tx *sql.Tx) error {
		if err := q.ensureAcyclic(ctx, tx, t.ID, deps); err != nil {
			return err
		}
		missing, err := q.Repo.MissingTasksTx(ctx, tx, deps)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return fmt.Errorf("unknown dependencies %s: %w", strings.Join(missing, ","), repo.ErrNotFound)
		}
		if err := q.Repo.InsertTask(ctx, tx, t); err != nil {
			return err
		}
		if err := q.Repo.AddDependencies(ctx, tx, t.ID, deps); err != nil {
			return err
		}
		if opts.SessionID != "" {
			if err := q.Repo.LinkSessionTask(ctx, tx, opts.SessionID, t.ID); err != nil {
				return err
			}
		}
		_, err = q.Events.Append(ctx, tx, domain.LogTask, t.ProjectID, "", "task "+t.ID+" enqueued", events.EventPayload{
			"event":        domain.EventTaskAssigned,
			"task_id":      t.ID,
			"type":         t.Type,
			"target_agent": opts.TargetAgent,
			"priority":     t.Priority,
			"depends_on":   deps,
			"session_id":   opts.SessionID,
		})
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// AddDependency adds an edge to an existing task, refusing edges that would
// close a cycle.
func (q *Queue) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	return db.WithTx(ctx, q.DB, func(tx *sql.Tx) error {
		t, err := q.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskPending {
			return fmt.Errorf("%w: task %s is %s", domain.ErrInvalidTransition, taskID, t.Status)
		}
		missing, err := q.Repo.MissingTasksTx(ctx, tx, []string{dependsOn})
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return fmt.Errorf("unknown dependency %s: %w", dependsOn, repo.ErrNotFound)
		}
		if err := q.ensureAcyclic(ctx, tx, taskID, []string{dependsOn}); err != nil {
			return err
		}
		return q.Repo.AddDependencies(ctx, tx, taskID, []string{dependsOn})
	})
}

// ensureAcyclic walks the dependency closure of deps and fails if it reaches
// taskID.
func (q *Queue) ensureAcyclic(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	seen := map[string]bool{}
	stack := append([]string(nil), deps...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == taskID {
			return fmt.Errorf("%w: %s depends on itself", domain.ErrTaskDependencyCycle, taskID)
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		next, err := q.Repo.ListTaskDependenciesTx(ctx, tx, cur)
		if err != nil {
			return err
		}
		stack = append(stack, next...)
	}
	return nil
}

// ReadyFilter narrows GetNextReady to what one agent may take.
type ReadyFilter struct {
	AgentID      string
	Capabilities []string
	ProjectID    string
}

// GetNextReady returns the next dispatchable task, or false when none is ready.
func (q *Queue) GetNextReady(ctx context.Context, f ReadyFilter) (domain.Task, bool, error) {
	t, err := q.Repo.NextReadyTask(ctx, repo.ReadyFilter{
		AgentID:      f.AgentID,
		Capabilities: f.Capabilities,
		ProjectID:    f.ProjectID,
		Now:          domain.FormatTime(q.Now()),
	})
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	return t, true, nil
}

// Claim assigns a pending task to agentID. Exactly one concurrent claimant
// wins; the others get false.
func (q *Queue) Claim(ctx context.Context, taskID, agentID string) (bool, error) {
	var ok bool
	err := db.RetryBusy(ctx, func() error {
		var err error
		ok, err = q.Repo.ClaimTask(ctx, taskID, agentID, domain.FormatTime(q.Now()))
		return err
	})
	return ok, err
}

func (q *Queue) Start(ctx context.Context, taskID string) (domain.Task, error) {
	return q.transition(ctx, taskID, func(tx *sql.Tx, t domain.Task) (bool, string, events.EventPayload, error) {
		ok, err := q.Repo.StartTask(ctx, tx, taskID, domain.FormatTime(q.Now()))
		return ok, domain.EventTaskStarted, events.EventPayload{"agent_id": domain.Deref(t.ClaimedBy)}, err
	})
}

func (q *Queue) Complete(ctx context.Context, taskID string, result json.RawMessage) (domain.Task, error) {
	return q.transition(ctx, taskID, func(tx *sql.Tx, t domain.Task) (bool, string, events.EventPayload, error) {
		ok, err := q.Repo.CompleteTask(ctx, tx, taskID, result, domain.FormatTime(q.Now()))
		return ok, domain.EventTaskCompleted, events.EventPayload{"agent_id": domain.Deref(t.ClaimedBy)}, err
	})
}

// Release puts an in-flight task back to pending without using a retry.
func (q *Queue) Release(ctx context.Context, taskID, reason string) (domain.Task, error) {
	return q.transition(ctx, taskID, func(tx *sql.Tx, t domain.Task) (bool, string, events.EventPayload, error) {
		ok, err := q.Repo.ReleaseTask(ctx, tx, taskID, reason)
		return ok, domain.EventTaskReleased, events.EventPayload{"agent_id": domain.Deref(t.ClaimedBy), "reason": reason}, err
	})
}

type transitionFunc func(tx *sql.Tx, t domain.Task) (ok bool, event string, payload events.EventPayload, err error)

func (q *Queue) transition(ctx context.Context, taskID string, fn transitionFunc) (domain.Task, error) {
	var out domain.Task
	err := db.WithTx(ctx, q.DB, func(tx *sql.Tx) error {
		t, err := q.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		ok, event, payload, err := fn(tx, t)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: task %s is %s", domain.ErrInvalidTransition, taskID, t.Status)
		}
		if payload == nil {
			payload = events.EventPayload{}
		}
		payload["event"] = event
		payload["task_id"] = taskID
		if _, err := q.Events.Append(ctx, tx, domain.LogTask, t.ProjectID, "", "task "+taskID+" "+strings.TrimPrefix(event, "task:"), payload); err != nil {
			return err
		}
		out, err = q.Repo.GetTaskTx(ctx, tx, taskID)
		return err
	})
	return out, err
}

// FailResult is the outcome of a failed attempt.
type FailResult struct {
	Task domain.Task
	// Retrying is true when the task went back to pending.
	Retrying bool
}

// Fail records a failed attempt. While retries remain the task returns to
// pending behind an exponential backoff; otherwise it becomes failed.
func (q *Queue) Fail(ctx context.Context, taskID string, cause error) (FailResult, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	var res FailResult
	err := db.WithTx(ctx, q.DB, func(tx *sql.Tx) error {
		t, err := q.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskAssigned && t.Status != domain.TaskRunning {
			return fmt.Errorf("%w: task %s is %s", domain.ErrInvalidTransition, taskID, t.Status)
		}
		now := q.Now()
		var ok bool
		payload := events.EventPayload{"task_id": taskID, "agent_id": domain.Deref(t.ClaimedBy), "error": msg}
		if t.Retries < t.MaxRetries {
			delay := q.backoffDelay(t.Retries)
			ok, err = q.Repo.RequeueTask(ctx, tx, taskID, t.Retries+1, domain.FormatTime(now.Add(delay)), msg)
			payload["event"] = domain.EventTaskRetrying
			payload["retries"] = t.Retries + 1
			payload["delay_ms"] = delay.Milliseconds()
			res.Retrying = true
		} else {
			ok, err = q.Repo.FailTask(ctx, tx, taskID, msg, domain.FormatTime(now))
			payload["event"] = domain.EventTaskFailed
		}
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: task %s changed concurrently", domain.ErrInvalidTransition, taskID)
		}
		evtType := domain.LogTask
		if !res.Retrying {
			evtType = domain.LogError
		}
		if _, err := q.Events.Append(ctx, tx, evtType, t.ProjectID, "", "task "+taskID+" failed: "+msg, payload); err != nil {
			return err
		}
		res.Task, err = q.Repo.GetTaskTx(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return FailResult{}, err
	}
	return res, nil
}

// backoffDelay returns the wait before attempt retries+1.
func (q *Queue) backoffDelay(retries int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.retry.BaseDelay
	b.MaxInterval = q.retry.MaxDelay
	b.Multiplier = q.retry.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < retries; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Cancel cancels a non-terminal task and, transitively, every non-terminal
// task depending on it. The returned tasks are in cancellation order.
func (q *Queue) Cancel(ctx context.Context, taskID, reason string) ([]domain.Task, error) {
	if reason == "" {
		reason = "cancelled"
	}
	var cancelled []domain.Task
	err := db.WithTx(ctx, q.DB, func(tx *sql.Tx) error {
		cancelled = nil
		root, err := q.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if root.Status.Terminal() {
			return fmt.Errorf("%w: task %s is %s", domain.ErrInvalidTransition, taskID, root.Status)
		}
		now := domain.FormatTime(q.Now())
		queue := []string{taskID}
		seen := map[string]bool{}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if seen[id] {
				continue
			}
			seen[id] = true
			why := reason
			if id != taskID {
				why = "dependency " + taskID + " cancelled"
			}
			ok, err := q.Repo.CancelTask(ctx, tx, id, why, now)
			if err != nil {
				return err
			}
			if ok {
				t, err := q.Repo.GetTaskTx(ctx, tx, id)
				if err != nil {
					return err
				}
				cancelled = append(cancelled, t)
				if _, err := q.Events.Append(ctx, tx, domain.LogTask, t.ProjectID, "", "task "+id+" cancelled", events.EventPayload{
					"event":   domain.EventTaskCancelled,
					"task_id": id,
					"reason":  why,
				}); err != nil {
					return err
				}
			}
			dependents, err := q.Repo.ListDependentsTx(ctx, tx, id)
			if err != nil {
				return err
			}
			queue = append(queue, dependents...)
		}
		return nil
	})
	return cancelled, err
}

// SweepTimeouts fails running tasks whose deadline has passed, applying the
// normal retry rule.
func (q *Queue) SweepTimeouts(ctx context.Context) ([]FailResult, error) {
	running, err := q.Repo.ListTasksByStatus(ctx, domain.TaskRunning)
	if err != nil {
		return nil, err
	}
	now := q.Now()
	var res []FailResult
	for _, t := range running {
		if t.StartedAt == nil || t.TimeoutMs <= 0 {
			continue
		}
		started, err := domain.ParseTime(*t.StartedAt)
		if err != nil {
			q.logger.Warn("bad started_at", "task", t.ID, "value", *t.StartedAt)
			continue
		}
		if now.Before(started.Add(time.Duration(t.TimeoutMs) * time.Millisecond)) {
			continue
		}
		r, err := q.Fail(ctx, t.ID, fmt.Errorf("%w after %dms", domain.ErrTaskTimeout, t.TimeoutMs))
		if errors.Is(err, domain.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return res, err
		}
		res = append(res, r)
	}
	return res, nil
}

// Recover returns tasks a previous process left assigned or running to
// pending. No retry is charged. Call it before dispatch starts.
func (q *Queue) Recover(ctx context.Context) ([]domain.Task, error) {
	var res []domain.Task
	for _, status := range []domain.TaskStatus{domain.TaskAssigned, domain.TaskRunning} {
		tasks, err := q.Repo.ListTasksByStatus(ctx, status)
		if err != nil {
			return res, err
		}
		for _, t := range tasks {
			r, err := q.Release(ctx, t.ID, "recovered after restart")
			if errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			if err != nil {
				return res, err
			}
			res = append(res, r)
		}
	}
	return res, nil
}

// RunWatchdog sweeps timeouts every interval until ctx is done. onTimeout
// sees every task the sweep failed.
func (q *Queue) RunWatchdog(ctx context.Context, interval time.Duration, onTimeout func([]FailResult)) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := q.SweepTimeouts(ctx)
			if err != nil && ctx.Err() == nil {
				q.logger.Error("watchdog sweep", "error", err)
			}
			if len(res) > 0 && onTimeout != nil {
				onTimeout(res)
			}
		}
	}
}

func (q *Queue) Get(ctx context.Context, taskID string) (domain.Task, error) {
	return q.Repo.GetTask(ctx, taskID)
}

func (q *Queue) List(ctx context.Context, f repo.TaskFilter) ([]domain.Task, error) {
	return q.Repo.ListTasks(ctx, f)
}

func (q *Queue) Dependencies(ctx context.Context, taskID string) ([]string, error) {
	return q.Repo.ListTaskDependencies(ctx, taskID)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var res []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		res = append(res, id)
	}
	return res
}
