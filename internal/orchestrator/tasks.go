package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agentcouncil/internal/agent"
	"agentcouncil/internal/bus"
	"agentcouncil/internal/domain"
	"agentcouncil/internal/queue"
	"agentcouncil/internal/repo"
)

// TaskSpec is the work itself.
type TaskSpec struct {
	ID          string            `json:"id,omitempty"`
	Type        agent.MessageType `json:"type"`
	TargetAgent string            `json:"target_agent,omitempty"`
	ProjectID   string            `json:"project_id,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
}

// AssignOptions control queueing and session bookkeeping.
type AssignOptions struct {
	// SessionID links the task to a session. When empty the project's
	// active session is used, if any.
	SessionID string
	NoSession bool
	// MaxRetries overrides the configured retry budget.
	MaxRetries *int
	Timeout    time.Duration
}

// AssignTask validates and enqueues a task. When the target agent is not
// registered the task is still queued and stays pending; its id is returned
// together with ErrAgentNotFound.
func (c *Council) AssignTask(ctx context.Context, spec TaskSpec, opts AssignOptions) (string, error) {
	if _, err := agent.DecodePayload(spec.Type, spec.Payload); err != nil {
		return "", err
	}
	var targetErr error
	if spec.TargetAgent != "" {
		a, err := c.Registry.Get(spec.TargetAgent)
		switch {
		case errors.Is(err, domain.ErrAgentNotFound):
			targetErr = err
		case err != nil:
			return "", err
		case !handles(a, spec.Type):
			return "", fmt.Errorf("%w: agent %s does not handle %s", domain.ErrUnknownMessageType, a.ID(), spec.Type)
		}
	}
	sessionID := opts.SessionID
	if sessionID == "" && !opts.NoSession {
		s, ok, err := c.GetActiveSession(ctx, spec.ProjectID)
		if err != nil {
			return "", err
		}
		if ok {
			sessionID = s.ID
		}
	}
	t, err := c.Queue.Enqueue(ctx, queue.EnqueueOptions{
		ID:          spec.ID,
		Type:        string(spec.Type),
		TargetAgent: spec.TargetAgent,
		ProjectID:   spec.ProjectID,
		Payload:     spec.Payload,
		Priority:    spec.Priority,
		DependsOn:   spec.DependsOn,
		MaxRetries:  opts.MaxRetries,
		Timeout:     opts.Timeout,
		SessionID:   sessionID,
	})
	if err != nil {
		return "", err
	}
	c.emitTask(ctx, domain.EventTaskAssigned, t, map[string]any{
		"type":         t.Type,
		"target_agent": spec.TargetAgent,
		"priority":     t.Priority,
		"session_id":   sessionID,
	})
	c.kick()
	return t.ID, targetErr
}

func handles(a agent.Agent, t agent.MessageType) bool {
	for _, c := range a.Capabilities() {
		if c == t {
			return true
		}
	}
	return false
}

func (c *Council) GetTaskStatus(ctx context.Context, id string) (domain.Task, error) {
	return c.Queue.Get(ctx, id)
}

func (c *Council) ListTasks(ctx context.Context, f repo.TaskFilter) ([]domain.Task, error) {
	return c.Queue.List(ctx, f)
}

// CancelTask cancels the task and every task depending on it. In-flight
// requests see their context cancelled; the agent decides when to stop.
func (c *Council) CancelTask(ctx context.Context, id, reason string) ([]domain.Task, error) {
	cancelled, err := c.Queue.Cancel(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	for _, t := range cancelled {
		c.abandon(t.ID)
		c.emitTask(ctx, domain.EventTaskCancelled, t, map[string]any{"reason": domain.Deref(t.Error)})
	}
	return cancelled, nil
}

// WaitTask blocks until the task reaches a terminal status or ctx ends.
func (c *Council) WaitTask(ctx context.Context, id string) (domain.Task, error) {
	changed := make(chan struct{}, 1)
	unsub := c.Bus.Subscribe(eventTopicPrefix+"task:*", func(_ context.Context, msg bus.Message) error {
		var evt domain.CouncilEvent
		if err := msg.Decode(&evt); err != nil {
			return err
		}
		if evt.EntityID == id {
			select {
			case changed <- struct{}{}:
			default:
			}
		}
		return nil
	})
	defer unsub()
	for {
		t, err := c.Queue.Get(ctx, id)
		if err != nil {
			return t, err
		}
		if t.Status.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-changed:
		case <-time.After(time.Second):
		}
	}
}

func (c *Council) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Council) runDispatch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.dispatchOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("dispatch", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.wake:
		}
	}
}

// dispatchOnce hands at most one ready task to each idle agent.
func (c *Council) dispatchOnce(ctx context.Context) error {
	for _, a := range c.Registry.Available() {
		if ctx.Err() != nil {
			return nil
		}
		if !c.hasCapacity(a.ID()) {
			continue
		}
		caps := make([]string, 0, len(a.Capabilities()))
		for _, t := range a.Capabilities() {
			caps = append(caps, string(t))
		}
		t, ok, err := c.Queue.GetNextReady(ctx, queue.ReadyFilter{AgentID: a.ID(), Capabilities: caps})
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if t.ProjectID != "" {
			p, err := c.policy(ctx, t.ProjectID)
			if err != nil {
				return err
			}
			if !p.AgentEnabled(a.ID()) {
				continue
			}
		}
		claimed, err := c.Queue.Claim(ctx, t.ID, a.ID())
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}
		c.launch(ctx, a.ID(), t)
	}
	return nil
}

func (c *Council) hasCapacity(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy[agentID] {
		return false
	}
	workers := c.Config.Council.Workers
	return workers <= 0 || len(c.inflight) < workers
}

func (c *Council) launch(ctx context.Context, agentID string, t domain.Task) {
	runCtx, cancel := context.WithCancel(ctx)
	f := &flight{agentID: agentID, cancel: cancel}
	c.mu.Lock()
	c.inflight[t.ID] = f
	c.busy[agentID] = true
	c.workers.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.workers.Done()
		defer c.finish(t.ID, f)
		c.execute(runCtx, f, t)
	}()
}

// owns reports whether f is still the live attempt for the task. A cancel or
// a watchdog timeout takes ownership away.
func (c *Council) owns(taskID string, f *flight) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[taskID] == f
}

func (c *Council) finish(taskID string, f *flight) {
	f.cancel()
	c.mu.Lock()
	if c.inflight[taskID] == f {
		delete(c.inflight, taskID)
	}
	delete(c.busy, f.agentID)
	c.mu.Unlock()
	c.kick()
}

func (c *Council) interrupted(f *flight) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return f.interrupted
}

// release hands the task back to pending without charging a retry.
func (c *Council) release(ctx context.Context, taskID, reason string) {
	_, err := c.Queue.Release(ctx, taskID, reason)
	if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		c.logger.Warn("release task", "task", taskID, "error", err)
	}
}

// abandon detaches the in-flight attempt of a task, if any.
func (c *Council) abandon(taskID string) {
	c.mu.Lock()
	f, ok := c.inflight[taskID]
	if ok {
		delete(c.inflight, taskID)
	}
	c.mu.Unlock()
	if ok {
		f.cancel()
	}
}

func (c *Council) execute(ctx context.Context, f *flight, t domain.Task) {
	ctx, span := c.tracer.Start(ctx, "council.task.dispatch", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.type", t.Type),
		attribute.String("agent.id", f.agentID),
		attribute.Int("task.retries", t.Retries),
	))
	defer span.End()
	// Store writes must land even when the attempt is cancelled.
	store := context.WithoutCancel(ctx)

	started, err := c.Queue.Start(store, t.ID)
	if err != nil {
		c.logger.Warn("start task", "task", t.ID, "error", err)
		span.SetStatus(codes.Error, err.Error())
		c.release(store, t.ID, "start failed: "+err.Error())
		return
	}
	c.emitTask(store, domain.EventTaskStarted, started, nil)

	reqCtx := ctx
	if started.TimeoutMs > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(started.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	out, err := c.Bus.Request(reqCtx, f.agentID, bus.Message{
		Type:          started.Type,
		From:          domain.CouncilAgentID,
		CorrelationID: started.ID,
		Payload:       started.Payload,
	})
	if !c.owns(t.ID, f) {
		span.AddEvent("attempt abandoned")
		return
	}
	switch {
	case err == nil:
		done, err := c.Queue.Complete(store, t.ID, out)
		if err != nil {
			c.logger.Warn("complete task", "task", t.ID, "error", err)
			return
		}
		span.SetStatus(codes.Ok, "")
		c.emitTask(store, domain.EventTaskCompleted, done, nil)
	case c.interrupted(f):
		span.AddEvent("attempt interrupted")
		c.release(store, t.ID, "interrupted by shutdown")
	case errors.Is(err, domain.ErrAgentNotFound):
		span.RecordError(err)
		c.release(store, t.ID, err.Error())
	case errors.Is(err, domain.ErrAgentUnavailable):
		span.RecordError(err)
		c.release(store, t.ID, err.Error())
		// keep it out of dispatch until an operator retries it
		if serr := c.Registry.SetStatus(store, f.agentID, domain.AgentError); serr != nil {
			c.logger.Warn("mark agent error", "agent", f.agentID, "error", serr)
		}
	default:
		if errors.Is(err, domain.ErrRequestTimeout) {
			err = fmt.Errorf("%w: %v", domain.ErrTaskTimeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res, ferr := c.Queue.Fail(store, t.ID, err)
		if ferr != nil {
			c.logger.Warn("fail task", "task", t.ID, "error", ferr)
			return
		}
		c.logger.Info("task attempt failed", "task", t.ID, "agent", f.agentID, "retrying", res.Retrying, "error", err)
		c.emitFailure(store, res)
	}
}
