// Package registry tracks the live agents of a council: their lifecycle,
// bus endpoints and health.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"agentcouncil/internal/agent"
	"agentcouncil/internal/bus"
	"agentcouncil/internal/domain"
	"agentcouncil/internal/repo"
)

// EmitFunc reports lifecycle events (agent:registered, agent:error, ...).
type EmitFunc func(ctx context.Context, event, agentID string, data map[string]any)

type Options struct {
	Repo    repo.Repo
	Bus     *bus.Bus
	Council agent.Council
	Logger  *slog.Logger
	Now     func() time.Time
	Emit    EmitFunc
}

type Registry struct {
	repo    repo.Repo
	bus     *bus.Bus
	council agent.Council
	logger  *slog.Logger
	now     func() time.Time
	emit    EmitFunc

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	agent        agent.Agent
	status       domain.AgentStatus
	ready        bool
	inflight     int
	lastActivity time.Time
	err          error
}

func New(opts Options) *Registry {
	r := &Registry{
		repo:    opts.Repo,
		bus:     opts.Bus,
		council: opts.Council,
		logger:  opts.Logger,
		now:     opts.Now,
		emit:    opts.Emit,
		entries: make(map[string]*entry),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.emit == nil {
		r.emit = func(context.Context, string, string, map[string]any) {}
	}
	return r
}

// Register records a, initializes it and exposes it on the bus. An agent
// whose initialization fails stays registered with status error and is not
// reachable until Retry succeeds.
func (r *Registry) Register(ctx context.Context, a agent.Agent) error {
	id := a.ID()
	if id == "" {
		return fmt.Errorf("agent id required")
	}
	if !a.House().Valid() {
		return fmt.Errorf("agent %s: unknown house %q", id, a.House())
	}
	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("agent %s already registered", id)
	}
	e := &entry{agent: a, status: domain.AgentWaiting}
	r.entries[id] = e
	r.mu.Unlock()

	now := domain.FormatTime(r.now())
	caps := make([]string, 0, len(a.Capabilities()))
	for _, c := range a.Capabilities() {
		caps = append(caps, string(c))
	}
	rec := domain.Agent{
		ID:           id,
		House:        a.House(),
		Name:         a.Name(),
		Status:       domain.AgentWaiting,
		Capabilities: caps,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.repo.UpsertAgent(ctx, nil, rec); err != nil {
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
		return err
	}
	r.emit(ctx, domain.EventAgentRegistered, id, map[string]any{"house": a.House()})
	return r.initialize(ctx, e)
}

func (r *Registry) initialize(ctx context.Context, e *entry) error {
	id := e.agent.ID()
	env := agent.Env{
		State:   agent.NewStateStore(r.repo, id, r.now),
		Bus:     r.bus,
		Council: r.council,
		Logger:  r.logger,
	}
	if err := e.agent.Initialize(ctx, env); err != nil {
		r.mu.Lock()
		e.status = domain.AgentError
		e.ready = false
		e.err = err
		r.mu.Unlock()
		if perr := r.persistStatus(ctx, id, domain.AgentError); perr != nil {
			r.logger.Warn("persist agent status", "agent", id, "error", perr)
		}
		r.logger.Error("agent initialization failed", "agent", id, "error", err)
		r.emit(ctx, domain.EventAgentError, id, map[string]any{"error": err.Error()})
		return fmt.Errorf("%w: %s: %v", domain.ErrAgentInitFailed, id, err)
	}
	r.mu.Lock()
	e.status = domain.AgentIdle
	e.ready = true
	e.err = nil
	e.lastActivity = r.now()
	r.mu.Unlock()
	r.bus.Register(id, r.endpoint(id))
	if err := r.persistStatus(ctx, id, domain.AgentIdle); err != nil {
		return err
	}
	r.logger.Info("agent ready", "agent", id, "house", string(e.agent.House()))
	return nil
}

// Retry re-runs initialization of an agent in the error state.
func (r *Registry) Retry(ctx context.Context, id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	r.mu.RLock()
	status := e.status
	r.mu.RUnlock()
	if status != domain.AgentError {
		return fmt.Errorf("%w: agent %s is %s, not error", domain.ErrInvalidTransition, id, status)
	}
	return r.initialize(ctx, e)
}

// Unregister detaches the endpoint, shuts the agent down and removes its
// record together with its scratch state.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	var ready bool
	if ok {
		ready = e.ready
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	r.bus.Unregister(id)
	var shutdownErr error
	if ready {
		shutdownErr = e.agent.Shutdown(ctx)
		if shutdownErr != nil {
			r.logger.Warn("agent shutdown", "agent", id, "error", shutdownErr)
		}
	}
	if err := r.repo.DeleteAgent(ctx, nil, id); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	r.emit(ctx, domain.EventAgentUnregistered, id, nil)
	return shutdownErr
}

// Shutdown stops every agent but keeps their records.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	for _, e := range entries {
		id := e.agent.ID()
		r.bus.Unregister(id)
		r.mu.RLock()
		ready := e.ready
		r.mu.RUnlock()
		if !ready {
			continue
		}
		if err := e.agent.Shutdown(ctx); err != nil {
			r.logger.Warn("agent shutdown", "agent", id, "error", err)
		}
		r.mu.Lock()
		e.ready = false
		r.mu.Unlock()
	}
}

func (r *Registry) Get(id string) (agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	return e.agent, nil
}

// Has reports whether id is registered, whatever its status.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// List returns registered agents ordered by id.
func (r *Registry) List() []agent.Agent {
	r.mu.RLock()
	res := make([]agent.Agent, 0, len(r.entries))
	for _, e := range r.entries {
		res = append(res, e.agent)
	}
	r.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].ID() < res[j].ID() })
	return res
}

// Available returns initialized idle agents, the only ones dispatch may use.
func (r *Registry) Available() []agent.Agent {
	r.mu.RLock()
	var res []agent.Agent
	for _, e := range r.entries {
		if e.ready && e.status == domain.AgentIdle {
			res = append(res, e.agent)
		}
	}
	r.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].ID() < res[j].ID() })
	return res
}

func (r *Registry) Status(id string) (domain.AgentStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	return e.status, nil
}

// SetStatus overrides an agent's status.
func (r *Registry) SetStatus(ctx context.Context, id string, status domain.AgentStatus) error {
	switch status {
	case domain.AgentIdle, domain.AgentWorking, domain.AgentWaiting, domain.AgentError, domain.AgentDisabled:
	default:
		return fmt.Errorf("unknown agent status %q", status)
	}
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		e.status = status
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	return r.persistStatus(ctx, id, status)
}

// Disable takes an agent out of dispatch until Enable.
func (r *Registry) Disable(ctx context.Context, id string) error {
	return r.SetStatus(ctx, id, domain.AgentDisabled)
}

func (r *Registry) Enable(ctx context.Context, id string) error {
	st, err := r.Status(id)
	if err != nil {
		return err
	}
	if st != domain.AgentDisabled {
		return fmt.Errorf("%w: agent %s is %s, not disabled", domain.ErrInvalidTransition, id, st)
	}
	return r.SetStatus(ctx, id, domain.AgentIdle)
}

// Health reports liveness per registered agent.
func (r *Registry) Health(ctx context.Context) []domain.AgentHealth {
	r.mu.RLock()
	res := make([]domain.AgentHealth, 0, len(r.entries))
	for id, e := range r.entries {
		h := domain.AgentHealth{
			AgentID: id,
			House:   e.agent.House(),
			Status:  e.status,
			Alive:   e.ready && e.status != domain.AgentError && r.bus.HasEndpoint(id),
		}
		if !e.lastActivity.IsZero() {
			h.LastActivity = domain.TimePtr(e.lastActivity)
		}
		if e.err != nil {
			h.Error = e.err.Error()
		}
		res = append(res, h)
	}
	r.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool { return res[i].AgentID < res[j].AgentID })
	return res
}

// endpoint wraps the agent's handler so the registry sees it working.
func (r *Registry) endpoint(id string) bus.Endpoint {
	return func(ctx context.Context, msg bus.Message) (json.RawMessage, error) {
		a, err := r.begin(ctx, id)
		if err != nil {
			return nil, err
		}
		defer r.end(ctx, id)
		return a.HandleMessage(ctx, msg)
	}
}

func (r *Registry) begin(ctx context.Context, id string) (agent.Agent, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	if !e.ready || e.status == domain.AgentError {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrAgentUnavailable, id, e.status)
	}
	e.inflight++
	e.lastActivity = r.now()
	flip := e.inflight == 1 && e.status == domain.AgentIdle
	if flip {
		e.status = domain.AgentWorking
	}
	r.mu.Unlock()
	if flip {
		r.persistQuietly(ctx, id, domain.AgentWorking)
	}
	return e.agent, nil
}

func (r *Registry) end(ctx context.Context, id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.inflight--
	e.lastActivity = r.now()
	flip := e.inflight == 0 && e.status == domain.AgentWorking
	if flip {
		e.status = domain.AgentIdle
	}
	r.mu.Unlock()
	if flip {
		r.persistQuietly(ctx, id, domain.AgentIdle)
	}
	if err := r.repo.TouchAgent(context.WithoutCancel(ctx), id, domain.FormatTime(r.now())); err != nil {
		r.logger.Warn("touch agent", "agent", id, "error", err)
	}
}

func (r *Registry) persistStatus(ctx context.Context, id string, status domain.AgentStatus) error {
	err := r.repo.UpdateAgentStatus(context.WithoutCancel(ctx), nil, id, status, domain.FormatTime(r.now()))
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	return err
}

func (r *Registry) persistQuietly(ctx context.Context, id string, status domain.AgentStatus) {
	if err := r.persistStatus(ctx, id, status); err != nil {
		r.logger.Warn("persist agent status", "agent", id, "status", string(status), "error", err)
	}
}
