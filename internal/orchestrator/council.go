// Package orchestrator wires the bus, registry and queue into a Council:
// the facade that owns sessions, task dispatch, proposals and signoffs.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"agentcouncil/internal/agent"
	"agentcouncil/internal/bus"
	"agentcouncil/internal/config"
	"agentcouncil/internal/domain"
	"agentcouncil/internal/events"
	"agentcouncil/internal/queue"
	"agentcouncil/internal/registry"
	"agentcouncil/internal/repo"
)

const eventTopicPrefix = "council:"

type Options struct {
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
	Tracer trace.Tracer
	// Bus is created when nil; the Council then owns and closes it.
	Bus *bus.Bus
	// Agents are registered by Initialize.
	Agents []agent.Agent
}

// Council is the single entry point of the agent council. Build it once with
// New and pass it to whatever needs it.
type Council struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Bus      *bus.Bus
	Registry *registry.Registry
	Queue    *queue.Queue
	Config   *config.Config

	logger  *slog.Logger
	now     func() time.Time
	tracer  trace.Tracer
	roster  []agent.Agent
	ownsBus bool

	mu       sync.Mutex
	running  bool
	stop     context.CancelFunc
	loops    sync.WaitGroup
	workers  sync.WaitGroup
	inflight map[string]*flight
	busy     map[string]bool
	wake     chan struct{}
}

type flight struct {
	agentID string
	cancel  context.CancelFunc
	// interrupted is set by Shutdown; guarded by Council.mu.
	interrupted bool
}

func New(conn *sql.DB, opts Options) *Council {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("agentcouncil/orchestrator")
	}
	c := &Council{
		DB:       conn,
		Repo:     repo.Repo{DB: conn},
		Config:   cfg,
		Bus:      opts.Bus,
		logger:   logger,
		now:      now,
		tracer:   tracer,
		roster:   opts.Agents,
		inflight: make(map[string]*flight),
		busy:     make(map[string]bool),
		wake:     make(chan struct{}, 1),
	}
	c.Events = events.Writer{Repo: c.Repo, Now: now}
	if c.Bus == nil {
		c.Bus = bus.New(bus.Options{RequestTimeout: cfg.Council.RequestTimeout, Logger: logger, Now: now})
		c.ownsBus = true
	}
	c.Queue = queue.New(conn, queue.Options{
		Retry:       cfg.Retry,
		MaxRetries:  cfg.Council.MaxRetries,
		TaskTimeout: cfg.Council.TaskTimeout,
		Logger:      logger,
		Now:         now,
	})
	c.Registry = registry.New(registry.Options{
		Repo:    c.Repo,
		Bus:     c.Bus,
		Council: c,
		Logger:  logger,
		Now:     now,
		Emit: func(ctx context.Context, event, agentID string, data map[string]any) {
			c.emit(ctx, domain.CouncilEvent{Type: event, AgentID: agentID, EntityID: agentID, Data: encodeData(data)})
			if event == domain.EventAgentRegistered {
				c.kick()
			}
		},
	})
	return c
}

// Initialize registers the configured agents and starts the background
// loops. Agents that fail to initialize are left in the error state.
func (c *Council) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	loopCtx, stop := context.WithCancel(context.Background())
	c.stop = stop
	c.mu.Unlock()

	recovered, err := c.Queue.Recover(ctx)
	if err != nil {
		stop()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("recover tasks: %w", err)
	}
	if len(recovered) > 0 {
		c.logger.Info("recovered interrupted tasks", "count", len(recovered))
	}

	for _, a := range c.roster {
		if c.Registry.Has(a.ID()) {
			continue
		}
		if err := c.Registry.Register(ctx, a); err != nil {
			if !errors.Is(err, domain.ErrAgentInitFailed) {
				stop()
				c.mu.Lock()
				c.running = false
				c.mu.Unlock()
				return err
			}
			c.logger.Warn("agent unavailable", "agent", a.ID(), "error", err)
		}
	}

	cc := c.Config.Council
	c.loops.Add(3)
	go func() {
		defer c.loops.Done()
		c.runDispatch(loopCtx, cc.DispatchInterval)
	}()
	go func() {
		defer c.loops.Done()
		c.Queue.RunWatchdog(loopCtx, cc.WatchdogInterval, func(res []queue.FailResult) {
			for _, r := range res {
				c.abandon(r.Task.ID)
				c.emitFailure(loopCtx, r)
			}
		})
	}()
	go func() {
		defer c.loops.Done()
		c.runSweeper(loopCtx, cc.SweepInterval)
	}()
	c.logger.Info("council started", "agents", len(c.roster))
	return nil
}

// Shutdown stops the loops, interrupts in-flight tasks and shuts every agent
// down. Interrupted tasks go back to pending without using a retry.
func (c *Council) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.stop()
	for _, f := range c.inflight {
		f.interrupted = true
		f.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.loops.Wait()
		c.workers.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.Registry.Shutdown(ctx)
	if c.ownsBus {
		c.Bus.Close()
	}
	c.logger.Info("council stopped")
	return err
}

// OnEvent subscribes listener to every council event. The returned function
// unsubscribes.
func (c *Council) OnEvent(listener func(domain.CouncilEvent)) func() {
	return c.Bus.Subscribe(eventTopicPrefix+"*", func(ctx context.Context, msg bus.Message) error {
		var evt domain.CouncilEvent
		if err := msg.Decode(&evt); err != nil {
			return err
		}
		listener(evt)
		return nil
	})
}

func (c *Council) emit(ctx context.Context, evt domain.CouncilEvent) {
	if evt.At == "" {
		evt.At = domain.FormatTime(c.now())
	}
	err := c.Bus.Publish(ctx, eventTopicPrefix+evt.Type, evt.Type, evt, bus.From(domain.CouncilAgentID), bus.Correlate(evt.EntityID))
	if err != nil && !errors.Is(err, domain.ErrBusClosed) {
		c.logger.Warn("publish council event", "event", evt.Type, "error", err)
	}
}

func (c *Council) emitTask(ctx context.Context, event string, t domain.Task, data map[string]any) {
	c.emit(ctx, domain.CouncilEvent{
		Type:      event,
		ProjectID: t.ProjectID,
		EntityID:  t.ID,
		AgentID:   domain.Deref(t.ClaimedBy),
		Data:      encodeData(data),
	})
}

func (c *Council) emitFailure(ctx context.Context, r queue.FailResult) {
	event := domain.EventTaskFailed
	if r.Retrying {
		event = domain.EventTaskRetrying
	}
	c.emitTask(ctx, event, r.Task, map[string]any{
		"error":   domain.Deref(r.Task.Error),
		"retries": r.Task.Retries,
	})
}

func encodeData(data map[string]any) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return raw
}

// policy returns the stored project policy or the configured defaults.
func (c *Council) policy(ctx context.Context, projectID string) (domain.ProjectCouncilConfig, error) {
	if projectID == "" {
		return c.Config.DefaultPolicy(""), nil
	}
	p, err := c.Repo.GetProjectConfig(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return c.Config.DefaultPolicy(projectID), nil
	}
	if err != nil {
		return domain.ProjectCouncilConfig{}, err
	}
	return p, nil
}

// SetProjectConfig validates and stores a project's council policy.
func (c *Council) SetProjectConfig(ctx context.Context, p domain.ProjectCouncilConfig) error {
	if p.ProjectID == "" {
		return fmt.Errorf("project id is required")
	}
	if err := config.ValidatePolicy(p); err != nil {
		return err
	}
	return c.Repo.UpsertProjectConfig(ctx, nil, p, domain.FormatTime(c.now()))
}

// ProjectConfig returns the effective policy for projectID.
func (c *Council) ProjectConfig(ctx context.Context, projectID string) (domain.ProjectCouncilConfig, error) {
	return c.policy(ctx, projectID)
}

func (c *Council) runSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := c.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("expiry sweep", "error", err)
			}
			if _, err := c.PruneLog(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("log prune", "error", err)
			}
		}
	}
}

// PruneLog deletes audit rows older than the configured retention.
func (c *Council) PruneLog(ctx context.Context) (int64, error) {
	keep := c.Config.Council.LogRetention
	if keep <= 0 {
		return 0, nil
	}
	return c.Repo.PruneLog(ctx, domain.FormatTime(c.now().Add(-keep)))
}
