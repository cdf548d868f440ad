package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"agentcouncil/internal/bus"
	"agentcouncil/internal/domain"
)

// Base is a table-driven Agent. House agents are Base values with their own
// handlers and optional lifecycle hooks.
type Base struct {
	id    string
	name  string
	house domain.House
	table *DispatchTable

	onInit     func(ctx context.Context, b *Base) error
	onShutdown func(ctx context.Context, b *Base) error

	mu     sync.Mutex
	env    Env
	ready  bool
	unsubs []func()
}

type Option func(*Base)

// OnInit runs after the environment is attached.
func OnInit(fn func(ctx context.Context, b *Base) error) Option {
	return func(b *Base) { b.onInit = fn }
}

// OnShutdown runs before subscriptions are dropped.
func OnShutdown(fn func(ctx context.Context, b *Base) error) Option {
	return func(b *Base) { b.onShutdown = fn }
}

func NewBase(id, name string, house domain.House, handlers map[MessageType]HandlerFunc, opts ...Option) (*Base, error) {
	if id == "" {
		return nil, fmt.Errorf("agent id required")
	}
	table, err := NewDispatchTable(house, handlers)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = id
	}
	b := &Base{id: id, name: name, house: house, table: table}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Base) ID() string          { return b.id }
func (b *Base) Name() string        { return b.name }
func (b *Base) House() domain.House { return b.house }

func (b *Base) Capabilities() []MessageType {
	return b.table.Types()
}

func (b *Base) Initialize(ctx context.Context, env Env) error {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	env.Logger = env.Logger.With("agent", b.id, "house", string(b.house))
	b.mu.Lock()
	b.env = env
	b.mu.Unlock()
	if b.onInit != nil {
		if err := b.onInit(ctx, b); err != nil {
			b.dropSubscriptions()
			return err
		}
	}
	b.mu.Lock()
	b.ready = true
	b.mu.Unlock()
	return nil
}

func (b *Base) Shutdown(ctx context.Context) error {
	var err error
	if b.onShutdown != nil {
		err = b.onShutdown(ctx, b)
	}
	b.dropSubscriptions()
	b.mu.Lock()
	b.ready = false
	b.mu.Unlock()
	return err
}

func (b *Base) HandleMessage(ctx context.Context, msg bus.Message) (json.RawMessage, error) {
	b.mu.Lock()
	env, ready := b.env, b.ready
	b.mu.Unlock()
	if !ready {
		return nil, fmt.Errorf("%w: %s not initialized", domain.ErrAgentUnavailable, b.id)
	}
	return b.table.Dispatch(ctx, env, msg)
}

// Env returns the environment attached at initialization.
func (b *Base) Env() Env {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.env
}

// Subscribe listens on the bus for the agent's lifetime.
func (b *Base) Subscribe(pattern string, h bus.Handler) error {
	env := b.Env()
	if env.Bus == nil {
		return fmt.Errorf("agent %s: no bus attached", b.id)
	}
	unsub := env.Bus.Subscribe(pattern, h)
	b.mu.Lock()
	b.unsubs = append(b.unsubs, unsub)
	b.mu.Unlock()
	return nil
}

func (b *Base) dropSubscriptions() {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}
