package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"agentcouncil/internal/agent"
	"agentcouncil/internal/bus"
	"agentcouncil/internal/db"
	"agentcouncil/internal/domain"
	"agentcouncil/internal/migrate"
	"agentcouncil/internal/registry"
	"agentcouncil/internal/repo"
)

type testEnv struct {
	Ctx      context.Context
	Repo     repo.Repo
	Bus      *bus.Bus
	Registry *registry.Registry
	Events   []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	b := bus.New(bus.Options{RequestTimeout: 2 * time.Second})
	t.Cleanup(b.Close)
	env := &testEnv{Ctx: ctx, Repo: repo.Repo{DB: conn}, Bus: b}
	env.Registry = registry.New(registry.Options{
		Repo: env.Repo,
		Bus:  b,
		Now:  func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
		Emit: func(ctx context.Context, event, agentID string, data map[string]any) {
			env.Events = append(env.Events, event+" "+agentID)
		},
	})
	return env
}

func TestRegisterMakesAgentAvailable(t *testing.T) {
	env := newTestEnv(t)
	a, err := agent.NewBuilder("builder-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Registry.Register(env.Ctx, a); err != nil {
		t.Fatalf("register: %v", err)
	}
	rec, err := env.Repo.GetAgent(env.Ctx, "builder-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if rec.Status != domain.AgentIdle || len(rec.Capabilities) != 3 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if got := env.Registry.Available(); len(got) != 1 || got[0].ID() != "builder-1" {
		t.Fatalf("expected builder-1 available, got %v", got)
	}
	out, err := env.Bus.Request(env.Ctx, "builder-1", bus.Message{Type: string(agent.MsgPing)})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	var res map[string]any
	if err := json.Unmarshal(out, &res); err != nil || res["agent"] != "builder-1" {
		t.Fatalf("unexpected ping reply %s (%v)", out, err)
	}
	health := env.Registry.Health(env.Ctx)
	if len(health) != 1 || !health[0].Alive || health[0].LastActivity == nil {
		t.Fatalf("unexpected health %+v", health)
	}
	if err := env.Registry.Register(env.Ctx, a); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if len(env.Events) == 0 || env.Events[0] != domain.EventAgentRegistered+" builder-1" {
		t.Fatalf("expected registered event, got %v", env.Events)
	}
}

func TestFailedInitializationIsExcludedUntilRetry(t *testing.T) {
	env := newTestEnv(t)
	var broken atomic.Bool
	broken.Store(true)
	a, err := agent.NewBase("vision-1", "Vision", domain.HouseVision, map[agent.MessageType]agent.HandlerFunc{
		agent.MsgPing: func(ctx context.Context, env agent.Env, msg bus.Message, p agent.Payload) (any, error) {
			return "pong", nil
		},
		agent.MsgImageAnalyze: func(ctx context.Context, env agent.Env, msg bus.Message, p agent.Payload) (any, error) {
			return nil, nil
		},
	}, agent.OnInit(func(ctx context.Context, b *agent.Base) error {
		if broken.Load() {
			return errors.New("model not loaded")
		}
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	err = env.Registry.Register(env.Ctx, a)
	if !errors.Is(err, domain.ErrAgentInitFailed) {
		t.Fatalf("expected ErrAgentInitFailed, got %v", err)
	}
	rec, err := env.Repo.GetAgent(env.Ctx, "vision-1")
	if err != nil || rec.Status != domain.AgentError {
		t.Fatalf("expected persisted error status, got %+v (%v)", rec, err)
	}
	if len(env.Registry.Available()) != 0 {
		t.Fatalf("errored agent must not be available")
	}
	if _, err := env.Bus.Request(env.Ctx, "vision-1", bus.Message{Type: string(agent.MsgPing)}); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	h := env.Registry.Health(env.Ctx)
	if len(h) != 1 || h[0].Alive || h[0].Error == "" {
		t.Fatalf("unexpected health %+v", h)
	}

	broken.Store(false)
	if err := env.Registry.Retry(env.Ctx, "vision-1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if st, _ := env.Registry.Status("vision-1"); st != domain.AgentIdle {
		t.Fatalf("expected idle after retry, got %s", st)
	}
	if err := env.Registry.Retry(env.Ctx, "vision-1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("retry of healthy agent should fail, got %v", err)
	}
}

func TestUnregisterRemovesRecordAndEndpoint(t *testing.T) {
	env := newTestEnv(t)
	var shutdown atomic.Bool
	a, err := agent.NewBase("voice-1", "Voice", domain.HouseVoice, map[agent.MessageType]agent.HandlerFunc{
		agent.MsgPing: func(ctx context.Context, env agent.Env, msg bus.Message, p agent.Payload) (any, error) {
			return "pong", nil
		},
		agent.MsgVoiceExtract: func(ctx context.Context, env agent.Env, msg bus.Message, p agent.Payload) (any, error) {
			return nil, nil
		},
	}, agent.OnShutdown(func(ctx context.Context, b *agent.Base) error {
		shutdown.Store(true)
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Registry.Register(env.Ctx, a); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := env.Registry.Unregister(env.Ctx, "voice-1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if !shutdown.Load() {
		t.Fatalf("shutdown hook not called")
	}
	if _, err := env.Repo.GetAgent(env.Ctx, "voice-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected record removed, got %v", err)
	}
	if env.Bus.HasEndpoint("voice-1") {
		t.Fatalf("endpoint still registered")
	}
	if err := env.Registry.Unregister(env.Ctx, "voice-1"); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestDisableExcludesFromDispatch(t *testing.T) {
	env := newTestEnv(t)
	a, err := agent.NewCurator("curator-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Registry.Register(env.Ctx, a); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := env.Registry.Disable(env.Ctx, "curator-1"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if len(env.Registry.Available()) != 0 {
		t.Fatalf("disabled agent must not be available")
	}
	rec, _ := env.Repo.GetAgent(env.Ctx, "curator-1")
	if rec.Status != domain.AgentDisabled {
		t.Fatalf("expected disabled record, got %s", rec.Status)
	}
	if err := env.Registry.Enable(env.Ctx, "curator-1"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if len(env.Registry.Available()) != 1 {
		t.Fatalf("enabled agent should be available")
	}
	if err := env.Registry.SetStatus(env.Ctx, "curator-1", "sleeping"); err == nil {
		t.Fatalf("expected unknown status error")
	}
}
