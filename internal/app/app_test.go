package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"agentcouncil/internal/agent"
	"agentcouncil/internal/config"
	"agentcouncil/internal/domain"
	"agentcouncil/internal/orchestrator"
)

func TestOpenRunsPingTask(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	cfg := config.Default()
	cfg.Council.DispatchInterval = 10 * time.Millisecond
	a, err := Open(ctx, Options{Workspace: ws, Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		if err := a.Close(ctx); err != nil {
			t.Fatalf("close: %v", err)
		}
	}()
	agents, err := a.Council.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != len(domain.Houses) {
		t.Fatalf("expected one agent per house, got %d", len(agents))
	}
	id, err := a.Council.AssignTask(ctx, orchestrator.TaskSpec{
		Type:        agent.MsgPing,
		TargetAgent: agents[0].ID,
		Payload:     json.RawMessage(`{"note":"hi"}`),
	}, orchestrator.AssignOptions{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	task, err := a.Council.WaitTask(waitCtx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.Status != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	ws := t.TempDir()
	yml := "council:\n  workers: 2\nserver:\n  addr: 127.0.0.1:9999\n"
	if err := os.WriteFile(filepath.Join(ws, "council.yml"), []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := Open(context.Background(), Options{Workspace: ws, Agents: []agent.Agent{}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close(context.Background())
	if a.Config.Council.Workers != 2 || a.Config.Server.Addr != "127.0.0.1:9999" {
		t.Fatalf("config not loaded: %+v", a.Config)
	}
	if a.Config.Council.MaxRetries != 3 {
		t.Fatalf("expected defaults under file values, got max_retries=%d", a.Config.Council.MaxRetries)
	}
}

func TestResolveProject(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: t.TempDir(), Agents: []agent.Agent{}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close(ctx)

	if _, err := a.ResolveProject(ctx, ""); err == nil {
		t.Fatalf("expected error without projects")
	}
	id, err := a.ResolveProject(ctx, "book")
	if err != nil || id != "book" {
		t.Fatalf("resolve explicit: %q %v", id, err)
	}
	p, err := a.Council.ProjectConfig(ctx, "book")
	if err != nil {
		t.Fatalf("project config: %v", err)
	}
	if p.DefaultStrictness != domain.StrictnessRequired {
		t.Fatalf("expected seeded strictness required, got %s", p.DefaultStrictness)
	}
	id, err = a.ResolveProject(ctx, "")
	if err != nil || id != "book" {
		t.Fatalf("resolve single project: %q %v", id, err)
	}
}
