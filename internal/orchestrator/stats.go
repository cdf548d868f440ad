package orchestrator

import (
	"context"

	"agentcouncil/internal/agent"
	"agentcouncil/internal/domain"
	"agentcouncil/internal/repo"
)

func (c *Council) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	return c.Repo.ListAgents(ctx)
}

func (c *Council) GetHealth(ctx context.Context) []domain.AgentHealth {
	return c.Registry.Health(ctx)
}

// RegisterAgent adds an agent after startup. An agent whose initialization
// fails stays registered in the error state and the error is returned.
func (c *Council) RegisterAgent(ctx context.Context, a agent.Agent) error {
	return c.Registry.Register(ctx, a)
}

func (c *Council) UnregisterAgent(ctx context.Context, id string) error {
	return c.Registry.Unregister(ctx, id)
}

// RetryAgent re-runs initialization for an agent in the error state.
func (c *Council) RetryAgent(ctx context.Context, id string) error {
	if err := c.Registry.Retry(ctx, id); err != nil {
		return err
	}
	c.kick()
	return nil
}

func (c *Council) DisableAgent(ctx context.Context, id string) error {
	return c.Registry.Disable(ctx, id)
}

func (c *Council) EnableAgent(ctx context.Context, id string) error {
	if err := c.Registry.Enable(ctx, id); err != nil {
		return err
	}
	c.kick()
	return nil
}

// GetStats counts agents, tasks, open decisions and log rows. Nothing is
// cached; every call reads the store.
func (c *Council) GetStats(ctx context.Context) (domain.CouncilStats, error) {
	var st domain.CouncilStats
	var err error
	if st.Agents, err = c.Repo.CountAgentsByStatus(ctx); err != nil {
		return st, err
	}
	if st.Tasks, err = c.Repo.CountTasksByStatus(ctx, ""); err != nil {
		return st, err
	}
	if st.PendingProposals, err = c.Repo.CountProposals(ctx, domain.ProposalPending); err != nil {
		return st, err
	}
	if st.PendingSignoffs, err = c.Repo.CountSignoffs(ctx, domain.SignoffPending); err != nil {
		return st, err
	}
	if st.ActiveSessions, err = c.Repo.CountSessions(ctx, domain.SessionActive); err != nil {
		return st, err
	}
	if st.LogEntries, err = c.Repo.CountLog(ctx); err != nil {
		return st, err
	}
	return st, nil
}

// Log returns audit rows newest first.
func (c *Council) Log(ctx context.Context, f repo.LogFilter) ([]domain.AgentLogEntry, error) {
	return c.Repo.ListLog(ctx, f)
}
