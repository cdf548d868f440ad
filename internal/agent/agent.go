// Package agent defines the contract every house agent implements and the
// closed catalog of messages they exchange.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"

	"agentcouncil/internal/bus"
	"agentcouncil/internal/domain"
)

// Agent is a long-lived participant in the council.
type Agent interface {
	ID() string
	House() domain.House
	Name() string
	Capabilities() []MessageType
	Initialize(ctx context.Context, env Env) error
	Shutdown(ctx context.Context) error
	HandleMessage(ctx context.Context, msg bus.Message) (json.RawMessage, error)
}

// Council is the slice of the orchestrator an agent may call back into.
type Council interface {
	CreateProposal(ctx context.Context, in domain.ProposalInput) (domain.Proposal, error)
	GetSignoff(ctx context.Context, id string) (domain.Signoff, error)
	RecordVote(ctx context.Context, signoffID, agentID string, vote domain.Vote, reason string) (domain.Signoff, error)
}

// Env is handed to an agent at initialization.
type Env struct {
	State   StateStore
	Bus     *bus.Bus
	Council Council
	Logger  *slog.Logger
}

// StateStore persists scratch state for one agent. Keys are scoped to the
// agent the store was created for.
type StateStore interface {
	Get(ctx context.Context, key string, v any) (bool, error)
	Put(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
	All(ctx context.Context) ([]domain.AgentState, error)
}
