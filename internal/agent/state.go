package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentcouncil/internal/domain"
	"agentcouncil/internal/repo"
)

type repoState struct {
	repo    repo.Repo
	agentID string
	now     func() time.Time
}

// NewStateStore returns a StateStore bound to agentID.
func NewStateStore(r repo.Repo, agentID string, now func() time.Time) StateStore {
	if now == nil {
		now = time.Now
	}
	return repoState{repo: r, agentID: agentID, now: now}
}

func (s repoState) Get(ctx context.Context, key string, v any) (bool, error) {
	st, err := s.repo.GetAgentState(ctx, s.agentID, key)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(st.Value, v); err != nil {
		return false, fmt.Errorf("decode state %s/%s: %w", s.agentID, key, err)
	}
	return true, nil
}

func (s repoState) Put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode state %s/%s: %w", s.agentID, key, err)
	}
	return s.repo.PutAgentState(ctx, nil, domain.AgentState{
		AgentID:   s.agentID,
		Key:       key,
		Value:     data,
		UpdatedAt: domain.FormatTime(s.now()),
	})
}

func (s repoState) Delete(ctx context.Context, key string) error {
	return s.repo.DeleteAgentState(ctx, s.agentID, key)
}

func (s repoState) All(ctx context.Context) ([]domain.AgentState, error) {
	return s.repo.ListAgentState(ctx, s.agentID)
}
