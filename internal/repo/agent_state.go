package repo

import (
	"context"
	"database/sql"

	"agentcouncil/internal/domain"
)

func (r Repo) GetAgentState(ctx context.Context, agentID, key string) (domain.AgentState, error) {
	st := domain.AgentState{AgentID: agentID, Key: key}
	var value string
	err := r.DB.QueryRowContext(ctx, `SELECT value_json, updated_at FROM agent_state WHERE agent_id=? AND key=?`, agentID, key).
		Scan(&value, &st.UpdatedAt)
	if err != nil {
		return st, storeErr("get agent state", err)
	}
	st.Value = []byte(value)
	return st, nil
}

func (r Repo) PutAgentState(ctx context.Context, tx *sql.Tx, st domain.AgentState) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO agent_state(agent_id,key,value_json,updated_at) VALUES (?,?,?,?)
ON CONFLICT(agent_id,key) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at`,
		st.AgentID, st.Key, jsonOrEmpty(st.Value), st.UpdatedAt)
	return storeErr("put agent state", err)
}

func (r Repo) DeleteAgentState(ctx context.Context, agentID, key string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM agent_state WHERE agent_id=? AND key=?`, agentID, key)
	return storeErr("delete agent state", err)
}

func (r Repo) ListAgentState(ctx context.Context, agentID string) ([]domain.AgentState, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key, value_json, updated_at FROM agent_state WHERE agent_id=? ORDER BY key`, agentID)
	if err != nil {
		return nil, storeErr("list agent state", err)
	}
	defer rows.Close()
	var res []domain.AgentState
	for rows.Next() {
		st := domain.AgentState{AgentID: agentID}
		var value string
		if err := rows.Scan(&st.Key, &value, &st.UpdatedAt); err != nil {
			return nil, storeErr("list agent state", err)
		}
		st.Value = []byte(value)
		res = append(res, st)
	}
	return res, storeErr("list agent state", rows.Err())
}
