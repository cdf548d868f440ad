package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"agentcouncil/internal/domain"
)

const agentColumns = `id,house,name,status,capabilities_json,config_json,created_at,updated_at,last_active_at`

func scanAgent(s scanner) (domain.Agent, error) {
	var a domain.Agent
	var caps string
	var cfg, lastActive sql.NullString
	if err := s.Scan(&a.ID, &a.House, &a.Name, &a.Status, &caps, &cfg, &a.CreatedAt, &a.UpdatedAt, &lastActive); err != nil {
		return a, err
	}
	if caps != "" {
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			return a, err
		}
	}
	a.Config = rawJSON(cfg)
	a.LastActiveAt = stringPtr(lastActive)
	return a, nil
}

// UpsertAgent inserts the agent or refreshes its descriptive columns,
// keeping created_at from the first registration.
func (r Repo) UpsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET house=excluded.house, name=excluded.name, status=excluded.status,
capabilities_json=excluded.capabilities_json, config_json=excluded.config_json, updated_at=excluded.updated_at`,
		a.ID, a.House, a.Name, a.Status, string(caps), nullableJSON(a.Config), a.CreatedAt, a.UpdatedAt, nullableStringPtr(a.LastActiveAt))
	return storeErr("upsert agent", err)
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	a, err := scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
	return a, storeErr("get agent", err)
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY house, id`)
	if err != nil {
		return nil, storeErr("list agents", err)
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, storeErr("scan agent", err)
		}
		res = append(res, a)
	}
	return res, storeErr("list agents", rows.Err())
}

func (r Repo) UpdateAgentStatus(ctx context.Context, tx *sql.Tx, id string, status domain.AgentStatus, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return storeErr("update agent status", err)
	}
	if !affected(res) {
		return ErrNotFound
	}
	return nil
}

func (r Repo) TouchAgent(ctx context.Context, id, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE agents SET last_active_at=? WHERE id=?`, now, id)
	return storeErr("touch agent", err)
}

func (r Repo) DeleteAgent(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM agents WHERE id=?`, id)
	if err != nil {
		return storeErr("delete agent", err)
	}
	if !affected(res) {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountAgentsByStatus(ctx context.Context) (map[domain.AgentStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, storeErr("count agents", err)
	}
	defer rows.Close()
	res := map[domain.AgentStatus]int{}
	for rows.Next() {
		var status domain.AgentStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storeErr("count agents", err)
		}
		res[status] = n
	}
	return res, storeErr("count agents", rows.Err())
}
