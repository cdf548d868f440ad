package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"agentcouncil/internal/config"
	"agentcouncil/internal/domain"
)

func (r Repo) UpsertProjectConfig(ctx context.Context, tx *sql.Tx, cfg domain.ProjectCouncilConfig, now string) error {
	if cfg.ProjectID == "" {
		return fmt.Errorf("project id required")
	}
	if err := config.ValidatePolicy(cfg); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO project_council_config(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, cfg.ProjectID, string(payload), now, now)
	return storeErr("upsert project config", err)
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (domain.ProjectCouncilConfig, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_council_config WHERE project_id=?`, projectID).Scan(&payload)
	if err != nil {
		return domain.ProjectCouncilConfig{}, storeErr("get project config", err)
	}
	var cfg domain.ProjectCouncilConfig
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return cfg, fmt.Errorf("decode project config: %w", err)
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = projectID
	}
	return cfg, nil
}

func (r Repo) ListProjectConfigs(ctx context.Context) ([]domain.ProjectCouncilConfig, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id, config_json FROM project_council_config ORDER BY project_id`)
	if err != nil {
		return nil, storeErr("list project configs", err)
	}
	defer rows.Close()
	var res []domain.ProjectCouncilConfig
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, storeErr("list project configs", err)
		}
		var cfg domain.ProjectCouncilConfig
		if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
			return nil, fmt.Errorf("decode project config %s: %w", id, err)
		}
		cfg.ProjectID = id
		res = append(res, cfg)
	}
	return res, storeErr("list project configs", rows.Err())
}
