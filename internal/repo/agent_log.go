package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agentcouncil/internal/domain"
)

type LogFilter struct {
	AgentID   string
	ProjectID string
	EventType domain.LogEventType
	Since     string
	// Before pages backwards from a log id.
	Before int64
	Limit  int
}

func scanLog(s scanner) (domain.AgentLogEntry, error) {
	var e domain.AgentLogEntry
	var project, meta sql.NullString
	if err := s.Scan(&e.ID, &e.AgentID, &e.EventType, &project, &e.Message, &meta, &e.CreatedAt); err != nil {
		return e, err
	}
	e.ProjectID = stringPtr(project)
	e.Metadata = rawJSON(meta)
	return e, nil
}

const logColumns = `id,agent_id,event_type,project_id,message,metadata_json,created_at`

// InsertLog appends an entry. agent_log is never updated in place.
func (r Repo) InsertLog(ctx context.Context, tx *sql.Tx, e domain.AgentLogEntry) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO agent_log(agent_id,event_type,project_id,message,metadata_json,created_at) VALUES (?,?,?,?,?,?)`,
		e.AgentID, e.EventType, nullableStringPtr(e.ProjectID), e.Message, nullableJSON(e.Metadata), e.CreatedAt)
	if err != nil {
		return 0, storeErr("insert log", err)
	}
	id, err := res.LastInsertId()
	return id, storeErr("insert log", err)
}

// ListLog returns entries newest first.
func (r Repo) ListLog(ctx context.Context, f LogFilter) ([]domain.AgentLogEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at>=?")
		args = append(args, f.Since)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM agent_log WHERE %s ORDER BY id DESC LIMIT ?`, logColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryLog(ctx, query, args...)
}

// LogAfter returns entries with ids greater than the cursor in ascending order.
func (r Repo) LogAfter(ctx context.Context, cursor int64, limit int, projectID string) ([]domain.AgentLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	query := fmt.Sprintf(`SELECT %s FROM agent_log WHERE %s ORDER BY id ASC LIMIT ?`, logColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryLog(ctx, query, args...)
}

// LogBetween returns entries created in [from, to] in ascending order. An
// empty bound is open.
func (r Repo) LogBetween(ctx context.Context, projectID, from, to string) ([]domain.AgentLogEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if from != "" {
		clauses = append(clauses, "created_at>=?")
		args = append(args, from)
	}
	if to != "" {
		clauses = append(clauses, "created_at<=?")
		args = append(args, to)
	}
	query := fmt.Sprintf(`SELECT %s FROM agent_log WHERE %s ORDER BY id ASC`, logColumns, strings.Join(clauses, " AND "))
	return r.queryLog(ctx, query, args...)
}

func (r Repo) queryLog(ctx context.Context, query string, args ...any) ([]domain.AgentLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query log", err)
	}
	defer rows.Close()
	var res []domain.AgentLogEntry
	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return nil, storeErr("scan log", err)
		}
		res = append(res, e)
	}
	return res, storeErr("query log", rows.Err())
}

// LatestLogID returns the most recent log id, optionally scoped to a project.
func (r Repo) LatestLogID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM agent_log`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, storeErr("latest log id", err)
}

// PruneLog deletes entries created before the cutoff and returns how many went.
func (r Repo) PruneLog(ctx context.Context, before string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM agent_log WHERE created_at<?`, before)
	if err != nil {
		return 0, storeErr("prune log", err)
	}
	n, err := res.RowsAffected()
	return n, storeErr("prune log", err)
}

func (r Repo) CountLog(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_log`).Scan(&n)
	return n, storeErr("count log", err)
}
