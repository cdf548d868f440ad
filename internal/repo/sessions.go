package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agentcouncil/internal/domain"
)

const sessionColumns = `id,project_id,status,started_at,ended_at,summary,stats_json`

type SessionFilter struct {
	ProjectID string
	Status    domain.SessionStatus
	Limit     int
}

func scanSession(s scanner) (domain.CouncilSession, error) {
	var cs domain.CouncilSession
	var project, endedAt, summary, stats sql.NullString
	if err := s.Scan(&cs.ID, &project, &cs.Status, &cs.StartedAt, &endedAt, &summary, &stats); err != nil {
		return cs, err
	}
	cs.ProjectID = stringPtr(project)
	cs.EndedAt = stringPtr(endedAt)
	if summary.Valid {
		cs.Summary = summary.String
	}
	cs.Stats = rawJSON(stats)
	return cs, nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.CouncilSession) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO council_sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?)`,
		s.ID, nullableStringPtr(s.ProjectID), s.Status, s.StartedAt, nullableStringPtr(s.EndedAt), nullable(s.Summary), nullableJSON(s.Stats))
	return storeErr("insert session", err)
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.CouncilSession, error) {
	s, err := scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM council_sessions WHERE id=?`, id))
	return s, storeErr("get session", err)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.CouncilSession, error) {
	s, err := scanSession(r.q(tx).QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM council_sessions WHERE id=?`, id))
	return s, storeErr("get session", err)
}

// OpenSessionTx returns the newest session for the project in the given
// status. An empty projectID matches sessions without a project.
func (r Repo) OpenSessionTx(ctx context.Context, tx *sql.Tx, projectID string, status domain.SessionStatus) (domain.CouncilSession, error) {
	s, err := scanSession(r.q(tx).QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM council_sessions
WHERE project_id IS ? AND status=? ORDER BY started_at DESC, id DESC LIMIT 1`, nullable(projectID), status))
	return s, storeErr("open session", err)
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilter) ([]domain.CouncilSession, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := fmt.Sprintf(`SELECT %s FROM council_sessions WHERE %s ORDER BY started_at DESC, id DESC`, sessionColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	defer rows.Close()
	var res []domain.CouncilSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("scan session", err)
		}
		res = append(res, s)
	}
	return res, storeErr("list sessions", rows.Err())
}

// TransitionSession moves a session out of one of the from statuses.
func (r Repo) TransitionSession(ctx context.Context, tx *sql.Tx, s domain.CouncilSession, from ...domain.SessionStatus) (bool, error) {
	args := []any{s.Status, nullableStringPtr(s.EndedAt), nullable(s.Summary), nullableJSON(s.Stats), s.ID}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE council_sessions SET status=?, ended_at=?, summary=?, stats_json=? WHERE id=? AND status IN (%s)`,
		placeholders(len(from))), args...)
	if err != nil {
		return false, storeErr("transition session", err)
	}
	return affected(res), nil
}

func (r Repo) LinkSessionTask(ctx context.Context, tx *sql.Tx, sessionID, taskID string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO session_tasks(session_id,task_id) VALUES (?,?)`, sessionID, taskID)
	return storeErr("link session task", err)
}

func (r Repo) SessionTaskStatusCounts(ctx context.Context, tx *sql.Tx, sessionID string) (map[domain.TaskStatus]int, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT t.status, COUNT(*) FROM session_tasks st JOIN tasks t ON t.id=st.task_id WHERE st.session_id=? GROUP BY t.status`, sessionID)
	if err != nil {
		return nil, storeErr("session task counts", err)
	}
	defer rows.Close()
	res := map[domain.TaskStatus]int{}
	for rows.Next() {
		var status domain.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storeErr("session task counts", err)
		}
		res[status] = n
	}
	return res, storeErr("session task counts", rows.Err())
}

func (r Repo) CountSessions(ctx context.Context, status domain.SessionStatus) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM council_sessions WHERE status=?`, status).Scan(&n)
	return n, storeErr("count sessions", err)
}
