package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agentcouncil/internal/domain"
)

const taskColumns = `id,type,target_agent,claimed_by,project_id,payload_json,status,priority,created_at,assigned_at,started_at,completed_at,available_at,result_json,error,retries,max_retries,timeout_ms`

type TaskFilter struct {
	ProjectID   string
	Status      domain.TaskStatus
	TargetAgent string
	Type        string
	SessionID   string
	Limit       int
}

// ReadyFilter selects the next dispatchable task for an agent.
type ReadyFilter struct {
	AgentID      string
	Capabilities []string
	ProjectID    string
	Now          string
}

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	var target, claimedBy, project, assignedAt, startedAt, completedAt, availableAt, result, errMsg sql.NullString
	var payload string
	if err := s.Scan(&t.ID, &t.Type, &target, &claimedBy, &project, &payload, &t.Status, &t.Priority, &t.CreatedAt,
		&assignedAt, &startedAt, &completedAt, &availableAt, &result, &errMsg, &t.Retries, &t.MaxRetries, &t.TimeoutMs); err != nil {
		return t, err
	}
	t.TargetAgent = stringPtr(target)
	t.ClaimedBy = stringPtr(claimedBy)
	if project.Valid {
		t.ProjectID = project.String
	}
	t.Payload = []byte(payload)
	t.AssignedAt = stringPtr(assignedAt)
	t.StartedAt = stringPtr(startedAt)
	t.CompletedAt = stringPtr(completedAt)
	t.AvailableAt = stringPtr(availableAt)
	t.Result = rawJSON(result)
	t.Error = stringPtr(errMsg)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Type, nullableStringPtr(t.TargetAgent), nullableStringPtr(t.ClaimedBy), nullable(t.ProjectID), jsonOrEmpty(t.Payload), t.Status, t.Priority, t.CreatedAt,
		nullableStringPtr(t.AssignedAt), nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), nullableStringPtr(t.AvailableAt),
		nullableJSON(t.Result), nullableStringPtr(t.Error), t.Retries, t.MaxRetries, t.TimeoutMs)
	return storeErr("insert task", err)
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.getTask(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return r.getTask(ctx, tx, id)
}

func (r Repo) getTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, storeErr("get task", err)
	}
	deps, err := r.listDependencies(ctx, tx, id)
	if err != nil {
		return t, err
	}
	t.DependsOn = deps
	return t, nil
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
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
	if f.TargetAgent != "" {
		clauses = append(clauses, "target_agent=?")
		args = append(args, f.TargetAgent)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "id IN (SELECT task_id FROM session_tasks WHERE session_id=?)")
		args = append(args, f.SessionID)
	}
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY created_at ASC, rowid ASC`, taskColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryTasks(ctx, nil, query, args...)
}

// ListTasksByStatus is used by the watchdog and does not load dependencies.
func (r Repo) ListTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]domain.Task, error) {
	return r.queryTasks(ctx, nil, `SELECT `+taskColumns+` FROM tasks WHERE status=? ORDER BY created_at ASC, rowid ASC`, status)
}

func (r Repo) queryTasks(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query tasks", err)
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storeErr("scan task", err)
		}
		res = append(res, t)
	}
	return res, storeErr("query tasks", rows.Err())
}

// NextReadyTask returns the highest priority pending task whose dependencies
// are all completed, oldest first among equal priorities.
func (r Repo) NextReadyTask(ctx context.Context, f ReadyFilter) (domain.Task, error) {
	clauses := []string{"status='pending'", "(available_at IS NULL OR available_at<=?)"}
	args := []any{f.Now}
	if f.AgentID != "" {
		if len(f.Capabilities) > 0 {
			clauses = append(clauses, fmt.Sprintf("(target_agent=? OR (target_agent IS NULL AND type IN (%s)))", placeholders(len(f.Capabilities))))
			args = append(args, f.AgentID)
			for _, c := range f.Capabilities {
				args = append(args, c)
			}
		} else {
			clauses = append(clauses, "target_agent=?")
			args = append(args, f.AgentID)
		}
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	clauses = append(clauses, `NOT EXISTS (
		SELECT 1 FROM task_dependencies d
		JOIN tasks dep ON dep.id=d.depends_on_task_id
		WHERE d.task_id=tasks.id AND dep.status != 'completed'
	)`)
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY priority DESC, created_at ASC, rowid ASC LIMIT 1`,
		taskColumns, strings.Join(clauses, " AND "))
	t, err := scanTask(r.DB.QueryRowContext(ctx, query, args...))
	if err != nil {
		return t, storeErr("next ready task", err)
	}
	deps, err := r.listDependencies(ctx, nil, t.ID)
	if err != nil {
		return t, err
	}
	t.DependsOn = deps
	return t, nil
}

// ClaimTask moves a pending task to assigned. It reports false when another
// caller won the race or the task was no longer pending.
func (r Repo) ClaimTask(ctx context.Context, id, agentID, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status='assigned', claimed_by=?, assigned_at=?
WHERE id=? AND status='pending' AND (target_agent IS NULL OR target_agent=?)`, agentID, now, id, agentID)
	if err != nil {
		return false, storeErr("claim task", err)
	}
	return affected(res), nil
}

func (r Repo) StartTask(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status='running', started_at=? WHERE id=? AND status='assigned'`, now, id)
	if err != nil {
		return false, storeErr("start task", err)
	}
	return affected(res), nil
}

func (r Repo) CompleteTask(ctx context.Context, tx *sql.Tx, id string, result []byte, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status='completed', result_json=?, error=NULL, completed_at=? WHERE id=? AND status='running'`,
		nullableJSON(result), now, id)
	if err != nil {
		return false, storeErr("complete task", err)
	}
	return affected(res), nil
}

// RequeueTask returns an in-flight task to pending after a failed attempt.
func (r Repo) RequeueTask(ctx context.Context, tx *sql.Tx, id string, retries int, availableAt, errMsg string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status='pending', retries=?, available_at=?, error=?, claimed_by=NULL, assigned_at=NULL, started_at=NULL
WHERE id=? AND status IN ('assigned','running')`, retries, nullable(availableAt), nullable(errMsg), id)
	if err != nil {
		return false, storeErr("requeue task", err)
	}
	return affected(res), nil
}

func (r Repo) FailTask(ctx context.Context, tx *sql.Tx, id, errMsg, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status='failed', error=?, completed_at=? WHERE id=? AND status IN ('assigned','running')`,
		nullable(errMsg), now, id)
	if err != nil {
		return false, storeErr("fail task", err)
	}
	return affected(res), nil
}

// ReleaseTask returns an in-flight task to pending without consuming a retry.
func (r Repo) ReleaseTask(ctx context.Context, tx *sql.Tx, id, reason string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status='pending', error=?, claimed_by=NULL, assigned_at=NULL, started_at=NULL
WHERE id=? AND status IN ('assigned','running')`, nullable(reason), id)
	if err != nil {
		return false, storeErr("release task", err)
	}
	return affected(res), nil
}

func (r Repo) CancelTask(ctx context.Context, tx *sql.Tx, id, reason, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status='cancelled', error=?, completed_at=?
WHERE id=? AND status IN ('pending','assigned','running')`, nullable(reason), now, id)
	if err != nil {
		return false, storeErr("cancel task", err)
	}
	return affected(res), nil
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, dep := range deps {
		if _, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO task_dependencies(task_id,depends_on_task_id) VALUES (?,?)`, taskID, dep); err != nil {
			return storeErr("add dependency", err)
		}
	}
	return nil
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	return r.listDependencies(ctx, nil, taskID)
}

func (r Repo) ListTaskDependenciesTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	return r.listDependencies(ctx, tx, taskID)
}

func (r Repo) listDependencies(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	return r.queryIDs(ctx, tx, `SELECT depends_on_task_id FROM task_dependencies WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
}

// ListDependentsTx returns tasks that directly depend on taskID.
func (r Repo) ListDependentsTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	return r.queryIDs(ctx, tx, `SELECT task_id FROM task_dependencies WHERE depends_on_task_id=? ORDER BY task_id`, taskID)
}

func (r Repo) queryIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query ids", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan id", err)
		}
		ids = append(ids, id)
	}
	return ids, storeErr("query ids", rows.Err())
}

// MissingTasksTx reports which of ids do not exist.
func (r Repo) MissingTasksTx(ctx context.Context, tx *sql.Tx, ids []string) ([]string, error) {
	var missing []string
	for _, id := range ids {
		var one int
		err := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, id).Scan(&one)
		if err == sql.ErrNoRows {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, storeErr("task exists", err)
		}
	}
	return missing, nil
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[domain.TaskStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM tasks`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("count tasks", err)
	}
	defer rows.Close()
	res := map[domain.TaskStatus]int{}
	for rows.Next() {
		var status domain.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storeErr("count tasks", err)
		}
		res[status] = n
	}
	return res, storeErr("count tasks", rows.Err())
}
