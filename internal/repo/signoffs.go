package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"agentcouncil/internal/domain"
)

const signoffColumns = `id,project_id,change_type,change_id,phase,title,description,payload_json,required_agents_json,votes_json,status,strictness,created_at,resolved_at,resolved_by,expires_at`

type SignoffFilter struct {
	ProjectID  string
	Status     domain.SignoffStatus
	ChangeType string
	ChangeID   string
	Limit      int
}

func scanSignoff(s scanner) (domain.Signoff, error) {
	var so domain.Signoff
	var changeID, phase, desc, resolvedAt, resolvedBy, expiresAt sql.NullString
	var payload, required, votes string
	if err := s.Scan(&so.ID, &so.ProjectID, &so.ChangeType, &changeID, &phase, &so.Title, &desc, &payload, &required, &votes,
		&so.Status, &so.Strictness, &so.CreatedAt, &resolvedAt, &resolvedBy, &expiresAt); err != nil {
		return so, err
	}
	so.ChangeID = stringPtr(changeID)
	so.Phase = stringPtr(phase)
	if desc.Valid {
		so.Description = desc.String
	}
	so.Payload = []byte(payload)
	if err := json.Unmarshal([]byte(required), &so.RequiredAgents); err != nil {
		return so, fmt.Errorf("decode required agents: %w", err)
	}
	so.Votes = map[string]domain.Vote{}
	if err := json.Unmarshal([]byte(votes), &so.Votes); err != nil {
		return so, fmt.Errorf("decode votes: %w", err)
	}
	so.ResolvedAt = stringPtr(resolvedAt)
	so.ResolvedBy = stringPtr(resolvedBy)
	so.ExpiresAt = stringPtr(expiresAt)
	return so, nil
}

func encodeSignoffSets(s domain.Signoff) (string, string, error) {
	required := s.RequiredAgents
	if required == nil {
		required = []string{}
	}
	votes := s.Votes
	if votes == nil {
		votes = map[string]domain.Vote{}
	}
	reqJSON, err := json.Marshal(required)
	if err != nil {
		return "", "", err
	}
	votesJSON, err := json.Marshal(votes)
	if err != nil {
		return "", "", err
	}
	return string(reqJSON), string(votesJSON), nil
}

func (r Repo) InsertSignoff(ctx context.Context, tx *sql.Tx, s domain.Signoff) error {
	required, votes, err := encodeSignoffSets(s)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO signoffs(`+signoffColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.ChangeType, nullableStringPtr(s.ChangeID), nullableStringPtr(s.Phase), s.Title, nullable(s.Description),
		jsonOrEmpty(s.Payload), required, votes, s.Status, s.Strictness, s.CreatedAt,
		nullableStringPtr(s.ResolvedAt), nullableStringPtr(s.ResolvedBy), nullableStringPtr(s.ExpiresAt))
	return storeErr("insert signoff", err)
}

func (r Repo) GetSignoff(ctx context.Context, id string) (domain.Signoff, error) {
	s, err := scanSignoff(r.DB.QueryRowContext(ctx, `SELECT `+signoffColumns+` FROM signoffs WHERE id=?`, id))
	return s, storeErr("get signoff", err)
}

func (r Repo) GetSignoffTx(ctx context.Context, tx *sql.Tx, id string) (domain.Signoff, error) {
	s, err := scanSignoff(r.q(tx).QueryRowContext(ctx, `SELECT `+signoffColumns+` FROM signoffs WHERE id=?`, id))
	return s, storeErr("get signoff", err)
}

func (r Repo) ListSignoffs(ctx context.Context, f SignoffFilter) ([]domain.Signoff, error) {
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
	if f.ChangeType != "" {
		clauses = append(clauses, "change_type=?")
		args = append(args, f.ChangeType)
	}
	if f.ChangeID != "" {
		clauses = append(clauses, "change_id=?")
		args = append(args, f.ChangeID)
	}
	query := fmt.Sprintf(`SELECT %s FROM signoffs WHERE %s ORDER BY created_at ASC, id ASC`, signoffColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.querySignoffs(ctx, nil, query, args...)
}

func (r Repo) querySignoffs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Signoff, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query signoffs", err)
	}
	defer rows.Close()
	var res []domain.Signoff
	for rows.Next() {
		s, err := scanSignoff(rows)
		if err != nil {
			return nil, storeErr("scan signoff", err)
		}
		res = append(res, s)
	}
	return res, storeErr("query signoffs", rows.Err())
}

// UpdatePendingSignoff writes votes and resolution for a signoff that is still
// pending. It reports false when someone else resolved it first.
func (r Repo) UpdatePendingSignoff(ctx context.Context, tx *sql.Tx, s domain.Signoff) (bool, error) {
	_, votes, err := encodeSignoffSets(s)
	if err != nil {
		return false, err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE signoffs SET votes_json=?, status=?, resolved_at=?, resolved_by=? WHERE id=? AND status='pending'`,
		votes, s.Status, nullableStringPtr(s.ResolvedAt), nullableStringPtr(s.ResolvedBy), s.ID)
	if err != nil {
		return false, storeErr("update signoff", err)
	}
	return affected(res), nil
}

// ExpireSignoffs marks pending signoffs past their expiry as expired.
func (r Repo) ExpireSignoffs(ctx context.Context, tx *sql.Tx, now string) ([]domain.Signoff, error) {
	due, err := r.querySignoffs(ctx, tx, `SELECT `+signoffColumns+` FROM signoffs WHERE status='pending' AND expires_at IS NOT NULL AND expires_at<?`, now)
	if err != nil {
		return nil, err
	}
	var expired []domain.Signoff
	for _, s := range due {
		res, err := r.q(tx).ExecContext(ctx, `UPDATE signoffs SET status='expired', resolved_at=? WHERE id=? AND status='pending'`, now, s.ID)
		if err != nil {
			return nil, storeErr("expire signoff", err)
		}
		if affected(res) {
			s.Status = domain.SignoffExpired
			s.ResolvedAt = &now
			expired = append(expired, s)
		}
	}
	return expired, nil
}

func (r Repo) CountSignoffs(ctx context.Context, status domain.SignoffStatus) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM signoffs WHERE status=?`, status).Scan(&n)
	return n, storeErr("count signoffs", err)
}
