package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agentcouncil/internal/domain"
)

const proposalColumns = `id,agent_id,project_id,action_type,title,description,payload_json,status,requires_approval,urgency,created_at,decided_at,decided_by,expires_at`

type ProposalFilter struct {
	ProjectID string
	AgentID   string
	Status    domain.ProposalStatus
	Limit     int
}

func scanProposal(s scanner) (domain.Proposal, error) {
	var p domain.Proposal
	var project, desc, decidedAt, decidedBy, expiresAt sql.NullString
	var payload string
	var requires int
	if err := s.Scan(&p.ID, &p.AgentID, &project, &p.ActionType, &p.Title, &desc, &payload, &p.Status, &requires, &p.Urgency,
		&p.CreatedAt, &decidedAt, &decidedBy, &expiresAt); err != nil {
		return p, err
	}
	p.ProjectID = stringPtr(project)
	if desc.Valid {
		p.Description = desc.String
	}
	p.Payload = []byte(payload)
	p.RequiresApproval = requires != 0
	p.DecidedAt = stringPtr(decidedAt)
	p.DecidedBy = stringPtr(decidedBy)
	p.ExpiresAt = stringPtr(expiresAt)
	return p, nil
}

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO proposals(`+proposalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.AgentID, nullableStringPtr(p.ProjectID), p.ActionType, p.Title, nullable(p.Description), jsonOrEmpty(p.Payload), p.Status,
		boolToInt(p.RequiresApproval), p.Urgency, p.CreatedAt, nullableStringPtr(p.DecidedAt), nullableStringPtr(p.DecidedBy), nullableStringPtr(p.ExpiresAt))
	return storeErr("insert proposal", err)
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return r.getProposal(ctx, nil, id)
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	return r.getProposal(ctx, tx, id)
}

func (r Repo) getProposal(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	p, err := scanProposal(r.q(tx).QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id))
	if err != nil {
		return p, storeErr("get proposal", err)
	}
	votes, err := r.listProposalVotes(ctx, tx, id)
	if err != nil {
		return p, err
	}
	p.Votes = votes
	return p, nil
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilter) ([]domain.Proposal, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := fmt.Sprintf(`SELECT %s FROM proposals WHERE %s ORDER BY created_at ASC, id ASC`, proposalColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryProposals(ctx, nil, query, args...)
}

func (r Repo) queryProposals(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Proposal, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query proposals", err)
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, storeErr("scan proposal", err)
		}
		res = append(res, p)
	}
	return res, storeErr("query proposals", rows.Err())
}

// DecideProposal settles a pending, unexpired proposal. It reports false when
// the proposal was already decided or has expired.
func (r Repo) DecideProposal(ctx context.Context, tx *sql.Tx, id string, status domain.ProposalStatus, decidedBy, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE proposals SET status=?, decided_at=?, decided_by=?
WHERE id=? AND status='pending' AND (expires_at IS NULL OR expires_at>=?)`, status, now, nullable(decidedBy), id, now)
	if err != nil {
		return false, storeErr("decide proposal", err)
	}
	return affected(res), nil
}

// ExpireProposals marks every pending proposal past its expiry as expired and
// returns the ones it changed.
func (r Repo) ExpireProposals(ctx context.Context, tx *sql.Tx, now string) ([]domain.Proposal, error) {
	due, err := r.queryProposals(ctx, tx, `SELECT `+proposalColumns+` FROM proposals WHERE status='pending' AND expires_at IS NOT NULL AND expires_at<?`, now)
	if err != nil {
		return nil, err
	}
	var expired []domain.Proposal
	for _, p := range due {
		res, err := r.q(tx).ExecContext(ctx, `UPDATE proposals SET status='expired', decided_at=? WHERE id=? AND status='pending'`, now, p.ID)
		if err != nil {
			return nil, storeErr("expire proposal", err)
		}
		if affected(res) {
			p.Status = domain.ProposalExpired
			p.DecidedAt = &now
			expired = append(expired, p)
		}
	}
	return expired, nil
}

func (r Repo) UpsertProposalVote(ctx context.Context, tx *sql.Tx, v domain.ProposalVote) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO proposal_votes(proposal_id,agent_id,vote,reason,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(proposal_id,agent_id) DO UPDATE SET vote=excluded.vote, reason=excluded.reason, created_at=excluded.created_at`,
		v.ProposalID, v.AgentID, v.Vote, nullable(v.Reason), v.CreatedAt)
	return storeErr("upsert proposal vote", err)
}

func (r Repo) listProposalVotes(ctx context.Context, tx *sql.Tx, proposalID string) ([]domain.ProposalVote, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT proposal_id,agent_id,vote,reason,created_at FROM proposal_votes WHERE proposal_id=? ORDER BY created_at, agent_id`, proposalID)
	if err != nil {
		return nil, storeErr("list proposal votes", err)
	}
	defer rows.Close()
	var res []domain.ProposalVote
	for rows.Next() {
		var v domain.ProposalVote
		var reason sql.NullString
		if err := rows.Scan(&v.ProposalID, &v.AgentID, &v.Vote, &reason, &v.CreatedAt); err != nil {
			return nil, storeErr("scan proposal vote", err)
		}
		if reason.Valid {
			v.Reason = reason.String
		}
		res = append(res, v)
	}
	return res, storeErr("list proposal votes", rows.Err())
}

func (r Repo) CountProposals(ctx context.Context, status domain.ProposalStatus) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM proposals WHERE status=?`, status).Scan(&n)
	return n, storeErr("count proposals", err)
}
