package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"agentcouncil/internal/db"
	"agentcouncil/internal/domain"
	"agentcouncil/internal/events"
	"agentcouncil/internal/repo"
)

// CreateProposal records an agent's request to act. Proposals that do not
// need approval, or whose action the project auto-approves, are stored with
// status auto and need no decision.
func (c *Council) CreateProposal(ctx context.Context, in domain.ProposalInput) (domain.Proposal, error) {
	if strings.TrimSpace(in.AgentID) == "" {
		return domain.Proposal{}, fmt.Errorf("agent id is required")
	}
	if strings.TrimSpace(in.ActionType) == "" {
		return domain.Proposal{}, fmt.Errorf("action type is required")
	}
	if strings.TrimSpace(in.Title) == "" {
		return domain.Proposal{}, fmt.Errorf("title is required")
	}
	if in.Urgency == "" {
		in.Urgency = domain.UrgencyNormal
	}
	if !in.Urgency.Valid() {
		return domain.Proposal{}, fmt.Errorf("invalid urgency %q", in.Urgency)
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return domain.Proposal{}, fmt.Errorf("%w: proposal payload is not JSON", domain.ErrInvalidPayload)
	}
	policy, err := c.policy(ctx, in.ProjectID)
	if err != nil {
		return domain.Proposal{}, err
	}
	now := c.now()
	p := domain.Proposal{
		ID:               uuid.NewString(),
		AgentID:          in.AgentID,
		ProjectID:        domain.StringPtr(in.ProjectID),
		ActionType:       in.ActionType,
		Title:            in.Title,
		Description:      in.Description,
		Payload:          in.Payload,
		Status:           domain.ProposalPending,
		RequiresApproval: true,
		Urgency:          in.Urgency,
		CreatedAt:        domain.FormatTime(now),
	}
	if in.RequiresApproval != nil {
		p.RequiresApproval = *in.RequiresApproval
	}
	if !p.RequiresApproval || policy.AutoApprove[in.ActionType] {
		p.Status = domain.ProposalAuto
		p.DecidedAt = domain.TimePtr(now)
		p.DecidedBy = domain.StringPtr(domain.CouncilAgentID)
	} else {
		ttl := in.TTL
		if ttl == 0 {
			ttl = c.Config.Council.ProposalTTL
		}
		if ttl > 0 {
			p.ExpiresAt = domain.TimePtr(now.Add(ttl))
		}
	}
	err = db.WithTx(ctx, c.DB, func(tx *sql.Tx) error {
		if err := c.Repo.InsertProposal(ctx, tx, p); err != nil {
			return err
		}
		return c.logProposal(ctx, tx, p, p.AgentID, domain.EventProposalCreated, "proposal created: "+p.Title, nil)
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	c.emitProposal(ctx, domain.EventProposalCreated, p, p.AgentID, nil)
	return p, nil
}

func (c *Council) ApproveProposal(ctx context.Context, id, decidedBy string) (domain.Proposal, error) {
	return c.decideProposal(ctx, id, domain.ProposalApproved, decidedBy, "")
}

func (c *Council) RejectProposal(ctx context.Context, id, decidedBy, reason string) (domain.Proposal, error) {
	return c.decideProposal(ctx, id, domain.ProposalRejected, decidedBy, reason)
}

func (c *Council) decideProposal(ctx context.Context, id string, status domain.ProposalStatus, decidedBy, reason string) (domain.Proposal, error) {
	if decidedBy == "" {
		decidedBy = "human"
	}
	var out domain.Proposal
	err := db.WithTx(ctx, c.DB, func(tx *sql.Tx) error {
		p, err := c.decideTx(ctx, tx, id, status, decidedBy)
		if err != nil {
			return err
		}
		out = p
		return c.logProposal(ctx, tx, p, decidedBy, proposalEvent(status), "proposal "+string(status), events.EventPayload{"reason": reason})
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	c.emitProposal(ctx, proposalEvent(status), out, decidedBy, map[string]any{"reason": reason})
	return out, nil
}

// decideTx settles a pending proposal or explains why it cannot be.
func (c *Council) decideTx(ctx context.Context, tx *sql.Tx, id string, status domain.ProposalStatus, decidedBy string) (domain.Proposal, error) {
	now := domain.FormatTime(c.now())
	ok, err := c.Repo.DecideProposal(ctx, tx, id, status, decidedBy, now)
	if err != nil {
		return domain.Proposal{}, err
	}
	p, err := c.Repo.GetProposalTx(ctx, tx, id)
	if err != nil {
		return domain.Proposal{}, err
	}
	if !ok {
		return p, closedProposalErr(p, now)
	}
	return p, nil
}

func closedProposalErr(p domain.Proposal, now string) error {
	if p.Status == domain.ProposalExpired || (p.Status == domain.ProposalPending && p.ExpiresAt != nil && *p.ExpiresAt < now) {
		return fmt.Errorf("%w: %s", domain.ErrProposalExpired, p.ID)
	}
	return fmt.Errorf("%w: %s is %s", domain.ErrProposalClosed, p.ID, p.Status)
}

// VoteProposal records an agent's vote. With a project quorum configured,
// the proposal is decided once approvals or rejections reach it; without
// one the vote is advisory and a human decides.
func (c *Council) VoteProposal(ctx context.Context, id, agentID string, vote domain.Vote, reason string) (domain.Proposal, error) {
	if !vote.Valid() {
		return domain.Proposal{}, fmt.Errorf("invalid vote %q", vote)
	}
	var out domain.Proposal
	var decided domain.ProposalStatus
	err := db.WithTx(ctx, c.DB, func(tx *sql.Tx) error {
		decided = ""
		p, err := c.Repo.GetProposalTx(ctx, tx, id)
		if err != nil {
			return err
		}
		now := domain.FormatTime(c.now())
		if p.Status != domain.ProposalPending || (p.ExpiresAt != nil && *p.ExpiresAt < now) {
			return closedProposalErr(p, now)
		}
		if err := c.Repo.UpsertProposalVote(ctx, tx, domain.ProposalVote{
			ProposalID: id, AgentID: agentID, Vote: vote, Reason: reason, CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := c.logProposal(ctx, tx, p, agentID, domain.EventProposalVoted, "proposal vote: "+string(vote), events.EventPayload{"vote": vote, "reason": reason}); err != nil {
			return err
		}
		p, err = c.Repo.GetProposalTx(ctx, tx, id)
		if err != nil {
			return err
		}
		policy, err := c.policy(ctx, domain.Deref(p.ProjectID))
		if err != nil {
			return err
		}
		if q := policy.ProposalQuorum; q > 0 {
			var approvals, rejections int
			for _, v := range p.Votes {
				switch v.Vote {
				case domain.VoteApprove:
					approvals++
				case domain.VoteReject:
					rejections++
				}
			}
			switch {
			case rejections >= q:
				decided = domain.ProposalRejected
			case approvals >= q:
				decided = domain.ProposalApproved
			}
		}
		if decided != "" {
			if p, err = c.decideTx(ctx, tx, id, decided, "quorum"); err != nil {
				return err
			}
			if err := c.logProposal(ctx, tx, p, domain.CouncilAgentID, proposalEvent(decided), "proposal "+string(decided)+" by quorum", nil); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	c.emitProposal(ctx, domain.EventProposalVoted, out, agentID, map[string]any{"vote": vote})
	if decided != "" {
		c.emitProposal(ctx, proposalEvent(decided), out, "quorum", nil)
	}
	return out, nil
}

func (c *Council) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return c.Repo.GetProposal(ctx, id)
}

func (c *Council) GetPendingProposals(ctx context.Context, projectID string) ([]domain.Proposal, error) {
	return c.Repo.ListProposals(ctx, repo.ProposalFilter{ProjectID: projectID, Status: domain.ProposalPending})
}

func (c *Council) ListProposals(ctx context.Context, f repo.ProposalFilter) ([]domain.Proposal, error) {
	return c.Repo.ListProposals(ctx, f)
}

// SweepExpired expires pending proposals and signoffs past their expiry.
// Running it twice is harmless.
func (c *Council) SweepExpired(ctx context.Context) ([]domain.Proposal, []domain.Signoff, error) {
	var proposals []domain.Proposal
	var signoffs []domain.Signoff
	err := db.WithTx(ctx, c.DB, func(tx *sql.Tx) error {
		now := domain.FormatTime(c.now())
		var err error
		if proposals, err = c.Repo.ExpireProposals(ctx, tx, now); err != nil {
			return err
		}
		for _, p := range proposals {
			if err := c.logProposal(ctx, tx, p, domain.CouncilAgentID, domain.EventProposalExpired, "proposal expired: "+p.Title, nil); err != nil {
				return err
			}
		}
		if signoffs, err = c.Repo.ExpireSignoffs(ctx, tx, now); err != nil {
			return err
		}
		for _, s := range signoffs {
			if err := c.logSignoff(ctx, tx, s, domain.CouncilAgentID, domain.EventSignoffExpired, "signoff expired: "+s.Title, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	for _, p := range proposals {
		c.emitProposal(ctx, domain.EventProposalExpired, p, domain.CouncilAgentID, nil)
	}
	for _, s := range signoffs {
		c.emitSignoff(ctx, domain.EventSignoffExpired, s, domain.CouncilAgentID, nil)
	}
	return proposals, signoffs, nil
}

func proposalEvent(status domain.ProposalStatus) string {
	switch status {
	case domain.ProposalApproved:
		return domain.EventProposalApproved
	case domain.ProposalRejected:
		return domain.EventProposalRejected
	case domain.ProposalExpired:
		return domain.EventProposalExpired
	}
	return domain.EventProposalCreated
}

func (c *Council) logProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal, agentID, event, message string, extra events.EventPayload) error {
	payload := events.EventPayload{
		"event":       event,
		"proposal_id": p.ID,
		"action_type": p.ActionType,
		"status":      p.Status,
		"urgency":     p.Urgency,
	}
	for k, v := range extra {
		payload[k] = v
	}
	_, err := c.Events.Append(ctx, tx, domain.LogProposal, domain.Deref(p.ProjectID), agentID, message, payload)
	return err
}

func (c *Council) emitProposal(ctx context.Context, event string, p domain.Proposal, agentID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = p.Status
	data["action_type"] = p.ActionType
	data["title"] = p.Title
	c.emit(ctx, domain.CouncilEvent{
		Type:      event,
		ProjectID: domain.Deref(p.ProjectID),
		EntityID:  p.ID,
		AgentID:   agentID,
		Data:      encodeData(data),
	})
}
