package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agentcouncil/internal/bus"
	"agentcouncil/internal/db"
	"agentcouncil/internal/domain"
	"agentcouncil/internal/events"
	"agentcouncil/internal/repo"
)

// ResolveSignoff computes a signoff's status from its strictness, required
// agents and votes. Only pending signoffs are resolved; settled ones are
// returned unchanged.
//
//   - none: approved with no votes at all.
//   - advisory: settled by the first vote; any reject rejects it.
//   - required and blocking: approved once every required agent approved,
//     rejected as soon as one of them rejects.
func ResolveSignoff(s domain.Signoff) domain.SignoffStatus {
	if s.Status != "" && s.Status != domain.SignoffPending {
		return s.Status
	}
	switch s.Strictness {
	case domain.StrictnessNone:
		return domain.SignoffApproved
	case domain.StrictnessAdvisory:
		if len(s.Votes) == 0 {
			return domain.SignoffPending
		}
		for _, v := range s.Votes {
			if v == domain.VoteReject {
				return domain.SignoffRejected
			}
		}
		return domain.SignoffApproved
	}
	if len(s.RequiredAgents) == 0 {
		return domain.SignoffPending
	}
	approved := true
	for _, id := range s.RequiredAgents {
		switch s.Votes[id] {
		case domain.VoteReject:
			return domain.SignoffRejected
		case domain.VoteApprove:
		default:
			approved = false
		}
	}
	if approved {
		return domain.SignoffApproved
	}
	return domain.SignoffPending
}

// RequestSignoff opens a signoff on a change. Strictness comes from the
// request, else the project's phase override, else its default. Without an
// explicit list, every registered reviewer the project enables is required.
func (c *Council) RequestSignoff(ctx context.Context, req domain.SignoffRequest) (domain.Signoff, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return domain.Signoff{}, fmt.Errorf("project id is required")
	}
	if strings.TrimSpace(req.ChangeType) == "" {
		return domain.Signoff{}, fmt.Errorf("change type is required")
	}
	if strings.TrimSpace(req.Title) == "" {
		return domain.Signoff{}, fmt.Errorf("title is required")
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return domain.Signoff{}, fmt.Errorf("%w: signoff payload is not JSON", domain.ErrInvalidPayload)
	}
	policy, err := c.policy(ctx, req.ProjectID)
	if err != nil {
		return domain.Signoff{}, err
	}
	strictness := req.Strictness
	if strictness == "" {
		strictness = policy.StrictnessFor(req.Phase)
	}
	if !strictness.Valid() {
		return domain.Signoff{}, fmt.Errorf("invalid strictness %q", strictness)
	}
	required := dedupeSorted(req.RequiredAgents)
	if len(required) == 0 {
		required = c.reviewers(policy)
	}
	if len(required) == 0 && (strictness == domain.StrictnessRequired || strictness == domain.StrictnessBlocking) {
		return domain.Signoff{}, fmt.Errorf("%w: no reviewer available for a %s signoff", domain.ErrAgentNotFound, strictness)
	}

	now := c.now()
	s := domain.Signoff{
		ID:             uuid.NewString(),
		ProjectID:      req.ProjectID,
		ChangeType:     req.ChangeType,
		ChangeID:       domain.StringPtr(req.ChangeID),
		Phase:          domain.StringPtr(req.Phase),
		Title:          req.Title,
		Description:    req.Description,
		Payload:        req.Payload,
		RequiredAgents: required,
		Votes:          map[string]domain.Vote{},
		Status:         domain.SignoffPending,
		Strictness:     strictness,
		CreatedAt:      domain.FormatTime(now),
	}
	s.Status = ResolveSignoff(s)
	if s.Status != domain.SignoffPending {
		s.ResolvedAt = domain.TimePtr(now)
		s.ResolvedBy = domain.StringPtr(domain.CouncilAgentID)
	} else {
		ttl := req.TTL
		if ttl == 0 {
			ttl = c.Config.Council.SignoffTTL
		}
		if ttl > 0 {
			s.ExpiresAt = domain.TimePtr(now.Add(ttl))
		}
	}
	err = db.WithTx(ctx, c.DB, func(tx *sql.Tx) error {
		if err := c.Repo.InsertSignoff(ctx, tx, s); err != nil {
			return err
		}
		return c.logSignoff(ctx, tx, s, domain.CouncilAgentID, domain.EventSignoffRequested, "signoff requested: "+s.Title, nil)
	})
	if err != nil {
		return domain.Signoff{}, err
	}
	c.emitSignoff(ctx, domain.EventSignoffRequested, s, domain.CouncilAgentID, nil)
	if s.Status != domain.SignoffPending {
		c.emitSignoff(ctx, signoffEvent(s.Status), s, domain.CouncilAgentID, nil)
	}
	return s, nil
}

// reviewers returns the registered reviewer-house agents enabled by policy.
func (c *Council) reviewers(policy domain.ProjectCouncilConfig) []string {
	var ids []string
	for _, a := range c.Registry.List() {
		if a.House() == domain.HouseReviewer && policy.AgentEnabled(a.ID()) {
			ids = append(ids, a.ID())
		}
	}
	return ids
}

// RecordVote merges an agent's vote into a pending signoff and resolves it
// when the vote settles it.
func (c *Council) RecordVote(ctx context.Context, signoffID, agentID string, vote domain.Vote, reason string) (domain.Signoff, error) {
	ctx, span := c.tracer.Start(ctx, "council.signoff.resolve", trace.WithAttributes(
		attribute.String("signoff.id", signoffID),
		attribute.String("agent.id", agentID),
		attribute.String("signoff.vote", string(vote)),
	))
	defer span.End()

	if !vote.Valid() {
		err := fmt.Errorf("invalid vote %q", vote)
		span.SetStatus(codes.Error, err.Error())
		return domain.Signoff{}, err
	}
	if strings.TrimSpace(agentID) == "" {
		return domain.Signoff{}, fmt.Errorf("agent id is required")
	}
	var out domain.Signoff
	err := db.WithTx(ctx, c.DB, func(tx *sql.Tx) error {
		s, err := c.Repo.GetSignoffTx(ctx, tx, signoffID)
		if err != nil {
			return err
		}
		now := c.now()
		if s.Status != domain.SignoffPending {
			return fmt.Errorf("%w: %s is %s", domain.ErrSignoffClosed, s.ID, s.Status)
		}
		if s.ExpiresAt != nil && *s.ExpiresAt < domain.FormatTime(now) {
			return fmt.Errorf("%w: %s expired", domain.ErrSignoffClosed, s.ID)
		}
		if s.Votes == nil {
			s.Votes = map[string]domain.Vote{}
		}
		s.Votes[agentID] = vote
		s.Status = ResolveSignoff(s)
		if s.Status != domain.SignoffPending {
			s.ResolvedAt = domain.TimePtr(now)
			s.ResolvedBy = domain.StringPtr(agentID)
		}
		ok, err := c.Repo.UpdatePendingSignoff(ctx, tx, s)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrSignoffClosed, s.ID)
		}
		if err := c.logSignoff(ctx, tx, s, agentID, domain.EventSignoffVoted, "signoff vote: "+string(vote), events.EventPayload{"vote": vote, "reason": reason}); err != nil {
			return err
		}
		if s.Status != domain.SignoffPending {
			if err := c.logSignoff(ctx, tx, s, agentID, signoffEvent(s.Status), "signoff "+string(s.Status), nil); err != nil {
				return err
			}
		}
		out = s
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Signoff{}, err
	}
	span.SetAttributes(attribute.String("signoff.status", string(out.Status)))
	c.emitSignoff(ctx, domain.EventSignoffVoted, out, agentID, map[string]any{"vote": vote, "reason": reason})
	if out.Status != domain.SignoffPending {
		c.emitSignoff(ctx, signoffEvent(out.Status), out, agentID, nil)
	}
	return out, nil
}

func (c *Council) GetSignoff(ctx context.Context, id string) (domain.Signoff, error) {
	return c.Repo.GetSignoff(ctx, id)
}

func (c *Council) GetPendingSignoffs(ctx context.Context, projectID string) ([]domain.Signoff, error) {
	return c.Repo.ListSignoffs(ctx, repo.SignoffFilter{ProjectID: projectID, Status: domain.SignoffPending})
}

func (c *Council) ListSignoffs(ctx context.Context, f repo.SignoffFilter) ([]domain.Signoff, error) {
	return c.Repo.ListSignoffs(ctx, f)
}

// CheckSignoff reports a signoff's outcome as an error: nil once approved,
// ErrSignoffNotResolved while pending, ErrSignoffRejected when rejected or
// expired.
func (c *Council) CheckSignoff(ctx context.Context, id string) (domain.Signoff, error) {
	s, err := c.Repo.GetSignoff(ctx, id)
	if err != nil {
		return s, err
	}
	return s, signoffOutcome(s)
}

func signoffOutcome(s domain.Signoff) error {
	switch s.Status {
	case domain.SignoffApproved:
		return nil
	case domain.SignoffPending:
		return fmt.Errorf("%w: %s", domain.ErrSignoffNotResolved, s.ID)
	case domain.SignoffExpired:
		return fmt.Errorf("%w: %s expired", domain.ErrSignoffRejected, s.ID)
	}
	return fmt.Errorf("%w: %s", domain.ErrSignoffRejected, s.ID)
}

// AwaitSignoff blocks until the signoff leaves pending or ctx ends. The
// returned error follows CheckSignoff.
func (c *Council) AwaitSignoff(ctx context.Context, id string) (domain.Signoff, error) {
	changed := make(chan struct{}, 1)
	unsub := c.Bus.Subscribe(eventTopicPrefix+"signoff:*", func(_ context.Context, msg bus.Message) error {
		var evt domain.CouncilEvent
		if err := msg.Decode(&evt); err != nil {
			return err
		}
		if evt.EntityID == id {
			select {
			case changed <- struct{}{}:
			default:
			}
		}
		return nil
	})
	defer unsub()
	for {
		s, err := c.Repo.GetSignoff(ctx, id)
		if err != nil {
			return s, err
		}
		if s.Status != domain.SignoffPending {
			return s, signoffOutcome(s)
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-changed:
		case <-time.After(time.Second):
		}
	}
}

// MayProceed reports whether the change behind a signoff may go ahead.
// none and advisory never hold a change back. required holds it back once
// rejected or expired, blocking until approved.
func (c *Council) MayProceed(ctx context.Context, id string) (bool, error) {
	s, err := c.Repo.GetSignoff(ctx, id)
	if err != nil {
		return false, err
	}
	return mayProceed(s), nil
}

func mayProceed(s domain.Signoff) bool {
	switch s.Strictness {
	case domain.StrictnessNone, domain.StrictnessAdvisory:
		return true
	case domain.StrictnessRequired:
		return s.Status != domain.SignoffRejected && s.Status != domain.SignoffExpired
	}
	return s.Status == domain.SignoffApproved
}

func signoffEvent(status domain.SignoffStatus) string {
	switch status {
	case domain.SignoffApproved:
		return domain.EventSignoffApproved
	case domain.SignoffRejected:
		return domain.EventSignoffRejected
	case domain.SignoffExpired:
		return domain.EventSignoffExpired
	}
	return domain.EventSignoffVoted
}

func dedupeSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Council) logSignoff(ctx context.Context, tx *sql.Tx, s domain.Signoff, agentID, event, message string, extra events.EventPayload) error {
	payload := events.EventPayload{
		"event":       event,
		"signoff_id":  s.ID,
		"change_type": s.ChangeType,
		"strictness":  s.Strictness,
		"status":      s.Status,
	}
	for k, v := range extra {
		payload[k] = v
	}
	_, err := c.Events.Append(ctx, tx, domain.LogSignoff, s.ProjectID, agentID, message, payload)
	return err
}

func (c *Council) emitSignoff(ctx context.Context, event string, s domain.Signoff, agentID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = s.Status
	data["strictness"] = s.Strictness
	data["change_type"] = s.ChangeType
	data["required_agents"] = s.RequiredAgents
	c.emit(ctx, domain.CouncilEvent{
		Type:      event,
		ProjectID: s.ProjectID,
		EntityID:  s.ID,
		AgentID:   agentID,
		Data:      encodeData(data),
	})
}
