package domain

import (
	"encoding/json"
	"time"
)

// ProposalInput is what an agent submits to ask for an action.
type ProposalInput struct {
	AgentID          string          `json:"agent_id"`
	ProjectID        string          `json:"project_id,omitempty"`
	ActionType       string          `json:"action_type"`
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	RequiresApproval *bool           `json:"requires_approval,omitempty"`
	Urgency          Urgency         `json:"urgency,omitempty"`
	// TTL overrides the configured proposal lifetime. Negative means no expiry.
	TTL time.Duration `json:"ttl,omitempty"`
}

// SignoffRequest opens a signoff on a structural change.
type SignoffRequest struct {
	ProjectID      string          `json:"project_id"`
	ChangeType     string          `json:"change_type"`
	ChangeID       string          `json:"change_id,omitempty"`
	Phase          string          `json:"phase,omitempty"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	RequiredAgents []string        `json:"required_agents,omitempty"`
	// Strictness overrides the project policy when set.
	Strictness Strictness    `json:"strictness,omitempty"`
	TTL        time.Duration `json:"ttl,omitempty"`
}
