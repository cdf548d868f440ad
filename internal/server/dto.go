package server

import (
	"encoding/json"
	"net/http"

	"agentcouncil/internal/domain"
	"agentcouncil/internal/orchestrator"
)

// Request payloads

type StartSessionRequest struct {
	ProjectID string `json:"project_id,omitempty"`
}

type EndSessionRequest struct {
	Summary string `json:"summary,omitempty"`
}

type AssignTaskRequest struct {
	ID          string         `json:"id,omitempty"`
	Type        string         `json:"type"`
	TargetAgent string         `json:"target_agent,omitempty"`
	ProjectID   string         `json:"project_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	MaxRetries  *int           `json:"max_retries,omitempty" minimum:"0"`
	TimeoutMs   int64          `json:"timeout_ms,omitempty" minimum:"0"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateProposalRequest struct {
	ProjectID        string         `json:"project_id,omitempty"`
	ActionType       string         `json:"action_type"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	RequiresApproval *bool          `json:"requires_approval,omitempty"`
	Urgency          string         `json:"urgency,omitempty" enum:"low,normal,high,critical"`
	// TTLSeconds below zero disables expiry.
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
}

type VoteRequest struct {
	Vote   string `json:"vote" enum:"approve,reject,abstain"`
	Reason string `json:"reason,omitempty"`
}

type SignoffRequestBody struct {
	ProjectID      string         `json:"project_id"`
	ChangeType     string         `json:"change_type"`
	ChangeID       string         `json:"change_id,omitempty"`
	Phase          string         `json:"phase,omitempty"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	RequiredAgents []string       `json:"required_agents,omitempty"`
	Strictness     string         `json:"strictness,omitempty" enum:"none,advisory,required,blocking"`
	TTLSeconds     int64          `json:"ttl_seconds,omitempty" minimum:"0"`
}

// Responses

type MeResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

type AssignTaskResponse struct {
	TaskID string `json:"task_id"`
	// Warning is set when the task was queued for an agent that is not
	// registered yet.
	Warning string `json:"warning,omitempty"`
}

type CancelTaskResponse struct {
	Cancelled []domain.Task `json:"cancelled"`
}

type ActiveSessionResponse struct {
	Active  bool                   `json:"active"`
	Session *domain.CouncilSession `json:"session,omitempty"`
}

type SignoffGateResponse struct {
	SignoffID  string               `json:"signoff_id"`
	Status     domain.SignoffStatus `json:"status"`
	Strictness domain.Strictness    `json:"strictness"`
	MayProceed bool                 `json:"may_proceed"`
}

type HealthResponse struct {
	Agents []domain.AgentHealth `json:"agents"`
}

type LogPage struct {
	Items      []domain.AgentLogEntry `json:"items"`
	NextCursor int64                  `json:"next_cursor,omitempty"`
}

type SessionReplayResponse = orchestrator.SessionReplay

func rawPayload(field string, m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid "+field, map[string]any{"error": err.Error()})
	}
	return b, nil
}
