package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agentcouncil/internal/domain"
	"agentcouncil/internal/repo"
)

// Writer appends audit rows to agent_log inside the caller's transaction.
type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

type EventPayload map[string]any

// Append writes one agent_log row. A council event name travels in the
// metadata under "event" so webhook consumers can filter on it.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType domain.LogEventType, projectID, agentID, message string, payload EventPayload) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if agentID == "" {
		agentID = domain.CouncilAgentID
	}
	var meta json.RawMessage
	if len(payload) > 0 {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		meta = data
	}
	return w.Repo.InsertLog(ctx, tx, domain.AgentLogEntry{
		AgentID:   agentID,
		EventType: evtType,
		ProjectID: domain.StringPtr(projectID),
		Message:   message,
		Metadata:  meta,
		CreatedAt: domain.FormatTime(w.Now()),
	})
}

// EventName extracts the council event name stored by Append, falling back
// to the row's coarse event type.
func EventName(e domain.AgentLogEntry) string {
	if len(e.Metadata) > 0 {
		var m struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(e.Metadata, &m); err == nil && m.Event != "" {
			return m.Event
		}
	}
	return string(e.EventType)
}
