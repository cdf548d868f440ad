package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"agentcouncil/internal/db"
	"agentcouncil/internal/domain"
	"agentcouncil/internal/events"
	"agentcouncil/internal/repo"
)

// StartSession returns the project's active session, resumes a paused one,
// or opens a new one.
func (c *Council) StartSession(ctx context.Context, projectID string) (domain.CouncilSession, error) {
	var out domain.CouncilSession
	var event string
	err := db.WithTx(ctx, c.DB, func(tx *sql.Tx) error {
		event = ""
		s, err := c.Repo.OpenSessionTx(ctx, tx, projectID, domain.SessionActive)
		if err == nil {
			out = s
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		s, err = c.Repo.OpenSessionTx(ctx, tx, projectID, domain.SessionPaused)
		if err == nil {
			s.Status = domain.SessionActive
			if _, err := c.Repo.TransitionSession(ctx, tx, s, domain.SessionPaused); err != nil {
				return err
			}
			out, event = s, domain.EventSessionResumed
			return c.logSession(ctx, tx, s, event, "session resumed")
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		s = domain.CouncilSession{
			ID:        uuid.NewString(),
			ProjectID: domain.StringPtr(projectID),
			Status:    domain.SessionActive,
			StartedAt: domain.FormatTime(c.now()),
		}
		if err := c.Repo.InsertSession(ctx, tx, s); err != nil {
			return err
		}
		out, event = s, domain.EventSessionStarted
		return c.logSession(ctx, tx, s, event, "session started")
	})
	if err != nil {
		return domain.CouncilSession{}, err
	}
	if event != "" {
		c.emitSession(ctx, event, out)
	}
	return out, nil
}

// EndSession completes an active or paused session and stamps its task
// statistics.
func (c *Council) EndSession(ctx context.Context, id, summary string) (domain.CouncilSession, error) {
	return c.transitionSession(ctx, id, domain.EventSessionEnded, func(tx *sql.Tx, s *domain.CouncilSession) error {
		counts, err := c.Repo.SessionTaskStatusCounts(ctx, tx, id)
		if err != nil {
			return err
		}
		stats, err := json.Marshal(map[string]any{"tasks": counts})
		if err != nil {
			return err
		}
		s.Status = domain.SessionCompleted
		s.EndedAt = domain.TimePtr(c.now())
		s.Stats = stats
		if summary != "" {
			s.Summary = summary
		}
		return nil
	}, domain.SessionActive, domain.SessionPaused)
}

func (c *Council) PauseSession(ctx context.Context, id string) (domain.CouncilSession, error) {
	return c.transitionSession(ctx, id, domain.EventSessionPaused, func(tx *sql.Tx, s *domain.CouncilSession) error {
		s.Status = domain.SessionPaused
		return nil
	}, domain.SessionActive)
}

// ResumeSession reactivates a paused session. A project has at most one
// active session, so resuming fails while another one is active.
func (c *Council) ResumeSession(ctx context.Context, id string) (domain.CouncilSession, error) {
	return c.transitionSession(ctx, id, domain.EventSessionResumed, func(tx *sql.Tx, s *domain.CouncilSession) error {
		other, err := c.Repo.OpenSessionTx(ctx, tx, domain.Deref(s.ProjectID), domain.SessionActive)
		if err == nil && other.ID != s.ID {
			return fmt.Errorf("%w: session %s is already active", domain.ErrInvalidTransition, other.ID)
		}
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		s.Status = domain.SessionActive
		return nil
	}, domain.SessionPaused)
}

func (c *Council) transitionSession(ctx context.Context, id, event string, mutate func(tx *sql.Tx, s *domain.CouncilSession) error, from ...domain.SessionStatus) (domain.CouncilSession, error) {
	var out domain.CouncilSession
	err := db.WithTx(ctx, c.DB, func(tx *sql.Tx) error {
		s, err := c.Repo.GetSessionTx(ctx, tx, id)
		if err != nil {
			return err
		}
		prev := s.Status
		if err := mutate(tx, &s); err != nil {
			return err
		}
		ok, err := c.Repo.TransitionSession(ctx, tx, s, from...)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: session %s is %s", domain.ErrInvalidTransition, id, prev)
		}
		out = s
		return c.logSession(ctx, tx, s, event, "session "+string(s.Status))
	})
	if err != nil {
		return domain.CouncilSession{}, err
	}
	c.emitSession(ctx, event, out)
	return out, nil
}

// GetActiveSession reports the project's active session, if any.
func (c *Council) GetActiveSession(ctx context.Context, projectID string) (domain.CouncilSession, bool, error) {
	s, err := c.Repo.OpenSessionTx(ctx, nil, projectID, domain.SessionActive)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.CouncilSession{}, false, nil
	}
	if err != nil {
		return domain.CouncilSession{}, false, err
	}
	return s, true, nil
}

func (c *Council) GetSession(ctx context.Context, id string) (domain.CouncilSession, error) {
	return c.Repo.GetSession(ctx, id)
}

func (c *Council) ListSessions(ctx context.Context, f repo.SessionFilter) ([]domain.CouncilSession, error) {
	return c.Repo.ListSessions(ctx, f)
}

// SessionReplay is everything recorded for one session.
type SessionReplay struct {
	Session domain.CouncilSession  `json:"session"`
	Tasks   []domain.Task          `json:"tasks"`
	Log     []domain.AgentLogEntry `json:"log"`
}

// SessionReplay returns the session, its linked tasks and the project's
// audit rows written while it was open, oldest first.
func (c *Council) SessionReplay(ctx context.Context, id string) (SessionReplay, error) {
	s, err := c.Repo.GetSession(ctx, id)
	if err != nil {
		return SessionReplay{}, err
	}
	tasks, err := c.Repo.ListTasks(ctx, repo.TaskFilter{SessionID: id})
	if err != nil {
		return SessionReplay{}, err
	}
	until := domain.Deref(s.EndedAt)
	if until == "" {
		until = domain.FormatTime(c.now())
	}
	entries, err := c.Repo.LogBetween(ctx, domain.Deref(s.ProjectID), s.StartedAt, until)
	if err != nil {
		return SessionReplay{}, err
	}
	return SessionReplay{Session: s, Tasks: tasks, Log: entries}, nil
}

func (c *Council) logSession(ctx context.Context, tx *sql.Tx, s domain.CouncilSession, event, message string) error {
	_, err := c.Events.Append(ctx, tx, domain.LogSession, domain.Deref(s.ProjectID), "", message, events.EventPayload{
		"event":      event,
		"session_id": s.ID,
		"status":     s.Status,
	})
	return err
}

func (c *Council) emitSession(ctx context.Context, event string, s domain.CouncilSession) {
	c.emit(ctx, domain.CouncilEvent{
		Type:      event,
		ProjectID: domain.Deref(s.ProjectID),
		EntityID:  s.ID,
		Data:      encodeData(map[string]any{"status": s.Status, "summary": s.Summary}),
	})
}
