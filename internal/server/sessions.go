package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"agentcouncil/internal/domain"
	"agentcouncil/internal/orchestrator"
	"agentcouncil/internal/repo"
)

type sessionBody struct {
	Body domain.CouncilSession `json:"body"`
}

func registerSessions(api huma.API, c *orchestrator.Council) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start or reuse the active session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest `json:"body" required:"false"`
	}) (*sessionBody, error) {
		s, err := c.StartSession(ctx, input.Body.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Status    string `query:"status"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.CouncilSession `json:"body"`
	}, error) {
		items, err := c.ListSessions(ctx, repo.SessionFilter{
			ProjectID: input.ProjectID,
			Status:    domain.SessionStatus(input.Status),
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CouncilSession `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "active-session",
		Method:      http.MethodGet,
		Path:        "/sessions/active",
		Summary:     "Active session of a project",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*struct {
		Body ActiveSessionResponse `json:"body"`
	}, error) {
		s, ok, err := c.GetActiveSession(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ActiveSessionResponse{Active: ok}
		if ok {
			resp.Session = &s
		}
		return &struct {
			Body ActiveSessionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*sessionBody, error) {
		s, err := c.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/end",
		Summary:     "End session",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionID string            `path:"session_id"`
		Body      EndSessionRequest `json:"body" required:"false"`
	}) (*sessionBody, error) {
		s, err := c.EndSession(ctx, input.SessionID, input.Body.Summary)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionBody{Body: s}, nil
	})

	for _, op := range []struct {
		id, verb, summary string
		fn                func(context.Context, string) (domain.CouncilSession, error)
	}{
		{"pause-session", "pause", "Pause session", c.PauseSession},
		{"resume-session", "resume", "Resume session", c.ResumeSession},
	} {
		fn := op.fn
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        "/sessions/{session_id}/" + op.verb,
			Summary:     op.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			SessionID string `path:"session_id"`
		}) (*sessionBody, error) {
			s, err := fn(ctx, input.SessionID)
			if err != nil {
				return nil, handleError(err)
			}
			return &sessionBody{Body: s}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "replay-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/replay",
		Summary:     "Session tasks and audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body SessionReplayResponse `json:"body"`
	}, error) {
		replay, err := c.SessionReplay(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionReplayResponse `json:"body"`
		}{Body: replay}, nil
	})
}
