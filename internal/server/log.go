package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"agentcouncil/internal/domain"
	"agentcouncil/internal/orchestrator"
	"agentcouncil/internal/repo"
)

type ProjectConfigRequest struct {
	DefaultStrictness string            `json:"default_strictness,omitempty" enum:"none,advisory,required,blocking"`
	EnabledAgents     []string          `json:"enabled_agents,omitempty"`
	PhaseStrictness   map[string]string `json:"phase_strictness,omitempty"`
	AutoApprove       map[string]bool   `json:"auto_approve,omitempty"`
	ProposalQuorum    int               `json:"proposal_quorum,omitempty" minimum:"0"`
}

func registerLog(api huma.API, c *orchestrator.Council) {
	huma.Register(api, huma.Operation{
		OperationID: "list-log",
		Method:      http.MethodGet,
		Path:        "/log",
		Summary:     "Audit log, newest first",
		Description: "Pass next_cursor back as before to read the next page.",
	}, func(ctx context.Context, input *struct {
		AgentID   string `query:"agent_id"`
		ProjectID string `query:"project_id"`
		EventType string `query:"event_type"`
		Since     string `query:"since"`
		Before    int64  `query:"before"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body LogPage `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := c.Log(ctx, repo.LogFilter{
			AgentID:   input.AgentID,
			ProjectID: input.ProjectID,
			EventType: domain.LogEventType(input.EventType),
			Since:     input.Since,
			Before:    input.Before,
			Limit:     limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		page := LogPage{Items: items}
		if len(items) == limit {
			page.NextCursor = items[len(items)-1].ID
		}
		return &struct {
			Body LogPage `json:"body"`
		}{Body: page}, nil
	})
}

func registerProjectConfig(api huma.API, c *orchestrator.Council) {
	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Effective council policy of a project",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.ProjectCouncilConfig `json:"body"`
	}, error) {
		p, err := c.ProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectCouncilConfig `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-project-config",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/config",
		Summary:     "Replace a project's council policy",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      ProjectConfigRequest `json:"body"`
	}) (*struct {
		Body domain.ProjectCouncilConfig `json:"body"`
	}, error) {
		p := domain.ProjectCouncilConfig{
			ProjectID:         input.ProjectID,
			DefaultStrictness: domain.Strictness(input.Body.DefaultStrictness),
			EnabledAgents:     input.Body.EnabledAgents,
			AutoApprove:       input.Body.AutoApprove,
			ProposalQuorum:    input.Body.ProposalQuorum,
		}
		if p.DefaultStrictness == "" {
			p.DefaultStrictness = domain.StrictnessRequired
		}
		if len(input.Body.PhaseStrictness) > 0 {
			p.PhaseStrictness = make(map[string]domain.Strictness, len(input.Body.PhaseStrictness))
			for phase, s := range input.Body.PhaseStrictness {
				p.PhaseStrictness[phase] = domain.Strictness(s)
			}
		}
		if err := c.SetProjectConfig(ctx, p); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectCouncilConfig `json:"body"`
		}{Body: p}, nil
	})
}
