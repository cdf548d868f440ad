package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"agentcouncil/internal/domain"
	"agentcouncil/internal/orchestrator"
)

func registerAgents(api huma.API, c *orchestrator.Council) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		items, err := c.ListAgents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-health",
		Method:      http.MethodGet,
		Path:        "/agents/health",
		Summary:     "Agent liveness",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Agents: c.GetHealth(ctx)}}, nil
	})

	agentAction := func(id, verb, summary string, fn func(context.Context, string) error) {
		huma.Register(api, huma.Operation{
			OperationID: id,
			Method:      http.MethodPost,
			Path:        "/agents/{agent_id}/" + verb,
			Summary:     summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			AgentID string `path:"agent_id"`
		}) (*struct {
			Body domain.AgentHealth `json:"body"`
		}, error) {
			if err := fn(ctx, input.AgentID); err != nil {
				return nil, handleError(err)
			}
			for _, h := range c.GetHealth(ctx) {
				if h.AgentID == input.AgentID {
					return &struct {
						Body domain.AgentHealth `json:"body"`
					}{Body: h}, nil
				}
			}
			return nil, handleError(domain.ErrAgentNotFound)
		})
	}
	agentAction("retry-agent", "retry", "Re-initialize an agent in the error state", c.RetryAgent)
	agentAction("disable-agent", "disable", "Disable an agent", c.DisableAgent)
	agentAction("enable-agent", "enable", "Enable an agent", c.EnableAgent)

	huma.Register(api, huma.Operation{
		OperationID:   "unregister-agent",
		Method:        http.MethodDelete,
		Path:          "/agents/{agent_id}",
		Summary:       "Shut an agent down and remove it from the roster",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct{}, error) {
		if err := c.UnregisterAgent(ctx, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "council-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Council counters",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.CouncilStats `json:"body"`
	}, error) {
		st, err := c.GetStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CouncilStats `json:"body"`
		}{Body: st}, nil
	})
}
