package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"agentcouncil/internal/agent"
	"agentcouncil/internal/domain"
	"agentcouncil/internal/orchestrator"
	"agentcouncil/internal/repo"
)

func registerTasks(api huma.API, c *orchestrator.Council) {
	huma.Register(api, huma.Operation{
		OperationID:   "assign-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Assign task",
		Description:   "Tasks for an agent that is not registered are queued and reported with a warning.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body AssignTaskRequest `json:"body"`
	}) (*struct {
		Status int
		Body   AssignTaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		payload, err := rawPayload("payload", input.Body.Payload)
		if err != nil {
			return nil, err
		}
		spec := orchestrator.TaskSpec{
			ID:          input.Body.ID,
			Type:        agent.MessageType(input.Body.Type),
			TargetAgent: input.Body.TargetAgent,
			ProjectID:   input.Body.ProjectID,
			Payload:     payload,
			Priority:    input.Body.Priority,
			DependsOn:   input.Body.DependsOn,
		}
		opts := orchestrator.AssignOptions{
			SessionID:  input.Body.SessionID,
			MaxRetries: input.Body.MaxRetries,
			Timeout:    time.Duration(input.Body.TimeoutMs) * time.Millisecond,
		}
		id, err := c.AssignTask(ctx, spec, opts)
		resp := AssignTaskResponse{TaskID: id}
		status := http.StatusCreated
		switch {
		case errors.Is(err, domain.ErrAgentNotFound) && id != "":
			resp.Warning = err.Error()
			status = http.StatusAccepted
		case err != nil:
			return nil, handleError(err)
		}
		return &struct {
			Status int
			Body   AssignTaskResponse `json:"body"`
		}{Status: status, Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID   string `query:"project_id"`
		Status      string `query:"status"`
		TargetAgent string `query:"target_agent"`
		Type        string `query:"type"`
		SessionID   string `query:"session_id"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		items, err := c.ListTasks(ctx, repo.TaskFilter{
			ProjectID:   input.ProjectID,
			Status:      domain.TaskStatus(input.Status),
			TargetAgent: input.TargetAgent,
			Type:        input.Type,
			SessionID:   input.SessionID,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := c.GetTaskStatus(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/cancel",
		Summary:     "Cancel a task and its dependents",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string        `path:"task_id"`
		Body   ReasonRequest `json:"body" required:"false"`
	}) (*struct {
		Body CancelTaskResponse `json:"body"`
	}, error) {
		reason := input.Body.Reason
		if reason == "" {
			if actorID, authErr := actorIDFromContext(ctx); authErr == nil {
				reason = "cancelled by " + actorID
			}
		}
		cancelled, err := c.CancelTask(ctx, input.TaskID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CancelTaskResponse `json:"body"`
		}{Body: CancelTaskResponse{Cancelled: cancelled}}, nil
	})
}
