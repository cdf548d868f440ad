package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"agentcouncil/internal/domain"
	"agentcouncil/internal/orchestrator"
	"agentcouncil/internal/repo"
)

type proposalBody struct {
	Body domain.Proposal `json:"body"`
}

type signoffBody struct {
	Body domain.Signoff `json:"body"`
}

func registerProposals(api huma.API, c *orchestrator.Council) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals",
		Summary:       "Submit a proposal",
		Description:   "The caller is recorded as the proposing agent.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateProposalRequest `json:"body"`
	}) (*proposalBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payload, err := rawPayload("payload", input.Body.Payload)
		if err != nil {
			return nil, err
		}
		p, err := c.CreateProposal(ctx, domain.ProposalInput{
			AgentID:          actorID,
			ProjectID:        input.Body.ProjectID,
			ActionType:       input.Body.ActionType,
			Title:            input.Body.Title,
			Description:      input.Body.Description,
			Payload:          payload,
			RequiresApproval: input.Body.RequiresApproval,
			Urgency:          domain.Urgency(input.Body.Urgency),
			TTL:              time.Duration(input.Body.TTLSeconds) * time.Second,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		AgentID   string `query:"agent_id"`
		Status    string `query:"status"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.Proposal `json:"body"`
	}, error) {
		items, err := c.ListProposals(ctx, repo.ProposalFilter{
			ProjectID: input.ProjectID,
			AgentID:   input.AgentID,
			Status:    domain.ProposalStatus(input.Status),
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Proposal `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}",
		Summary:     "Get proposal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*proposalBody, error) {
		p, err := c.GetProposal(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/approve",
		Summary:     "Approve proposal",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*proposalBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := c.ApproveProposal(ctx, input.ProposalID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/reject",
		Summary:     "Reject proposal",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		ProposalID string        `path:"proposal_id"`
		Body       ReasonRequest `json:"body" required:"false"`
	}) (*proposalBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := c.RejectProposal(ctx, input.ProposalID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalBody{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "vote-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/votes",
		Summary:     "Vote on a proposal",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		ProposalID string      `path:"proposal_id"`
		Body       VoteRequest `json:"body"`
	}) (*proposalBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := c.VoteProposal(ctx, input.ProposalID, actorID, domain.Vote(input.Body.Vote), input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalBody{Body: p}, nil
	})
}

func registerSignoffs(api huma.API, c *orchestrator.Council) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-signoff",
		Method:        http.MethodPost,
		Path:          "/signoffs",
		Summary:       "Request a signoff",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SignoffRequestBody `json:"body"`
	}) (*signoffBody, error) {
		payload, err := rawPayload("payload", input.Body.Payload)
		if err != nil {
			return nil, err
		}
		s, err := c.RequestSignoff(ctx, domain.SignoffRequest{
			ProjectID:      input.Body.ProjectID,
			ChangeType:     input.Body.ChangeType,
			ChangeID:       input.Body.ChangeID,
			Phase:          input.Body.Phase,
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Payload:        payload,
			RequiredAgents: input.Body.RequiredAgents,
			Strictness:     domain.Strictness(input.Body.Strictness),
			TTL:            time.Duration(input.Body.TTLSeconds) * time.Second,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &signoffBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-signoffs",
		Method:      http.MethodGet,
		Path:        "/signoffs",
		Summary:     "List signoffs",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Status     string `query:"status"`
		ChangeType string `query:"change_type"`
		ChangeID   string `query:"change_id"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.Signoff `json:"body"`
	}, error) {
		items, err := c.ListSignoffs(ctx, repo.SignoffFilter{
			ProjectID:  input.ProjectID,
			Status:     domain.SignoffStatus(input.Status),
			ChangeType: input.ChangeType,
			ChangeID:   input.ChangeID,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Signoff `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-signoff",
		Method:      http.MethodGet,
		Path:        "/signoffs/{signoff_id}",
		Summary:     "Get signoff",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SignoffID string `path:"signoff_id"`
	}) (*signoffBody, error) {
		s, err := c.GetSignoff(ctx, input.SignoffID)
		if err != nil {
			return nil, handleError(err)
		}
		return &signoffBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "vote-signoff",
		Method:      http.MethodPost,
		Path:        "/signoffs/{signoff_id}/votes",
		Summary:     "Record a signoff vote",
		Description: "The caller votes as the agent it authenticated as.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SignoffID string      `path:"signoff_id"`
		Body      VoteRequest `json:"body"`
	}) (*signoffBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := c.RecordVote(ctx, input.SignoffID, actorID, domain.Vote(input.Body.Vote), input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &signoffBody{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "signoff-gate",
		Method:      http.MethodGet,
		Path:        "/signoffs/{signoff_id}/gate",
		Summary:     "Whether the guarded change may proceed",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SignoffID string `path:"signoff_id"`
	}) (*struct {
		Body SignoffGateResponse `json:"body"`
	}, error) {
		s, err := c.GetSignoff(ctx, input.SignoffID)
		if err != nil {
			return nil, handleError(err)
		}
		ok, err := c.MayProceed(ctx, input.SignoffID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignoffGateResponse `json:"body"`
		}{Body: SignoffGateResponse{
			SignoffID:  s.ID,
			Status:     s.Status,
			Strictness: s.Strictness,
			MayProceed: ok,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-signoff",
		Method:      http.MethodGet,
		Path:        "/signoffs/{signoff_id}/check",
		Summary:     "Resolve a signoff to an outcome",
		Description: "Answers 200 when approved, 409 signoff_pending while votes are outstanding and 409 signoff_rejected when rejected or expired.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SignoffID string `path:"signoff_id"`
	}) (*signoffBody, error) {
		s, err := c.CheckSignoff(ctx, input.SignoffID)
		if err != nil {
			if errors.Is(err, domain.ErrSignoffNotResolved) || errors.Is(err, domain.ErrSignoffRejected) {
				se := handleError(err).(*apiError)
				se.Body.Details = map[string]any{"signoff_id": s.ID, "status": s.Status}
				return nil, se
			}
			return nil, handleError(err)
		}
		return &signoffBody{Body: s}, nil
	})
}
