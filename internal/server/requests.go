package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"agencyflow/internal/domain"
	"agencyflow/internal/engine"
)

type requestIDInput struct {
	ID string `path:"id"`
}

func (h handlers) registerRequests(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submitRequest",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit a work request",
		Tags:          []string{"requests"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SubmitRequestRequest `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		req, err := h.e.SubmitRequest(ctx, actor, engine.SubmitRequestInput{
			ClientID:    input.Body.ClientID,
			ProductID:   input.Body.ProductID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Quantity:    input.Body.Quantity,
			Priority:    domain.Priority(input.Body.Priority),
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listRequests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests visible to the caller",
		Tags:        []string{"requests"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"Pending,UnderReview,Approved,Rejected"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body ListResponse[domain.Request] `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		items, err := h.e.ListRequests(ctx, actor, domain.RequestStatus(input.Status), normalizeLimit(input.Limit))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ListResponse[domain.Request] `json:"body"`
		}{Body: ListResponse[domain.Request]{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getRequest",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get a request",
		Tags:        []string{"requests"},
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *requestIDInput) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		req, err := h.e.GetRequest(ctx, actor, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reviewRequest",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/review",
		Summary:     "Move a pending request under review",
		Tags:        []string{"requests"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *requestIDInput) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		req, err := h.e.StartReview(ctx, actor, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approveRequest",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/approve",
		Summary:     "Approve a request and create its task",
		Tags:        []string{"requests"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body ApproveRequestRequest `json:"body"`
	}) (*struct {
		Body engine.ApproveResult `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		res, err := h.e.ApproveRequest(ctx, actor, engine.ApproveRequestInput{
			RequestID:  input.ID,
			AssigneeID: input.Body.AssigneeID,
			DueDate:    input.Body.DueDate,
			ProjectID:  input.Body.ProjectID,
			Notes:      input.Body.Notes,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.ApproveResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rejectRequest",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/reject",
		Summary:     "Reject a request",
		Tags:        []string{"requests"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body RejectRequestRequest `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		req, err := h.e.RejectRequest(ctx, actor, input.ID, input.Body.Notes)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getRequestTask",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/task",
		Summary:     "Get the task created from an approved request",
		Tags:        []string{"requests"},
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *requestIDInput) (*struct {
		Body engine.TaskView `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		view, err := h.e.RequestTask(ctx, actor, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.TaskView `json:"body"`
		}{Body: view}, nil
	})
}
