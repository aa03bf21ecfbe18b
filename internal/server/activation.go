package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"agencyflow/internal/domain"
	"agencyflow/internal/engine"
)

func (h handlers) registerActivation(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "issueActivationToken",
		Method:        http.MethodPost,
		Path:          "/activation-tokens",
		Summary:       "Issue a single-use activation token",
		Description:   "Any earlier unused token for the same subject stops working.",
		Tags:          []string{"activation"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body IssueTokenRequest `json:"body"`
	}) (*struct {
		Body engine.IssuedToken `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		out, err := h.e.IssueActivationToken(ctx, actor, input.Body.SubjectID, domain.SubjectType(input.Body.SubjectType))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.IssuedToken `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listActivationTokens",
		Method:      http.MethodGet,
		Path:        "/activation-tokens",
		Summary:     "List issued tokens for a subject",
		Tags:        []string{"activation"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		SubjectID string `query:"subject_id"`
	}) (*struct {
		Body ListResponse[domain.ActivationToken] `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		items, err := h.e.ListActivationTokens(ctx, actor, input.SubjectID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ListResponse[domain.ActivationToken] `json:"body"`
		}{Body: ListResponse[domain.ActivationToken]{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validateActivationToken",
		Method:      http.MethodGet,
		Path:        "/activation-tokens/{token}",
		Summary:     "Check whether an activation link can still be used",
		Tags:        []string{"activation"},
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		Token string `path:"token"`
	}) (*struct {
		Body TokenStatusResponse `json:"body"`
	}, error) {
		tok, err := h.e.ValidateActivationToken(ctx, input.Token)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body TokenStatusResponse `json:"body"`
		}{Body: TokenStatusResponse{
			SubjectID:   tok.SubjectID,
			SubjectType: string(tok.SubjectType),
			ExpiresAt:   tok.ExpiresAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "consumeActivationToken",
		Method:      http.MethodPost,
		Path:        "/activation-tokens/{token}/consume",
		Summary:     "Activate an account with a one-time link",
		Tags:        []string{"activation"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		Token string              `path:"token"`
		Body  ConsumeTokenRequest `json:"body"`
	}) (*struct {
		Body engine.ActivationResult `json:"body"`
	}, error) {
		res, err := h.e.ConsumeActivationToken(ctx, input.Token, engine.Credential{
			Password:    input.Body.Password,
			DisplayName: input.Body.DisplayName,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.ActivationResult `json:"body"`
		}{Body: res}, nil
	})
}
