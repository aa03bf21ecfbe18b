package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"agencyflow/internal/domain"
	"agencyflow/internal/engine"
)

type instanceIDInput struct {
	ID string `path:"id"`
}

func (h handlers) registerOnboarding(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "startOnboarding",
		Method:        http.MethodPost,
		Path:          "/onboarding",
		Summary:       "Start an onboarding questionnaire for a client",
		Tags:          []string{"onboarding"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body StartOnboardingRequest `json:"body"`
	}) (*struct {
		Body domain.OnboardingInstance `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		inst, err := h.e.CreateOnboardingInstance(ctx, actor, input.Body.ClientID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.OnboardingInstance `json:"body"`
		}{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recordOnboardingResponse",
		Method:      http.MethodPut,
		Path:        "/onboarding/{id}/fields/{field}",
		Summary:     "Record one onboarding answer",
		Description: "Sensitive answers are encrypted before storage and never returned.",
		Tags:        []string{"onboarding"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID    string                `path:"id"`
		Field string                `path:"field"`
		Body  RecordResponseRequest `json:"body"`
	}) (*struct {
		Body domain.OnboardingResponse `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		resp, err := h.e.RecordOnboardingResponse(ctx, actor, engine.RecordResponseInput{
			InstanceID: input.ID,
			FieldKey:   input.Field,
			Value:      input.Body.Value,
			Sensitive:  input.Body.Sensitive,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.OnboardingResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listOnboardingResponses",
		Method:      http.MethodGet,
		Path:        "/onboarding/{id}/fields",
		Summary:     "List onboarding answers with sensitive values masked",
		Tags:        []string{"onboarding"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *instanceIDInput) (*struct {
		Body ListResponse[domain.OnboardingResponse] `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		items, err := h.e.ListOnboardingResponses(ctx, actor, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ListResponse[domain.OnboardingResponse] `json:"body"`
		}{Body: ListResponse[domain.OnboardingResponse]{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decryptOnboardingField",
		Method:      http.MethodPost,
		Path:        "/onboarding/{id}/fields/{field}/decrypt",
		Summary:     "Reveal a sensitive answer",
		Description: "Every successful call is written to the audit log first.",
		Tags:        []string{"onboarding"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Field string `path:"field"`
	}) (*struct {
		Body DecryptResponse `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		value, err := h.e.DecryptSensitiveField(ctx, actor, input.ID, input.Field)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body DecryptResponse `json:"body"`
		}{Body: DecryptResponse{FieldKey: input.Field, Value: value}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listOnboardingAudit",
		Method:      http.MethodGet,
		Path:        "/onboarding/{id}/audit",
		Summary:     "Decrypt audit trail for an onboarding instance",
		Tags:        []string{"onboarding"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *instanceIDInput) (*struct {
		Body ListResponse[domain.AuditLogEntry] `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		items, err := h.e.ListAudit(ctx, actor, input.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ListResponse[domain.AuditLogEntry] `json:"body"`
		}{Body: ListResponse[domain.AuditLogEntry]{Items: items}}, nil
	})
}
