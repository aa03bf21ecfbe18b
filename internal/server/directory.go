package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"agencyflow/internal/domain"
	"agencyflow/internal/engine"
)

func (h handlers) registerCatalog(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listProducts",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "List catalog products",
		Tags:        []string{"catalog"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ListResponse[domain.Product] `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		items, err := h.e.ListProducts(ctx, actor)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ListResponse[domain.Product] `json:"body"`
		}{Body: ListResponse[domain.Product]{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsertProduct",
		Method:      http.MethodPut,
		Path:        "/catalog/{id}",
		Summary:     "Create or update a catalog product",
		Description: "Existing tasks keep the terms frozen at their creation.",
		Tags:        []string{"catalog"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpsertProductRequest `json:"body"`
	}) (*struct {
		Body domain.Product `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		active := true
		if input.Body.Active != nil {
			active = *input.Body.Active
		}
		p, err := h.e.UpsertProduct(ctx, actor, domain.Product{
			ID:         input.ID,
			Name:       input.Body.Name,
			PriceCents: input.Body.PriceCents,
			SLADays:    input.Body.SLADays,
			Active:     active,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Product `json:"body"`
		}{Body: p}, nil
	})
}

func (h handlers) registerDirectory(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createClient",
		Method:        http.MethodPost,
		Path:          "/clients",
		Summary:       "Register a client organisation",
		Tags:          []string{"directory"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateClientRequest `json:"body"`
	}) (*struct {
		Body domain.Client `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		c, err := h.e.CreateClient(ctx, actor, input.Body.Name, input.Body.ActivationEmail)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Client `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listClients",
		Method:      http.MethodGet,
		Path:        "/clients",
		Summary:     "List client organisations",
		Tags:        []string{"directory"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ListResponse[domain.Client] `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		items, err := h.e.ListClients(ctx, actor)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ListResponse[domain.Client] `json:"body"`
		}{Body: ListResponse[domain.Client]{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "createProfile",
		Method:        http.MethodPost,
		Path:          "/profiles",
		Summary:       "Invite a staff member or client user",
		Tags:          []string{"directory"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateProfileRequest `json:"body"`
	}) (*struct {
		Body domain.Profile `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		p, err := h.e.CreateProfile(ctx, actor, engine.CreateProfileInput{
			Email:       input.Body.Email,
			DisplayName: input.Body.DisplayName,
			Roles:       input.Body.Roles,
			ClientID:    input.Body.ClientID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Profile `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listProfiles",
		Method:      http.MethodGet,
		Path:        "/profiles",
		Summary:     "List profiles",
		Tags:        []string{"directory"},
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ListResponse[domain.Profile] `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		items, err := h.e.ListProfiles(ctx, actor)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ListResponse[domain.Profile] `json:"body"`
		}{Body: ListResponse[domain.Profile]{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "createAPIKey",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key for a profile",
		Description:   "The key is shown once.",
		Tags:          []string{"directory"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body engine.CreatedAPIKey `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		out, err := h.e.CreateAPIKey(ctx, actor, input.Body.ProfileID, input.Body.Name)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.CreatedAPIKey `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revokeAPIKey",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke an API key",
		Tags:          []string{"directory"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		if err := h.e.RevokeAPIKey(ctx, actor, input.ID); err != nil {
			return nil, h.handleError(err)
		}
		return &struct{}{}, nil
	})
}
