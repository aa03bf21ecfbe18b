package engine

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"agencyflow/internal/apperr"
	"agencyflow/internal/config"
	"agencyflow/internal/domain"
	"agencyflow/internal/engine/auth"
	"agencyflow/internal/events"
	"agencyflow/internal/repo"
	"agencyflow/internal/role"
)

const apiKeyPrefix = "af_"

func validateProduct(p domain.Product) error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return apperr.Validation("product id is required")
	case strings.TrimSpace(p.Name) == "":
		return apperr.Validation("product name is required")
	case p.PriceCents < 0:
		return apperr.Validation("price must not be negative")
	case p.SLADays < 1:
		return apperr.Validation("sla days must be at least 1")
	}
	return nil
}

// UpsertProduct sets the current catalog terms of a product. Tasks already
// created keep the terms they froze.
func (e Engine) UpsertProduct(ctx context.Context, actor role.Actor, p domain.Product) (out domain.Product, err error) {
	ctx, done := e.trace(ctx, "UpsertProduct", actor)
	defer done(&err)

	if err := auth.Admin(actor); err != nil {
		return out, err
	}
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	if err := validateProduct(p); err != nil {
		return out, err
	}
	p.UpdatedAt = e.ts()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertProduct(ctx, tx, p); err != nil {
		return out, err
	}
	var fx effects
	if err := fx.event(e.appendEvent(ctx, tx, events.ProductUpserted, "product", p.ID, actor.SubjectID, events.EventPayload{
		"price_cents": p.PriceCents, "sla_days": p.SLADays, "active": p.Active,
	})); err != nil {
		return out, err
	}
	if err := tx.Commit(); err != nil {
		return out, err
	}
	e.flush(ctx, &fx)
	return p, nil
}

// ListProducts returns the catalog. Non-admins only see active products.
func (e Engine) ListProducts(ctx context.Context, actor role.Actor) ([]domain.Product, error) {
	if err := auth.Classified(actor); err != nil {
		return nil, err
	}
	all, err := e.Repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Product, 0, len(all))
	for _, p := range all {
		if p.Active || actor.IsAdmin() {
			out = append(out, p)
		}
	}
	return out, nil
}

// SeedCatalog inserts configured products that do not exist yet. Products
// already present are left as they are.
func (e Engine) SeedCatalog(ctx context.Context, seeds []config.ProductSeed) (int, error) {
	if len(seeds) == 0 {
		return 0, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	added := 0
	for _, s := range seeds {
		p := domain.Product{
			ID:         strings.TrimSpace(s.ID),
			Name:       strings.TrimSpace(s.Name),
			PriceCents: s.PriceCents,
			SLADays:    s.SLADays,
			Active:     true,
			UpdatedAt:  e.ts(),
		}
		if err := validateProduct(p); err != nil {
			return 0, err
		}
		_, err := e.Repo.GetProduct(ctx, tx, p.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return 0, err
		}
		if err := e.Repo.UpsertProduct(ctx, tx, p); err != nil {
			return 0, err
		}
		if _, err := e.appendEvent(ctx, tx, events.ProductUpserted, "product", p.ID, "system", events.EventPayload{
			"price_cents": p.PriceCents, "sla_days": p.SLADays, "seeded": true,
		}); err != nil {
			return 0, err
		}
		added++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if added > 0 {
		e.log().Info("catalog seeded")
	}
	return added, nil
}

func normalizeEmail(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return "", apperr.Validation("invalid email %q", s)
	}
	return s, nil
}

// CreateClient registers a client account in the pending state.
func (e Engine) CreateClient(ctx context.Context, actor role.Actor, name, activationEmail string) (c domain.Client, err error) {
	ctx, done := e.trace(ctx, "CreateClient", actor)
	defer done(&err)

	if err := auth.Admin(actor); err != nil {
		return c, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return c, apperr.Validation("client name is required")
	}
	email, err := normalizeEmail(activationEmail)
	if err != nil {
		return c, err
	}
	c = domain.Client{
		ID:              uuid.NewString(),
		Name:            name,
		ActivationEmail: email,
		Status:          domain.ClientPending,
		CreatedAt:       e.ts(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertClient(ctx, tx, c); err != nil {
		return c, err
	}
	var fx effects
	if err := fx.event(e.appendEvent(ctx, tx, events.ClientCreated, "client", c.ID, actor.SubjectID, events.EventPayload{
		"name": c.Name,
	})); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	e.flush(ctx, &fx)
	return c, nil
}

// ListClients is Admin only.
func (e Engine) ListClients(ctx context.Context, actor role.Actor) ([]domain.Client, error) {
	if err := auth.Admin(actor); err != nil {
		return nil, err
	}
	out, err := e.Repo.ListClients(ctx)
	if out == nil && err == nil {
		out = []domain.Client{}
	}
	return out, err
}

// CreateProfileInput describes a staff or client identity.
type CreateProfileInput struct {
	Email       string
	DisplayName string
	Roles       []string
	ClientID    string
}

// CreateProfile registers an invited identity. Its labels must classify.
func (e Engine) CreateProfile(ctx context.Context, actor role.Actor, in CreateProfileInput) (p domain.Profile, err error) {
	ctx, done := e.trace(ctx, "CreateProfile", actor)
	defer done(&err)

	if err := auth.Admin(actor); err != nil {
		return p, err
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return p, err
	}
	class := e.Classifier.Classify(in.Roles)
	if class == role.Unclassified {
		return p, apperr.Validation("roles %v do not map to any class", in.Roles)
	}
	p = domain.Profile{
		ID:          uuid.NewString(),
		Email:       email,
		DisplayName: strings.TrimSpace(in.DisplayName),
		Roles:       in.Roles,
		Status:      domain.ProfileInvited,
		CreatedAt:   e.ts(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProfileByEmail(ctx, tx, email); err == nil {
		return p, apperr.Validation("a profile for %s already exists", email)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return p, err
	}
	if class == role.Client {
		clientID := strings.TrimSpace(in.ClientID)
		if clientID == "" {
			return p, apperr.Validation("client profiles need a client")
		}
		if _, err := e.Repo.GetClient(ctx, tx, clientID); err != nil {
			return p, notFound(err, "client", clientID)
		}
		p.ClientID = &clientID
		p.LinkedEmail = &email
	}
	if err := e.Repo.InsertProfile(ctx, tx, p); err != nil {
		return p, err
	}
	var fx effects
	if err := fx.event(e.appendEvent(ctx, tx, events.ProfileCreated, "profile", p.ID, actor.SubjectID, events.EventPayload{
		"class": class.String(),
	})); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	e.flush(ctx, &fx)
	return p, nil
}

// ListProfiles is Admin only.
func (e Engine) ListProfiles(ctx context.Context, actor role.Actor) ([]domain.Profile, error) {
	if err := auth.Admin(actor); err != nil {
		return nil, err
	}
	out, err := e.Repo.ListProfiles(ctx)
	if out == nil && err == nil {
		out = []domain.Profile{}
	}
	return out, err
}

// CreatedAPIKey carries the plaintext key, shown once.
type CreatedAPIKey struct {
	Key    string        `json:"key"`
	Record domain.APIKey `json:"record"`
}

// CreateAPIKey issues a machine credential for an existing profile, carrying
// that profile's role labels.
func (e Engine) CreateAPIKey(ctx context.Context, actor role.Actor, profileID, name string) (out CreatedAPIKey, err error) {
	ctx, done := e.trace(ctx, "CreateAPIKey", actor)
	defer done(&err)

	if err := auth.Admin(actor); err != nil {
		return out, err
	}
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return out, apperr.Dependency("random source", err)
	}
	key := apiKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetProfile(ctx, tx, profileID)
	if err != nil {
		return out, notFound(err, "profile", profileID)
	}
	rec := domain.APIKey{
		ID:        uuid.NewString(),
		SubjectID: p.ID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(key),
		Roles:     p.Roles,
		CreatedAt: e.ts(),
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, rec); err != nil {
		return out, err
	}
	var fx effects
	if err := fx.event(e.appendEvent(ctx, tx, events.APIKeyCreated, "profile", p.ID, actor.SubjectID, events.EventPayload{
		"key_id": rec.ID, "name": rec.Name,
	})); err != nil {
		return out, err
	}
	if err := tx.Commit(); err != nil {
		return out, err
	}
	e.flush(ctx, &fx)
	return CreatedAPIKey{Key: key, Record: rec}, nil
}

// ResolveAPIKey turns a presented key into an actor.
func (e Engine) ResolveAPIKey(ctx context.Context, key string) (role.Actor, error) {
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, apiKeyPrefix) {
		return role.Actor{}, apperr.Forbidden("malformed api key")
	}
	rec, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return role.Actor{}, apperr.Forbidden("unknown api key")
		}
		return role.Actor{}, err
	}
	return e.ActorForProfile(ctx, rec.SubjectID, rec.Roles)
}

// ActorForProfile builds an actor for a stored profile, binding client
// profiles to their linked client.
func (e Engine) ActorForProfile(ctx context.Context, profileID string, labels []string) (role.Actor, error) {
	p, err := e.Repo.GetProfile(ctx, nil, profileID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return role.Actor{}, apperr.Forbidden("unknown profile")
		}
		return role.Actor{}, err
	}
	if labels == nil {
		labels = p.Roles
	}
	clientID := ""
	if p.ClientID != nil {
		clientID = *p.ClientID
	}
	return e.Actor(p.ID, labels, clientID, ""), nil
}

// RevokeAPIKey deletes a key by id.
func (e Engine) RevokeAPIKey(ctx context.Context, actor role.Actor, id string) error {
	if err := auth.Admin(actor); err != nil {
		return err
	}
	return notFound(e.Repo.DeleteAPIKey(ctx, id), "api key", id)
}
