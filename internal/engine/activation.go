package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"agencyflow/internal/apperr"
	"agencyflow/internal/domain"
	"agencyflow/internal/engine/auth"
	"agencyflow/internal/events"
	"agencyflow/internal/notify"
	"agencyflow/internal/repo"
	"agencyflow/internal/role"
)

const (
	tokenBytes        = 32
	MinPasswordLength = 8
)

// IssuedToken carries the plaintext token. It is returned exactly once and
// only its digest is stored.
type IssuedToken struct {
	Token       string             `json:"token"`
	SubjectID   string             `json:"subject_id"`
	SubjectType domain.SubjectType `json:"subject_type" enum:"client,collaborator"`
	ExpiresAt   string             `json:"expires_at" format:"date-time"`
	Superseded  int64              `json:"superseded"`
}

// IssueActivationToken mints a single-use token for a client or collaborator
// and invalidates any earlier live token for the same subject.
func (e Engine) IssueActivationToken(ctx context.Context, actor role.Actor, subjectID string, subjectType domain.SubjectType) (out IssuedToken, err error) {
	ctx, done := e.trace(ctx, "IssueActivationToken", actor)
	defer done(&err)

	if err := auth.Admin(actor); err != nil {
		return out, err
	}
	if !subjectType.Valid() {
		return out, apperr.Validation("subject type must be client or collaborator")
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return out, apperr.Validation("subject is required")
	}
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return out, apperr.Dependency("random source", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	email, err := e.subjectEmail(ctx, tx, subjectID, subjectType)
	if err != nil {
		return out, err
	}
	now := e.now().UTC()
	nowTS := now.Format(time.RFC3339)
	superseded, err := e.Repo.SupersedeTokens(ctx, tx, subjectID, subjectType, nowTS)
	if err != nil {
		return out, err
	}
	ttl := e.Config.TTLFor(string(subjectType))
	rec := domain.ActivationToken{
		TokenHash:   repo.HashToken(token),
		SubjectID:   subjectID,
		SubjectType: subjectType,
		ExpiresAt:   now.Add(ttl).Format(time.RFC3339),
		CreatedAt:   nowTS,
	}
	if err := e.Repo.InsertToken(ctx, tx, rec); err != nil {
		return out, err
	}
	var fx effects
	if err := fx.event(e.appendEvent(ctx, tx, events.TokenIssued, string(subjectType), subjectID, actor.SubjectID, events.EventPayload{
		"expires_at": rec.ExpiresAt, "superseded": superseded,
	})); err != nil {
		return out, err
	}
	fx.notify(notify.TemplateActivationInvite, email, map[string]any{
		"subject_type": subjectType,
		"token":        token,
		"expires_at":   rec.ExpiresAt,
	})
	if err := tx.Commit(); err != nil {
		return out, err
	}
	e.Metrics.Token(ctx, "issue")
	e.flush(ctx, &fx)
	return IssuedToken{
		Token:       token,
		SubjectID:   subjectID,
		SubjectType: subjectType,
		ExpiresAt:   rec.ExpiresAt,
		Superseded:  superseded,
	}, nil
}

func (e Engine) subjectEmail(ctx context.Context, tx *sql.Tx, subjectID string, st domain.SubjectType) (string, error) {
	if st == domain.SubjectClient {
		c, err := e.Repo.GetClient(ctx, tx, subjectID)
		if err != nil {
			return "", notFound(err, "client", subjectID)
		}
		return c.ActivationEmail, nil
	}
	p, err := e.Repo.GetProfile(ctx, tx, subjectID)
	if err != nil {
		return "", notFound(err, "profile", subjectID)
	}
	return p.Email, nil
}

// classifyToken explains why a token cannot be used. Expiry is checked
// before use, so an expired token that was never used reports expired.
func (e Engine) classifyToken(ctx context.Context, tx *sql.Tx, token string) (domain.ActivationToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.ActivationToken{}, &apperr.Error{Kind: apperr.ErrTokenInvalid}
	}
	t, err := e.Repo.GetToken(ctx, tx, repo.HashToken(token))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return t, &apperr.Error{Kind: apperr.ErrTokenInvalid}
		}
		return t, err
	}
	expires, err := time.Parse(time.RFC3339, t.ExpiresAt)
	if err != nil || !e.now().Before(expires) {
		return t, &apperr.Error{Kind: apperr.ErrTokenExpired}
	}
	if t.UsedAt != nil {
		return t, &apperr.Error{Kind: apperr.ErrTokenAlreadyUsed}
	}
	return t, nil
}

// ValidateActivationToken reports whether token can still be consumed.
func (e Engine) ValidateActivationToken(ctx context.Context, token string) (domain.ActivationToken, error) {
	return e.classifyToken(ctx, nil, token)
}

// Credential is the material a subject sets when activating.
type Credential struct {
	Password    string
	DisplayName string
}

type ActivationResult struct {
	SubjectID   string             `json:"subject_id"`
	SubjectType domain.SubjectType `json:"subject_type" enum:"client,collaborator"`
	ProfileID   string             `json:"profile_id"`
}

// ConsumeActivationToken spends the token and activates its subject in the
// same transaction. Of several concurrent calls exactly one succeeds.
func (e Engine) ConsumeActivationToken(ctx context.Context, token string, cred Credential) (res ActivationResult, err error) {
	ctx, done := e.trace(ctx, "ConsumeActivationToken", role.Actor{})
	defer done(&err)

	if strings.TrimSpace(token) == "" {
		return res, &apperr.Error{Kind: apperr.ErrTokenInvalid}
	}
	if len(cred.Password) < MinPasswordLength {
		return res, apperr.Validation("password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cred.Password), bcrypt.DefaultCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return res, apperr.Validation("password is too long")
		}
		return res, apperr.Dependency("credential hashing", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	nowTS := e.ts()
	ok, err := e.Repo.ConsumeToken(ctx, tx, repo.HashToken(token), nowTS)
	if err != nil {
		return res, err
	}
	if !ok {
		if _, cerr := e.classifyToken(ctx, tx, token); cerr != nil {
			return res, cerr
		}
		return res, &apperr.Error{Kind: apperr.ErrTokenAlreadyUsed}
	}
	rec, err := e.Repo.GetToken(ctx, tx, repo.HashToken(token))
	if err != nil {
		return res, err
	}
	res = ActivationResult{SubjectID: rec.SubjectID, SubjectType: rec.SubjectType}

	var fx effects
	if err := fx.event(e.appendEvent(ctx, tx, events.TokenConsumed, string(rec.SubjectType), rec.SubjectID, rec.SubjectID, nil)); err != nil {
		return res, err
	}
	switch rec.SubjectType {
	case domain.SubjectCollaborator:
		if err := e.Repo.ActivateProfile(ctx, tx, rec.SubjectID, string(hash), cred.DisplayName); err != nil {
			return res, notFound(err, "profile", rec.SubjectID)
		}
		res.ProfileID = rec.SubjectID
	case domain.SubjectClient:
		profileID, err := e.activateClient(ctx, tx, &fx, rec.SubjectID, string(hash), cred.DisplayName, nowTS)
		if err != nil {
			return res, err
		}
		res.ProfileID = profileID
	}
	if err := fx.event(e.appendEvent(ctx, tx, events.SubjectActivated, string(rec.SubjectType), rec.SubjectID, rec.SubjectID, events.EventPayload{
		"profile_id": res.ProfileID,
	})); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	e.Metrics.Token(ctx, "consume")
	e.flush(ctx, &fx)
	return res, nil
}

// activateClient links the profile owning the client's activation email to
// the client, clearing any link it still holds to a different email first.
func (e Engine) activateClient(ctx context.Context, tx *sql.Tx, fx *effects, clientID, credHash, displayName, nowTS string) (string, error) {
	client, err := e.Repo.GetClient(ctx, tx, clientID)
	if err != nil {
		return "", notFound(err, "client", clientID)
	}
	profile, err := e.Repo.GetProfileByEmail(ctx, tx, client.ActivationEmail)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		profile = domain.Profile{
			ID:          uuid.NewString(),
			Email:       client.ActivationEmail,
			DisplayName: strings.TrimSpace(displayName),
			Roles:       e.clientRoleLabels(),
			Status:      domain.ProfileInvited,
			CreatedAt:   nowTS,
		}
		if err := e.Repo.InsertProfile(ctx, tx, profile); err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	}
	stale := (profile.LinkedEmail != nil && !strings.EqualFold(*profile.LinkedEmail, client.ActivationEmail)) ||
		(profile.ClientID != nil && *profile.ClientID != client.ID)
	if stale {
		if err := e.Repo.ClearProfileLink(ctx, tx, profile.ID); err != nil {
			return "", err
		}
		payload := events.EventPayload{"client_id": client.ID}
		if profile.ClientID != nil {
			payload["previous_client_id"] = *profile.ClientID
		}
		if err := fx.event(e.appendEvent(ctx, tx, events.ProfileLinkReset, "profile", profile.ID, profile.ID, payload)); err != nil {
			return "", err
		}
	}
	if err := e.Repo.LinkProfile(ctx, tx, profile.ID, client.ID, client.ActivationEmail); err != nil {
		return "", err
	}
	if err := e.Repo.ActivateProfile(ctx, tx, profile.ID, credHash, displayName); err != nil {
		return "", err
	}
	if err := e.Repo.MarkClientActivated(ctx, tx, client.ID, nowTS); err != nil {
		return "", err
	}
	return profile.ID, nil
}

func (e Engine) clientRoleLabels() []string {
	if len(e.Config.Roles.Client) > 0 {
		return []string{e.Config.Roles.Client[0]}
	}
	return []string{"client"}
}

// VerifyCredential checks a password against an active profile.
func (e Engine) VerifyCredential(ctx context.Context, email, password string) (domain.Profile, error) {
	p, err := e.Repo.GetProfileByEmail(ctx, nil, email)
	if err != nil {
		return domain.Profile{}, apperr.Forbidden("unknown email")
	}
	if p.Status != domain.ProfileActive || p.CredentialHash == nil {
		return domain.Profile{}, apperr.Forbidden("profile not active")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*p.CredentialHash), []byte(password)); err != nil {
		return domain.Profile{}, apperr.Forbidden("credential mismatch")
	}
	return p, nil
}

// ListActivationTokens shows the issue history of a subject without digests.
func (e Engine) ListActivationTokens(ctx context.Context, actor role.Actor, subjectID string) ([]domain.ActivationToken, error) {
	if err := auth.Admin(actor); err != nil {
		return nil, err
	}
	out, err := e.Repo.ListTokens(ctx, subjectID)
	if out == nil && err == nil {
		out = []domain.ActivationToken{}
	}
	return out, err
}
