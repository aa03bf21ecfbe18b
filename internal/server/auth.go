package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"agencyflow/internal/engine"
	"agencyflow/internal/role"
)

const (
	headerAPIKey       = "X-Api-Key"
	headerActingAs     = "X-Acting-As-Client"
	headerDevActor     = "X-Actor-Id"
	headerDevRoles     = "X-Roles"
	headerDevClient    = "X-Client-Id"
	defaultSessionTTL  = 12 * time.Hour
)

type AuthConfig struct {
	JWTSecret string
	// AllowDevHeaders trusts X-Actor-Id / X-Roles / X-Client-Id. Local use only.
	AllowDevHeaders bool
	SessionTTL      time.Duration
}

// Principal is the authenticated caller as presented, before classification.
type Principal struct {
	SubjectID string
	Roles     []string
	ClientID  string
	Source    string
}

type actorKey struct{}

func withActor(ctx context.Context, a role.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// actorFromContext returns the classified caller or a 401.
func actorFromContext(ctx context.Context) (role.Actor, huma.StatusError) {
	if a, ok := ctx.Value(actorKey{}).(role.Actor); ok && a.SubjectID != "" {
		return a, nil
	}
	return role.Actor{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles    []string `json:"roles,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{SubjectID: claims.Subject, Roles: claims.Roles, ClientID: claims.ClientID, Source: "jwt"}, nil
}

// SignSession mints an HS256 session token for p.
func SignSession(secret string, p Principal, now time.Time, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.SubjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles:    p.Roles,
		ClientID: p.ClientID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func splitLabels(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// newAuthMiddleware resolves credentials into a role.Actor. Requests without
// credentials continue anonymously and are refused by the routes that need
// an actor; malformed or unknown credentials are refused here.
func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			actingAs := strings.TrimSpace(req.Header.Get(headerActingAs))
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKey := strings.TrimSpace(req.Header.Get(headerAPIKey))
			devActor := strings.TrimSpace(req.Header.Get(headerDevActor))

			var actor role.Actor
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				p, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					logger.Debug("jwt rejected", zap.Error(err))
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				actor = e.Actor(p.SubjectID, p.Roles, p.ClientID, actingAs)
			case apiKey != "":
				a, err := e.ResolveAPIKey(req.Context(), apiKey)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				if a.IsAdmin() {
					a.ViewingClientID = actingAs
				}
				actor = a
			case devActor != "" && cfg.AllowDevHeaders:
				logger.Warn("trusting development identity headers", zap.String("subject_id", devActor))
				actor = e.Actor(devActor, splitLabels(req.Header.Get(headerDevRoles)), req.Header.Get(headerDevClient), actingAs)
			default:
				next.ServeHTTP(w, req)
				return
			}
			next.ServeHTTP(w, req.WithContext(withActor(req.Context(), actor)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

func (h handlers) registerAuth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange an activated credential for a session token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		p, err := h.e.VerifyCredential(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		principal := Principal{SubjectID: p.ID, Roles: p.Roles}
		if p.ClientID != nil {
			principal.ClientID = *p.ClientID
		}
		token, err := SignSession(h.auth.JWTSecret, principal, time.Now(), h.auth.SessionTTL)
		if err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "dependency_unavailable", "sessions are not configured", nil)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token, SubjectID: p.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current actor",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		actor, aerr := actorFromContext(ctx)
		if aerr != nil {
			return nil, aerr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			SubjectID:       actor.SubjectID,
			Class:           actor.Class.String(),
			ClientID:        actor.ClientID,
			ViewingClientID: actor.ViewingClientID,
		}}, nil
	})
}
