package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"planline/internal/engine"
)

// APIKeyHeader carries a plaintext API key issued by `pl rbac keys issue`.
const APIKeyHeader = "X-Api-Key"

type AuthConfig struct {
	JWTSecret string
	// Organization, when set, must match the org claim of bearer tokens that carry one.
	Organization string
}

// Caller is the authenticated actor of one request. Permissions are always resolved from
// the database by the engine, never taken from the credential.
type Caller struct {
	ActorID string
	Source  string
}

type callerKey struct{}

// callerSlotKey holds a *Caller placed by the request logger; withCaller fills it so
// outer middleware can read the actor after the request is served.
type callerSlotKey struct{}

func withCaller(ctx context.Context, c Caller) context.Context {
	if slot, ok := ctx.Value(callerSlotKey{}).(*Caller); ok {
		*slot = c
	}
	return context.WithValue(ctx, callerKey{}, c)
}

func withCallerSlot(ctx context.Context) (context.Context, *Caller) {
	slot := &Caller{}
	return context.WithValue(ctx, callerSlotKey{}, slot), slot
}

func callerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if c, ok := callerFromContext(ctx); ok && c.ActorID != "" {
		return c.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Org string `json:"org,omitempty"`
}

// SignToken mints an HS256 bearer token whose subject is the actor id.
func SignToken(secret, actorID, org string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(actorID) == "" {
		return "", errors.New("actor id required")
	}
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  actorID,
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   "planline",
		},
		Org: org,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, cfg AuthConfig) (Caller, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return Caller{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &tokenClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return Caller{}, err
	}
	if !parsed.Valid {
		return Caller{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Caller{}, errors.New("subject claim required")
	}
	if claims.Org != "" && cfg.Organization != "" && claims.Org != cfg.Organization {
		return Caller{}, errors.New("token issued for another organization")
	}
	return Caller{ActorID: claims.Subject, Source: "jwt"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
		path.Join(basePath, "openapi.yaml"): true,
		path.Join(basePath, "docs"):         true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			invalid := newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)

			if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, invalid)
					return
				}
				caller, err := authenticateJWT(token, cfg)
				if err != nil {
					respondStatusError(w, invalid)
					return
				}
				next.ServeHTTP(w, req.WithContext(withCaller(req.Context(), caller)))
				return
			}

			if key := strings.TrimSpace(req.Header.Get(APIKeyHeader)); key != "" {
				actorID, err := e.ResolveAPIKey(req.Context(), key)
				if err != nil {
					respondStatusError(w, invalid)
					return
				}
				caller := Caller{ActorID: actorID, Source: "api_key"}
				next.ServeHTTP(w, req.WithContext(withCaller(req.Context(), caller)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
