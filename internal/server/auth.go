package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"signoff/internal/engine/auth"
	"signoff/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	// DevLogin exposes POST /auth/dev/login, which mints tokens for any
	// actor. Local use only.
	DevLogin bool
	Logger   *slog.Logger
}

type Principal struct {
	ActorID string
	Roles   []string
	Source  string
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// requireRole resolves the caller and checks it holds one of allowed.
func requireRole(ctx context.Context, action string, allowed ...string) (Principal, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if err := auth.RequireAnyRole(action, p.Roles, allowed); err != nil {
		return p, err
	}
	return p, nil
}

var readRoles = []string{auth.RoleViewer, auth.RoleApprover, auth.RoleOwner}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
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
	return Principal{ActorID: claims.Subject, Roles: knownRoles(claims.Roles), Source: "jwt"}, nil
}

func signDevToken(secret, actorID string, roles []string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(12 * time.Hour)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	k, err := r.GetApproverKeyByHash(ctx, repo.HashKey(key))
	if err != nil {
		return Principal{}, err
	}
	if k.ActorID == "" {
		return Principal{}, errors.New("api key missing actor")
	}
	return Principal{ActorID: k.ActorID, Roles: knownRoles(k.Roles), Source: "api_key"}, nil
}

// knownRoles drops role names signoff does not recognize.
func knownRoles(in []string) []string {
	var out []string
	for _, r := range in {
		if auth.ValidRole(r) {
			out = append(out, r)
		}
	}
	return out
}

// authenticator resolves the caller from a bearer JWT or an X-Api-Key
// header. Requests outside basePath and public routes pass through.
type authenticator struct {
	basePath string
	cfg      AuthConfig
	keys     repo.Repo
	public   map[string]bool
}

func newAuthenticator(basePath string, cfg AuthConfig, keys repo.Repo) *authenticator {
	public := map[string]bool{path.Join(basePath, "health"): true}
	for _, doc := range []string{"docs", "openapi.json", "openapi.yaml", "openapi-3.0.json", "openapi-3.0.yaml"} {
		public[path.Join(basePath, doc)] = true
	}
	if cfg.DevLogin {
		public[path.Join(basePath, "auth/dev/login")] = true
	}
	return &authenticator{basePath: basePath, cfg: cfg, keys: keys, public: public}
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		p := req.URL.Path
		if !strings.HasPrefix(p, a.basePath) || a.public[p] || strings.HasPrefix(p, path.Join(a.basePath, "schemas")+"/") {
			next.ServeHTTP(w, req)
			return
		}
		principal, err := a.authenticate(req)
		if err != nil {
			a.cfg.logger().Warn("rejected credentials", "path", p, "err", err)
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
	})
}

func (a *authenticator) authenticate(req *http.Request) (Principal, huma.StatusError) {
	invalid := newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		token = strings.TrimSpace(token)
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			return Principal{}, invalid
		}
		p, err := authenticateJWT(token, a.cfg.JWTSecret)
		if err != nil {
			a.cfg.logger().Debug("jwt rejected", "err", err)
			return Principal{}, invalid
		}
		return p, nil
	}
	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		p, err := authenticateAPIKey(req.Context(), a.keys, key)
		if err != nil {
			a.cfg.logger().Debug("api key rejected", "err", err)
			return Principal{}, invalid
		}
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func writeError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
