package httpadapter

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin grants the provider and moderation routes.
const RoleAdmin = "admin"

// Principal is the caller identity supplied by the authentication collaborator.
type Principal struct {
	UserID string
	Roles  []string
}

// IsAdmin reports whether p carries the admin role.
func (p Principal) IsAdmin() bool {
	return slices.Contains(p.Roles, RoleAdmin)
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func authenticateJWT(token, secret string) (Principal, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if c.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{UserID: c.Subject, Roles: c.Roles}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// authenticate resolves the caller. With a secret every request needs a valid
// bearer token; without one the gateway's X-User-ID and X-User-Roles headers are
// trusted.
func authenticate(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var p Principal
			if secret != "" {
				token, ok := bearerToken(r.Header.Get("Authorization"))
				if !ok {
					writeError(w, http.StatusUnauthorized, "unauthorized", "bearer token required")
					return
				}
				var err error
				if p, err = authenticateJWT(token, secret); err != nil {
					writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
					return
				}
			} else {
				p.UserID = strings.TrimSpace(r.Header.Get("X-User-ID"))
				if p.UserID == "" {
					writeError(w, http.StatusUnauthorized, "unauthorized", "X-User-ID header required")
					return
				}
				for _, role := range strings.Split(r.Header.Get("X-User-Roles"), ",") {
					if role = strings.TrimSpace(role); role != "" {
						p.Roles = append(p.Roles, role)
					}
				}
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
		})
	}
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := principalFromContext(r.Context()); !ok || !p.IsAdmin() {
			writeError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
