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
)

// AuthConfig enables bearer authentication on the API when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string
}

func (c AuthConfig) Enabled() bool { return strings.TrimSpace(c.JWTSecret) != "" }

type Principal struct {
	Subject string
}

// principalSlot is placed in the request context by the request logger so the
// auth middleware further down the chain can report who called.
type principalSlot struct {
	principal *Principal
}

type principalKey struct{}

func withPrincipalSlot(ctx context.Context) (context.Context, *principalSlot) {
	if slot, ok := ctx.Value(principalKey{}).(*principalSlot); ok {
		return ctx, slot
	}
	slot := &principalSlot{}
	return context.WithValue(ctx, principalKey{}, slot), slot
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	slot, ok := ctx.Value(principalKey{}).(*principalSlot)
	if !ok || slot.principal == nil {
		return Principal{}, false
	}
	return *slot.principal, true
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

// IssueToken mints an HS256 token for subject, valid for ttl.
func IssueToken(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject is required")
	}
	claims := jwtClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
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
	return Principal{Subject: claims.Subject}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for the API base path.
			if !cfg.Enabled() || !strings.HasPrefix(req.URL.Path, basePath+"/") || req.Method == http.MethodOptions {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			principal, err := authenticateJWT(token, cfg.JWTSecret)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			ctx, slot := withPrincipalSlot(req.Context())
			slot.principal = &principal
			next.ServeHTTP(w, req.WithContext(ctx))
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
