package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures bearer-token authentication for the gateway.
type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	ScopeClaim string
	ClockSkew  time.Duration
	// Policy supplies scopes for subjects whose tokens omit the scope claim.
	Policy *ScopePolicy
}

type contextKey string

const (
	// ContextKeySubject carries the authenticated token subject.
	ContextKeySubject contextKey = "payments.subject"
	// ContextKeyScopes carries the granted scopes.
	ContextKeyScopes contextKey = "payments.scopes"
)

// Scopes accepted by the route table.
const (
	ScopeRead  = "payments:read"
	ScopeWrite = "payments:write"
	ScopeAdmin = "payments:admin"
)

// Authenticator validates HMAC-signed JWTs on incoming requests.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
}

// NewAuthenticator builds an authenticator; a nil logger falls back to the
// process default.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
	}
}

// Middleware enforces a valid token carrying every required scope.
func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := a.parseToken(tokenString)
			if err != nil {
				a.logger.Info("token rejected", "error", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			subject, _ := claims.GetSubject()
			scopes := extractScopes(claims, a.cfg.ScopeClaim)
			if len(scopes) == 0 {
				scopes = a.cfg.Policy.ScopesFor(subject)
			}
			if !hasScopes(scopes, requiredScopes) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeySubject, subject)
			ctx = context.WithValue(ctx, ContextKeyScopes, scopes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	parserOpts := []jwt.ParserOption{jwt.WithLeeway(a.cfg.ClockSkew)}
	if a.cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.cfg.Audience))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func extractScopes(claims jwt.MapClaims, claimName string) []string {
	raw, ok := claims[claimName]
	if !ok {
		return nil
	}
	switch value := raw.(type) {
	case string:
		return strings.Fields(value)
	case []any:
		scopes := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok {
				scopes = append(scopes, s)
			}
		}
		return scopes
	}
	return nil
}

func hasScopes(granted, required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range granted {
			if have == want || have == ScopeAdmin {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
