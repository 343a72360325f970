package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/samber/lo"

	"github.com/hanko-field/checkout/internal/platform/httpx"
)

const (
	defaultRoleClaim     = "role"
	defaultVerifyTimeout = 5 * time.Second
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns bearer tokens into identities for the HTTP layer.
type Authenticator struct {
	verifier     TokenVerifier
	roleClaim    string
	fallbackRole string
	timeout      time.Duration
}

// Option customises an Authenticator.
type Option func(*Authenticator)

// WithRoleClaim overrides the custom claim holding the caller's roles.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithVerificationTimeout bounds each token verification.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator builds an Authenticator. Tokens without a role claim are treated as buyers.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:     verifier,
		roleClaim:    defaultRoleClaim,
		fallbackRole: RoleBuyer,
		timeout:      defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Authenticate requires a valid `Authorization: Bearer <id token>` header and stores the
// resulting Identity on the request context.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeUnauthenticated(w, r, "unauthenticated", "authorization header missing or invalid")
			return
		}
		if a == nil || a.verifier == nil {
			writeUnauthenticated(w, r, "unauthenticated", "authentication is not configured")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
		decoded, err := a.verifier.VerifyIDToken(ctx, token)
		cancel()
		if err != nil {
			code := "invalid_token"
			message := "firebase id token invalid"
			if firebaseauth.IsIDTokenExpired(err) {
				code, message = "token_expired", "firebase id token expired"
			}
			writeUnauthenticated(w, r, code, message)
			return
		}
		if decoded == nil || strings.TrimSpace(decoded.UID) == "" {
			writeUnauthenticated(w, r, "invalid_token", "firebase id token has no subject")
			return
		}

		identity := &Identity{
			UID:         decoded.UID,
			Email:       stringClaim(decoded.Claims, "email"),
			DisplayName: stringClaim(decoded.Claims, "name"),
			Roles:       rolesFromClaim(decoded.Claims[a.roleClaim]),
		}
		if len(identity.Roles) == 0 {
			identity.Roles = []string{a.fallbackRole}
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// RequireRole must run after Authenticate; it answers 403 unless the identity holds one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				writeUnauthenticated(w, r, "unauthenticated", "authentication required")
				return
			}
			if !identity.HasAnyRole(roles...) {
				httpx.WriteError(r.Context(), w, httpx.NewError("forbidden", "operator role required", http.StatusForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthenticated(w http.ResponseWriter, r *http.Request, code, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="checkout"`)
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, http.StatusUnauthorized))
}

// rolesFromClaim accepts a single role string, a list of role strings, or a map of role→bool.
func rolesFromClaim(raw any) []string {
	var roles []string
	switch v := raw.(type) {
	case string:
		roles = []string{v}
	case []string:
		roles = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				roles = append(roles, s)
			}
		}
	case map[string]any:
		for role, enabled := range v {
			if on, ok := enabled.(bool); ok && on {
				roles = append(roles, role)
			}
		}
	}
	roles = lo.Uniq(lo.FilterMap(roles, func(role string, _ int) (string, bool) {
		role = normaliseRole(role)
		return role, role != ""
	}))
	if len(roles) == 0 {
		return nil
	}
	return roles
}

func stringClaim(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
