// Package storefront serves the buyer-facing cart and checkout endpoints of the storefront edge.
package storefront

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/hanko-field/checkout/internal/checkout"
	"github.com/hanko-field/checkout/internal/platform/requestctx"
)

const (
	// SessionHeader carries the cart session for API clients that do not keep cookies.
	SessionHeader = "X-Session-ID"

	maxSessionLength = 128
)

// SessionOption customises the session middleware.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	cookie string
	secure bool
	newID  func() string
}

// WithSessionCookie overrides the cookie name.
func WithSessionCookie(name string) SessionOption {
	return func(cfg *sessionConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.cookie = name
		}
	}
}

// WithSecureCookie marks issued cookies Secure.
func WithSecureCookie(secure bool) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.secure = secure
	}
}

// WithSessionIDGenerator overrides how new session ids are minted.
func WithSessionIDGenerator(fn func() string) SessionOption {
	return func(cfg *sessionConfig) {
		if fn != nil {
			cfg.newID = fn
		}
	}
}

// Session resolves the cart session from the X-Session-ID header or the session cookie and
// stores it on the request context. Requests without one get a fresh id, returned in both the
// header and the cookie.
func Session(opts ...SessionOption) func(http.Handler) http.Handler {
	cfg := sessionConfig{cookie: "hf_session", newID: uuid.NewString}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := validSession(r.Header.Get(SessionHeader))
			if id == "" {
				if cookie, err := r.Cookie(cfg.cookie); err == nil {
					id = validSession(cookie.Value)
				}
			}
			if id == "" {
				id = cfg.newID()
				http.SetCookie(w, &http.Cookie{
					Name:     cfg.cookie,
					Value:    id,
					Path:     "/",
					HttpOnly: true,
					Secure:   cfg.secure,
					SameSite: http.SameSiteLaxMode,
				})
			}
			w.Header().Set(SessionHeader, id)
			next.ServeHTTP(w, r.WithContext(requestctx.WithSession(r.Context(), id)))
		})
	}
}

// ForwardBearer copies the buyer's Authorization bearer token onto the context so the order
// API client can forward it.
func ForwardBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
			if token := strings.TrimSpace(header[7:]); token != "" {
				r = r.WithContext(checkout.WithBearerToken(r.Context(), token))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func validSession(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > maxSessionLength {
		return ""
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return ""
		}
	}
	return value
}
