package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/requestctx"
)

// ReplayHeader marks responses served from the store.
const ReplayHeader = "Idempotent-Replayed"

const maxKeyLength = 255

type middlewareConfig struct {
	header string
	ttl    time.Duration
	clock  func() time.Time
}

// Option customises Middleware.
type Option func(*middlewareConfig)

// WithHeader overrides the request header carrying the key.
func WithHeader(name string) Option {
	return func(c *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			c.header = name
		}
	}
}

// WithTTL sets how long keys are remembered.
func WithTTL(ttl time.Duration) Option {
	return func(c *middlewareConfig) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *middlewareConfig) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Middleware replays the first response for a repeated key. Keys are scoped to the
// authenticated caller, so it must run after auth.Authenticator.Authenticate. Requests
// without the header pass through untouched. Responses with a 5xx status are not stored
// and the key is released for retry.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := middlewareConfig{header: "Idempotency-Key", ttl: DefaultTTL, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			logger := requestctx.Logger(ctx)
			if len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("validation_error", "idempotency key too long", http.StatusBadRequest).
					WithDetails(map[string]any{"fields": map[string]string{cfg.header: "too_long"}}))
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("validation_error", "request body unreadable", http.StatusBadRequest))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			caller := "anonymous"
			if identity, ok := auth.IdentityFromContext(ctx); ok {
				caller = identity.UID
			}
			scoped := caller + "|" + key
			fingerprint := fingerprintOf(r.Method, r.URL.Path, caller, body)

			state, rec, err := store.Begin(ctx, scoped, fingerprint, cfg.clock().UTC(), cfg.ttl)
			switch {
			case errors.Is(err, ErrKeyReuse):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", "idempotency key already used for a different request", http.StatusUnprocessableEntity))
				return
			case err != nil:
				logger.Error("idempotency reserve failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("unavailable", "idempotency store unavailable", http.StatusServiceUnavailable))
				return
			}

			switch state {
			case StateReplay:
				logger.Info("idempotent replay", zap.Int("status", rec.Response.Status))
				replay(w, rec.Response)
				return
			case StateInFlight:
				w.Header().Set("Retry-After", "1")
				httpx.WriteError(ctx, w, httpx.NewError("conflict", "a request with this idempotency key is in progress", http.StatusConflict))
				return
			}

			rw := &captureWriter{header: http.Header{}}
			next.ServeHTTP(rw, r)
			resp := rw.response()

			if resp.Status >= http.StatusInternalServerError {
				if err := store.Abandon(ctx, scoped, fingerprint); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err))
				}
			} else if err := store.Finish(ctx, scoped, fingerprint, resp, cfg.clock().UTC(), cfg.ttl); err != nil {
				logger.Error("idempotency save failed", zap.Error(err))
			}
			write(w, resp)
		})
	}
}

func fingerprintOf(method, path, caller string, body []byte) string {
	h := sha256.New()
	for _, part := range []string{strings.ToUpper(method), path, caller} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func replay(w http.ResponseWriter, resp Response) {
	for name, values := range resp.Header {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(ReplayHeader, "true")
	write(w, resp)
}

func write(w http.ResponseWriter, resp Response) {
	for name, values := range resp.Header {
		if _, set := w.Header()[name]; !set {
			w.Header()[name] = values
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

// captureWriter buffers the handler's response so it can be stored before it is sent.
type captureWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (c *captureWriter) Header() http.Header { return c.header }

func (c *captureWriter) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(p)
}

func (c *captureWriter) response() Response {
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	return Response{Status: status, Header: c.header.Clone(), Body: c.body.Bytes()}
}
