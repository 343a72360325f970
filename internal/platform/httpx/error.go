package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/checkout/internal/platform/requestctx"
)

// Error is the JSON error envelope shared by the order API and the storefront:
//
//	{"error": code, "message": ..., "status": 409, "request_id": ..., "trace_id": ..., "details": {...}}
type Error struct {
	Code      string         `json:"error"`
	Message   string         `json:"message"`
	Status    int            `json:"status"`
	RequestID string         `json:"request_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewError builds an envelope. A zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clean(code, 80),
		Message: clean(message, 512),
		Status:  status,
	}
}

// Error implements error so decoded envelopes can travel as errors on the client side.
func (e Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// WithDetails returns a copy of e carrying details.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	e.Details = make(map[string]any, len(details))
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WriteError writes e, stamping request and trace identifiers from ctx when absent.
func WriteError(ctx context.Context, w http.ResponseWriter, e Error) {
	if e.Status == 0 {
		e.Status = http.StatusInternalServerError
	}
	if e.RequestID == "" {
		e.RequestID = clean(middleware.GetReqID(ctx), 80)
	}
	if e.TraceID == "" {
		e.TraceID = clean(requestctx.TraceID(ctx), 64)
	}
	WriteJSON(w, e.Status, e)
}

// DecodeError reads an error envelope from a non-2xx response. Bodies that are not an
// envelope yield a generic one carrying the HTTP status.
func DecodeError(resp *http.Response) Error {
	var e Error
	if resp.Body != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&e); err != nil {
			e = Error{}
		}
	}
	if e.Status == 0 {
		e.Status = resp.StatusCode
	}
	if e.Code == "" {
		e.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
		if e.Code == "" {
			e.Code = "unknown_error"
		}
	}
	return e
}

// AsError extracts an envelope from err.
func AsError(err error) (Error, bool) {
	var e Error
	if errors.As(err, &e) {
		return e, true
	}
	return Error{}, false
}

func clean(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
