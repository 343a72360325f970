// Package idempotency replays the stored response of a request retried with the same
// Idempotency-Key, so a buyer's retried order submission never creates a second order.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"
)

// DefaultTTL bounds how long a key is remembered.
const DefaultTTL = 24 * time.Hour

// State is the outcome of Begin.
type State int

const (
	// StateNew means the caller owns the key and must Finish or Abandon it.
	StateNew State = iota
	// StateReplay means a response was stored for the key and should be replayed.
	StateReplay
	// StateInFlight means another request holds the key.
	StateInFlight
)

// ErrKeyReuse is returned when a key is presented with a different request.
var ErrKeyReuse = errors.New("idempotency: key already used for a different request")

// Response is the stored outcome of a request.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Record is what a Store keeps per key.
type Record struct {
	Key         string
	Fingerprint string
	Completed   bool
	Response    Response
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store persists key reservations and completed responses.
type Store interface {
	// Begin reserves key for fingerprint, or reports an existing reservation.
	Begin(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (State, Record, error)
	// Finish stores the response for a key reserved by Begin.
	Finish(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	// Abandon drops a reservation so the request can be retried.
	Abandon(ctx context.Context, key, fingerprint string) error
	// Purge deletes up to limit expired records and returns how many were removed.
	Purge(ctx context.Context, now time.Time, limit int) (int, error)
}

func documentID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// storableHeader drops hop-by-hop and per-response headers before persisting.
func storableHeader(h http.Header) http.Header {
	out := http.Header{}
	for name, values := range h {
		switch http.CanonicalHeaderKey(name) {
		case "Content-Length", "Date", "Connection", "Keep-Alive", "Transfer-Encoding", "Trailer", "Upgrade", "Set-Cookie":
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	return out
}

func newPending(key, fingerprint string, now time.Time, ttl time.Duration) Record {
	return Record{Key: key, Fingerprint: fingerprint, CreatedAt: now, ExpiresAt: now.Add(ttl)}
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
