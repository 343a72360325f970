package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
)

const (
	defaultKeyPrefix = "checkout:cart:"
	// DefaultTTL is how long an untouched cart survives.
	DefaultTTL = 7 * 24 * time.Hour
)

// RedisStore keeps one JSON document per session. Every save rewrites the whole document
// and refreshes its TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// RedisOption customises a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultKeyPrefix, ttl: DefaultTTL}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

type cartDocument struct {
	Lines       []lineDocument       `json:"lines"`
	Destination *destinationDocument `json:"destination,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

type lineDocument struct {
	ProductID    string          `json:"product_id"`
	Name         string          `json:"name"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	StockCeiling int             `json:"stock_ceiling"`
	Quantity     int             `json:"quantity"`
	Variant      string          `json:"variant,omitempty"`
}

type destinationDocument struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

func (s *RedisStore) Load(ctx context.Context, key string) (State, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("cart: redis get: %w", err)
	}

	var doc cartDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return State{}, fmt.Errorf("cart: decode document: %w", err)
	}
	state := State{Lines: make([]domain.CartLine, 0, len(doc.Lines)), UpdatedAt: doc.UpdatedAt}
	for _, line := range doc.Lines {
		state.Lines = append(state.Lines, domain.CartLine(line))
	}
	if doc.Destination != nil {
		dest := domain.Destination(*doc.Destination)
		state.Destination = &dest
	}
	return state, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, state State) error {
	doc := cartDocument{Lines: make([]lineDocument, 0, len(state.Lines)), UpdatedAt: state.UpdatedAt}
	for _, line := range state.Lines {
		doc.Lines = append(doc.Lines, lineDocument(line))
	}
	if state.Destination != nil {
		dest := destinationDocument(*state.Destination)
		doc.Destination = &dest
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("cart: encode document: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("cart: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("cart: redis del: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable. Used by readiness checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
