package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultEnvFile = ".env"

// SecretResolver resolves secret:// references.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret calls f.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists configuration keys that are missing or malformed.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns the offending field names, sorted.
func (e *ValidationError) Fields() []string {
	out := append([]string(nil), e.fields...)
	sort.Strings(out)
	return out
}

// SecretError reports a secret:// reference that could not be resolved.
type SecretError struct {
	Field string
	Ref   string
	Err   error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve %s (%s): %v", e.Field, e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// ErrNoSecretResolver is wrapped by SecretError when a reference is found but no resolver was configured.
var ErrNoSecretResolver = errors.New("secret resolver not configured")

// Option customises Load and LoadStorefront.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secrets      SecretResolver
}

// WithEnvFile overrides the dotenv path. An empty path disables dotenv loading.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies values that take precedence over both the OS environment and dotenv.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver resolves values of the form secret://name.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secrets = resolver }
}

// source looks values up with precedence env map > OS env > dotenv and collects
// parse problems as it goes.
type source struct {
	opts    loaderOptions
	dotenv  map[string]string
	invalid []string
}

func newSource(opts []Option) (*source, error) {
	o := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	dotenv, err := readDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	return &source{opts: o, dotenv: dotenv}, nil
}

// Lookup is exported for callers that need raw values before Load, such as the secrets
// fetcher's project id.
func Lookup(key string, opts ...Option) (string, error) {
	src, err := newSource(opts)
	if err != nil {
		return "", err
	}
	value, _ := src.lookup(key)
	return value, nil
}

func (s *source) lookup(key string) (string, bool) {
	if v, ok := s.opts.envMap[key]; ok {
		return strings.TrimSpace(v), true
	}
	if s.opts.useSystemEnv {
		if v, ok := os.LookupEnv(key); ok {
			return strings.TrimSpace(v), true
		}
	}
	v, ok := s.dotenv[key]
	return v, ok
}

func (s *source) str(key, fallback string) string {
	if v, ok := s.lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func (s *source) duration(key string, fallback time.Duration) time.Duration {
	v, ok := s.lookup(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		s.invalid = append(s.invalid, key)
		return fallback
	}
	return d
}

func (s *source) integer(key string, fallback int) int {
	v, ok := s.lookup(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.invalid = append(s.invalid, key)
		return fallback
	}
	return n
}

func (s *source) boolean(key string, fallback bool) bool {
	v, ok := s.lookup(key)
	if !ok || v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	s.invalid = append(s.invalid, key)
	return fallback
}

func (s *source) amount(key string, fallback decimal.Decimal) decimal.Decimal {
	v, ok := s.lookup(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		s.invalid = append(s.invalid, key)
		return fallback
	}
	return d
}

// pairs parses "k1=v1,k2=v2"; keys are lower-cased.
func (s *source) pairs(key string) map[string]string {
	out := map[string]string{}
	v, _ := s.lookup(key)
	for _, entry := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(entry), "=")
		k, val = strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(val)
		if ok && k != "" && val != "" {
			out[k] = val
		}
	}
	return out
}

// resolve replaces secret references in place. Fields are resolved in order and the
// first failure is returned.
func (s *source) resolve(ctx context.Context, fields map[string]*string) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		field := fields[name]
		ref, ok := secretRef(*field)
		if !ok {
			continue
		}
		if s.opts.secrets == nil {
			return &SecretError{Field: name, Ref: ref, Err: ErrNoSecretResolver}
		}
		value, err := s.opts.secrets.ResolveSecret(ctx, ref)
		if err != nil {
			return &SecretError{Field: name, Ref: ref, Err: err}
		}
		*field = strings.TrimSpace(value)
	}
	return nil
}

// secretRef recognises secret:// and the older sm:// spelling, normalising to secret://.
func secretRef(value string) (string, bool) {
	value = strings.TrimSpace(value)
	switch {
	case strings.HasPrefix(value, "secret://"):
		return value, true
	case strings.HasPrefix(value, "sm://"):
		return "secret://" + strings.TrimPrefix(value, "sm://"), true
	default:
		return "", false
	}
}

func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer file.Close()

	values := map[string]string{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return values, nil
}
