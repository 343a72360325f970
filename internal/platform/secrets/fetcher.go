// Package secrets resolves secret:// configuration references against Google Secret Manager,
// falling back to a local file for development.
package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const meterName = "github.com/hanko-field/checkout/internal/platform/secrets"

// ErrNotFound is returned when neither Secret Manager nor the fallback file holds the secret.
var ErrNotFound = errors.New("secrets: secret not found")

type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves and caches secret references. It satisfies config.SecretResolver.
type Fetcher struct {
	client     accessClient
	ownsClient bool
	projectID  string
	logger     *zap.Logger

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string
	fallbackErr  error

	mu    sync.Mutex
	cache map[string]string

	latency metric.Float64Histogram
}

type options struct {
	projectID    string
	fallbackPath string
	logger       *zap.Logger
	meter        metric.Meter
	client       accessClient
	clientOpts   []option.ClientOption
}

// Option customises a Fetcher.
type Option func(*options)

// WithProject sets the project used for references without ?project=.
func WithProject(projectID string) Option {
	return func(o *options) { o.projectID = strings.TrimSpace(projectID) }
}

// WithFallbackFile sets the local "secret://name=value" file consulted when Secret Manager
// is unreachable or unconfigured.
func WithFallbackFile(path string) Option {
	return func(o *options) { o.fallbackPath = strings.TrimSpace(path) }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMeter overrides the OpenTelemetry meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

// WithClient injects a Secret Manager client.
func WithClient(client accessClient) Option {
	return func(o *options) { o.client = client }
}

// WithClientOptions forwards options to the Secret Manager client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.clientOpts = append(o.clientOpts, opts...) }
}

// NewFetcher builds a Fetcher. Without a project id no Secret Manager client is created and
// only the fallback file is consulted.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	o := options{fallbackPath: ".secrets.local"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.meter == nil {
		o.meter = otel.Meter(meterName)
	}
	latency, err := o.meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Secret resolution latency by source"),
	)
	if err != nil {
		return nil, fmt.Errorf("secrets: latency histogram: %w", err)
	}

	f := &Fetcher{
		client:       o.client,
		projectID:    o.projectID,
		logger:       o.logger,
		fallbackPath: o.fallbackPath,
		cache:        map[string]string{},
		latency:      latency,
	}
	if f.client == nil && f.projectID != "" {
		client, err := secretmanager.NewClient(ctx, o.clientOpts...)
		if err != nil {
			o.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret resolves ref, of the form secret://name[?version=N][&project=P].
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parsed, err := parseRef(ref)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	value, ok := f.cache[parsed.key()]
	f.mu.Unlock()
	if ok {
		f.observe(ctx, start, "cache")
		return value, nil
	}

	project := parsed.project
	if project == "" {
		project = f.projectID
	}
	if f.client != nil && project != "" {
		name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, parsed.name, parsed.version)
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		switch {
		case err == nil:
			value := string(resp.GetPayload().GetData())
			f.store(parsed, value)
			f.observe(ctx, start, "remote")
			return value, nil
		case status.Code(err) == codes.NotFound:
			f.observe(ctx, start, "error")
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		case !fallbackEligible(err):
			f.observe(ctx, start, "error")
			return "", fmt.Errorf("secrets: access %s: %w", name, err)
		}
		f.logger.Debug("secrets: secret manager unreachable, trying fallback file",
			zap.String("secret", parsed.name), zap.Error(err))
	}

	value, err = f.lookupFallback(parsed)
	if err != nil {
		f.observe(ctx, start, "error")
		return "", err
	}
	f.store(parsed, value)
	f.observe(ctx, start, "fallback")
	return value, nil
}

func (f *Fetcher) store(ref secretRef, value string) {
	f.mu.Lock()
	f.cache[ref.key()] = value
	f.mu.Unlock()
}

func (f *Fetcher) observe(ctx context.Context, start time.Time, source string) {
	f.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(attribute.String("source", source)))
}

func (f *Fetcher) lookupFallback(ref secretRef) (string, error) {
	f.fallbackOnce.Do(func() {
		f.fallback, f.fallbackErr = readFallback(f.fallbackPath)
	})
	if f.fallbackErr != nil {
		return "", f.fallbackErr
	}
	if value, ok := f.fallback[ref.name]; ok {
		return value, nil
	}
	return "", fmt.Errorf("%w: secret://%s", ErrNotFound, ref.name)
}

// readFallback parses "secret://name=value" lines. Fallback values are unversioned.
func readFallback(path string) (map[string]string, error) {
	values := map[string]string{}
	if path == "" {
		return values, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: open fallback file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if parsed, err := parseRef(key); err == nil {
			values[parsed.name] = strings.TrimSpace(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("secrets: read fallback file: %w", err)
	}
	return values, nil
}

type secretRef struct {
	name    string
	version string
	project string
}

func (r secretRef) key() string {
	return "secret://" + r.name + "?version=" + r.version
}

func parseRef(ref string) (secretRef, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "sm://") {
		ref = "secret://" + strings.TrimPrefix(ref, "sm://")
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "secret" {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q", ref)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return secretRef{}, fmt.Errorf("secrets: reference %q names no secret", ref)
	}
	q := u.Query()
	version := strings.TrimSpace(q.Get("version"))
	if version == "" {
		version = "latest"
	}
	return secretRef{name: name, version: version, project: strings.TrimSpace(q.Get("project"))}, nil
}

func fallbackEligible(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
