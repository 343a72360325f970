package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeSecretClient struct {
	mu     sync.Mutex
	values map[string]string
	errs   map[string]error
	calls  map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{values: map[string]string{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (c *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[req.GetName()]++
	if err, ok := c.errs[req.GetName()]; ok {
		return nil, err
	}
	value, ok := c.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "missing")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    req.GetName(),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}, nil
}

func (c *fakeSecretClient) Close() error { return nil }

func writeFallback(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	return path
}

func TestResolveCachesRemoteSecret(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/hf-dev/secrets/stripe-api-key/versions/latest"
	client.values[resource] = "sk_live"

	f, err := NewFetcher(ctx, WithClient(client), WithProject("hf-dev"))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer f.Close()

	for i := 0; i < 2; i++ {
		got, err := f.ResolveSecret(ctx, "secret://stripe-api-key")
		if err != nil || got != "sk_live" {
			t.Fatalf("resolve #%d = %q, %v", i, got, err)
		}
	}
	if client.calls[resource] != 1 {
		t.Fatalf("expected one remote call, got %d", client.calls[resource])
	}
}

func TestResolveHonoursVersionAndProject(t *testing.T) {
	client := newFakeSecretClient()
	client.values["projects/other/secrets/dsn/versions/3"] = "postgres://v3"

	f, _ := NewFetcher(context.Background(), WithClient(client), WithProject("hf-dev"))
	got, err := f.ResolveSecret(context.Background(), "sm://dsn?version=3&project=other")
	if err != nil || got != "postgres://v3" {
		t.Fatalf("resolve = %q, %v", got, err)
	}
}

func TestResolveFallsBackWhenUnreachable(t *testing.T) {
	client := newFakeSecretClient()
	client.errs["projects/hf-dev/secrets/gateway-secret/versions/latest"] = status.Error(codes.PermissionDenied, "denied")
	path := writeFallback(t, "# dev\nsecret://gateway-secret = local-value\nnot a line\n")

	f, _ := NewFetcher(context.Background(), WithClient(client), WithProject("hf-dev"), WithFallbackFile(path))
	got, err := f.ResolveSecret(context.Background(), "secret://gateway-secret")
	if err != nil || got != "local-value" {
		t.Fatalf("resolve = %q, %v", got, err)
	}
}

func TestResolveNotFoundDoesNotFallBack(t *testing.T) {
	path := writeFallback(t, "secret://dsn=local\n")
	f, _ := NewFetcher(context.Background(), WithClient(newFakeSecretClient()), WithProject("hf-dev"), WithFallbackFile(path))
	if _, err := f.ResolveSecret(context.Background(), "secret://dsn"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveWithoutProjectUsesFallbackOnly(t *testing.T) {
	path := writeFallback(t, "secret://redis-password=pw\n")
	f, err := NewFetcher(context.Background(), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	if got, err := f.ResolveSecret(context.Background(), "secret://redis-password"); err != nil || got != "pw" {
		t.Fatalf("resolve = %q, %v", got, err)
	}
	if _, err := f.ResolveSecret(context.Background(), "secret://missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, bad := range []string{"", "https://x", "secret://"} {
		if _, err := f.ResolveSecret(context.Background(), bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}
