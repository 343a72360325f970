// Package firestore opens the Firestore client shared by the idempotency store.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanko-field/checkout/internal/platform/config"
)

const (
	defaultDialTimeout = 10 * time.Second
	envEmulatorHost    = "FIRESTORE_EMULATOR_HOST"
	envGoogleProjectID = "GOOGLE_CLOUD_PROJECT"
)

// Option customises NewClient.
type Option func(*clientOptions)

type clientOptions struct {
	dialTimeout time.Duration
	clientOpts  []option.ClientOption
}

// WithDialTimeout bounds client construction.
func WithDialTimeout(timeout time.Duration) Option {
	return func(o *clientOptions) {
		if timeout > 0 {
			o.dialTimeout = timeout
		}
	}
}

// WithClientOptions forwards options to firestore.NewClient.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(o *clientOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// NewClient connects to Firestore for cfg.ProjectID, or GOOGLE_CLOUD_PROJECT when unset.
// An emulator host, from cfg or FIRESTORE_EMULATOR_HOST, switches to an unauthenticated
// plaintext connection.
func NewClient(ctx context.Context, cfg config.FirestoreConfig, opts ...Option) (*firestore.Client, error) {
	o := clientOptions{dialTimeout: defaultDialTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		projectID = strings.TrimSpace(os.Getenv(envGoogleProjectID))
	}
	if projectID == "" {
		return nil, errors.New("firestore: project id is required")
	}

	clientOpts := append([]option.ClientOption(nil), o.clientOpts...)
	if host := emulatorHost(cfg); host != "" {
		clientOpts = append(clientOpts,
			option.WithoutAuthentication(),
			option.WithEndpoint(host),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	dialCtx, cancel := context.WithTimeout(ctx, o.dialTimeout)
	defer cancel()
	client, err := firestore.NewClient(dialCtx, projectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client: %w", err)
	}
	return client, nil
}

// Check returns a readiness check that lists one collection.
func Check(client *firestore.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if client == nil {
			return errors.New("firestore: client not initialised")
		}
		_, err := client.Collections(ctx).Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		return err
	}
}

func emulatorHost(cfg config.FirestoreConfig) string {
	if host := strings.TrimSpace(cfg.EmulatorHost); host != "" {
		return host
	}
	return strings.TrimSpace(os.Getenv(envEmulatorHost))
}
