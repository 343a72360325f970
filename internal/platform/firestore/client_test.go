package firestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanko-field/checkout/internal/platform/config"
)

func TestNewClientRequiresProject(t *testing.T) {
	t.Setenv(envGoogleProjectID, "")
	_, err := NewClient(context.Background(), config.FirestoreConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project id is required")
}

func TestEmulatorHostPrecedence(t *testing.T) {
	t.Setenv(envEmulatorHost, "env-host:8080")
	assert.Equal(t, "cfg-host:9090", emulatorHost(config.FirestoreConfig{EmulatorHost: " cfg-host:9090 "}))
	assert.Equal(t, "env-host:8080", emulatorHost(config.FirestoreConfig{}))
}

func TestNewClientAgainstEmulatorAddress(t *testing.T) {
	// Client construction is lazy over gRPC, so an unreachable emulator still yields a client.
	client, err := NewClient(context.Background(), config.FirestoreConfig{ProjectID: "demo", EmulatorHost: "127.0.0.1:1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
}

func TestCheckNilClient(t *testing.T) {
	assert.Error(t, Check(nil)(context.Background()))
}
