package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "capabilities.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestNewRegistryLoadsManifest(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	path := writeManifest(t, `{
		"capabilities": [
			{
				"name": "email.delete",
				"group": "email",
				"destructive": true,
				"provider": "http",
				"config": {"base_url": "http://mail-gateway:8080/delete"}
			},
			{
				"name": "preferences.get",
				"group": "preferences",
				"retryable": true,
				"provider": "static",
				"config": {"payload": {"summary": "defaults"}}
			}
		]
	}`)

	registry, err := NewRegistry(context.Background(), logger, path)
	require.NoError(t, err)

	descriptor, ok := registry.Descriptor("email.delete")
	require.True(t, ok)
	assert.True(t, descriptor.Destructive)
	assert.False(t, descriptor.Retryable)

	descriptor, ok = registry.Descriptor("preferences.get")
	require.True(t, ok)
	assert.True(t, descriptor.Retryable)
}

func TestNewRegistryDefaultsToHTTPProvider(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	path := writeManifest(t, `{
		"capabilities": [
			{"name": "email.fetch", "group": "email", "config": {"base_url": "http://mail-gateway:8080/fetch"}}
		]
	}`)

	registry, err := NewRegistry(context.Background(), logger, path)
	require.NoError(t, err)

	_, ok := registry.Descriptor("email.fetch")
	assert.True(t, ok)
}

func TestNewRegistryRejectsUnknownProvider(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	path := writeManifest(t, `{
		"capabilities": [{"name": "email.fetch", "provider": "grpc"}]
	}`)

	_, err := NewRegistry(context.Background(), logger, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestNewRegistryWithoutManifestIsEmpty(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry, err := NewRegistry(context.Background(), logger, "")
	require.NoError(t, err)
	assert.Empty(t, registry.Descriptors())
}

func TestParsePersistenceProvider(t *testing.T) {
	assert.Equal(t, "redis", parsePersistenceProvider("redis://localhost:6379/0"))
	assert.Equal(t, "file", parsePersistenceProvider("file://./data"))
	assert.Equal(t, "file", parsePersistenceProvider("./data"))
	assert.Equal(t, "file", parsePersistenceProvider("postgres://nope"))
}
