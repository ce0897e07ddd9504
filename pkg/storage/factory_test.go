package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBackend(t *testing.T) {
	backend, err := NewBackend(BackendConfig{Type: MemoryBackendType})
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, backend)

	backend, err = NewBackend(BackendConfig{
		Type:  RedisBackendType,
		Redis: &RedisBackendConfig{Addr: "localhost:6379"},
	})
	require.NoError(t, err)
	assert.IsType(t, &RedisBackend{}, backend)

	_, err = NewBackend(BackendConfig{Type: RedisBackendType})
	assert.Error(t, err)

	_, err = NewBackend(BackendConfig{Type: DynamoDBBackendType})
	assert.Error(t, err)

	_, err = NewBackend(BackendConfig{Type: "unknown"})
	assert.Error(t, err)
}
