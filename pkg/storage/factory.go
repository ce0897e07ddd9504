package storage

import (
	"fmt"
)

// BackendType represents the type of persistence backend
type BackendType string

const (
	// MemoryBackendType is an in-memory backend
	MemoryBackendType BackendType = "memory"

	// RedisBackendType is a Redis backend
	RedisBackendType BackendType = "redis"

	// DynamoDBBackendType is a DynamoDB backend
	DynamoDBBackendType BackendType = "dynamodb"
)

// BackendConfig contains configuration for persistence backends
type BackendConfig struct {
	// Type is the type of backend to create
	Type BackendType

	// Redis contains configuration for the Redis backend
	Redis *RedisBackendConfig

	// DynamoDB contains configuration for the DynamoDB backend
	DynamoDB *DynamoDBBackendConfig
}

// NewBackend creates a new persistence backend based on the configuration
func NewBackend(config BackendConfig) (Backend, error) {
	switch config.Type {
	case MemoryBackendType:
		return NewMemoryBackend(), nil

	case RedisBackendType:
		if config.Redis == nil {
			return nil, fmt.Errorf("redis configuration is required for Redis backend")
		}
		return NewRedisBackend(*config.Redis), nil

	case DynamoDBBackendType:
		if config.DynamoDB == nil {
			return nil, fmt.Errorf("DynamoDB configuration is required for DynamoDB backend")
		}
		return NewDynamoDBBackend(*config.DynamoDB)

	default:
		return nil, fmt.Errorf("unknown backend type: %s", config.Type)
	}
}
