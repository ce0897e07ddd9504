// Package config provides configuration handling for taskpilot.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server"`

	// Storage configuration
	Storage StorageConfig `json:"storage"`

	// Execution configuration
	Execution ExecutionConfig `json:"execution"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Host to bind to
	Host string `json:"host"`

	// Port to listen on
	Port int `json:"port"`
}

// StorageConfig contains persistence backend settings
type StorageConfig struct {
	// Type of backend to use
	Type string `json:"type"` // "memory", "redis", "dynamodb"

	// FallbackToMemory degrades to the in-memory backend when the
	// durable backend is unreachable, trading durability for availability
	FallbackToMemory bool `json:"fallback_to_memory"`

	// Redis configuration
	Redis RedisConfig `json:"redis"`

	// DynamoDB configuration
	DynamoDB DynamoDBConfig `json:"dynamodb"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	// Addr is the host:port of the Redis server
	Addr string `json:"addr"`

	// Password for AUTH
	Password string `json:"password"`

	// DB is the database number
	DB int `json:"db"`
}

// DynamoDBConfig contains DynamoDB settings
type DynamoDBConfig struct {
	// Region is the AWS region
	Region string `json:"region"`

	// Endpoint is the DynamoDB endpoint (for local development)
	Endpoint string `json:"endpoint"`

	// TablePrefix is the prefix for all tables
	TablePrefix string `json:"table_prefix"`
}

// ExecutionConfig contains execution lifecycle settings
type ExecutionConfig struct {
	// ExecutionTTLHours is how long execution records live
	ExecutionTTLHours int `json:"execution_ttl_hours"`

	// IdempotencyTTLMinutes is the default idempotency entry lifetime
	IdempotencyTTLMinutes int `json:"idempotency_ttl_minutes"`

	// AuditTTLDays is how long audit logs live
	AuditTTLDays int `json:"audit_ttl_days"`

	// CleanupSchedule is the cron expression driving in-memory expiry sweeps
	CleanupSchedule string `json:"cleanup_schedule"`

	// PlanTemplatesPath points at the YAML plan templates for the
	// built-in planner; empty when an external planner is wired in
	PlanTemplatesPath string `json:"plan_templates_path,omitempty"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	// Level is the logging level
	Level string `json:"level"` // "debug", "info", "warn", "error"
}

// LoadConfig loads the configuration from a file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Storage: StorageConfig{
			Type:             "memory",
			FallbackToMemory: true,
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
			DynamoDB: DynamoDBConfig{
				Region:      "us-west-2",
				TablePrefix: "taskpilot_",
			},
		},
		Execution: ExecutionConfig{
			ExecutionTTLHours:     24,
			IdempotencyTTLMinutes: 60,
			AuditTTLDays:          7,
			CleanupSchedule:       "@every 5m",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ApplyEnv overrides configuration fields from environment variables
func (c *Config) ApplyEnv() {
	if v := os.Getenv("TASKPILOT_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("TASKPILOT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("TASKPILOT_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("TASKPILOT_REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := os.Getenv("TASKPILOT_REDIS_PASSWORD"); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := os.Getenv("TASKPILOT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// SaveConfig saves the configuration to a file
func SaveConfig(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
