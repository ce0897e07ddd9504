package runtime

import (
	"context"
	"encoding/json"
	"fmt"
)

// StaticCapabilities is a fixed task-kind to model mapping. The
// production capability service lives behind the CapabilityLookup
// interface; this serves local development and tests.
type StaticCapabilities struct {
	// ByTaskKind maps a task kind to its model
	ByTaskKind map[string]Capability

	// Default is used for task kinds without an explicit mapping; a
	// zero value means unmapped kinds have no capability
	Default Capability
}

// Select returns the capability for the task kind
func (s StaticCapabilities) Select(ctx context.Context, taskKind string) (Capability, error) {
	if c, ok := s.ByTaskKind[taskKind]; ok {
		return c, nil
	}
	if s.Default != (Capability{}) {
		return s.Default, nil
	}
	return Capability{}, fmt.Errorf("%w: %s", ErrNoCapability, taskKind)
}

// EchoInvoker answers every model call with the prompt it was given.
// Development stub for running the engine without a model provider.
type EchoInvoker struct{}

// Invoke returns the prompt as the response text
func (EchoInvoker) Invoke(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	return ModelResponse{Text: req.Prompt}, nil
}

// EchoToolExecutor answers every tool call with a JSON echo of its
// arguments. Development stub for running without real tools.
type EchoToolExecutor struct{}

// Execute returns the invocation serialized as JSON
func (EchoToolExecutor) Execute(ctx context.Context, call ToolInvocation) (string, error) {
	data, err := json.Marshal(map[string]interface{}{
		"tool": call.Name,
		"args": call.Args,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
