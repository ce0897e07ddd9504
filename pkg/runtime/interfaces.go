// Package runtime drives execution phases in plan order.
package runtime

import (
	"context"
	"errors"

	"github.com/taskpilot/taskpilot/pkg/models"
)

// ErrNoCapability is returned when no model or tool can serve a task kind
var ErrNoCapability = errors.New("no capability available for task kind")

// PlanOutcome is what the planner produced for a submission. Either
// ClarificationNeeded is set and the other fields are empty, or Plan is
// non-nil, optionally accompanied by a ConfirmationPrompt.
type PlanOutcome struct {
	// Plan is the ordered phase list, when planning succeeded
	Plan *models.ExecutionPlan

	// ClarificationNeeded carries the question to ask the user when the
	// request was too ambiguous to plan; no execution is created
	ClarificationNeeded string

	// ConfirmationPrompt carries the summary to confirm with the user
	// before the plan runs, when the planner deems the task destructive.
	// It is only meaningful alongside a non-nil Plan.
	ConfirmationPrompt string
}

// Planner turns a user message into an execution plan
type Planner interface {
	// Plan produces a plan, a clarification question, or a confirmation
	// prompt for the given message
	Plan(ctx context.Context, message string) (PlanOutcome, error)
}

// Capability identifies the model selected for a phase
type Capability struct {
	// Provider that hosts the model
	Provider string `json:"provider"`

	// Model identifier within the provider
	Model string `json:"model"`
}

// CapabilityLookup selects the best available model for a task kind.
// Tie-break policy is owned by the implementation.
type CapabilityLookup interface {
	// Select returns the capability for the task kind, or ErrNoCapability
	Select(ctx context.Context, taskKind string) (Capability, error)
}

// ModelRequest is one upstream model invocation
type ModelRequest struct {
	Provider     string
	Model        string
	Prompt       string
	SystemPrompt string
}

// ModelResponse is the result of one upstream model invocation
type ModelResponse struct {
	// Text is the model's output
	Text string

	// TokensIn is the prompt token count, when reported
	TokensIn int

	// TokensOut is the completion token count, when reported
	TokensOut int
}

// ModelInvoker calls an upstream AI-model provider. Invoke blocks until
// the call returns; any timeout policy belongs to the implementation.
type ModelInvoker interface {
	Invoke(ctx context.Context, req ModelRequest) (ModelResponse, error)
}

// ToolExecutor runs one tool invocation parsed from model output
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolInvocation) (string, error)
}

// Stream event names pushed to the driving client
const (
	EventPhase                    = "phase"
	EventClarificationNeeded      = "clarification_needed"
	EventExecutionStarted         = "execution_started"
	EventPlanConfirmationRequired = "plan_confirmation_required"
	EventPhaseStarted             = "phase_started"
	EventModelCallStarted         = "model_call_started"
	EventModelCallCompleted       = "model_call_completed"
	EventToolCallsStarted         = "tool_calls_started"
	EventToolCallsCompleted       = "tool_calls_completed"
	EventPhaseCompleted           = "phase_completed"
	EventComplete                 = "complete"
	EventCancelled                = "cancelled"
	EventError                    = "error"
)

// Event is one named message pushed over an execution's stream
type Event struct {
	// Name of the event
	Name string

	// Data is the JSON payload specific to the event kind
	Data map[string]interface{}
}

// EventSink receives ordered events from one execution's run loop. The
// run loop is the only writer; Close is called exactly once when the
// loop exits.
type EventSink interface {
	// Emit pushes one event in FIFO order
	Emit(event Event)

	// Close finishes the stream
	Close()
}
