// Package models defines the durable data types for task executions.
package models

import "time"

// ExecutionStatus is the lifecycle state of an execution
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// PhaseStatus is the lifecycle state of a single phase
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
)

// IsTerminal reports whether the phase reached a terminal sub-state
func (s PhaseStatus) IsTerminal() bool {
	return s == PhaseCompleted || s == PhaseFailed
}

// Execution represents one durable, multi-phase run of a user task
type Execution struct {
	// ID of the execution, generated at creation and never reused
	ID string `json:"id"`

	// Status of the execution
	Status ExecutionStatus `json:"status"`

	// Plan is the ordered list of phases to execute
	Plan ExecutionPlan `json:"plan"`

	// CurrentPhaseIndex is the index of the next phase to run
	CurrentPhaseIndex int `json:"current_phase_index"`

	// PhaseResults maps phase ID to its result; keys are fixed at creation
	PhaseResults map[string]*PhaseResult `json:"phase_results"`

	// CreatedAt is when the execution was created
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt changes on every store write
	UpdatedAt time.Time `json:"updated_at"`

	// Error is set only on transition to failed
	Error string `json:"error,omitempty"`

	// Metadata carries free-form request context (idempotency key, source, user)
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ExecutionPlan is the ordered set of phases produced by the planner
type ExecutionPlan struct {
	// Phases in execution order
	Phases []PlanPhase `json:"phases"`

	// Summary is a short human-readable description of the plan
	Summary string `json:"summary,omitempty"`
}

// PlanPhase is one ordered step of an execution plan
type PlanPhase struct {
	// ID of the phase, unique within the plan
	ID string `json:"id"`

	// Name is a short human-readable label
	Name string `json:"name"`

	// Description of what the phase should accomplish
	Description string `json:"description,omitempty"`

	// TaskKind selects the model/tool capability needed for this phase
	TaskKind string `json:"task_kind"`

	// Status mirrors the phase result status for external consumers
	Status PhaseStatus `json:"status"`
}

// PhaseResult is the execution state of a single phase
type PhaseResult struct {
	// PhaseID ties the result back to its plan phase
	PhaseID string `json:"phase_id"`

	// Status of the phase
	Status PhaseStatus `json:"status"`

	// StartedAt is set exactly once, on entering running
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is set exactly once, on reaching a terminal sub-state
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Result holds the phase output; mutually exclusive with Error
	Result map[string]interface{} `json:"result,omitempty"`

	// Error holds the failure message; mutually exclusive with Result
	Error string `json:"error,omitempty"`

	// ModelCalls is the ordered, append-only record of model invocations
	ModelCalls []ModelCallRecord `json:"model_calls,omitempty"`
}

// ModelCallRecord is immutable evidence of one model invocation
type ModelCallRecord struct {
	// Provider that served the call
	Provider string `json:"provider"`

	// Model identifier within the provider
	Model string `json:"model"`

	// Prompt sent to the model
	Prompt string `json:"prompt"`

	// SystemPrompt sent alongside the prompt, if any
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Response text, empty when the call errored
	Response string `json:"response,omitempty"`

	// Error message when the call failed
	Error string `json:"error,omitempty"`

	// StartedAt is when the call began
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the call returned
	CompletedAt time.Time `json:"completed_at"`

	// LatencyMS is the call duration in milliseconds
	LatencyMS int64 `json:"latency_ms"`

	// TokensIn is the prompt token count, when the provider reports it
	TokensIn int `json:"tokens_in,omitempty"`

	// TokensOut is the completion token count, when the provider reports it
	TokensOut int `json:"tokens_out,omitempty"`
}

// AuditEventKind identifies the lifecycle event an audit entry records
type AuditEventKind string

const (
	AuditCreated        AuditEventKind = "created"
	AuditPhaseStarted   AuditEventKind = "phase_started"
	AuditPhaseCompleted AuditEventKind = "phase_completed"
	AuditPhaseFailed    AuditEventKind = "phase_failed"
	AuditCompleted      AuditEventKind = "completed"
	AuditFailed         AuditEventKind = "failed"
	AuditCancelled      AuditEventKind = "cancelled"
	AuditModelCall      AuditEventKind = "model_call"
)

// AuditLogEntry is an immutable, append-only lifecycle fact for one execution
type AuditLogEntry struct {
	// Timestamp of the event
	Timestamp time.Time `json:"timestamp"`

	// ExecutionID the entry belongs to
	ExecutionID string `json:"execution_id"`

	// Kind of lifecycle event
	Kind AuditEventKind `json:"kind"`

	// Data is a free-form payload specific to the event kind
	Data map[string]interface{} `json:"data,omitempty"`
}
