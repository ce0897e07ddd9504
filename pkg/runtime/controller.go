package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskpilot/taskpilot/pkg/logging"
	"github.com/taskpilot/taskpilot/pkg/models"
	"github.com/taskpilot/taskpilot/pkg/storage"
)

// Sentinels used inside the run loop; they never escape Run
var (
	errRunStopped   = errors.New("run stopped")
	errRunCancelled = errors.New("run cancelled")
)

// Controller sequences phases for executions. Each execution is driven
// by exactly one Run loop, which is the single writer of its stream and
// the only goroutine mutating its durable record while it is live.
type Controller struct {
	store        *storage.ExecutionStore
	registry     *CancellationRegistry
	capabilities CapabilityLookup
	invoker      ModelInvoker
	tools        ToolExecutor
	logger       logging.Logger
}

// NewController creates a controller with its collaborators injected
func NewController(
	store *storage.ExecutionStore,
	registry *CancellationRegistry,
	capabilities CapabilityLookup,
	invoker ModelInvoker,
	tools ToolExecutor,
	logger logging.Logger,
) *Controller {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Controller{
		store:        store,
		registry:     registry,
		capabilities: capabilities,
		invoker:      invoker,
		tools:        tools,
		logger:       logger,
	}
}

// Store exposes the underlying execution store for read-side consumers
func (c *Controller) Store() *storage.ExecutionStore {
	return c.store
}

// Registry exposes the cancellation registry
func (c *Controller) Registry() *CancellationRegistry {
	return c.registry
}

// Run drives the execution's phases in plan order until a terminal state
// is reached. The stream is closed exactly once and the cancellation
// token is removed on every exit path.
func (c *Controller) Run(ctx context.Context, executionID string, sink EventSink) {
	token := c.registry.Register(executionID)
	defer func() {
		c.registry.Remove(executionID)
		sink.Close()
	}()

	execution, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		sink.Emit(Event{Name: EventError, Data: map[string]interface{}{
			"execution_id": executionID,
			"error":        err.Error(),
		}})
		return
	}

	sink.Emit(Event{Name: EventExecutionStarted, Data: map[string]interface{}{
		"execution_id": executionID,
		"plan":         execution.Plan,
	}})
	for i, phase := range execution.Plan.Phases {
		sink.Emit(Event{Name: EventPhase, Data: map[string]interface{}{
			"index":     i,
			"phase_id":  phase.ID,
			"name":      phase.Name,
			"task_kind": phase.TaskKind,
		}})
	}

	c.logger.LogExecutionEvent(executionID, "run_started", map[string]interface{}{
		"phases": len(execution.Plan.Phases),
	})

	for {
		execution, err = c.store.GetExecution(ctx, executionID)
		if err != nil {
			sink.Emit(Event{Name: EventError, Data: map[string]interface{}{
				"execution_id": executionID,
				"error":        err.Error(),
			}})
			return
		}

		// Cancellation is cooperative: between phases we consult both the
		// local token and the durable status, so a cancel issued on
		// another instance is still honoured. The cancelled status itself
		// is only ever written by the cancel handler.
		if execution.Status == models.ExecutionCancelled || token.Cancelled() {
			sink.Emit(Event{Name: EventCancelled, Data: map[string]interface{}{
				"execution_id": executionID,
			}})
			return
		}
		if execution.Status.IsTerminal() {
			return
		}

		if execution.CurrentPhaseIndex >= len(execution.Plan.Phases) {
			if _, err := c.store.CompleteExecution(ctx, executionID); err != nil {
				c.logger.Error("failed to complete execution with no remaining phases",
					logging.F("execution_id", executionID),
					logging.F("error", err.Error()),
				)
			}
			sink.Emit(Event{Name: EventComplete, Data: map[string]interface{}{
				"execution_id": executionID,
				"status":       string(models.ExecutionCompleted),
			}})
			return
		}

		phase := execution.Plan.Phases[execution.CurrentPhaseIndex]
		execution, err = c.runPhase(ctx, executionID, phase, token, sink)
		if err != nil {
			if errors.Is(err, errRunCancelled) {
				sink.Emit(Event{Name: EventCancelled, Data: map[string]interface{}{
					"execution_id": executionID,
					"phase_id":     phase.ID,
				}})
			}
			return
		}

		if execution.Status == models.ExecutionCompleted {
			sink.Emit(Event{Name: EventComplete, Data: map[string]interface{}{
				"execution_id":  executionID,
				"status":        string(execution.Status),
				"phase_results": execution.PhaseResults,
			}})
			return
		}
	}
}

// runPhase executes one phase end to end. Any error raised while
// executing the phase is converted into a phase failure and an error
// event; it never propagates out of the run loop.
func (c *Controller) runPhase(ctx context.Context, executionID string, phase models.PlanPhase, token *CancelToken, sink EventSink) (*models.Execution, error) {
	if _, err := c.store.StartPhase(ctx, executionID, phase.ID); err != nil {
		return nil, c.failPhase(ctx, executionID, phase.ID, fmt.Sprintf("failed to start phase: %v", err), sink)
	}
	sink.Emit(Event{Name: EventPhaseStarted, Data: map[string]interface{}{
		"execution_id": executionID,
		"phase_id":     phase.ID,
		"name":         phase.Name,
	}})
	c.logger.LogPhaseEvent(executionID, phase.ID, "started", nil)

	capability, err := c.capabilities.Select(ctx, phase.TaskKind)
	if err != nil {
		return nil, c.failPhase(ctx, executionID, phase.ID,
			fmt.Sprintf("no model available for task kind %q: %v", phase.TaskKind, err), sink)
	}

	req := ModelRequest{
		Provider: capability.Provider,
		Model:    capability.Model,
		Prompt:   phaseFullPrompt(phase),
	}

	sink.Emit(Event{Name: EventModelCallStarted, Data: map[string]interface{}{
		"execution_id": executionID,
		"phase_id":     phase.ID,
		"provider":     capability.Provider,
		"model":        capability.Model,
	}})

	startedAt := time.Now().UTC()
	resp, callErr := c.invoker.Invoke(ctx, req)
	completedAt := time.Now().UTC()

	record := models.ModelCallRecord{
		Provider:    capability.Provider,
		Model:       capability.Model,
		Prompt:      req.Prompt,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		LatencyMS:   completedAt.Sub(startedAt).Milliseconds(),
	}
	if callErr != nil {
		record.Error = callErr.Error()
	} else {
		record.Response = resp.Text
		record.TokensIn = resp.TokensIn
		record.TokensOut = resp.TokensOut
	}

	// The call already returned, so its evidence is recorded even if a
	// cancel arrived while it was in flight.
	if _, err := c.store.RecordModelCall(ctx, executionID, phase.ID, record); err != nil {
		c.logger.Warn("failed to record model call",
			logging.F("execution_id", executionID),
			logging.F("phase_id", phase.ID),
			logging.F("error", err.Error()),
		)
	}

	sink.Emit(Event{Name: EventModelCallCompleted, Data: map[string]interface{}{
		"execution_id": executionID,
		"phase_id":     phase.ID,
		"latency_ms":   record.LatencyMS,
		"errored":      callErr != nil,
	}})

	if callErr != nil {
		return nil, c.failPhase(ctx, executionID, phase.ID, callErr.Error(), sink)
	}

	if token.Cancelled() || c.durablyCancelled(ctx, executionID) {
		return nil, errRunCancelled
	}

	output := resp.Text
	if invocations := ParseToolInvocations(resp.Text); len(invocations) > 0 {
		sink.Emit(Event{Name: EventToolCallsStarted, Data: map[string]interface{}{
			"execution_id": executionID,
			"phase_id":     phase.ID,
			"count":        len(invocations),
		}})

		outputs := make([]string, 0, len(invocations)+1)
		if prose := StripToolTags(resp.Text); prose != "" {
			outputs = append(outputs, prose)
		}
		for _, inv := range invocations {
			out, err := c.tools.Execute(ctx, inv)
			if err != nil {
				return nil, c.failPhase(ctx, executionID, phase.ID,
					fmt.Sprintf("tool %q failed: %v", inv.Name, err), sink)
			}
			outputs = append(outputs, out)
		}

		sink.Emit(Event{Name: EventToolCallsCompleted, Data: map[string]interface{}{
			"execution_id": executionID,
			"phase_id":     phase.ID,
			"count":        len(invocations),
		}})

		output = strings.Join(outputs, "\n")
	}

	execution, err := c.store.CompletePhase(ctx, executionID, phase.ID, map[string]interface{}{
		"output": output,
	})
	if err != nil {
		return nil, c.failPhase(ctx, executionID, phase.ID, fmt.Sprintf("failed to complete phase: %v", err), sink)
	}

	sink.Emit(Event{Name: EventPhaseCompleted, Data: map[string]interface{}{
		"execution_id": executionID,
		"phase_id":     phase.ID,
	}})
	c.logger.LogPhaseEvent(executionID, phase.ID, "completed", nil)

	return execution, nil
}

func (c *Controller) failPhase(ctx context.Context, executionID, phaseID, message string, sink EventSink) error {
	if _, err := c.store.FailPhase(ctx, executionID, phaseID, message); err != nil {
		c.logger.Error("failed to record phase failure",
			logging.F("execution_id", executionID),
			logging.F("phase_id", phaseID),
			logging.F("error", err.Error()),
		)
	}
	sink.Emit(Event{Name: EventError, Data: map[string]interface{}{
		"execution_id": executionID,
		"phase_id":     phaseID,
		"error":        message,
	}})
	c.logger.LogPhaseEvent(executionID, phaseID, "failed", map[string]interface{}{"error": message})
	return errRunStopped
}

func (c *Controller) durablyCancelled(ctx context.Context, executionID string) bool {
	execution, err := c.store.GetExecution(ctx, executionID)
	return err == nil && execution.Status == models.ExecutionCancelled
}

// Cancel signals the local token when this process owns the run loop and
// always records the durable cancellation, so a cancel is effective even
// when the run loop lives elsewhere or does not exist.
func (c *Controller) Cancel(ctx context.Context, executionID string) (*models.Execution, error) {
	c.registry.Signal(executionID)
	return c.store.CancelExecution(ctx, executionID)
}

// RecoverInterrupted marks executions that were mid-phase when the
// process died as failed. Called once at startup, before any new run
// loop begins; tokens do not survive restarts, so any active execution
// without one was interrupted. Returns the number of executions failed.
func (c *Controller) RecoverInterrupted(ctx context.Context) int {
	ids, err := c.store.GetActiveExecutions(ctx)
	if err != nil {
		c.logger.Error("failed to list active executions", logging.F("error", err.Error()))
		return 0
	}

	recovered := 0
	for _, id := range ids {
		if c.registry.Has(id) {
			continue
		}

		execution, err := c.store.GetExecution(ctx, id)
		if err != nil {
			continue
		}
		if execution.Status != models.ExecutionRunning {
			continue
		}

		for _, result := range execution.PhaseResults {
			if result.Status == models.PhaseRunning {
				if _, err := c.store.FailPhase(ctx, id, result.PhaseID, "interrupted by process restart"); err == nil {
					recovered++
					c.logger.LogExecutionEvent(id, "recovered_as_failed", map[string]interface{}{
						"phase_id": result.PhaseID,
					})
				}
				break
			}
		}
	}

	return recovered
}

func phaseFullPrompt(phase models.PlanPhase) string {
	if phase.Description == "" {
		return phase.Name
	}
	return phase.Name + "\n\n" + phase.Description
}
