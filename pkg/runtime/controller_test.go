package runtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot/taskpilot/pkg/logging"
	"github.com/taskpilot/taskpilot/pkg/models"
	"github.com/taskpilot/taskpilot/pkg/storage"
)

// collectSink records emitted events and signals when the stream closes
type collectSink struct {
	mu     sync.Mutex
	events []Event
	closes int
	done   chan struct{}
}

func newCollectSink() *collectSink {
	return &collectSink{done: make(chan struct{})}
}

func (s *collectSink) Emit(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *collectSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closes == 1 {
		close(s.done)
	}
}

func (s *collectSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.events))
	for _, e := range s.events {
		names = append(names, e.Name)
	}
	return names
}

func (s *collectSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not close the sink")
	}
}

// scriptedInvoker answers calls from a queue of responses
type scriptedInvoker struct {
	mu        sync.Mutex
	responses []ModelResponse
	errs      []error
	calls     int
}

func (i *scriptedInvoker) Invoke(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := i.calls
	i.calls++
	var err error
	if n < len(i.errs) {
		err = i.errs[n]
	}
	if err != nil {
		return ModelResponse{}, err
	}
	if n < len(i.responses) {
		return i.responses[n], nil
	}
	return ModelResponse{Text: req.Prompt}, nil
}

// blockingInvoker blocks each call until released, reporting when a call
// is in flight
type blockingInvoker struct {
	started chan struct{}
	release chan struct{}
}

func (i *blockingInvoker) Invoke(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	i.started <- struct{}{}
	<-i.release
	return ModelResponse{Text: "late response"}, nil
}

// recordingTools records invocations and returns canned outputs
type recordingTools struct {
	mu    sync.Mutex
	calls []ToolInvocation
	err   error
}

func (r *recordingTools) Execute(ctx context.Context, call ToolInvocation) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	if r.err != nil {
		return "", r.err
	}
	return "ran " + call.Name, nil
}

func testCapabilities() StaticCapabilities {
	return StaticCapabilities{Default: Capability{Provider: "openai", Model: "gpt-4o-mini"}}
}

func newTestController(t *testing.T, invoker ModelInvoker, tools ToolExecutor, capabilities CapabilityLookup) *Controller {
	t.Helper()
	backend := storage.NewMemoryBackend()
	store := storage.NewExecutionStore(backend, logging.NopLogger{}, storage.StoreOptions{})
	if tools == nil {
		tools = &recordingTools{}
	}
	if capabilities == nil {
		capabilities = testCapabilities()
	}
	return NewController(store, NewCancellationRegistry(), capabilities, invoker, tools, logging.NopLogger{})
}

func threePhasePlan() models.ExecutionPlan {
	return models.ExecutionPlan{
		Summary: "three step task",
		Phases: []models.PlanPhase{
			{ID: "phase-1", Name: "Analyze", Description: "look at the request", TaskKind: "analyze"},
			{ID: "phase-2", Name: "Execute", Description: "do the work", TaskKind: "execute"},
			{ID: "phase-3", Name: "Summarize", Description: "report back", TaskKind: "summarize"},
		},
	}
}

func TestRunCompletesPhasesInOrder(t *testing.T) {
	controller := newTestController(t, &scriptedInvoker{}, nil, nil)
	ctx := context.Background()

	execution, err := controller.Store().CreateExecution(ctx, threePhasePlan(), nil)
	require.NoError(t, err)

	sink := newCollectSink()
	controller.Run(ctx, execution.ID, sink)

	assert.Equal(t, []string{
		EventExecutionStarted,
		EventPhase, EventPhase, EventPhase,
		EventPhaseStarted, EventModelCallStarted, EventModelCallCompleted, EventPhaseCompleted,
		EventPhaseStarted, EventModelCallStarted, EventModelCallCompleted, EventPhaseCompleted,
		EventPhaseStarted, EventModelCallStarted, EventModelCallCompleted, EventPhaseCompleted,
		EventComplete,
	}, sink.names())
	assert.Equal(t, 1, sink.closes)

	final, err := controller.Store().GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, final.Status)
	for _, phase := range threePhasePlan().Phases {
		result := final.PhaseResults[phase.ID]
		require.NotNil(t, result)
		assert.Equal(t, models.PhaseCompleted, result.Status)
		assert.Len(t, result.ModelCalls, 1)
	}

	assert.Equal(t, 0, controller.Registry().Len())
}

func TestRunEmptyPlan(t *testing.T) {
	controller := newTestController(t, &scriptedInvoker{}, nil, nil)
	ctx := context.Background()

	execution, err := controller.Store().CreateExecution(ctx, models.ExecutionPlan{Summary: "nothing to do"}, nil)
	require.NoError(t, err)

	sink := newCollectSink()
	controller.Run(ctx, execution.ID, sink)

	assert.Equal(t, []string{EventExecutionStarted, EventComplete}, sink.names())

	final, err := controller.Store().GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, final.Status)

	// the phaseless completion still writes its terminal audit entry and
	// leaves the active set
	entries, err := controller.Store().GetAuditLog(ctx, execution.ID)
	require.NoError(t, err)
	completed := 0
	for _, e := range entries {
		if e.Kind == models.AuditCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)

	active, err := controller.Store().GetActiveExecutions(ctx)
	require.NoError(t, err)
	assert.NotContains(t, active, execution.ID)
}

func TestRunUnknownExecution(t *testing.T) {
	controller := newTestController(t, &scriptedInvoker{}, nil, nil)

	sink := newCollectSink()
	controller.Run(context.Background(), "missing", sink)

	require.Equal(t, []string{EventError}, sink.names())
	assert.Equal(t, 1, sink.closes)
}

func TestRunPhaseFailureStopsLaterPhases(t *testing.T) {
	invoker := &scriptedInvoker{errs: []error{nil, errors.New("provider timeout")}}
	controller := newTestController(t, invoker, nil, nil)
	ctx := context.Background()

	execution, err := controller.Store().CreateExecution(ctx, threePhasePlan(), nil)
	require.NoError(t, err)

	sink := newCollectSink()
	controller.Run(ctx, execution.ID, sink)

	names := sink.names()
	assert.Equal(t, EventError, names[len(names)-1])
	assert.NotContains(t, names, EventComplete)

	final, err := controller.Store().GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, final.Status)
	assert.Equal(t, "provider timeout", final.Error)
	assert.Equal(t, models.PhaseCompleted, final.PhaseResults["phase-1"].Status)
	assert.Equal(t, models.PhaseFailed, final.PhaseResults["phase-2"].Status)
	assert.Equal(t, models.PhasePending, final.PhaseResults["phase-3"].Status)

	// the failed call still leaves evidence
	assert.Len(t, final.PhaseResults["phase-2"].ModelCalls, 1)
	assert.Equal(t, "provider timeout", final.PhaseResults["phase-2"].ModelCalls[0].Error)
}

func TestRunNoCapabilityFailsPhase(t *testing.T) {
	controller := newTestController(t, &scriptedInvoker{}, nil, StaticCapabilities{})
	ctx := context.Background()

	execution, err := controller.Store().CreateExecution(ctx, threePhasePlan(), nil)
	require.NoError(t, err)

	sink := newCollectSink()
	controller.Run(ctx, execution.ID, sink)

	final, err := controller.Store().GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, final.Status)
	assert.Contains(t, final.Error, `no model available for task kind "analyze"`)
	// no call was made, so no call is recorded
	assert.Empty(t, final.PhaseResults["phase-1"].ModelCalls)
}

func TestRunDispatchesToolInvocations(t *testing.T) {
	invoker := &scriptedInvoker{responses: []ModelResponse{
		{Text: `Checking the weather. <tool name="weather">{"city": "Oslo"}</tool>`},
	}}
	tools := &recordingTools{}
	controller := newTestController(t, invoker, tools, nil)
	ctx := context.Background()

	plan := models.ExecutionPlan{Phases: []models.PlanPhase{
		{ID: "phase-1", Name: "Lookup", TaskKind: "execute"},
	}}
	execution, err := controller.Store().CreateExecution(ctx, plan, nil)
	require.NoError(t, err)

	sink := newCollectSink()
	controller.Run(ctx, execution.ID, sink)

	assert.Contains(t, sink.names(), EventToolCallsStarted)
	assert.Contains(t, sink.names(), EventToolCallsCompleted)

	require.Len(t, tools.calls, 1)
	assert.Equal(t, "weather", tools.calls[0].Name)
	assert.Equal(t, "Oslo", tools.calls[0].Args["city"])

	final, err := controller.Store().GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, final.Status)
	output, _ := final.PhaseResults["phase-1"].Result["output"].(string)
	assert.Contains(t, output, "Checking the weather.")
	assert.Contains(t, output, "ran weather")
}

func TestRunToolFailureFailsPhase(t *testing.T) {
	invoker := &scriptedInvoker{responses: []ModelResponse{
		{Text: `<tool name="deploy">{"env": "prod"}</tool>`},
	}}
	tools := &recordingTools{err: errors.New("permission denied")}
	controller := newTestController(t, invoker, tools, nil)
	ctx := context.Background()

	plan := models.ExecutionPlan{Phases: []models.PlanPhase{
		{ID: "phase-1", Name: "Deploy", TaskKind: "execute"},
	}}
	execution, err := controller.Store().CreateExecution(ctx, plan, nil)
	require.NoError(t, err)

	sink := newCollectSink()
	controller.Run(ctx, execution.ID, sink)

	final, err := controller.Store().GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, final.Status)
	assert.Contains(t, final.Error, `tool "deploy" failed`)
	assert.Contains(t, final.Error, "permission denied")
}

func TestCancelMidPhase(t *testing.T) {
	invoker := &blockingInvoker{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	controller := newTestController(t, invoker, nil, nil)
	ctx := context.Background()

	execution, err := controller.Store().CreateExecution(ctx, threePhasePlan(), nil)
	require.NoError(t, err)

	sink := newCollectSink()
	go controller.Run(ctx, execution.ID, sink)

	select {
	case <-invoker.started:
	case <-time.After(5 * time.Second):
		t.Fatal("model call never started")
	}

	_, err = controller.Cancel(ctx, execution.ID)
	require.NoError(t, err)
	close(invoker.release)

	sink.wait(t)

	names := sink.names()
	assert.Equal(t, EventCancelled, names[len(names)-1])
	assert.NotContains(t, names, EventComplete)

	final, err := controller.Store().GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, final.Status)

	// the in-flight call returned before the loop observed the cancel, so
	// its record survives; the phase itself is left where the cancel found it
	require.Len(t, final.PhaseResults["phase-1"].ModelCalls, 1)
	assert.Equal(t, "late response", final.PhaseResults["phase-1"].ModelCalls[0].Response)
	assert.Equal(t, models.PhaseRunning, final.PhaseResults["phase-1"].Status)
	assert.Equal(t, models.PhasePending, final.PhaseResults["phase-2"].Status)
}

func TestCancelBeforeRunStarts(t *testing.T) {
	controller := newTestController(t, &scriptedInvoker{}, nil, nil)
	ctx := context.Background()

	execution, err := controller.Store().CreateExecution(ctx, threePhasePlan(), nil)
	require.NoError(t, err)

	_, err = controller.Cancel(ctx, execution.ID)
	require.NoError(t, err)

	sink := newCollectSink()
	controller.Run(ctx, execution.ID, sink)

	names := sink.names()
	assert.Equal(t, EventCancelled, names[len(names)-1])
	assert.NotContains(t, names, EventPhaseStarted)

	final, err := controller.Store().GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhasePending, final.PhaseResults["phase-1"].Status)
}

func TestCancelIsIdempotent(t *testing.T) {
	controller := newTestController(t, &scriptedInvoker{}, nil, nil)
	ctx := context.Background()

	execution, err := controller.Store().CreateExecution(ctx, threePhasePlan(), nil)
	require.NoError(t, err)

	first, err := controller.Cancel(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, first.Status)

	second, err := controller.Cancel(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, second.Status)

	entries, err := controller.Store().GetAuditLog(ctx, execution.ID)
	require.NoError(t, err)
	cancelled := 0
	for _, entry := range entries {
		if entry.Kind == models.AuditCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled)
}

func TestCancelUnknownExecutionReturnsNotFound(t *testing.T) {
	controller := newTestController(t, &scriptedInvoker{}, nil, nil)

	_, err := controller.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrExecutionNotFound)
}

func TestRecoverInterrupted(t *testing.T) {
	controller := newTestController(t, &scriptedInvoker{}, nil, nil)
	ctx := context.Background()

	interrupted, err := controller.Store().CreateExecution(ctx, threePhasePlan(), nil)
	require.NoError(t, err)
	_, err = controller.Store().StartPhase(ctx, interrupted.ID, "phase-1")
	require.NoError(t, err)

	// a live run loop holds a token, so its execution must be skipped
	live, err := controller.Store().CreateExecution(ctx, threePhasePlan(), nil)
	require.NoError(t, err)
	_, err = controller.Store().StartPhase(ctx, live.ID, "phase-1")
	require.NoError(t, err)
	controller.Registry().Register(live.ID)

	recovered := controller.RecoverInterrupted(ctx)
	assert.Equal(t, 1, recovered)

	failed, err := controller.Store().GetExecution(ctx, interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, failed.Status)
	assert.Equal(t, "interrupted by process restart", failed.Error)
	assert.Equal(t, models.PhaseFailed, failed.PhaseResults["phase-1"].Status)

	untouched, err := controller.Store().GetExecution(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, untouched.Status)
}

func TestPhaseFullPrompt(t *testing.T) {
	phase := models.PlanPhase{Name: "Analyze", Description: "look closely"}
	prompt := phaseFullPrompt(phase)
	assert.True(t, strings.HasPrefix(prompt, "Analyze"))
	assert.Contains(t, prompt, "look closely")

	bare := models.PlanPhase{Name: "Analyze"}
	assert.Equal(t, "Analyze", phaseFullPrompt(bare))
}
