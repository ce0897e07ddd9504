package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/taskpilot/taskpilot/pkg/logging"
	"github.com/taskpilot/taskpilot/pkg/models"
)

// ErrPhaseNotFound is returned when a phase ID is not part of an execution's plan
var ErrPhaseNotFound = errors.New("phase not found")

// Default TTLs for the three persisted namespaces
const (
	DefaultExecutionTTL   = 24 * time.Hour
	DefaultIdempotencyTTL = 1 * time.Hour
	DefaultAuditTTL       = 7 * 24 * time.Hour
)

const activeSetKey = "executions:active"

func executionKey(id string) string { return "execution:" + id }
func idempotencyKey(key string) string { return "idempotency:" + key }
func auditKey(id string) string { return "audit:" + id }

// StoreOptions tunes the execution store's TTL windows. Zero values fall
// back to the defaults.
type StoreOptions struct {
	ExecutionTTL   time.Duration
	IdempotencyTTL time.Duration
	AuditTTL       time.Duration
}

// ExecutionStore owns all durable execution state: execution records, the
// idempotency index, the active-execution set, and the append-only audit
// log. Updates are read-modify-write with last-writer-wins merge; callers
// are expected to keep a single writer per execution id.
type ExecutionStore struct {
	backend Backend
	logger  logging.Logger

	executionTTL   time.Duration
	idempotencyTTL time.Duration
	auditTTL       time.Duration
}

// NewExecutionStore creates an execution store over the given backend
func NewExecutionStore(backend Backend, logger logging.Logger, opts StoreOptions) *ExecutionStore {
	if opts.ExecutionTTL <= 0 {
		opts.ExecutionTTL = DefaultExecutionTTL
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if opts.AuditTTL <= 0 {
		opts.AuditTTL = DefaultAuditTTL
	}
	if logger == nil {
		logger = logging.NopLogger{}
	}

	return &ExecutionStore{
		backend:        backend,
		logger:         logger,
		executionTTL:   opts.ExecutionTTL,
		idempotencyTTL: opts.IdempotencyTTL,
		auditTTL:       opts.AuditTTL,
	}
}

// CreateExecution allocates a fresh execution for the plan, with one
// pending PhaseResult per plan phase, and appends a created audit entry.
func (s *ExecutionStore) CreateExecution(ctx context.Context, plan models.ExecutionPlan, metadata map[string]interface{}) (*models.Execution, error) {
	now := time.Now().UTC()

	phaseResults := make(map[string]*models.PhaseResult, len(plan.Phases))
	for i := range plan.Phases {
		plan.Phases[i].Status = models.PhasePending
		phaseResults[plan.Phases[i].ID] = &models.PhaseResult{
			PhaseID: plan.Phases[i].ID,
			Status:  models.PhasePending,
		}
	}

	execution := &models.Execution{
		ID:           uuid.New().String(),
		Status:       models.ExecutionPending,
		Plan:         plan,
		PhaseResults: phaseResults,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     metadata,
	}

	if err := s.persist(ctx, execution); err != nil {
		return nil, err
	}

	if err := s.backend.SetAdd(ctx, activeSetKey, execution.ID); err != nil {
		return nil, fmt.Errorf("failed to index execution as active: %w", err)
	}

	s.appendAudit(ctx, models.AuditLogEntry{
		Timestamp:   now,
		ExecutionID: execution.ID,
		Kind:        models.AuditCreated,
		Data: map[string]interface{}{
			"phase_count": len(plan.Phases),
		},
	})

	return execution, nil
}

// GetExecution returns the latest persisted snapshot. A corrupt payload
// is logged and reported as not-found rather than crashing the caller.
func (s *ExecutionStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	data, err := s.backend.Get(ctx, executionKey(id))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("failed to read execution %s: %w", id, err)
	}

	var execution models.Execution
	if err := json.Unmarshal(data, &execution); err != nil {
		s.logger.Warn("corrupt execution record, treating as not found",
			logging.F("execution_id", id),
			logging.F("error", err.Error()),
		)
		return nil, ErrExecutionNotFound
	}

	return &execution, nil
}

// ExecutionUpdate is a shallow, top-level partial update; nil fields are
// left untouched, non-nil fields replace the stored value wholesale.
type ExecutionUpdate struct {
	Status            *models.ExecutionStatus
	CurrentPhaseIndex *int
	Plan              *models.ExecutionPlan
	PhaseResults      map[string]*models.PhaseResult
	Error             *string
	Metadata          map[string]interface{}
}

// UpdateExecution performs a read-then-merge-then-write with
// last-writer-wins semantics and always refreshes UpdatedAt.
func (s *ExecutionStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) (*models.Execution, error) {
	execution, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	if update.Status != nil {
		execution.Status = *update.Status
	}
	if update.CurrentPhaseIndex != nil {
		execution.CurrentPhaseIndex = *update.CurrentPhaseIndex
	}
	if update.Plan != nil {
		execution.Plan = *update.Plan
	}
	if update.PhaseResults != nil {
		execution.PhaseResults = update.PhaseResults
	}
	if update.Error != nil {
		execution.Error = *update.Error
	}
	if update.Metadata != nil {
		execution.Metadata = update.Metadata
	}
	execution.UpdatedAt = time.Now().UTC()

	if err := s.persist(ctx, execution); err != nil {
		return nil, err
	}

	return execution, nil
}

// StartPhase marks a phase running, mirrors the plan phase status, and
// moves the execution to running.
func (s *ExecutionStore) StartPhase(ctx context.Context, executionID, phaseID string) (*models.Execution, error) {
	execution, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	result, ok := execution.PhaseResults[phaseID]
	if !ok {
		return nil, ErrPhaseNotFound
	}

	now := time.Now().UTC()
	result.Status = models.PhaseRunning
	result.StartedAt = &now
	s.mirrorPlanStatus(execution, phaseID, models.PhaseRunning)
	execution.Status = models.ExecutionRunning
	execution.UpdatedAt = now

	if err := s.persist(ctx, execution); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, models.AuditLogEntry{
		Timestamp:   now,
		ExecutionID: executionID,
		Kind:        models.AuditPhaseStarted,
		Data:        map[string]interface{}{"phase_id": phaseID},
	})

	return execution, nil
}

// CompletePhase records a phase's result, advances CurrentPhaseIndex by
// one, and completes the execution when the phase was the last one. The
// phase-level audit entry is appended before any execution-level entry.
func (s *ExecutionStore) CompletePhase(ctx context.Context, executionID, phaseID string, result map[string]interface{}) (*models.Execution, error) {
	execution, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	phaseResult, ok := execution.PhaseResults[phaseID]
	if !ok {
		return nil, ErrPhaseNotFound
	}

	now := time.Now().UTC()
	phaseResult.Status = models.PhaseCompleted
	phaseResult.CompletedAt = &now
	phaseResult.Result = result
	s.mirrorPlanStatus(execution, phaseID, models.PhaseCompleted)

	execution.CurrentPhaseIndex++
	isLast := execution.CurrentPhaseIndex >= len(execution.Plan.Phases)
	if isLast {
		execution.Status = models.ExecutionCompleted
	} else {
		execution.Status = models.ExecutionRunning
	}
	execution.UpdatedAt = now

	if err := s.persist(ctx, execution); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, models.AuditLogEntry{
		Timestamp:   now,
		ExecutionID: executionID,
		Kind:        models.AuditPhaseCompleted,
		Data:        map[string]interface{}{"phase_id": phaseID},
	})

	if isLast {
		s.appendAudit(ctx, models.AuditLogEntry{
			Timestamp:   now,
			ExecutionID: executionID,
			Kind:        models.AuditCompleted,
		})
		if err := s.backend.SetRemove(ctx, activeSetKey, executionID); err != nil {
			s.logger.Warn("failed to remove completed execution from active set",
				logging.F("execution_id", executionID),
				logging.F("error", err.Error()),
			)
		}
	}

	return execution, nil
}

// FailPhase records a phase failure and fails the whole execution. The
// phase-level audit entry is appended before the execution-level entry.
func (s *ExecutionStore) FailPhase(ctx context.Context, executionID, phaseID, message string) (*models.Execution, error) {
	execution, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	phaseResult, ok := execution.PhaseResults[phaseID]
	if !ok {
		return nil, ErrPhaseNotFound
	}

	now := time.Now().UTC()
	phaseResult.Status = models.PhaseFailed
	phaseResult.CompletedAt = &now
	phaseResult.Error = message
	s.mirrorPlanStatus(execution, phaseID, models.PhaseFailed)

	execution.Status = models.ExecutionFailed
	execution.Error = message
	execution.UpdatedAt = now

	if err := s.persist(ctx, execution); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, models.AuditLogEntry{
		Timestamp:   now,
		ExecutionID: executionID,
		Kind:        models.AuditPhaseFailed,
		Data: map[string]interface{}{
			"phase_id": phaseID,
			"error":    message,
		},
	})
	s.appendAudit(ctx, models.AuditLogEntry{
		Timestamp:   now,
		ExecutionID: executionID,
		Kind:        models.AuditFailed,
		Data:        map[string]interface{}{"error": message},
	})

	if err := s.backend.SetRemove(ctx, activeSetKey, executionID); err != nil {
		s.logger.Warn("failed to remove failed execution from active set",
			logging.F("execution_id", executionID),
			logging.F("error", err.Error()),
		)
	}

	return execution, nil
}

// CompleteExecution transitions a non-terminal execution straight to
// completed, appends the execution-level audit entry, and retires the id
// from the active set. Used when the run loop finds no phases left to
// run; phase completion goes through CompletePhase instead.
func (s *ExecutionStore) CompleteExecution(ctx context.Context, id string) (*models.Execution, error) {
	execution, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	if execution.Status.IsTerminal() {
		return execution, nil
	}

	now := time.Now().UTC()
	execution.Status = models.ExecutionCompleted
	execution.UpdatedAt = now

	if err := s.persist(ctx, execution); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, models.AuditLogEntry{
		Timestamp:   now,
		ExecutionID: id,
		Kind:        models.AuditCompleted,
	})

	if err := s.backend.SetRemove(ctx, activeSetKey, id); err != nil {
		s.logger.Warn("failed to remove completed execution from active set",
			logging.F("execution_id", id),
			logging.F("error", err.Error()),
		)
	}

	return execution, nil
}

// CheckIdempotency returns the execution id mapped to the key, or
// ErrKeyNotFound when the key is absent or expired.
func (s *ExecutionStore) CheckIdempotency(ctx context.Context, key string) (string, error) {
	data, err := s.backend.Get(ctx, idempotencyKey(key))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetIdempotency maps a caller key to an execution id. First-writer-wins
// is intended but not atomically guaranteed by the backend contract;
// concurrent submissions of the same key may both write.
func (s *ExecutionStore) SetIdempotency(ctx context.Context, key, executionID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.idempotencyTTL
	}
	return s.backend.Set(ctx, idempotencyKey(key), []byte(executionID), ttl)
}

// RecordModelCall appends one immutable model-call record to a phase and
// persists the execution. The audit entry carries provider, model,
// latency, and error presence only; prompts and responses stay out of the
// longer-lived audit log.
func (s *ExecutionStore) RecordModelCall(ctx context.Context, executionID, phaseID string, call models.ModelCallRecord) (*models.Execution, error) {
	execution, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	phaseResult, ok := execution.PhaseResults[phaseID]
	if !ok {
		return nil, ErrPhaseNotFound
	}

	phaseResult.ModelCalls = append(phaseResult.ModelCalls, call)
	execution.UpdatedAt = time.Now().UTC()

	if err := s.persist(ctx, execution); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, models.AuditLogEntry{
		Timestamp:   execution.UpdatedAt,
		ExecutionID: executionID,
		Kind:        models.AuditModelCall,
		Data: map[string]interface{}{
			"phase_id":   phaseID,
			"provider":   call.Provider,
			"model":      call.Model,
			"latency_ms": call.LatencyMS,
			"errored":    call.Error != "",
		},
	})

	return execution, nil
}

// GetAuditLog returns the execution's audit entries in ascending
// timestamp order regardless of backend storage order. Entries that fail
// to decode are skipped with a logged warning.
func (s *ExecutionStore) GetAuditLog(ctx context.Context, executionID string) ([]models.AuditLogEntry, error) {
	raw, err := s.backend.ListRange(ctx, auditKey(executionID))
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log for %s: %w", executionID, err)
	}

	entries := make([]models.AuditLogEntry, 0, len(raw))
	for _, data := range raw {
		var entry models.AuditLogEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			s.logger.Warn("corrupt audit entry skipped",
				logging.F("execution_id", executionID),
				logging.F("error", err.Error()),
			)
			continue
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	return entries, nil
}

// GetActiveExecutions returns the ids of executions whose status is
// pending or running. The active set has no TTL of its own, so members
// whose execution record has expired are pruned on read.
func (s *ExecutionStore) GetActiveExecutions(ctx context.Context) ([]string, error) {
	members, err := s.backend.SetMembers(ctx, activeSetKey)
	if err != nil {
		return nil, err
	}

	active := make([]string, 0, len(members))
	for _, id := range members {
		if _, err := s.GetExecution(ctx, id); err != nil {
			if errors.Is(err, ErrExecutionNotFound) {
				if err := s.backend.SetRemove(ctx, activeSetKey, id); err != nil {
					s.logger.Warn("failed to prune stale active set member",
						logging.F("execution_id", id),
						logging.F("error", err.Error()),
					)
				}
				continue
			}
			return nil, err
		}
		active = append(active, id)
	}

	return active, nil
}

// CancelExecution transitions a non-terminal execution to cancelled. It
// is a no-op returning the current state when the execution is already
// terminal.
func (s *ExecutionStore) CancelExecution(ctx context.Context, id string) (*models.Execution, error) {
	execution, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	if execution.Status.IsTerminal() {
		return execution, nil
	}

	now := time.Now().UTC()
	execution.Status = models.ExecutionCancelled
	execution.UpdatedAt = now

	if err := s.persist(ctx, execution); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, models.AuditLogEntry{
		Timestamp:   now,
		ExecutionID: id,
		Kind:        models.AuditCancelled,
	})

	if err := s.backend.SetRemove(ctx, activeSetKey, id); err != nil {
		s.logger.Warn("failed to remove cancelled execution from active set",
			logging.F("execution_id", id),
			logging.F("error", err.Error()),
		)
	}

	return execution, nil
}

// CleanupStore deletes expired entries on backends without native TTL
// expiry (the in-memory fallback); on durable backends it is a no-op.
func (s *ExecutionStore) CleanupStore() int {
	if sweeper, ok := s.backend.(Sweeper); ok {
		return sweeper.Sweep()
	}
	return 0
}

func (s *ExecutionStore) persist(ctx context.Context, execution *models.Execution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("failed to marshal execution %s: %w", execution.ID, err)
	}
	if err := s.backend.Set(ctx, executionKey(execution.ID), data, s.executionTTL); err != nil {
		return fmt.Errorf("failed to persist execution %s: %w", execution.ID, err)
	}
	return nil
}

func (s *ExecutionStore) mirrorPlanStatus(execution *models.Execution, phaseID string, status models.PhaseStatus) {
	for i := range execution.Plan.Phases {
		if execution.Plan.Phases[i].ID == phaseID {
			execution.Plan.Phases[i].Status = status
			return
		}
	}
}

// Audit failures are logged, not propagated; the primary state change has
// already been persisted.
func (s *ExecutionStore) appendAudit(ctx context.Context, entry models.AuditLogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warn("failed to marshal audit entry",
			logging.F("execution_id", entry.ExecutionID),
			logging.F("error", err.Error()),
		)
		return
	}
	if err := s.backend.ListAppend(ctx, auditKey(entry.ExecutionID), data, s.auditTTL); err != nil {
		s.logger.Warn("failed to append audit entry",
			logging.F("execution_id", entry.ExecutionID),
			logging.F("kind", string(entry.Kind)),
			logging.F("error", err.Error()),
		)
	}
}
