// Package api exposes the execution lifecycle over HTTP: submission with
// a server-sent event stream, out-of-band cancel and status, audit
// retrieval, and a WebSocket watch feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/taskpilot/taskpilot/pkg/config"
	"github.com/taskpilot/taskpilot/pkg/logging"
	"github.com/taskpilot/taskpilot/pkg/models"
	"github.com/taskpilot/taskpilot/pkg/runtime"
	"github.com/taskpilot/taskpilot/pkg/storage"
)

// How long a launched run loop waits for the submitting client to attach
// to its stream before starting anyway.
const subscribeTimeout = 5 * time.Second

// Server represents the HTTP API server
type Server struct {
	config     *config.Config
	router     *mux.Router
	server     *http.Server
	controller *runtime.Controller
	planner    runtime.Planner
	streams    *StreamHub
	ws         *WebSocketManager
	cron       *cron.Cron
	logger     logging.Logger
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, controller *runtime.Controller, planner runtime.Planner, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger{}
	}

	s := &Server{
		config:     cfg,
		router:     mux.NewRouter(),
		controller: controller,
		planner:    planner,
		streams:    NewStreamHub(logger),
		ws:         NewWebSocketManager(controller.Store(), logger),
		cron:       cron.New(),
		logger:     logger,
	}

	s.setupRoutes()
	return s
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server and the maintenance schedule
func (s *Server) Start() error {
	if schedule := s.config.Execution.CleanupSchedule; schedule != "" {
		_, err := s.cron.AddFunc(schedule, func() {
			if removed := s.controller.Store().CleanupStore(); removed > 0 {
				s.logger.Info("expired store entries removed", logging.F("count", removed))
			}
		})
		if err != nil {
			return fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
		}
		s.cron.Start()
	}

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// Submission responses are long-lived event streams, so no
		// write timeout is set.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", logging.F("addr", addr))

	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.cron.Stop()
	s.streams.Close()
	return s.server.Shutdown(ctx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api.HandleFunc("/executions", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/executions", s.handleListActive).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}/confirm", s.handleConfirm).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}/audit", s.handleGetAudit).Methods(http.MethodGet)

	api.HandleFunc("/ws", s.ws.HandleWebSocket).Methods(http.MethodGet)
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleSubmit accepts a user message and responds with the execution's
// event stream. A previously seen idempotency key short-circuits to the
// existing execution without re-running anything.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	store := s.controller.Store()

	if req.IdempotencyKey != "" {
		if executionID, err := store.CheckIdempotency(ctx, req.IdempotencyKey); err == nil {
			if execution, err := store.GetExecution(ctx, executionID); err == nil {
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"execution_id": execution.ID,
					"plan":         execution.Plan,
					"idempotent":   true,
				})
				return
			}
		}
	}

	outcome, err := s.planner.Plan(ctx, req.Message)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("planning failed: %v", err))
		return
	}

	if outcome.ClarificationNeeded != "" {
		s.streamSingleEvent(w, r, runtime.Event{
			Name: runtime.EventClarificationNeeded,
			Data: map[string]interface{}{"question": outcome.ClarificationNeeded},
		})
		return
	}
	if outcome.Plan == nil {
		writeError(w, http.StatusBadGateway, "planner returned no plan")
		return
	}

	metadata := map[string]interface{}{}
	if req.IdempotencyKey != "" {
		metadata["idempotency_key"] = req.IdempotencyKey
	}
	if req.Source != "" {
		metadata["source"] = req.Source
	}
	if req.UserID != "" {
		metadata["user_id"] = req.UserID
	}
	// Every execution is pending until its first phase starts, so parked
	// executions are flagged explicitly; confirm only resumes flagged ones.
	if outcome.ConfirmationPrompt != "" {
		metadata["awaiting_confirmation"] = true
	}

	execution, err := store.CreateExecution(ctx, *outcome.Plan, metadata)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to create execution: %v", err))
		return
	}

	if req.IdempotencyKey != "" {
		if err := store.SetIdempotency(ctx, req.IdempotencyKey, execution.ID, 0); err != nil {
			s.logger.Warn("failed to record idempotency key",
				logging.F("execution_id", execution.ID),
				logging.F("error", err.Error()),
			)
		}
	}

	if outcome.ConfirmationPrompt != "" {
		s.streamSingleEvent(w, r, runtime.Event{
			Name: runtime.EventPlanConfirmationRequired,
			Data: map[string]interface{}{
				"execution_id": execution.ID,
				"plan":         execution.Plan,
				"prompt":       outcome.ConfirmationPrompt,
			},
		})
		return
	}

	s.runAndStream(w, r, execution.ID)
}

// handleConfirm starts a pending execution that was parked for explicit
// plan confirmation; the response is the execution's event stream. A
// pending execution whose run loop is already launching is not parked
// and cannot be confirmed into a second run loop.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]
	store := s.controller.Store()

	execution, err := store.GetExecution(r.Context(), executionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	if execution.Status != models.ExecutionPending {
		writeError(w, http.StatusConflict, fmt.Sprintf("execution is %s, not pending", execution.Status))
		return
	}
	if parked, _ := execution.Metadata["awaiting_confirmation"].(bool); !parked {
		writeError(w, http.StatusConflict, "execution is not awaiting confirmation")
		return
	}

	delete(execution.Metadata, "awaiting_confirmation")
	if _, err := store.UpdateExecution(r.Context(), executionID, storage.ExecutionUpdate{Metadata: execution.Metadata}); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to confirm execution: %v", err))
		return
	}

	s.runAndStream(w, r, executionID)
}

// handleCancel idempotently cancels an execution out of band
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]

	execution, err := s.controller.Cancel(r.Context(), executionID)
	if err != nil {
		if errors.Is(err, storage.ErrExecutionNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"execution_id": execution.ID,
		"status":       execution.Status,
	})
}

// handleGetExecution returns the execution's current snapshot
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]

	execution, err := s.controller.Store().GetExecution(r.Context(), executionID)
	if err != nil {
		if errors.Is(err, storage.ErrExecutionNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, execution)
}

// handleGetAudit returns the execution's audit log in creation order
func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]

	entries, err := s.controller.Store().GetAuditLog(r.Context(), executionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"execution_id": executionID,
		"entries":      entries,
	})
}

// handleListActive returns the ids of pending and running executions
func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	ids, err := s.controller.Store().GetActiveExecutions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"active": ids})
}

// runAndStream launches the execution's run loop and serves its event
// stream on this response until the stream closes.
func (s *Server) runAndStream(w http.ResponseWriter, r *http.Request, executionID string) {
	emitter := s.streams.OpenStream(executionID)
	sink := &fanoutSink{primary: emitter, ws: s.ws, executionID: executionID}

	// The run loop outlives this request's context if the client drops;
	// completing the execution does not depend on the stream staying up.
	go func() {
		s.streams.WaitSubscriber(executionID, subscribeTimeout)
		s.controller.Run(context.Background(), executionID, sink)
	}()

	s.streams.Serve(w, r, executionID)
}

// streamSingleEvent answers the submission with a stream that carries
// one event and closes; used for clarification and confirmation replies.
func (s *Server) streamSingleEvent(w http.ResponseWriter, r *http.Request, event runtime.Event) {
	streamID := "submit-" + uuid.New().String()
	emitter := s.streams.OpenStream(streamID)

	go func() {
		s.streams.WaitSubscriber(streamID, subscribeTimeout)
		emitter.Emit(event)
		emitter.Close()
	}()

	s.streams.Serve(w, r, streamID)
}

// fanoutSink forwards run-loop events to the driving SSE stream and to
// any WebSocket watchers. The run loop remains the single writer.
type fanoutSink struct {
	primary     runtime.EventSink
	ws          *WebSocketManager
	executionID string
}

func (f *fanoutSink) Emit(event runtime.Event) {
	f.primary.Emit(event)
	f.ws.Broadcast(f.executionID, event)
}

func (f *fanoutSink) Close() {
	f.primary.Close()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
