package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskpilot/taskpilot/pkg/logging"
	"github.com/taskpilot/taskpilot/pkg/models"
	"github.com/taskpilot/taskpilot/pkg/runtime"
	"github.com/taskpilot/taskpilot/pkg/storage"
)

// WebSocketManager fans execution lifecycle events out to out-of-band
// watchers. Watchers observe; the SSE stream attached to the submission
// remains the only channel driven directly by the run loop.
type WebSocketManager struct {
	upgrader websocket.Upgrader

	// connections maps execution IDs to sets of watcher connections
	connections map[string]map[*websocket.Conn]bool

	// subscriptions maps each connection to the execution IDs it watches
	subscriptions map[*websocket.Conn]map[string]bool

	// writeLocks serializes writers per connection; gorilla/websocket
	// forbids concurrent writes and the broadcast, ping, and pong paths
	// run on different goroutines
	writeLocks map[*websocket.Conn]*sync.Mutex

	mu sync.RWMutex

	store  *storage.ExecutionStore
	logger logging.Logger
}

// ExecutionUpdate is one message pushed to watcher connections
type ExecutionUpdate struct {
	Type        string                 `json:"type"`
	ExecutionID string                 `json:"execution_id"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Execution   *models.Execution      `json:"execution,omitempty"`
	Message     string                 `json:"message,omitempty"`
}

// watchMessage represents incoming watcher messages
type watchMessage struct {
	Type        string `json:"type"` // "subscribe", "unsubscribe", "ping"
	ExecutionID string `json:"execution_id,omitempty"`
}

// NewWebSocketManager creates a new WebSocket manager
func NewWebSocketManager(store *storage.ExecutionStore, logger logging.Logger) *WebSocketManager {
	return &WebSocketManager{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections:   make(map[string]map[*websocket.Conn]bool),
		subscriptions: make(map[*websocket.Conn]map[string]bool),
		writeLocks:    make(map[*websocket.Conn]*sync.Mutex),
		store:         store,
		logger:        logger,
	}
}

// HandleWebSocket upgrades the connection and serves watch messages
func (wsm *WebSocketManager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsm.logger.Warn("websocket upgrade failed", logging.F("error", err.Error()))
		return
	}
	defer conn.Close()

	wsm.mu.Lock()
	wsm.subscriptions[conn] = make(map[string]bool)
	wsm.writeLocks[conn] = &sync.Mutex{}
	wsm.mu.Unlock()

	defer wsm.removeConnection(conn)

	conn.SetPongHandler(func(string) error { return nil })
	go wsm.pingRoutine(conn)

	for {
		var msg watchMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				wsm.logger.Warn("websocket read error", logging.F("error", err.Error()))
			}
			return
		}
		wsm.handleMessage(conn, &msg)
	}
}

func (wsm *WebSocketManager) handleMessage(conn *websocket.Conn, msg *watchMessage) {
	switch msg.Type {
	case "subscribe":
		if msg.ExecutionID != "" {
			wsm.subscribe(conn, msg.ExecutionID)
		}
	case "unsubscribe":
		if msg.ExecutionID != "" {
			wsm.unsubscribe(conn, msg.ExecutionID)
		}
	case "ping":
		wsm.send(conn, ExecutionUpdate{
			Type:      "pong",
			Timestamp: time.Now().UTC(),
		})
	default:
		wsm.logger.Warn("unknown websocket message type", logging.F("type", msg.Type))
	}
}

func (wsm *WebSocketManager) subscribe(conn *websocket.Conn, executionID string) {
	execution, err := wsm.store.GetExecution(context.Background(), executionID)
	if err != nil {
		wsm.send(conn, ExecutionUpdate{
			Type:        "error",
			ExecutionID: executionID,
			Timestamp:   time.Now().UTC(),
			Message:     "execution not found",
		})
		return
	}

	wsm.mu.Lock()
	if wsm.connections[executionID] == nil {
		wsm.connections[executionID] = make(map[*websocket.Conn]bool)
	}
	wsm.connections[executionID][conn] = true
	if subs, ok := wsm.subscriptions[conn]; ok {
		subs[executionID] = true
	}
	wsm.mu.Unlock()

	// Current snapshot first, lifecycle events follow
	wsm.send(conn, ExecutionUpdate{
		Type:        "status",
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
		Execution:   execution,
	})
}

func (wsm *WebSocketManager) unsubscribe(conn *websocket.Conn, executionID string) {
	wsm.mu.Lock()
	defer wsm.mu.Unlock()

	if conns, ok := wsm.connections[executionID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(wsm.connections, executionID)
		}
	}
	if subs, ok := wsm.subscriptions[conn]; ok {
		delete(subs, executionID)
	}
}

// Broadcast pushes one run-loop event to every watcher of the execution
func (wsm *WebSocketManager) Broadcast(executionID string, event runtime.Event) {
	wsm.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(wsm.connections[executionID]))
	for conn := range wsm.connections[executionID] {
		conns = append(conns, conn)
	}
	wsm.mu.RUnlock()

	update := ExecutionUpdate{
		Type:        event.Name,
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
		Data:        event.Data,
	}
	for _, conn := range conns {
		wsm.send(conn, update)
	}
}

func (wsm *WebSocketManager) send(conn *websocket.Conn, update ExecutionUpdate) {
	lock := wsm.writeLock(conn)
	if lock == nil {
		return
	}

	lock.Lock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err := conn.WriteJSON(update)
	lock.Unlock()

	if err != nil {
		wsm.logger.Warn("websocket write failed", logging.F("error", err.Error()))
		wsm.removeConnection(conn)
	}
}

// writeLock returns the connection's write mutex, or nil once the
// connection has been removed
func (wsm *WebSocketManager) writeLock(conn *websocket.Conn) *sync.Mutex {
	wsm.mu.RLock()
	defer wsm.mu.RUnlock()
	return wsm.writeLocks[conn]
}

func (wsm *WebSocketManager) removeConnection(conn *websocket.Conn) {
	wsm.mu.Lock()
	if subs, ok := wsm.subscriptions[conn]; ok {
		for executionID := range subs {
			if conns, ok := wsm.connections[executionID]; ok {
				delete(conns, conn)
				if len(conns) == 0 {
					delete(wsm.connections, executionID)
				}
			}
		}
	}
	delete(wsm.subscriptions, conn)
	delete(wsm.writeLocks, conn)
	wsm.mu.Unlock()

	conn.Close()
}

func (wsm *WebSocketManager) pingRoutine(conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		lock := wsm.writeLock(conn)
		if lock == nil {
			return
		}

		lock.Lock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		lock.Unlock()

		if err != nil {
			wsm.removeConnection(conn)
			return
		}
	}
}

// Watchers returns the number of connections watching an execution
func (wsm *WebSocketManager) Watchers(executionID string) int {
	wsm.mu.RLock()
	defer wsm.mu.RUnlock()
	return len(wsm.connections[executionID])
}
