package api

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskpilot/taskpilot/pkg/models"
	"github.com/taskpilot/taskpilot/pkg/runtime"
)

func dialWatcher(t *testing.T, tsURL string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(tsURL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) ExecutionUpdate {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var update ExecutionUpdate
	require.NoError(t, conn.ReadJSON(&update))
	return update
}

func TestWebSocketSubscribeReceivesSnapshot(t *testing.T) {
	server, ts := newTestServer(t)

	execution, err := server.controller.Store().CreateExecution(context.Background(), models.ExecutionPlan{
		Summary: "watched task",
		Phases:  []models.PlanPhase{{ID: "phase-1", Name: "Work", TaskKind: "execute"}},
	}, nil)
	require.NoError(t, err)

	conn := dialWatcher(t, ts.URL)
	require.NoError(t, conn.WriteJSON(watchMessage{Type: "subscribe", ExecutionID: execution.ID}))

	update := readUpdate(t, conn)
	assert.Equal(t, "status", update.Type)
	assert.Equal(t, execution.ID, update.ExecutionID)
	require.NotNil(t, update.Execution)
	assert.Equal(t, models.ExecutionPending, update.Execution.Status)
}

func TestWebSocketReceivesBroadcasts(t *testing.T) {
	server, ts := newTestServer(t)

	execution, err := server.controller.Store().CreateExecution(context.Background(), models.ExecutionPlan{
		Phases: []models.PlanPhase{{ID: "phase-1", Name: "Work", TaskKind: "execute"}},
	}, nil)
	require.NoError(t, err)

	conn := dialWatcher(t, ts.URL)
	require.NoError(t, conn.WriteJSON(watchMessage{Type: "subscribe", ExecutionID: execution.ID}))
	readUpdate(t, conn) // snapshot

	// the subscribe round trip guarantees the watcher is registered
	require.Equal(t, 1, server.ws.Watchers(execution.ID))

	server.ws.Broadcast(execution.ID, runtime.Event{
		Name: runtime.EventPhaseStarted,
		Data: map[string]interface{}{"phase_id": "phase-1"},
	})

	update := readUpdate(t, conn)
	assert.Equal(t, runtime.EventPhaseStarted, update.Type)
	assert.Equal(t, "phase-1", update.Data["phase_id"])
}

func TestWebSocketSubscribeUnknownExecution(t *testing.T) {
	_, ts := newTestServer(t)

	conn := dialWatcher(t, ts.URL)
	require.NoError(t, conn.WriteJSON(watchMessage{Type: "subscribe", ExecutionID: "missing"}))

	update := readUpdate(t, conn)
	assert.Equal(t, "error", update.Type)
	assert.Equal(t, "execution not found", update.Message)
}

func TestWebSocketUnsubscribe(t *testing.T) {
	server, ts := newTestServer(t)

	execution, err := server.controller.Store().CreateExecution(context.Background(), models.ExecutionPlan{
		Phases: []models.PlanPhase{{ID: "phase-1", Name: "Work", TaskKind: "execute"}},
	}, nil)
	require.NoError(t, err)

	conn := dialWatcher(t, ts.URL)
	require.NoError(t, conn.WriteJSON(watchMessage{Type: "subscribe", ExecutionID: execution.ID}))
	readUpdate(t, conn)

	require.NoError(t, conn.WriteJSON(watchMessage{Type: "unsubscribe", ExecutionID: execution.ID}))

	// ping round trip flushes the unsubscribe before we assert
	require.NoError(t, conn.WriteJSON(watchMessage{Type: "ping"}))
	update := readUpdate(t, conn)
	assert.Equal(t, "pong", update.Type)

	assert.Equal(t, 0, server.ws.Watchers(execution.ID))
}

// Broadcasts arrive on the run loop's goroutine while pong replies go
// out from the read loop; the per-connection write lock keeps them from
// interleaving on the wire
func TestWebSocketConcurrentBroadcastAndPong(t *testing.T) {
	server, ts := newTestServer(t)

	execution, err := server.controller.Store().CreateExecution(context.Background(), models.ExecutionPlan{
		Phases: []models.PlanPhase{{ID: "phase-1", Name: "Work", TaskKind: "execute"}},
	}, nil)
	require.NoError(t, err)

	conn := dialWatcher(t, ts.URL)
	require.NoError(t, conn.WriteJSON(watchMessage{Type: "subscribe", ExecutionID: execution.ID}))
	readUpdate(t, conn) // snapshot

	const broadcasts = 50
	const pings = 10

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < broadcasts; i++ {
			server.ws.Broadcast(execution.ID, runtime.Event{
				Name: runtime.EventPhaseStarted,
				Data: map[string]interface{}{"phase_id": "phase-1"},
			})
		}
	}()

	for i := 0; i < pings; i++ {
		require.NoError(t, conn.WriteJSON(watchMessage{Type: "ping"}))
	}

	pongs, events := 0, 0
	for pongs < pings || events < broadcasts {
		update := readUpdate(t, conn)
		switch update.Type {
		case "pong":
			pongs++
		case runtime.EventPhaseStarted:
			events++
		}
	}
	<-done

	assert.Equal(t, broadcasts, events)
	assert.Equal(t, pings, pongs)
}

func TestWebSocketWatchFullRun(t *testing.T) {
	_, ts := newTestServer(t)

	// a pending confirmation leaves the execution parked for watching
	stream := submitAndDrain(t, ts, models.SubmitRequest{Message: "deploy the build"})
	require.Contains(t, streamEventNames(stream), runtime.EventPlanConfirmationRequired)

	ids := activeExecutions(t, ts)
	require.Len(t, ids, 1)
	executionID := ids[0]

	conn := dialWatcher(t, ts.URL)
	require.NoError(t, conn.WriteJSON(watchMessage{Type: "subscribe", ExecutionID: executionID}))
	readUpdate(t, conn) // snapshot

	confirmed := submitConfirm(t, ts, executionID)
	require.Contains(t, streamEventNames(confirmed), runtime.EventComplete)

	sawComplete := false
	for i := 0; i < 20 && !sawComplete; i++ {
		update := readUpdate(t, conn)
		assert.Equal(t, executionID, update.ExecutionID)
		if update.Type == runtime.EventComplete {
			sawComplete = true
		}
	}
	assert.True(t, sawComplete, "watcher never saw the completion event")
}
