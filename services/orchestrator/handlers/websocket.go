package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/Rulebook/services/orchestrator/datatypes"
	"github.com/AleutianAI/Rulebook/services/orchestrator/observability"
)

// Questions cap at 32KB, so modest frame buffers cover every message.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// sendJSON writes v as a single JSON frame, logging failures.
func sendJSON(ws *websocket.Conn, v interface{}) error {
	if err := ws.WriteJSON(v); err != nil {
		slog.Warn("Failed to send websocket message", "error", err)
		return err
	}
	return nil
}

// wsEventChain stamps websocket frames with the same envelope the SSE
// writer stamps on events, so clients of either transport can verify
// the event chain.
type wsEventChain struct {
	prevHash string
}

func (ch *wsEventChain) stamp(event datatypes.StreamEvent) datatypes.StreamEvent {
	event.ID = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = ch.prevHash
	event.Hash = computeEventHash(event)
	ch.prevHash = event.Hash
	return event
}

// WebSocketHandler returns the handler for GET /v1/ask/ws.
//
// # Description
//
// Upgrades the connection and answers questions for as long as the
// client stays connected. On connect the client receives a
// session_created frame with a fresh session id; request frames that
// omit session_id share that session, so a plain websocket client gets
// multi-turn memory for free. Each turn's events stream back as JSON
// frames with the same shape and hash chain as the SSE endpoint.
//
// # Inputs
//
//   - deps: Turn collaborators. Runner is required.
//
// # Outputs
//
//   - gin.HandlerFunc: Websocket upgrade handler.
func WebSocketHandler(deps TurnDeps) gin.HandlerFunc {
	if deps.Runner == nil {
		panic("WebSocketHandler: runner is required")
	}

	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to upgrade websocket connection", "error", err)
			return
		}
		defer ws.Close()

		m := observability.DefaultMetrics
		m.StreamStarted(observability.EndpointWebSocket)
		defer m.StreamEnded(observability.EndpointWebSocket)

		// Frames that omit session_id share the connection's session.
		connSessionID := uuid.New().String()
		_ = sendJSON(ws, gin.H{"action": "session_created", "sessionId": connSessionID})

		slog.Info("Websocket client connected", "session_id", connSessionID)

		for {
			var req datatypes.AskRequest
			if err := ws.ReadJSON(&req); err != nil {
				slog.Debug("Websocket client disconnected", "error", err)
				return
			}
			if req.SessionID == "" {
				req.SessionID = connSessionID
			}
			runWebSocketTurn(c.Request.Context(), deps, ws, &req)
		}
	}
}

// runWebSocketTurn answers one question, streaming its events as JSON
// frames. A failed write means the client is gone; the read loop will
// notice and close the connection.
func runWebSocketTurn(ctx context.Context, deps TurnDeps, ws *websocket.Conn, req *datatypes.AskRequest) {
	m := observability.DefaultMetrics
	endpoint := observability.EndpointWebSocket
	start := time.Now()

	success := false
	defer func() {
		m.RecordRequest(endpoint, success)
		m.RecordStreamDuration(endpoint, time.Since(start).Seconds(), success)
	}()

	if err := req.Validate(); err != nil {
		m.RecordError(endpoint, observability.ErrorCodeValidation)
		_ = sendJSON(ws, datatypes.ErrorEvent("Invalid request: "+err.Error()))
		return
	}
	req.EnsureDefaults()

	redactedQuestion, piiCategories := scanQuestion(deps.Scanner, req.Question)
	slog.Debug("Handling websocket question",
		"session_id", req.SessionID,
		"request_id", req.RequestID,
		"question", redactedQuestion)

	state := buildTurnState(ctx, deps, req)

	chain := &wsEventChain{}
	firstDelta := true
	doneReceived := false

	for event := range deps.Runner.Stream(ctx, state) {
		if event.Type == datatypes.StreamTextDelta && firstDelta {
			firstDelta = false
			m.RecordTimeToFirstToken(endpoint, time.Since(start).Seconds())
		}
		if event.Type == datatypes.StreamDone {
			doneReceived = true
			event.SessionID = state.SessionID
		}
		if err := sendJSON(ws, chain.stamp(event)); err != nil {
			m.RecordClientDisconnect(endpoint)
			return
		}
	}

	// A turn that did not complete is not persisted.
	if ctx.Err() != nil || !doneReceived {
		return
	}

	success = true
	slog.Info("Websocket turn completed",
		"session_id", state.SessionID,
		"domain", state.TopicDomain,
		"escalated", state.Escalation != nil,
		"latency_ms", time.Since(start).Milliseconds())

	go recordTurn(deps, state, redactedQuestion, piiCategories, time.Since(start))
}
