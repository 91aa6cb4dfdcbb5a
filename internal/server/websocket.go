package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hydrodiag/hydrodiag-ai/internal/metrics"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/engine"
)

// WebSocket message types
const (
	MessageTypeSession   = "session"
	MessageTypeTurn      = "turn"
	MessageTypeError     = "error"
	MessageTypeHeartbeat = "heartbeat"
)

// WebSocket request types
const (
	RequestTypeMessage = "message"
	RequestTypeReset   = "reset"
)

const (
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
)

// defaultOrigins are accepted when no origins are configured.
var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// WSRequest is a client frame. Type defaults to "message".
type WSRequest struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text"`
	SessionID  string `json:"sessionId,omitempty"`
	ArtifactID string `json:"artifactId,omitempty"`
}

// WSMessage is a server frame.
type WSMessage struct {
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId,omitempty"`
	Event     *engine.TurnEvent `json:"event,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// newUpgrader builds an upgrader that accepts the given origins. An empty
// list falls back to the local development origins and "*" accepts any.
// Requests without an Origin header are not from a browser and are accepted.
func newUpgrader(allowed []string) websocket.Upgrader {
	if len(allowed) == 0 {
		allowed = defaultOrigins
	}
	wildcard := false
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || wildcard {
				return true
			}
			_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
			return ok
		},
	}
}

// wsConnection is one open WebSocket. Turn results reach the client through
// an engine subscription on the connection's current session, so turns made
// over HTTP on the same session are pushed too.
type wsConnection struct {
	conn   *websocket.Conn
	server *Server
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex // serializes writes

	sessionID string
	sub       *engine.Subscriber
	forwards  sync.WaitGroup
}

// handleWebSocket upgrades the request and serves the turn protocol. The
// optional sessionId query parameter selects the initial session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	wsc := &wsConnection{
		conn:   conn,
		server: s,
		logger: s.logger.With(zap.String("remote", r.RemoteAddr)),
		ctx:    ctx,
		cancel: cancel,
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	wsc.switchSession(sessionID)

	wsc.handle()
}

// handle reads client frames until the connection closes.
func (wsc *wsConnection) handle() {
	metrics.WebSocketConnections.Inc()
	wsc.logger.Info("WebSocket connection established", zap.String("session_id", wsc.sessionID))
	defer func() {
		wsc.cancel()
		wsc.conn.Close()
		if wsc.sub != nil {
			wsc.server.engine.Unsubscribe(wsc.sessionID, wsc.sub)
		}
		wsc.forwards.Wait()
		metrics.WebSocketConnections.Dec()
		wsc.logger.Info("WebSocket connection closed", zap.String("session_id", wsc.sessionID))
	}()

	go wsc.heartbeat()

	wsc.conn.SetReadLimit(maxAgentBody)
	for {
		var req WSRequest
		if err := wsc.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsc.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		wsc.dispatch(&req)
	}
}

func (wsc *wsConnection) dispatch(req *WSRequest) {
	if req.SessionID != "" && req.SessionID != wsc.sessionID {
		wsc.switchSession(req.SessionID)
	}

	ctx := context.WithoutCancel(wsc.ctx)
	switch req.Type {
	case "", RequestTypeMessage:
		wsc.server.engine.HandleMessage(ctx, wsc.sessionID, req.Text, req.ArtifactID)
	case RequestTypeReset:
		wsc.server.engine.Reset(ctx, wsc.sessionID)
	default:
		wsc.sendError("unknown request type: " + req.Type)
	}
}

// switchSession moves the subscription to id and tells the client.
func (wsc *wsConnection) switchSession(id string) {
	if wsc.sub != nil {
		wsc.server.engine.Unsubscribe(wsc.sessionID, wsc.sub)
	}
	wsc.sessionID = id
	wsc.sub = wsc.server.engine.Subscribe(id)

	wsc.forwards.Add(1)
	go wsc.forward(wsc.sub)

	wsc.send(&WSMessage{Type: MessageTypeSession, SessionID: id, Timestamp: time.Now()})
}

// forward relays turn events until the subscription is closed.
func (wsc *wsConnection) forward(sub *engine.Subscriber) {
	defer wsc.forwards.Done()
	for ev := range sub.Ch {
		ev := ev
		wsc.send(&WSMessage{
			Type:      MessageTypeTurn,
			SessionID: ev.SessionID,
			Event:     &ev,
			Timestamp: time.Now(),
		})
	}
}

func (wsc *wsConnection) send(msg *WSMessage) error {
	wsc.mu.Lock()
	defer wsc.mu.Unlock()

	wsc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wsc.conn.WriteJSON(msg)
}

func (wsc *wsConnection) sendError(errMsg string) {
	wsc.send(&WSMessage{
		Type:      MessageTypeError,
		SessionID: wsc.sessionID,
		Error:     errMsg,
		Timestamp: time.Now(),
	})
}

// heartbeat sends periodic heartbeats and closes the socket when the
// server stops.
func (wsc *wsConnection) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wsc.ctx.Done():
			wsc.conn.Close()
			return
		case <-ticker.C:
			if err := wsc.send(&WSMessage{Type: MessageTypeHeartbeat, Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}
