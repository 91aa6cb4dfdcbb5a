package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrodiag/hydrodiag-ai/pkg/types"
)

// makeRequest creates a fake http.Request with the given Origin header.
func makeRequest(origin string) *http.Request {
	r, _ := http.NewRequest("GET", "/ws/agent", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestOriginChecking(t *testing.T) {
	tests := []struct {
		name      string
		origins   []string // allowedOrigins config
		reqOrigin string
		want      bool
	}{
		// Default / development origins
		{"allow localhost:3000", nil, "http://localhost:3000", true},
		{"allow localhost:5173", nil, "http://localhost:5173", true},
		{"block localhost:8080 by default", nil, "http://localhost:8080", false},
		{"block external by default", nil, "https://evil.example.com", false},

		// Wildcard mode
		{"wildcard allows anything", []string{"*"}, "https://example.com", true},
		{"wildcard allows localhost", []string{"*"}, "http://localhost:3000", true},

		// Explicit allow list
		{"explicit allow match", []string{"https://plant.example.com"}, "https://plant.example.com", true},
		{"explicit allow mismatch", []string{"https://plant.example.com"}, "https://evil.com", false},
		{"case-insensitive origin", []string{"https://Plant.Example.Com"}, "https://plant.example.com", true},
		{"trailing slash ignored", []string{"https://plant.example.com/"}, "https://plant.example.com", true},

		// No origin header (non-browser clients / same-host)
		{"no origin header allowed", nil, "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			up := newUpgrader(tc.origins)
			got := up.CheckOrigin(makeRequest(tc.reqOrigin))
			assert.Equal(t, tc.want, got, "origin=%q allowed=%v", tc.reqOrigin, tc.origins)
		})
	}
}

func dialAgent(t *testing.T, env *testEnv, query string) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/agent" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn, ts
}

// readType reads frames until one of the wanted type arrives.
func readType(t *testing.T, conn *websocket.Conn, want string) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == want {
			return msg
		}
	}
}

func TestWebSocketTurn(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := dialAgent(t, env, "")

	hello := readType(t, conn, MessageTypeSession)
	require.NotEmpty(t, hello.SessionID)

	require.NoError(t, conn.WriteJSON(WSRequest{Text: "Cylinder drifts under load"}))
	turn := readType(t, conn, MessageTypeTurn)
	require.NotNil(t, turn.Event)
	assert.Equal(t, hello.SessionID, turn.SessionID)
	assert.Equal(t, "turn", turn.Event.Type)
	assert.Equal(t, "Cylinder drifts under load", turn.Event.Text)
	require.NotNil(t, turn.Event.Result)
	assert.Equal(t, hello.SessionID, turn.Event.Result.SessionID)
	assert.NotEqual(t, types.StatusError, turn.Event.Result.Status)

	require.NoError(t, conn.WriteJSON(WSRequest{Type: RequestTypeReset}))
	reset := readType(t, conn, MessageTypeTurn)
	require.NotNil(t, reset.Event)
	assert.Equal(t, "reset", reset.Event.Type)
	assert.Equal(t, types.StatusReset, reset.Event.Result.Status)
}

func TestWebSocketSwitchesSession(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := dialAgent(t, env, "?sessionId=first")

	assert.Equal(t, "first", readType(t, conn, MessageTypeSession).SessionID)

	require.NoError(t, conn.WriteJSON(WSRequest{Text: "pump whines", SessionID: "second"}))
	assert.Equal(t, "second", readType(t, conn, MessageTypeSession).SessionID)

	turn := readType(t, conn, MessageTypeTurn)
	assert.Equal(t, "second", turn.SessionID)

	_, err := env.engine.Session(t.Context(), "second")
	assert.NoError(t, err)
}

func TestWebSocketPushesHTTPTurns(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := dialAgent(t, env, "?sessionId=shared")
	readType(t, conn, MessageTypeSession)

	env.postAgent(t, types.AgentRequest{Text: "hoses are hot", SessionID: "shared"})

	turn := readType(t, conn, MessageTypeTurn)
	assert.Equal(t, "shared", turn.SessionID)
	assert.Equal(t, "hoses are hot", turn.Event.Text)
}

func TestWebSocketUnknownRequestType(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := dialAgent(t, env, "")
	readType(t, conn, MessageTypeSession)

	require.NoError(t, conn.WriteJSON(WSRequest{Type: "subscribe"}))
	msg := readType(t, conn, MessageTypeError)
	assert.Contains(t, msg.Error, "unknown request type")
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/agent"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
