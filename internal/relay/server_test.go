package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/beatforge/relay/internal/session"
)

func newTestServer(t *testing.T, allowedOrigins []string) (*httptest.Server, *session.Registry) {
	t.Helper()

	registry := session.NewRegistry()
	srv := NewServer(NewHub(registry), registry, allowedOrigins)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.ServeWS)
	mux.HandleFunc("/healthz", srv.Healthz)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, registry
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

func TestServer_createSessionRoundTrip(t *testing.T) {
	ts, registry := newTestServer(t, nil)
	conn := dial(t, ts, nil)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     "create_session",
		"clientId": ownerID,
	}))

	ev := readEvent(t, conn)
	require.Equal(t, "session_created", ev["type"])
	require.Equal(t, float64(0), ev["revision"])

	sessionID := ev["sessionId"].(string)
	_, ok := registry.Get(sessionID)
	require.True(t, ok)
}

func TestServer_disconnectEndsOwnedSession(t *testing.T) {
	ts, registry := newTestServer(t, nil)
	conn := dial(t, ts, nil)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     "create_session",
		"clientId": ownerID,
	}))
	readEvent(t, conn)
	require.Equal(t, 1, registry.Count())

	conn.Close()

	require.Eventually(t, func() bool {
		return registry.Count() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_rejectsBinaryFrames(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	conn := dial(t, ts, nil)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))

	ev := readEvent(t, conn)
	require.Equal(t, "error", ev["type"])
	require.Equal(t, "invalid_message", ev["code"])

	// The connection stays usable after the rejection.
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     "create_session",
		"clientId": ownerID,
	}))
	ev = readEvent(t, conn)
	require.Equal(t, "session_created", ev["type"])
}

func TestServer_originAllowList(t *testing.T) {
	ts, _ := newTestServer(t, []string{"https://app.example.com"})

	tests := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{"listed origin", "https://app.example.com", true},
		{"listed origin different case", "HTTPS://APP.EXAMPLE.COM", true},
		{"listed origin trailing slash", "https://app.example.com/", true},
		{"unlisted origin", "https://evil.example.com", false},
		{"no origin header", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}

			conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
			if resp != nil {
				resp.Body.Close()
			}
			if !tt.allowed {
				require.Error(t, err)
				require.Equal(t, http.StatusForbidden, resp.StatusCode)
				return
			}
			require.NoError(t, err)
			conn.Close()
		})
	}
}

func TestServer_healthz(t *testing.T) {
	ts, registry := newTestServer(t, nil)
	registry.Create(ownerID)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, 1, body.Sessions)
}
