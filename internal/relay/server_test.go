package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remote-clauding/internal/auth"
	"remote-clauding/internal/metrics"
	"remote-clauding/internal/protocol"
	"remote-clauding/internal/push"
	"remote-clauding/internal/session"
)

const testToken = "test-token"

type harness struct {
	srv   *httptest.Server
	gate  *Server
	store *push.MemoryStore
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	store := push.NewMemoryStore()
	opts := Options{
		Auth:    auth.NewStaticTokens(testToken),
		Push:    store,
		Metrics: metrics.New("test"),
	}
	if mutate != nil {
		mutate(&opts)
	}
	gate := NewServer(NewRouter(session.NewRegistry(), nil, opts.Metrics), opts)
	srv := httptest.NewServer(gate.Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, gate: gate, store: store}
}

func (h *harness) dial(t *testing.T, path string, params url.Values) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + path + "?" + params.Encode()
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func next(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// nextOf skips frames until one of type want arrives.
func nextOf(t *testing.T, ws *websocket.Conn, want protocol.MessageType) frame {
	t.Helper()
	for {
		f := next(t, ws)
		if f.Type == want {
			return f
		}
	}
}

func tokenParams(extra ...string) url.Values {
	v := url.Values{"token": {testToken}}
	for i := 0; i+1 < len(extra); i += 2 {
		v.Set(extra[i], extra[i+1])
	}
	return v
}

func waitSessions(t *testing.T, h *harness, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.gate.Router().Sessions("")) == n }, 2*time.Second, 5*time.Millisecond)
}

func TestServer_RejectsBadToken(t *testing.T) {
	h := newHarness(t, nil)
	for _, path := range []string{"/ws/agent", "/ws/client"} {
		u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + path + "?token=wrong"
		_, resp, err := websocket.DefaultDialer.Dial(u, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestServer_EndToEnd(t *testing.T) {
	h := newHarness(t, nil)

	agent := h.dial(t, "/ws/agent", tokenParams("sessionId", "s1"))
	send(t, agent, protocol.NewSessionRegister("s1", "demo", "/tmp/demo", ""))
	waitSessions(t, h, 1)

	client := h.dial(t, "/ws/client", tokenParams())
	list := next(t, client)
	require.Equal(t, protocol.TypeSessionsUpdated, list.Type)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "demo", list.Sessions[0].ProjectName)

	send(t, client, map[string]any{"type": "subscribe_session", "sessionId": "s1", "since": 0})
	hist := next(t, client)
	require.Equal(t, protocol.TypeMessageHistory, hist.Type)
	assert.Empty(t, hist.Messages)

	send(t, agent, protocol.NewClaudeOutput("s1", protocol.AssistantDelta("A")))
	send(t, agent, protocol.NewClaudeOutput("s1", protocol.AssistantDelta("B")))
	send(t, agent, protocol.NewClaudeOutput("s1", protocol.Result("success")))

	var got []protocol.OutputEvent
	for i := 0; i < 3; i++ {
		f := nextOf(t, client, protocol.TypeClaudeOutput)
		got = append(got, *f.Message)
	}
	assert.Equal(t, "A", got[0].Text)
	assert.Equal(t, "B", got[1].Text)
	assert.Equal(t, protocol.EventResult, got[2].Type)
	assert.NotZero(t, got[0].Timestamp)

	// A second client replays exactly the same three events.
	late := h.dial(t, "/ws/client", tokenParams())
	next(t, late)
	send(t, late, map[string]any{"type": "subscribe_session", "sessionId": "s1"})
	replay := nextOf(t, late, protocol.TypeMessageHistory)
	assert.Equal(t, got, replay.Messages)

	// Messages typed on the phone reach the agent.
	send(t, client, map[string]any{"type": "user_message", "sessionId": "s1", "content": "next"})
	fwd := nextOf(t, agent, protocol.TypeUserMessage)
	assert.Equal(t, "next", fwd.Content)
	echo := nextOf(t, client, protocol.TypeClaudeOutput)
	assert.Equal(t, protocol.EventUserMessage, echo.Message.Type)

	// Closing the agent closes the session for subscribers.
	require.NoError(t, agent.Close())
	closed := nextOf(t, client, protocol.TypeSessionClosed)
	assert.Equal(t, "s1", closed.SessionID)
	waitSessions(t, h, 0)
}

func TestServer_MalformedFramesIgnored(t *testing.T) {
	h := newHarness(t, nil)
	client := h.dial(t, "/ws/client", tokenParams())
	next(t, client)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("not json")))
	send(t, client, map[string]any{"type": "mystery"})
	send(t, client, map[string]any{"type": "user_message", "sessionId": "nope", "content": "hi"})

	f := next(t, client)
	assert.Equal(t, protocol.TypeError, f.Type)
	assert.Equal(t, "Agent not connected for this session", f.Error)
}

func TestServer_PairingTokenScopesClient(t *testing.T) {
	h := newHarness(t, nil)
	a1 := h.dial(t, "/ws/agent", tokenParams())
	send(t, a1, protocol.NewSessionRegister("s1", "one", "", "pair-secret"))
	a2 := h.dial(t, "/ws/agent", tokenParams())
	send(t, a2, protocol.NewSessionRegister("s2", "two", "", ""))
	waitSessions(t, h, 2)

	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/client?" + url.Values{"sessionId": {"s1"}, "sessionToken": {"wrong"}}.Encode()
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	scoped := h.dial(t, "/ws/client", url.Values{"sessionId": {"s1"}, "sessionToken": {"pair-secret"}})
	list := next(t, scoped)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, "s1", list.Sessions[0].ID)
}

func TestServer_Health(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uptime")
}

func TestServer_ListSessionsRequiresBearer(t *testing.T) {
	h := newHarness(t, nil)
	handler := h.gate.Handler()

	req := httptest.NewRequest("GET", "/api/sessions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest("GET", "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest("GET", "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessions":[]}`, w.Body.String())
}

func TestServer_VAPIDKey(t *testing.T) {
	h := newHarness(t, nil)
	w := httptest.NewRecorder()
	h.gate.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/push/vapid-key", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	h = newHarness(t, func(o *Options) { o.VAPIDPublicKey = "BPUB" })
	w = httptest.NewRecorder()
	h.gate.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/api/push/vapid-key", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"vapidPublicKey":"BPUB"}`, w.Body.String())
}

func TestServer_PushSubscribe(t *testing.T) {
	h := newHarness(t, nil)
	handler := h.gate.Handler()

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/push/subscribe", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+testToken)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusBadRequest, post(`{"keys":{}}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`nope`).Code)

	w := post(`{"endpoint":"https://push.example/1","keys":{"p256dh":"k","auth":"a"}}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())
	post(`{"endpoint":"https://push.example/1","keys":{"p256dh":"k","auth":"a"}}`)

	subs, err := h.store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "a", subs[0].Keys.Auth)
}

func TestServer_StaticSPAFallback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>app</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644))

	h := newHarness(t, func(o *Options) { o.StaticDir = dir })
	handler := h.gate.Handler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/app.js", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "console.log")

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/session/s1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "app")

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_CORSHeaders(t *testing.T) {
	h := newHarness(t, nil)
	w := httptest.NewRecorder()
	h.gate.Handler().ServeHTTP(w, httptest.NewRequest("OPTIONS", "/api/sessions", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestServer_Metrics(t *testing.T) {
	h := newHarness(t, nil)
	client := h.dial(t, "/ws/client", tokenParams())
	next(t, client)

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
