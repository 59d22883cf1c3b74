package relay

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbarinov/echoshell/internal/config"
	"github.com/rbarinov/echoshell/internal/fanout"
	"github.com/rbarinov/echoshell/internal/protocol"
	"github.com/rbarinov/echoshell/internal/registry"
)

const testRegKey = "reg-key"

func newTestRelay(t *testing.T, mutate func(cfg *config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{
		Host:               "127.0.0.1",
		Port:               0,
		PublicHost:         "relay.test",
		PublicProtocol:     "https",
		RegistrationAPIKey: testRegKey,
		RequestTimeout:     2 * time.Second,
		LogLevel:           "ERROR",
	}
	if mutate != nil {
		mutate(cfg)
	}
	logger := zerolog.Nop()
	srv := New(cfg, registry.New(logger), fanout.NewHub(logger), logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

type tunnelConfig struct {
	TunnelID   string `json:"tunnelId"`
	APIKey     string `json:"apiKey"`
	PublicURL  string `json:"publicUrl"`
	WSURL      string `json:"wsUrl"`
	IsRestored bool   `json:"isRestored"`
}

func createTunnel(t *testing.T, ts *httptest.Server, body string) tunnelConfig {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/tunnel/create", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testRegKey)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Config tunnelConfig `json:"config"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Config.TunnelID)
	require.NotEmpty(t, out.Config.APIKey)
	return out.Config
}

func dialTunnel(t *testing.T, ts *httptest.Server, tc tunnelConfig) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/tunnel/" + tc.TunnelID + "?api_key=" + tc.APIKey
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func dialStream(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn, timeout time.Duration) []byte {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	return data
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHealth(t *testing.T) {
	_, ts := newTestRelay(t, nil)
	resp, err := ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTunnelCreate_RequiresRegistrationKey(t *testing.T) {
	_, ts := newTestRelay(t, nil)
	resp, err := ts.Client().Post(ts.URL+"/tunnel/create", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, CodeTunnelAuthError, body.Error)
}

func TestTunnelCreate_RestoreKeepsIDAndRotatesKey(t *testing.T) {
	_, ts := newTestRelay(t, nil)

	first := createTunnel(t, ts, `{"name":"laptop"}`)
	assert.False(t, first.IsRestored)
	assert.Contains(t, first.PublicURL, first.TunnelID)
	assert.Contains(t, first.WSURL, first.TunnelID)

	second := createTunnel(t, ts, `{"name":"laptop","tunnel_id":"`+first.TunnelID+`"}`)
	assert.True(t, second.IsRestored)
	assert.Equal(t, first.TunnelID, second.TunnelID)
	assert.NotEqual(t, first.APIKey, second.APIKey)
}

func TestTunnelCreate_LiveIDNotRestorable(t *testing.T) {
	_, ts := newTestRelay(t, nil)
	tc := createTunnel(t, ts, `{"name":"laptop"}`)
	dialTunnel(t, ts, tc)

	again := createTunnel(t, ts, `{"tunnel_id":"`+tc.TunnelID+`"}`)
	assert.False(t, again.IsRestored)
	assert.NotEqual(t, tc.TunnelID, again.TunnelID)
}

func TestTunnelSocket_AuthFailures(t *testing.T) {
	_, ts := newTestRelay(t, nil)
	tc := createTunnel(t, ts, `{"name":"laptop"}`)

	base := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(base+"/tunnel/no-such-tunnel?api_key=x", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+"/tunnel/"+tc.TunnelID+"?api_key=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// fakeLaptop answers every http_request frame with a canned response.
func fakeLaptop(t *testing.T, ws *websocket.Conn, status int, body string, onRequest func(req protocol.HTTPRequest)) {
	t.Helper()
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			frameType, err := protocol.PeekType(data)
			if err != nil || frameType != protocol.TypeHTTPRequest {
				continue
			}
			var req protocol.HTTPRequest
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			if onRequest != nil {
				onRequest(req)
			}
			resp, _ := protocol.Marshal(protocol.HTTPResponse{
				Type:       protocol.TypeHTTPResponse,
				RequestID:  req.RequestID,
				StatusCode: status,
				Body:       json.RawMessage(body),
			})
			ws.WriteMessage(websocket.TextMessage, resp)
		}
	}()
}

func TestRelayedRequest_RoundTrip(t *testing.T) {
	_, ts := newTestRelay(t, nil)
	tc := createTunnel(t, ts, `{"name":"laptop"}`)
	ws := dialTunnel(t, ts, tc)

	var got protocol.HTTPRequest
	fakeLaptop(t, ws, http.StatusCreated, `{"ok":true}`, func(req protocol.HTTPRequest) {
		got = req
	})

	resp, err := ts.Client().Post(
		ts.URL+"/api/"+tc.TunnelID+"/sessions/new?foo=bar",
		"application/json",
		strings.NewReader(`{"cmd":"ls"}`),
	)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body["ok"])

	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/sessions/new", got.Path)
	assert.Equal(t, "bar", got.Query["foo"])
	assert.JSONEq(t, `{"cmd":"ls"}`, string(got.Body))
	assert.NotEmpty(t, got.RequestID)
}

func TestSplitTunnelPath(t *testing.T) {
	tests := []struct {
		in       string
		wantID   string
		wantPath string
	}{
		{"t1/sessions/new", "t1", "/sessions/new"},
		{"t1//sessions//new", "t1", "/sessions/new"},
		{"t1", "t1", "/"},
		{"t1/", "t1", "/"},
		{"", "", ""},
	}
	for _, tc := range tests {
		id, path := splitTunnelPath(tc.in)
		assert.Equal(t, tc.wantID, id, tc.in)
		assert.Equal(t, tc.wantPath, path, tc.in)
	}
}

func TestStreamKey(t *testing.T) {
	assert.Equal(t, "t1:s1", streamKey(fanout.KindTerminal, "t1", "s1"))
	assert.Equal(t, "t1:s1:recording", streamKey(fanout.KindRecording, "t1", "s1"))
	assert.Equal(t, "t1:s1:agent", streamKey(fanout.KindAgent, "t1", "s1"))
}

func TestRelayedRequest_UnknownTunnel(t *testing.T) {
	_, ts := newTestRelay(t, nil)
	resp, err := ts.Client().Get(ts.URL + "/api/no-such-tunnel/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRelayedRequest_TunnelNotConnected(t *testing.T) {
	_, ts := newTestRelay(t, nil)
	tc := createTunnel(t, ts, `{"name":"laptop"}`)

	resp, err := ts.Client().Get(ts.URL + "/api/" + tc.TunnelID + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, CodeTunnelConnectionError, body.Error)
}

func TestRelayedRequest_TimeoutAndLateResponseDiscarded(t *testing.T) {
	srv, ts := newTestRelay(t, func(cfg *config.Config) {
		cfg.RequestTimeout = 150 * time.Millisecond
	})
	tc := createTunnel(t, ts, `{"name":"laptop"}`)
	ws := dialTunnel(t, ts, tc)

	// Capture the request id but never answer within the timeout.
	requestID := make(chan string, 1)
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req protocol.HTTPRequest
			if json.Unmarshal(data, &req) == nil && req.Type == protocol.TypeHTTPRequest {
				requestID <- req.RequestID
			}
		}
	}()

	resp, err := ts.Client().Get(ts.URL + "/api/" + tc.TunnelID + "/slow")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, CodeUpstreamTimeout, body.Error)

	// A response after the deadline must be dropped, not delivered.
	select {
	case id := <-requestID:
		late, _ := protocol.Marshal(protocol.HTTPResponse{
			Type:       protocol.TypeHTTPResponse,
			RequestID:  id,
			StatusCode: http.StatusOK,
		})
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, late))
	case <-time.After(time.Second):
		t.Fatal("laptop never saw the request")
	}
	waitFor(t, func() bool { return srv.pending.Len() == 0 }, time.Second, "pending table not drained")
}

func TestRelayedRequest_TunnelDisconnectFailsPending(t *testing.T) {
	_, ts := newTestRelay(t, nil)
	tc := createTunnel(t, ts, `{"name":"laptop"}`)
	ws := dialTunnel(t, ts, tc)

	// Close the tunnel as soon as the request arrives.
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req protocol.HTTPRequest
			if json.Unmarshal(data, &req) == nil && req.Type == protocol.TypeHTTPRequest {
				ws.Close()
				return
			}
		}
	}()

	resp, err := ts.Client().Get(ts.URL + "/api/" + tc.TunnelID + "/anything")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// stubTunnelConn carries a field so each &stubTunnelConn{} is a distinct
// allocation; zero-size values may share an address, which would make the
// old and replacement connections compare equal.
type stubTunnelConn struct{ id int }

func (*stubTunnelConn) Close(code int, reason string) {}

func TestSupersededTeardownKeepsReplacementPending(t *testing.T) {
	srv, ts := newTestRelay(t, nil)
	tc := createTunnel(t, ts, `{"name":"laptop"}`)

	old := &stubTunnelConn{id: 1}
	require.NoError(t, srv.registry.Attach(tc.TunnelID, old))
	replacement := &stubTunnelConn{id: 2}
	require.NoError(t, srv.registry.Attach(tc.TunnelID, replacement))

	// A request relayed over the replacement is already waiting when the
	// superseded connection's read loop finally tears down.
	waiter := srv.pending.Add("req-kept", tc.TunnelID)
	require.NotNil(t, waiter)

	srv.teardownTunnel(tc.TunnelID, old)
	select {
	case <-waiter:
		t.Fatal("superseded connection teardown failed a pending request on the replacement")
	default:
	}
	assert.Equal(t, 1, srv.pending.Len())
	assert.True(t, srv.registry.IsLive(tc.TunnelID))

	// The live connection's teardown still fails what is left.
	srv.teardownTunnel(tc.TunnelID, replacement)
	select {
	case resp := <-waiter:
		assert.Nil(t, resp)
	case <-time.After(time.Second):
		t.Fatal("live connection teardown did not fail pending requests")
	}
}

func TestClientAuthKey_GatesRelayedRequestsAndStreams(t *testing.T) {
	srv, ts := newTestRelay(t, nil)
	tc := createTunnel(t, ts, `{"name":"laptop"}`)
	ws := dialTunnel(t, ts, tc)
	fakeLaptop(t, ws, http.StatusOK, `{}`, nil)

	frame, _ := protocol.Marshal(protocol.ClientAuthKey{Type: protocol.TypeClientAuthKey, Key: "mobile-secret"})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
	waitFor(t, func() bool {
		return !srv.registry.AuthorizeClient(tc.TunnelID, "")
	}, time.Second, "client auth key never registered")

	resp, err := ts.Client().Get(ts.URL + "/api/" + tc.TunnelID + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/"+tc.TunnelID+"/status", nil)
	req.Header.Set("Authorization", "Bearer mobile-secret")
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Streams accept the same key via the token query parameter.
	base := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, wsResp, err := websocket.DefaultDialer.Dial(base+"/terminal/"+tc.TunnelID+"/s1/stream", nil)
	require.Error(t, err)
	require.NotNil(t, wsResp)
	assert.Equal(t, http.StatusUnauthorized, wsResp.StatusCode)

	sub, _, err := websocket.DefaultDialer.Dial(base+"/terminal/"+tc.TunnelID+"/s1/stream?token=mobile-secret", nil)
	require.NoError(t, err)
	sub.Close()
}

func TestTerminalStream_FanOutAndInput(t *testing.T) {
	_, ts := newTestRelay(t, nil)
	tc := createTunnel(t, ts, `{"name":"laptop"}`)
	ws := dialTunnel(t, ts, tc)

	sub1 := dialStream(t, ts, "/terminal/"+tc.TunnelID+"/s1/stream")
	sub2 := dialStream(t, ts, "/terminal/"+tc.TunnelID+"/s1/stream")
	other := dialStream(t, ts, "/terminal/"+tc.TunnelID+"/s2/stream")

	out, _ := protocol.Marshal(protocol.TerminalOutput{
		Type:      protocol.TypeTerminalOutput,
		SessionID: "s1",
		Data:      "hello\r\n",
		Timestamp: 1234,
	})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, out))

	for _, sub := range []*websocket.Conn{sub1, sub2} {
		var msg protocol.TerminalStreamMessage
		require.NoError(t, json.Unmarshal(readFrame(t, sub, time.Second), &msg))
		assert.Equal(t, protocol.TypeOutput, msg.Type)
		assert.Equal(t, "s1", msg.SessionID)
		assert.Equal(t, "hello\r\n", msg.Data)
		assert.Equal(t, int64(1234), msg.Timestamp)
	}

	// The s2 subscriber must not receive s1 output.
	other.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err := other.ReadMessage()
	assert.Error(t, err)

	// Input flows back to the laptop as a terminal_input frame.
	in, _ := json.Marshal(protocol.TerminalStreamInput{Type: protocol.TypeInput, Data: "ls\n"})
	require.NoError(t, sub1.WriteMessage(websocket.TextMessage, in))

	var forwarded protocol.TerminalInput
	require.NoError(t, json.Unmarshal(readFrame(t, ws, time.Second), &forwarded))
	assert.Equal(t, protocol.TypeTerminalInput, forwarded.Type)
	assert.Equal(t, "s1", forwarded.SessionID)
	assert.Equal(t, "ls\n", forwarded.Data)
}

func TestRecordingStream_WebSocketPassthrough(t *testing.T) {
	_, ts := newTestRelay(t, nil)
	tc := createTunnel(t, ts, `{"name":"laptop"}`)
	ws := dialTunnel(t, ts, tc)
	sub := dialStream(t, ts, "/recording/"+tc.TunnelID+"/s1/stream")

	text := "partial transcript"
	frame, _ := protocol.Marshal(protocol.RecordingOutput{
		Type:      protocol.TypeRecordingOutput,
		SessionID: "s1",
		Text:      &text,
	})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))

	var msg map[string]any
	require.NoError(t, json.Unmarshal(readFrame(t, sub, time.Second), &msg))
	assert.Equal(t, "recording_output", msg["type"])
	assert.Equal(t, "s1", msg["session_id"])
	assert.Equal(t, text, msg["text"])
	_, hasComplete := msg["isComplete"]
	assert.False(t, hasComplete, "absent optional fields must stay absent")
}

func TestRecordingStream_SSE(t *testing.T) {
	_, ts := newTestRelay(t, nil)
	tc := createTunnel(t, ts, `{"name":"laptop"}`)
	ws := dialTunnel(t, ts, tc)

	resp, err := ts.Client().Get(ts.URL + "/recording/" + tc.TunnelID + "/s1/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	done := true
	frame, _ := protocol.Marshal(protocol.RecordingOutput{
		Type:       protocol.TypeRecordingOutput,
		SessionID:  "s1",
		IsComplete: &done,
	})
	// Give the SSE handler a moment to subscribe before broadcasting.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))

	reader := bufio.NewReader(resp.Body)
	eventLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: recording_output\n", eventLine)
	dataLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dataLine, "data: "))
	assert.Contains(t, dataLine, `"isComplete":true`)
}

func TestAgentStream_ValidEventsOnly(t *testing.T) {
	_, ts := newTestRelay(t, nil)
	tc := createTunnel(t, ts, `{"name":"laptop"}`)
	ws := dialTunnel(t, ts, tc)
	sub := dialStream(t, ts, "/agent/"+tc.TunnelID+"/ses_1/stream")

	invalid, _ := protocol.Marshal(protocol.AgentEventFrame{
		Type:      protocol.TypeAgentEvent,
		SessionID: "ses_1",
		Event:     json.RawMessage(`{"type":"bogus"}`),
	})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, invalid))

	event := `{"type":"assistant_message","session_id":"ses_1","message_id":"msg_1","timestamp":1700000000000,"payload":{"content":"hi","is_final":true}}`
	valid, _ := protocol.Marshal(protocol.AgentEventFrame{
		Type:      protocol.TypeAgentEvent,
		SessionID: "ses_1",
		Event:     json.RawMessage(event),
	})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, valid))

	// Only the valid event reaches the subscriber.
	var got map[string]any
	require.NoError(t, json.Unmarshal(readFrame(t, sub, time.Second), &got))
	assert.Equal(t, "assistant_message", got["type"])
	assert.Equal(t, "msg_1", got["message_id"])
}

func TestAgentStream_UpstreamEventsReachLaptop(t *testing.T) {
	_, ts := newTestRelay(t, nil)
	tc := createTunnel(t, ts, `{"name":"laptop"}`)
	ws := dialTunnel(t, ts, tc)
	sub := dialStream(t, ts, "/agent/"+tc.TunnelID+"/ses_1/stream")

	event := `{"type":"command_text","session_id":"ses_1","message_id":"msg_2","timestamp":1700000000000,"payload":{"text":"run tests"}}`
	require.NoError(t, sub.WriteMessage(websocket.TextMessage, []byte(event)))

	var frame protocol.AgentEventFrame
	require.NoError(t, json.Unmarshal(readFrame(t, ws, time.Second), &frame))
	assert.Equal(t, protocol.TypeAgentEvent, frame.Type)
	assert.Equal(t, "ses_1", frame.SessionID)
	assert.JSONEq(t, event, string(frame.Event))
}

func TestTunnelReplacement_ClosesOldConnection(t *testing.T) {
	srv, ts := newTestRelay(t, nil)
	tc := createTunnel(t, ts, `{"name":"laptop"}`)

	old := dialTunnel(t, ts, tc)
	dialTunnel(t, ts, tc)

	old.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := old.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway) ||
		websocket.IsUnexpectedCloseError(err), "old connection should be closed: %v", err)

	waitFor(t, func() bool { return srv.registry.IsLive(tc.TunnelID) }, time.Second, "replacement not live")
}

func TestDeadTunnelDetection(t *testing.T) {
	srv, ts := newTestRelay(t, nil)
	srv.pingInterval = 50 * time.Millisecond
	srv.livenessWindow = 120 * time.Millisecond

	tc := createTunnel(t, ts, `{"name":"laptop"}`)
	ws := dialTunnel(t, ts, tc)
	waitFor(t, func() bool { return srv.registry.IsLive(tc.TunnelID) }, time.Second, "tunnel never attached")

	// A laptop that never reads cannot answer pings; the liveness check must
	// detach it well before any application traffic notices.
	_ = ws
	waitFor(t, func() bool { return !srv.registry.IsLive(tc.TunnelID) }, 2*time.Second, "dead tunnel never detached")
}
