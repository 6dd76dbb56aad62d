package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/wiregate/internal/agent"
	"github.com/haasonsaas/wiregate/internal/auth"
	"github.com/haasonsaas/wiregate/internal/config"
	"github.com/haasonsaas/wiregate/internal/identity"
	"github.com/haasonsaas/wiregate/internal/observability"
	"github.com/haasonsaas/wiregate/internal/protocol"
	"github.com/haasonsaas/wiregate/internal/ratelimit"
	"github.com/haasonsaas/wiregate/internal/sessions"
)

type serverFixture struct {
	server *Server
	ts     *httptest.Server
	engine *scriptedEngine
}

func newServerFixture(t *testing.T, mutate func(*config.Config)) *serverFixture {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	snap := config.NewSnapshot(cfg, "", observability.NewLogger(observability.LogConfig{Level: "error"}))
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	limiter := ratelimit.NewLimiter(cfg.Gateway.RateLimit)
	resolver := auth.NewResolver(limiter, identity.NewMemoryStore(), logger)
	engine := newScriptedEngine()

	server, err := NewServer(Options{
		Config:   snap,
		Logger:   logger,
		Metrics:  observability.NewMetrics(prometheus.NewRegistry()),
		Resolver: resolver,
		Limiter:  limiter,
		Engine:   engine,
		Sessions: sessions.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &serverFixture{server: server, ts: ts, engine: engine}
}

func (f *serverFixture) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) *protocol.Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

// readUntilResponse skips interleaved events while waiting for the
// response to a request id.
func readUntilResponse(t *testing.T, ws *websocket.Conn, id string) *protocol.Frame {
	t.Helper()
	for i := 0; i < 50; i++ {
		frame := readFrame(t, ws)
		if frame.Type == protocol.TypeResponse && frame.ID == id {
			return frame
		}
	}
	t.Fatalf("no response for request %q", id)
	return nil
}

func sendRequest(t *testing.T, ws *websocket.Conn, id, method string, params any) {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = data
	}
	frame := protocol.NewRequest(id, method, raw)
	data, err := protocol.Encode(frame)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func expectChallenge(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	frame := readFrame(t, ws)
	if frame.Event != "connect.challenge" {
		t.Fatalf("first frame event = %q, want connect.challenge", frame.Event)
	}
	payload, _ := frame.Payload.(map[string]any)
	nonce, _ := payload["nonce"].(string)
	if nonce == "" {
		t.Fatal("challenge missing nonce")
	}
	return nonce
}

func connectParams(scopes []string) map[string]any {
	return map[string]any{
		"minProtocol": protocol.Version,
		"maxProtocol": protocol.Version,
		"client":      map[string]any{"id": "test-client", "version": "1.0", "platform": "test"},
		"role":        protocol.RoleOperator,
		"scopes":      scopes,
	}
}

// connect performs the handshake and returns the hello payload.
func (f *serverFixture) connect(t *testing.T, ws *websocket.Conn, params map[string]any) map[string]any {
	t.Helper()
	expectChallenge(t, ws)
	sendRequest(t, ws, "connect-1", "connect", params)
	res := readUntilResponse(t, ws, "connect-1")
	if res.OK == nil || !*res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}
	payload, ok := res.Payload.(map[string]any)
	if !ok {
		t.Fatalf("hello payload type %T", res.Payload)
	}
	return payload
}

func TestConnectWithTokenReceivesChallengeThenHello(t *testing.T) {
	f := newServerFixture(t, func(cfg *config.Config) {
		cfg.Gateway.Auth.Mode = "token"
		cfg.Gateway.Auth.Token = "sekret"
	})

	// A non-local Host header keeps the loopback shortcut out of the
	// decision ladder.
	ws := f.dial(t, http.Header{"Host": {"gateway.example.com"}})
	expectChallenge(t, ws)

	params := connectParams([]string{ScopeRead})
	params["auth"] = map[string]any{"token": "sekret"}
	sendRequest(t, ws, "c1", "connect", params)

	res := readUntilResponse(t, ws, "c1")
	if res.OK == nil || !*res.OK {
		t.Fatalf("connect failed: %+v", res.Error)
	}
	hello := res.Payload.(map[string]any)
	if hello["type"] != "hello-ok" {
		t.Fatalf("hello type = %v", hello["type"])
	}
	snapshot := hello["snapshot"].(map[string]any)
	if snapshot["authMode"] != "token" {
		t.Fatalf("authMode = %v, want token", snapshot["authMode"])
	}
	policy := hello["policy"].(map[string]any)
	if policy["maxPayloadBytes"].(float64) != protocol.MaxFrameBytes {
		t.Fatalf("maxPayloadBytes = %v", policy["maxPayloadBytes"])
	}
}

func TestConnectWithWrongTokenIsRetryable(t *testing.T) {
	f := newServerFixture(t, func(cfg *config.Config) {
		cfg.Gateway.Auth.Mode = "token"
		cfg.Gateway.Auth.Token = "sekret"
	})
	ws := f.dial(t, http.Header{"Host": {"gateway.example.com"}})
	expectChallenge(t, ws)

	params := connectParams(nil)
	params["auth"] = map[string]any{"token": "wrong"}
	sendRequest(t, ws, "c1", "connect", params)
	res := readUntilResponse(t, ws, "c1")
	if res.OK == nil || *res.OK {
		t.Fatal("connect with wrong token succeeded")
	}
	if res.Error.Code != protocol.CodeUnauthorized || !res.Error.Retryable {
		t.Fatalf("error = %+v, want retryable Unauthorized", res.Error)
	}

	// The socket stays open for a retry with the right secret.
	params["auth"] = map[string]any{"token": "sekret"}
	sendRequest(t, ws, "c2", "connect", params)
	res = readUntilResponse(t, ws, "c2")
	if res.OK == nil || !*res.OK {
		t.Fatalf("retry failed: %+v", res.Error)
	}
}

func TestRequestBeforeConnectRejected(t *testing.T) {
	f := newServerFixture(t, nil)
	ws := f.dial(t, nil)
	expectChallenge(t, ws)

	sendRequest(t, ws, "r1", "ping", nil)
	res := readUntilResponse(t, ws, "r1")
	if res.Error == nil || res.Error.Code != protocol.CodeUnauthorized {
		t.Fatalf("error = %+v, want Unauthorized", res.Error)
	}
}

func TestHandshakeTimeoutClosesSocket(t *testing.T) {
	f := newServerFixture(t, func(cfg *config.Config) {
		cfg.Gateway.Limits.HandshakeTimeout = 100 * time.Millisecond
	})
	ws := f.dial(t, nil)
	expectChallenge(t, ws)

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	_, _, err := ws.ReadMessage()
	if err == nil {
		t.Fatal("expected the socket to close")
	}
	var closeErr *websocket.CloseError
	if !websocket.IsCloseError(err, protocol.CloseHandshakeTimeout) {
		if e, ok := err.(*websocket.CloseError); ok {
			closeErr = e
		}
		t.Fatalf("close error = %v (%v), want code %d", err, closeErr, protocol.CloseHandshakeTimeout)
	}
}

func TestAuthzDeniedEndToEnd(t *testing.T) {
	f := newServerFixture(t, nil)

	wsA := f.dial(t, nil)
	f.connect(t, wsA, connectParams([]string{ScopeRead}))
	wsB := f.dial(t, nil)
	f.connect(t, wsB, connectParams([]string{ScopeRead}))

	sendRequest(t, wsA, "r1", "chat.send", map[string]any{"text": "hi"})
	res := readUntilResponse(t, wsA, "r1")
	if res.Error == nil || res.Error.Code != protocol.CodeAuthzDenied {
		t.Fatalf("error = %+v, want AuthzDenied", res.Error)
	}

	// B sees presence traffic at most, never anything tied to A's
	// denied request.
	_ = wsB.SetReadDeadline(time.Now().Add(200 * time.Millisecond)) //nolint:errcheck
	for {
		_, data, err := wsB.ReadMessage()
		if err != nil {
			break
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if frame.Type == protocol.TypeResponse {
			t.Fatalf("bystander received a response frame: %+v", frame)
		}
		if strings.HasPrefix(frame.Event, "chat.") {
			t.Fatalf("bystander received %q for a denied request", frame.Event)
		}
	}
}

func TestMethodNotFoundEndToEnd(t *testing.T) {
	f := newServerFixture(t, nil)
	ws := f.dial(t, nil)
	f.connect(t, ws, connectParams([]string{ScopeAdmin}))

	sendRequest(t, ws, "r1", "does.not.exist", nil)
	res := readUntilResponse(t, ws, "r1")
	if res.Error == nil || res.Error.Code != protocol.CodeMethodNotFound {
		t.Fatalf("error = %+v, want MethodNotFound", res.Error)
	}
}

func TestChatFlowEndToEnd(t *testing.T) {
	f := newServerFixture(t, func(cfg *config.Config) {
		cfg.Gateway.Limits.DeltaInterval = time.Millisecond
	})
	ws := f.dial(t, nil)
	f.connect(t, ws, connectParams([]string{ScopeRead, ScopeWrite}))

	sendRequest(t, ws, "r1", "chat.send", map[string]any{"sessionKey": "s1", "runId": "run-1", "text": "hello"})
	res := readUntilResponse(t, ws, "r1")
	if res.Error != nil {
		t.Fatalf("chat.send: %+v", res.Error)
	}

	f.engine.waitStarted(t)
	f.engine.emit("run-1", agent.Event{Type: agent.EventDelta, Text: "hi "})
	f.engine.emit("run-1", agent.Event{Type: agent.EventDone, Text: "hi there"})
	f.engine.finish("run-1")

	var sawDelta bool
	for i := 0; i < 50; i++ {
		frame := readFrame(t, ws)
		if frame.Event == "chat.delta" {
			sawDelta = true
		}
		if frame.Event == "chat.final" {
			payload := frame.Payload.(map[string]any)
			if payload["state"] != RunStateDone {
				t.Fatalf("final state = %v", payload["state"])
			}
			if payload["text"] != "hi there" {
				t.Fatalf("final text = %v", payload["text"])
			}
			if !sawDelta {
				t.Fatal("final arrived without any delta")
			}
			return
		}
	}
	t.Fatal("no chat.final observed")
}

func TestNodeInvokeEndToEnd(t *testing.T) {
	f := newServerFixture(t, nil)

	// Node client.
	wsNode := f.dial(t, nil)
	nodeParams := connectParams(nil)
	nodeParams["role"] = protocol.RoleNode
	nodeParams["node"] = map[string]any{"commands": []string{"take_photo"}}
	f.connect(t, wsNode, nodeParams)

	// Operator client.
	wsOp := f.dial(t, nil)
	f.connect(t, wsOp, connectParams([]string{ScopeNodes}))

	// Node replies to invoke requests in the background.
	go func() {
		for {
			_ = wsNode.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
			_, data, err := wsNode.ReadMessage()
			if err != nil {
				return
			}
			frame, err := protocol.Decode(data)
			if err != nil || frame.Event != "node.invoke.request" {
				continue
			}
			payload := frame.Payload.(map[string]any)
			resultParams, _ := json.Marshal(map[string]any{
				"correlationId": payload["correlationId"],
				"payload":       map[string]any{"photo": "data"},
			})
			req := protocol.NewRequest("n-res-1", "node.invoke.result", resultParams)
			data, _ = protocol.Encode(req)
			_ = wsNode.WriteMessage(websocket.TextMessage, data) //nolint:errcheck
		}
	}()

	sendRequest(t, wsOp, "r1", "node.invoke", map[string]any{
		"nodeId":    "local",
		"command":   "take_photo",
		"timeoutMs": 3000,
	})
	res := readUntilResponse(t, wsOp, "r1")
	if res.Error != nil {
		t.Fatalf("node.invoke: %+v", res.Error)
	}
	payload := res.Payload.(map[string]any)
	inner, _ := payload["payload"].(map[string]any)
	if inner["photo"] != "data" {
		t.Fatalf("invoke payload = %v", payload)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	f := newServerFixture(t, nil)
	resp, err := http.Get(f.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %v", body["status"])
	}
}

func TestMalformedFrameAfterAuthIsIgnored(t *testing.T) {
	f := newServerFixture(t, nil)
	ws := f.dial(t, nil)
	f.connect(t, ws, connectParams([]string{ScopeRead}))

	// Parseable JSON that fails frame validation: a request without an
	// id. No response can echo it, so none may be sent.
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"req","method":"ping"}`)); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	// The connection stays usable and the next response carries the
	// follow-up request's id, never an empty one.
	sendRequest(t, ws, "r1", "ping", nil)
	for i := 0; i < 50; i++ {
		frame := readFrame(t, ws)
		if frame.Type != protocol.TypeResponse {
			continue
		}
		if frame.ID == "" {
			t.Fatalf("response with no request id: %+v", frame)
		}
		if frame.ID == "r1" {
			if frame.OK == nil || !*frame.OK {
				t.Fatalf("ping after malformed frame failed: %+v", frame.Error)
			}
			return
		}
	}
	t.Fatal("no response to the follow-up request")
}
