package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/streamgate/internal/dispatch"
	"github.com/louisbranch/streamgate/internal/transport"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

func newTestServer(t *testing.T) (*Server, *transport.Registry) {
	t.Helper()

	registry := transport.NewRegistry()
	server := New(registry, dispatch.New(), Config{})
	return server, registry
}

// startConnectedTransport registers a started transport so message-routing
// paths can be exercised without an open HTTP stream.
func startConnectedTransport(t *testing.T, registry *transport.Registry) (*transport.SSETransport, *httptest.ResponseRecorder) {
	t.Helper()

	w := httptest.NewRecorder()
	tr, err := transport.New(w, "/messages", func(transport.Session) transport.Handler { return nil })
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("start transport: %v", err)
	}
	if err := registry.Register(tr.SessionID(), tr); err != nil {
		t.Fatalf("register transport: %v", err)
	}
	return tr, w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body %q: %v", w.Body.String(), err)
	}
	return body
}

func TestHandleMessagesMissingSessionID(t *testing.T) {
	server, _ := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "http://localhost/messages", strings.NewReader("{}"))
	server.handleMessages(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != "invalid or missing session id" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestHandleMessagesUnknownSessionID(t *testing.T) {
	server, registry := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "http://localhost/messages?sessionId=does-not-exist", strings.NewReader("{}"))
	server.handleMessages(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != "invalid or missing session id" {
		t.Errorf("unexpected body: %v", body)
	}
	if registry.Len() != 0 {
		t.Errorf("expected no registry mutation, got %d entries", registry.Len())
	}
}

func TestHandleMessagesNotConnected(t *testing.T) {
	server, registry := newTestServer(t)

	// Registered but never started: the stream is not established.
	tr, err := transport.New(httptest.NewRecorder(), "/messages", func(transport.Session) transport.Handler { return nil })
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	if err := registry.Register(tr.SessionID(), tr); err != nil {
		t.Fatalf("register: %v", err)
	}

	w := httptest.NewRecorder()
	url := fmt.Sprintf("http://localhost/messages?sessionId=%s", tr.SessionID())
	req := httptest.NewRequest(http.MethodPost, url, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	server.handleMessages(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["error"] != "connection not established" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestHandleMessagesMalformedEnvelope(t *testing.T) {
	server, registry := newTestServer(t)
	tr, _ := startConnectedTransport(t, registry)

	w := httptest.NewRecorder()
	url := fmt.Sprintf("http://localhost/messages?sessionId=%s", tr.SessionID())
	req := httptest.NewRequest(http.MethodPost, url, strings.NewReader("not json"))
	server.handleMessages(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	body := decodeBody(t, w)
	msg, ok := body["error"].(string)
	if !ok || !strings.Contains(msg, "invalid JSON-RPC message") {
		t.Errorf("expected validation message, got %v", body)
	}
	if !tr.Connected() {
		t.Error("expected transport to stay connected")
	}
}

func TestHandleMessagesAccepted(t *testing.T) {
	server, registry := newTestServer(t)
	tr, _ := startConnectedTransport(t, registry)

	w := httptest.NewRecorder()
	url := fmt.Sprintf("http://localhost/messages?sessionId=%s", tr.SessionID())
	req := httptest.NewRequest(http.MethodPost, url, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	server.handleMessages(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["success"] != true {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestHandleMessagesMethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://localhost/messages?sessionId=x", nil)
	server.handleMessages(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestHandleStreamMethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "http://localhost/sse", nil)
	server.handleStream(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	server, _ := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://localhost/healthz", nil)
	server.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "OK" {
		t.Errorf("expected OK body, got %q", w.Body.String())
	}
}

// closeCountingHandler records close callbacks for one session.
type closeCountingHandler struct {
	closes int
}

func (h *closeCountingHandler) OnMessage(jsonrpc.Message) {}
func (h *closeCountingHandler) OnClose()                  { h.closes++ }
func (h *closeCountingHandler) OnError(error)             {}

func TestHandleStreamClosesTransportOnRegisterFailure(t *testing.T) {
	server, registry := newTestServer(t)

	handler := &closeCountingHandler{}
	tr, err := transport.New(httptest.NewRecorder(), "/messages", func(transport.Session) transport.Handler { return handler })
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	if err := registry.Register(tr.SessionID(), tr); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Hand the already-registered transport back so registration collides.
	server.newTransport = func(http.ResponseWriter, string, func(transport.Session) transport.Handler) (*transport.SSETransport, error) {
		return tr, nil
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://localhost/sse", nil)
	server.handleStream(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
	if handler.closes != 1 {
		t.Errorf("expected 1 close callback, got %d", handler.closes)
	}
	select {
	case <-tr.Done():
	default:
		t.Error("expected transport closed after registration failure")
	}
}

func TestHandleStreamRejectsInvalidHost(t *testing.T) {
	server, _ := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://evil.example/sse", nil)
	server.handleStream(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// readEvent reads one "event:"/"data:" frame from an open SSE stream.
func readEvent(t *testing.T, reader *bufio.Reader) (name, data string) {
	t.Helper()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSuffix(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if name != "" || data != "" {
				return name, data
			}
		}
	}
}

func TestStreamScenarioPingRoundTrip(t *testing.T) {
	registry := transport.NewRegistry()
	server := New(registry, dispatch.New(), Config{})

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream content type, got %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	name, endpoint := readEvent(t, reader)
	if name != "endpoint" {
		t.Fatalf("expected endpoint event first, got %q", name)
	}
	if !strings.HasPrefix(endpoint, "/messages?sessionId=") {
		t.Fatalf("unexpected endpoint payload %q", endpoint)
	}

	postResp, err := http.Post(ts.URL+endpoint, "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	defer postResp.Body.Close()
	if postResp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", postResp.StatusCode)
	}

	name, data := readEvent(t, reader)
	if name != "message" {
		t.Fatalf("expected message event, got %q", name)
	}
	msg, err := jsonrpc.DecodeMessage([]byte(data))
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	reply, ok := msg.(*jsonrpc.Response)
	if !ok {
		t.Fatalf("expected response, got %T", msg)
	}
	wantID, err := jsonrpc.MakeID(float64(1))
	if err != nil {
		t.Fatalf("make id: %v", err)
	}
	if reply.ID != wantID {
		t.Errorf("expected reply id %v, got %v", wantID, reply.ID)
	}
	if string(reply.Result) != "{}" {
		t.Errorf("expected empty-object result, got %s", reply.Result)
	}
}

func TestStreamClientDisconnectReclaimsSession(t *testing.T) {
	registry := transport.NewRegistry()
	server := New(registry, dispatch.New(), Config{})

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	if name, _ := readEvent(t, reader); name != "endpoint" {
		t.Fatalf("expected endpoint event, got %q", name)
	}
	if registry.Len() != 1 {
		t.Fatalf("expected 1 registered session, got %d", registry.Len())
	}

	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for session cleanup after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
