package transport

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/louisbranch/streamgate/internal/platform/id"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

const (
	// eventEndpoint advertises the POST-back URL, sent once after connect.
	eventEndpoint = "endpoint"
	// eventMessage carries a serialized JSON-RPC envelope.
	eventMessage = "message"
)

// ErrNotConnected reports an operation on a transport whose stream has not
// been established or has already closed.
var ErrNotConnected = errors.New("connection not established")

// ProtocolError reports an inbound body that is not a well-formed JSON-RPC
// envelope. The transport stays connected; only the offending request is
// rejected.
type ProtocolError struct {
	Cause error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("invalid JSON-RPC message: %v", e.Cause)
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// Handler receives decoded inbound messages and lifecycle signals for one
// session. It is bound exactly once, at transport construction.
type Handler interface {
	OnMessage(msg jsonrpc.Message)
	OnClose()
	OnError(err error)
}

// Session is the surface a handler uses to address its client: push a
// message down the stream or tear the session down.
type Session interface {
	SessionID() string
	Send(msg jsonrpc.Message) error
	Close()
}

// SSETransport owns one session's server-push event stream and inbound
// message intake. The transport is the only writer to the underlying
// response stream, so events are delivered in send order.
type SSETransport struct {
	sessionID    string
	messagesPath string
	handler      Handler

	w       http.ResponseWriter
	flusher http.Flusher

	mu        sync.Mutex
	connected bool
	closed    bool
	lastUsed  time.Time

	done chan struct{}
}

var _ Session = (*SSETransport)(nil)

// New creates a transport bound to w under a fresh session id. The connect
// function builds the handler for this session and runs exactly once, before
// New returns, so the transport never carries an unbound handler.
func New(w http.ResponseWriter, messagesPath string, connect func(Session) Handler) (*SSETransport, error) {
	sessionID, err := id.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	t := &SSETransport{
		sessionID:    sessionID,
		messagesPath: messagesPath,
		w:            w,
		lastUsed:     time.Now(),
		done:         make(chan struct{}),
	}
	t.handler = connect(t)
	if t.handler == nil {
		t.handler = noopHandler{}
	}
	return t, nil
}

// SessionID returns the session id minted at construction.
func (t *SSETransport) SessionID() string {
	return t.sessionID
}

// Connected reports whether the stream is established and not yet closed.
func (t *SSETransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Done is closed when the transport transitions to closed.
func (t *SSETransport) Done() <-chan struct{} {
	return t.done
}

// LastUsed returns the time of the last send, inbound message, or heartbeat.
func (t *SSETransport) LastUsed() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastUsed
}

// Touch refreshes the activity timestamp so long-lived idle streams are not
// reaped by session expiry.
func (t *SSETransport) Touch() {
	t.mu.Lock()
	t.lastUsed = time.Now()
	t.mu.Unlock()
}

// Start binds the outbound sink, marks the stream connected, and advertises
// the message endpoint as the first event on the wire. Start on an already
// connected transport is a no-op.
func (t *SSETransport) Start() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("start session %s: transport closed", t.sessionID)
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}

	flusher, ok := t.w.(http.Flusher)
	if !ok {
		t.mu.Unlock()
		err := fmt.Errorf("bind stream for session %s: response writer does not support flushing", t.sessionID)
		t.handler.OnError(err)
		return err
	}
	t.flusher = flusher

	header := t.w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	t.connected = true
	t.mu.Unlock()

	endpoint := t.messagesPath + "?sessionId=" + url.QueryEscape(t.sessionID)
	return t.writeEvent(eventEndpoint, endpoint)
}

// Send serializes msg and delivers it as one message event. Unlike the
// internal event write, Send on a transport that never connected or has
// closed is a caller error.
func (t *SSETransport) Send(msg jsonrpc.Message) error {
	if !t.Connected() {
		return fmt.Errorf("send on session %s: %w", t.sessionID, ErrNotConnected)
	}

	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return t.writeEvent(eventMessage, string(data))
}

// writeEvent frames one event as "event: <name>\ndata: <data>\n\n" and
// appends it to the stream. Writes on a closed transport are dropped, not
// errors, so teardown paths cannot crash each other. A failed write while
// connected closes the transport and reports through the error callback.
func (t *SSETransport) writeEvent(name, data string) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		log.Printf("Dropping %s event for closed session %s", name, t.sessionID)
		return nil
	}

	_, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", name, data)
	if err == nil {
		t.flusher.Flush()
		t.lastUsed = time.Now()
		t.mu.Unlock()
		return nil
	}

	closedNow := t.closeLocked()
	t.mu.Unlock()

	werr := fmt.Errorf("write %s event for session %s: %w", name, t.sessionID, err)
	t.handler.OnError(werr)
	if closedNow {
		t.handler.OnClose()
	}
	return werr
}

// HandleIncoming validates one inbound request body and hands the decoded
// message to the handler. Replies are not paired with the request here; they
// travel asynchronously over the event stream.
func (t *SSETransport) HandleIncoming(body []byte) error {
	t.mu.Lock()
	connected := t.connected
	if connected {
		t.lastUsed = time.Now()
	}
	t.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		perr := &ProtocolError{Cause: err}
		t.handler.OnError(perr)
		return perr
	}

	t.handler.OnMessage(msg)
	return nil
}

// Close tears the stream down. It is safe to call multiple times; the close
// callback fires only on the first transition.
func (t *SSETransport) Close() {
	t.mu.Lock()
	closedNow := t.closeLocked()
	t.mu.Unlock()

	if closedNow {
		t.handler.OnClose()
	}
}

func (t *SSETransport) closeLocked() bool {
	if t.closed {
		return false
	}
	t.closed = true
	t.connected = false
	close(t.done)
	return true
}

// noopHandler stands in when a connect function returns nil, keeping the
// handler slot non-nil by construction.
type noopHandler struct{}

func (noopHandler) OnMessage(jsonrpc.Message) {}
func (noopHandler) OnClose()                  {}
func (noopHandler) OnError(error)             {}
