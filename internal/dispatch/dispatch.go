// Package dispatch provides a method-table dispatcher for gateway sessions.
// It is the protocol layer above the transport: it decides what a method
// means and pushes replies back over the session's event stream.
package dispatch

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/louisbranch/streamgate/internal/transport"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Func handles one request for a session and returns the result payload.
type Func func(sess transport.Session, req *jsonrpc.Request) (any, error)

// Dispatcher routes decoded requests to registered method handlers. The
// zero method table still answers ping.
type Dispatcher struct {
	methods map[string]Func
}

// New creates a dispatcher with the built-in ping method.
func New() *Dispatcher {
	d := &Dispatcher{methods: make(map[string]Func)}
	d.Handle("ping", func(transport.Session, *jsonrpc.Request) (any, error) {
		return struct{}{}, nil
	})
	return d
}

// Handle registers fn under method, replacing any previous registration.
func (d *Dispatcher) Handle(method string, fn Func) {
	d.methods[method] = fn
}

// Connect implements gateway.Dispatcher. The returned handler is bound to
// one session for its lifetime.
func (d *Dispatcher) Connect(sess transport.Session) transport.Handler {
	return &sessionHandler{dispatcher: d, sess: sess}
}

// sessionHandler dispatches one session's inbound messages.
type sessionHandler struct {
	dispatcher *Dispatcher
	sess       transport.Session
}

func (h *sessionHandler) OnMessage(msg jsonrpc.Message) {
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		log.Printf("Ignoring non-request message for session %s: %T", h.sess.SessionID(), msg)
		return
	}

	// Notifications have a null id and never get a reply.
	isCall := req.ID != jsonrpc.ID{}

	fn, ok := h.dispatcher.methods[req.Method]
	if !ok {
		if isCall {
			h.reply(&jsonrpc.Response{
				ID:    req.ID,
				Error: fmt.Errorf("method not found: %q", req.Method),
			})
		}
		return
	}

	result, err := fn(h.sess, req)
	if !isCall {
		return
	}

	resp := &jsonrpc.Response{ID: req.ID}
	if err != nil {
		resp.Error = err
	} else {
		data, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = fmt.Errorf("marshal result: %w", merr)
		} else {
			resp.Result = data
		}
	}
	h.reply(resp)
}

func (h *sessionHandler) reply(resp *jsonrpc.Response) {
	if err := h.sess.Send(resp); err != nil {
		log.Printf("Failed to send reply for session %s: %v", h.sess.SessionID(), err)
	}
}

func (h *sessionHandler) OnClose() {
	log.Printf("Session %s closed", h.sess.SessionID())
}

func (h *sessionHandler) OnError(err error) {
	log.Printf("Session %s error: %v", h.sess.SessionID(), err)
}
