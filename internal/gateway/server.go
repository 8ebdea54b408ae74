package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/louisbranch/streamgate/internal/transport"
)

const (
	// defaultShutdownTimeout is the maximum time to wait for graceful HTTP
	// server shutdown.
	defaultShutdownTimeout = 10 * time.Second

	// sessionCleanupInterval is how often the janitor runs to reap sessions
	// whose clients vanished without a clean cancel signal.
	sessionCleanupInterval = 1 * time.Minute

	// defaultSessionExpiry is how long a session can be inactive before the
	// janitor reclaims it.
	defaultSessionExpiry = 1 * time.Hour

	// streamHeartbeatInterval is how often an open stream refreshes its
	// activity timestamp so the janitor does not reap live connections.
	streamHeartbeatInterval = 30 * time.Second
)

// Dispatcher builds the handler for a new session. The session handle it
// receives is the only way replies flow back to that client.
type Dispatcher interface {
	Connect(sess transport.Session) transport.Handler
}

// Config holds the gateway's HTTP surface configuration.
type Config struct {
	// SSEPath is the route clients open the event stream on.
	SSEPath string
	// MessagesPath is the route advertised in the endpoint event for
	// inbound POSTs.
	MessagesPath string
	// AllowedHosts lists non-loopback Host/Origin values accepted by the
	// server. Loopback is always accepted.
	AllowedHosts []string
	// SessionExpiry overrides how long idle sessions are kept.
	SessionExpiry time.Duration
}

// Server exposes streaming transports over HTTP: a long-lived GET per
// session and short-lived POSTs routed back through the registry.
type Server struct {
	registry      *transport.Registry
	dispatcher    Dispatcher
	ssePath       string
	messagesPath  string
	allowedHosts  map[string]struct{}
	sessionExpiry time.Duration
	httpServer    *http.Server

	newTransport func(w http.ResponseWriter, messagesPath string, connect func(transport.Session) transport.Handler) (*transport.SSETransport, error)
}

// New creates a gateway server around an injected registry and dispatcher.
func New(registry *transport.Registry, dispatcher Dispatcher, cfg Config) *Server {
	if cfg.SSEPath == "" {
		cfg.SSEPath = "/sse"
	}
	if cfg.MessagesPath == "" {
		cfg.MessagesPath = "/messages"
	}
	if cfg.SessionExpiry <= 0 {
		cfg.SessionExpiry = defaultSessionExpiry
	}
	return &Server{
		registry:      registry,
		dispatcher:    dispatcher,
		ssePath:       cfg.SSEPath,
		messagesPath:  cfg.MessagesPath,
		allowedHosts:  parseAllowedHosts(cfg.AllowedHosts),
		sessionExpiry: cfg.SessionExpiry,
		newTransport:  transport.New,
	}
}

// Handler returns the HTTP handler for the gateway's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.ssePath, s.handleStream)
	mux.HandleFunc(s.messagesPath, s.handleMessages)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Serve runs the HTTP server on addr until ctx is cancelled, then shuts
// down gracefully. The session janitor runs for the lifetime of ctx.
func (s *Server) Serve(ctx context.Context, addr string) error {
	go s.reapIdleSessions(ctx)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	log.Printf("Starting streaming gateway on %s", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Printf("Shutting down streaming gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown HTTP server: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("HTTP server error: %w", err)
	}
}

// handleStream handles GET <ssePath>: it creates and registers a transport,
// starts the event stream, and holds the connection open until the client
// disconnects or the transport closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if err := s.validateLocalRequest(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	t, err := s.newTransport(w, s.messagesPath, s.dispatcher.Connect)
	if err != nil {
		log.Printf("Failed to create transport: %v", err)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	if err := s.registry.Register(t.SessionID(), t); err != nil {
		log.Printf("Failed to register session: %v", err)
		t.Close()
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}
	defer func() {
		s.registry.Remove(t.SessionID())
		t.Close()
	}()

	if err := t.Start(); err != nil {
		log.Printf("Failed to start stream for session %s: %v", t.SessionID(), err)
		return
	}

	ticker := time.NewTicker(streamHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-t.Done():
			return
		case <-ticker.C:
			t.Touch()
		}
	}
}

// handleMessages handles POST <messagesPath>: it routes the raw body to the
// session named by the sessionId query parameter. Replies are not written
// here; accepted messages are answered asynchronously over the stream.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if err := s.validateLocalRequest(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid or missing session id")
		return
	}
	t, ok := s.registry.Lookup(sessionID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid or missing session id")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("Failed to read request body: %v", err)
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer r.Body.Close()

	switch err := t.HandleIncoming(body); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
	case errors.Is(err, transport.ErrNotConnected):
		writeError(w, http.StatusInternalServerError, "connection not established")
	default:
		var perr *transport.ProtocolError
		if errors.As(err, &perr) {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		log.Printf("Failed to handle message for session %s: %v", sessionID, err)
		writeError(w, http.StatusInternalServerError, "failed to handle message")
	}
}

// handleHealth handles GET /healthz for health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.validateLocalRequest(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Printf("Failed to write health response: %v", err)
	}
}

// reapIdleSessions periodically removes sessions whose clients disappeared
// without a clean disconnect.
func (s *Server) reapIdleSessions(ctx context.Context) {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reaped := s.registry.Expire(time.Now().Add(-s.sessionExpiry)); reaped > 0 {
				log.Printf("Reaped %d idle sessions", reaped)
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, err := json.Marshal(payload)
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error"}`))
		return
	}
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
