package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/beam-tools/beam/internal/bus"
	"github.com/beam-tools/beam/internal/engine"
	"github.com/beam-tools/beam/internal/instance"
	"github.com/beam-tools/beam/internal/registry"
)

// SessionHeader carries the session id on requests and responses.
const SessionHeader = "Beam-Session-Id"

// Version is set at build time via ldflags.
var Version = "dev"

// Server routes JSON-RPC calls into the daemon's components.
type Server struct {
	reg       *registry.Registry
	instances *instance.Manager
	engine    *engine.Engine
	bus       *bus.Bus
	sessions  *Sessions
}

// NewServer creates the transport layer. sessions must be the same table
// wired into the engine as its Notifier.
func NewServer(reg *registry.Registry, im *instance.Manager, eng *engine.Engine, b *bus.Bus, sessions *Sessions) *Server {
	return &Server{
		reg:       reg,
		instances: im,
		engine:    eng,
		bus:       b,
		sessions:  sessions,
	}
}

// Sessions exposes the session table (engine.Notifier).
func (s *Server) Sessions() *Sessions { return s.sessions }

// Handler returns the HTTP handler: POST /rpc for calls, GET /events for the
// per-session push stream.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", s.handleRPC)
	mux.HandleFunc("GET /events", s.handleEvents)
	return mux
}

// handleRPC serves one JSON-RPC request object per call. A malformed request
// is rejected per-request; the session stays usable.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, newError(nil, CodeParseError, "parse error: "+err.Error()))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeJSON(w, newError(req.ID, CodeInvalidRequest, "invalid request"))
		return
	}

	// initialize creates or reclaims the session; every other method binds
	// to the session presented in the header.
	if req.Method == "initialize" {
		resp, sess := s.handleInitialize(req)
		w.Header().Set(SessionHeader, sess.ID)
		writeJSON(w, resp)
		return
	}

	sess := s.sessions.Ensure(r.Header.Get(SessionHeader), "external")
	w.Header().Set(SessionHeader, sess.ID)

	writeJSON(w, s.dispatch(r, sess, req))
}

func (s *Server) dispatch(r *http.Request, sess *Session, req Request) Response {
	switch req.Method {
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(r, sess, req)
	case "resources/list":
		return s.handleResourcesList(req)
	case "resources/read":
		return s.handleResourcesRead(req)
	case "instances/list":
		return s.handleInstancesList(req)
	case "instances/switch":
		return s.handleInstancesSwitch(sess, req)
	case "beam/elicitation-response":
		return s.handleElicitationResponse(req)
	case "beam/viewing":
		return s.handleViewing(sess, req)
	default:
		return newError(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

// handleEvents serves the server-push leg: one SSE stream per session.
// Events missed while disconnected are not queued here; clients recover by
// re-issuing beam/viewing with their lastEventId.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = r.Header.Get(SessionHeader)
	}

	ch, detach, ok := s.sessions.AttachPush(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	defer detach()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(SessionHeader, sessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case n := <-ch:
			if _, err := fmt.Fprint(w, "data: "); err != nil {
				return
			}
			if err := enc.Encode(n); err != nil {
				return
			}
			if _, err := fmt.Fprint(w, "\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}
