package wsfanout

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/helixml/visualstream/api/pkg/visualstream/streamer"
)

// HTTPHandlers bundles the three plain-HTTP endpoints from spec §6.2 that
// sit alongside the WebSocket surface: status, viewer, and session listing,
// plus the termination and admin-broadcast endpoints from SPEC_FULL §4.
type HTTPHandlers struct {
	manager      *streamer.Manager
	viewerHTML   []byte
	profileClean func(sessionID string)
	logger       zerolog.Logger
}

// NewHTTPHandlers constructs the plain-HTTP handler set. viewerHTML is the
// interactive viewer page (out of core scope per spec §1; served verbatim).
// profileClean, if non-nil, is invoked after a session is removed so its
// isolated profile directory (C7) is torn down.
func NewHTTPHandlers(manager *streamer.Manager, viewerHTML []byte, profileClean func(sessionID string), logger zerolog.Logger) *HTTPHandlers {
	return &HTTPHandlers{
		manager:      manager,
		viewerHTML:   viewerHTML,
		profileClean: profileClean,
		logger:       logger.With().Str("component", "visualstream_http").Logger(),
	}
}

type statusResponse struct {
	Success bool             `json:"success"`
	Status  *streamer.Status `json:"status,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Status handles GET /workflows/visual/{session-id}/status.
func (h *HTTPHandlers) Status(w http.ResponseWriter, r *http.Request) {
	rawID := mux.Vars(r)["sessionID"]
	sessionID, ok := NormalizeSessionID(rawID)
	if !ok {
		writeJSON(w, http.StatusOK, statusResponse{Success: false, Error: "invalid session id"})
		return
	}

	s, ok := h.manager.GetStreamer(sessionID)
	if !ok {
		// Session lookup failures return a structured success:false payload
		// rather than a server error (spec §7 propagation policy).
		writeJSON(w, http.StatusOK, statusResponse{Success: false, Error: "session not found"})
		return
	}

	status := s.Status()
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Status: &status})
}

// Viewer handles GET /workflows/visual/{session-id}/viewer.
func (h *HTTPHandlers) Viewer(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(h.viewerHTML)
}

type sessionsResponse struct {
	Sessions []streamer.Status `json:"sessions"`
	Count    int               `json:"count"`
}

// Sessions handles GET /workflows/visual/sessions.
func (h *HTTPHandlers) Sessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.manager.ListSessions()
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: sessions, Count: len(sessions)})
}

type terminateRequest struct {
	Mode      string `json:"mode"`
	TimeoutMS int    `json:"timeout_ms"`
}

// Terminate handles POST /workflows/visual/{session-id}/terminate, the
// termination endpoint named in spec §5 Cancellation with its two modes:
// stop_then_kill (graceful, bounded wait, then force) and kill (immediate).
func (h *HTTPHandlers) Terminate(w http.ResponseWriter, r *http.Request) {
	rawID := mux.Vars(r)["sessionID"]
	sessionID, ok := NormalizeSessionID(rawID)
	if !ok {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	var req terminateRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Mode == "" {
		req.Mode = "stop_then_kill"
	}

	s, ok := h.manager.GetStreamer(sessionID)
	if !ok {
		writeJSON(w, http.StatusOK, statusResponse{Success: false, Error: "session not found"})
		return
	}

	s.TransitionToCleanup()

	ctx := context.Background()
	switch req.Mode {
	case "kill":
		// Immediate force-close: no graceful workflow_completed frame.
		s.StopStreaming()
	default: // stop_then_kill
		timeout := time.Duration(req.TimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		s.GracefulShutdown(cctx)
		cancel()
	}

	s.FinalCleanup()
	// The shutdown sequence above already ran (or deliberately skipped, for
	// "kill") the graceful broadcast; Drop only removes the map entry so it
	// isn't run a second time.
	h.manager.Drop(sessionID)
	if h.profileClean != nil {
		h.profileClean(sessionID)
	}

	writeJSON(w, http.StatusOK, statusResponse{Success: true})
}

type broadcastRequest struct {
	Message json.RawMessage `json:"message"`
}

// AdminBroadcast handles the internal administrative broadcast endpoint
// (spec §4.3 broadcast_to_all_sessions). Auth/authorization is out of
// scope per spec §1 and is the caller's responsibility.
func (h *HTTPHandlers) AdminBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.manager.BroadcastToAllSessions(req.Message)
	writeJSON(w, http.StatusOK, statusResponse{Success: true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
