package wsfanout

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/helixml/visualstream/api/pkg/visualstream/streamer"
)

// PageController is the narrow interface the control channel needs from
// whatever owns the live browser page for a session (the workflow
// interpreter / automation library, out of core scope per spec §1).
type PageController interface {
	// Ready reports whether the page is controllable yet.
	Ready(sessionID string) bool
	// Dispatch sends a control message (mouse/keyboard/wheel) to the page.
	// It returns an error if the page action raised.
	Dispatch(sessionID string, message json.RawMessage) error
}

// ControlMessage is a single control-channel frame.
type ControlMessage struct {
	SessionID string          `json:"session_id"`
	Message   json.RawMessage `json:"message"`
}

// ControlEndpoint serves WS /workflows/visual/{session-id}/control.
type ControlEndpoint struct {
	manager    *streamer.Manager
	controller PageController
	debugRaw   bool
	logger     zerolog.Logger
}

// NewControlEndpoint constructs the control-channel endpoint.
// debugKeystrokes mirrors CONTROL_CHANNEL_DEBUG: when false (the default),
// keyboard characters are redacted from control-channel logs.
func NewControlEndpoint(manager *streamer.Manager, controller PageController, debugKeystrokes bool, logger zerolog.Logger) *ControlEndpoint {
	return &ControlEndpoint{
		manager:    manager,
		controller: controller,
		debugRaw:   debugKeystrokes,
		logger:     logger.With().Str("component", "ws_control_endpoint").Logger(),
	}
}

const (
	closeCodeSessionNotFound = 4404
	closeCodeInvalidSession  = 4400
)

func (e *ControlEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rawID := mux.Vars(r)["sessionID"]
	sessionID, ok := NormalizeSessionID(rawID)
	if !ok {
		conn, err := Upgrader.Upgrade(w, r, nil)
		if err == nil {
			closeWithCode(conn, closeCodeInvalidSession, "invalid session id")
		}
		return
	}

	if _, ok := e.manager.GetStreamer(sessionID); !ok {
		conn, err := Upgrader.Upgrade(w, r, nil)
		if err == nil {
			closeWithCode(conn, closeCodeSessionNotFound, "session not found")
		}
		return
	}

	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ControlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			e.ack(conn, "error", "invalid_message", "malformed control frame")
			continue
		}

		e.logControlFrame(msg)

		if e.controller == nil || !e.controller.Ready(msg.SessionID) {
			e.ack(conn, "error", "browser_not_ready", "page is not controllable yet")
			continue
		}

		if err := e.controller.Dispatch(msg.SessionID, msg.Message); err != nil {
			e.ack(conn, "error", "execution_failed", err.Error())
			continue
		}

		e.ack(conn, "ack", "", "")
	}
}

func (e *ControlEndpoint) logControlFrame(msg ControlMessage) {
	if e.debugRaw {
		e.logger.Debug().Str("session_id", msg.SessionID).RawJSON("message", msg.Message).Msg("control frame")
		return
	}
	e.logger.Debug().Str("session_id", msg.SessionID).Msg("control frame (keystrokes redacted)")
}

func (e *ControlEndpoint) ack(conn *websocket.Conn, frameType, errorType, errMsg string) {
	payload := map[string]any{"type": frameType}
	if frameType == "error" {
		payload["error_type"] = errorType
		payload["error"] = errMsg
		payload["timestamp"] = time.Now().UnixMilli()
	}
	_ = conn.WriteJSON(payload)
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = conn.Close()
}
