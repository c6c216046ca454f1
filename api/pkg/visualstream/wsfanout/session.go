package wsfanout

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/helixml/visualstream/api/pkg/visualstream/streamer"
)

const sessionIDPrefix = "visual-"

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// NormalizeSessionID adds the visual- prefix if omitted and the remainder
// is a valid UUID. Returns ok=false if the id is malformed either way.
func NormalizeSessionID(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	remainder := raw
	if len(raw) > len(sessionIDPrefix) && raw[:len(sessionIDPrefix)] == sessionIDPrefix {
		remainder = raw[len(sessionIDPrefix):]
	}
	if !uuidPattern.MatchString(remainder) {
		return "", false
	}
	return sessionIDPrefix + remainder, true
}

// NewSessionID mints a fresh, correctly-prefixed session-id.
func NewSessionID() string {
	return sessionIDPrefix + uuid.NewString()
}

var nextClientID atomic.Uint64

// sessionClient implements streamer.Client on top of a bounded outbound
// queue; Deliver never blocks and never reports failure. A failed write
// only stops the sender goroutine; the client is removed from the streamer
// when the read loop fails and ServeHTTP's deferred RemoveClient runs.
type sessionClient struct {
	id    string
	queue *outboundQueue
}

func (c *sessionClient) ID() string { return c.id }

func (c *sessionClient) Deliver(frame []byte) error {
	c.queue.enqueue(frame)
	return nil
}

// SessionEndpoint serves WS /workflows/visual/{session-id}/stream.
type SessionEndpoint struct {
	manager       *streamer.Manager
	queueCapacity int
	historyWindow time.Duration
	logger        zerolog.Logger
}

// NewSessionEndpoint constructs the session-stream endpoint bound to manager.
func NewSessionEndpoint(manager *streamer.Manager, queueCapacity int, defaultHistoryWindow time.Duration, logger zerolog.Logger) *SessionEndpoint {
	return &SessionEndpoint{
		manager:       manager,
		queueCapacity: queueCapacity,
		historyWindow: defaultHistoryWindow,
		logger:        logger.With().Str("component", "ws_session_endpoint").Logger(),
	}
}

func (e *SessionEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rawID := mux.Vars(r)["sessionID"]
	sessionID, ok := NormalizeSessionID(rawID)
	if !ok {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	s, ok := e.manager.GetStreamer(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	clientID := fmt.Sprintf("sess-%d", nextClientID.Add(1))
	queue := newOutboundQueue(e.queueCapacity)
	client := &sessionClient{id: clientID, queue: queue}

	s.AddClient(client)
	defer s.RemoveClient(clientID)

	done := make(chan struct{})
	go e.sendLoop(conn, queue, done)
	e.sendFrame(queue, map[string]any{
		"type":       "connection_established",
		"client_id":  clientID,
		"session_id": sessionID,
		"timestamp":  time.Now().UnixMilli(),
	})

	e.recvLoop(conn, s, sessionID, clientID, queue)
	close(done)
	queue.close()
	_ = conn.Close()
}

func (e *SessionEndpoint) sendLoop(conn *websocket.Conn, queue *outboundQueue, done chan struct{}) {
	for {
		frame, ok := queue.dequeue()
		if !ok {
			return
		}
		select {
		case <-done:
			return
		default:
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

func (e *SessionEndpoint) recvLoop(conn *websocket.Conn, s *streamer.Streamer, sessionID, clientID string, queue *outboundQueue) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var ctrl struct {
			Type                 string   `json:"type"`
			HistoryWindowSeconds *float64 `json:"history_window_seconds"`
		}
		if err := json.Unmarshal(msg, &ctrl); err != nil {
			e.logger.Debug().Err(err).Msg("unparseable control frame; ignoring")
			continue
		}

		switch ctrl.Type {
		case "ping":
			e.sendFrame(queue, map[string]any{"type": "pong", "timestamp": time.Now().UnixMilli()})
		case "client_ready":
			e.sendFrame(queue, map[string]any{"type": "status", "client_id": clientID, "session_id": sessionID, "ready": true})
		case "sequence_reset_request":
			window := e.historyWindow
			if ctrl.HistoryWindowSeconds != nil {
				window = time.Duration(*ctrl.HistoryWindowSeconds * float64(time.Second))
			}
			s.MarkSequenceResetForClient(clientID, window)
			e.sendFrame(queue, map[string]any{
				"type":                    "sequence_reset_ack",
				"session_id":              sessionID,
				"history_window_seconds":  window.Seconds(),
			})
			if err := s.SendLastFullsnapshotToClient(clientID, window); err != nil {
				e.logger.Debug().Err(err).Str("client_id", clientID).Msg("sequence reset send failed")
				return
			}
		default:
			e.logger.Debug().Str("type", ctrl.Type).Msg("unknown session control frame type")
		}
	}
}

func (e *SessionEndpoint) sendFrame(queue *outboundQueue, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to marshal control frame")
		return
	}
	queue.enqueue(b)
}
