package wsfanout

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/helixml/visualstream/api/pkg/visualstream/loghub"
)

// LogsEndpoint serves WS /ws/logs/{execution-id}.
type LogsEndpoint struct {
	hub           *loghub.Hub
	queueCapacity int
	logger        zerolog.Logger
}

// NewLogsEndpoint constructs the execution-logs endpoint bound to hub.
func NewLogsEndpoint(hub *loghub.Hub, queueCapacity int, logger zerolog.Logger) *LogsEndpoint {
	return &LogsEndpoint{hub: hub, queueCapacity: queueCapacity, logger: logger.With().Str("component", "ws_logs_endpoint").Logger()}
}

func (e *LogsEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["executionID"]
	if executionID == "" {
		http.Error(w, "missing execution id", http.StatusBadRequest)
		return
	}

	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	queue := newOutboundQueue(e.queueCapacity)

	// History and live subscription are registered atomically so a record
	// published concurrently can't be skipped by both.
	history, token := e.hub.SubscribeWithHistory(r.Context(), executionID, func(rec loghub.Record) {
		e.sendRecord(queue, rec)
	})
	defer e.hub.Unsubscribe(executionID, token)

	for _, rec := range history {
		e.sendRecord(queue, rec)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			frame, ok := queue.dequeue()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	queue.close()
	<-done
}

func (e *LogsEndpoint) sendRecord(queue *outboundQueue, rec loghub.Record) {
	frame := struct {
		Type string `json:"type"`
		loghub.Record
	}{Type: "log", Record: rec}

	b, err := json.Marshal(frame)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to marshal log frame")
		return
	}
	queue.enqueue(b)
}
