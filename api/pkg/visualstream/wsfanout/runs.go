package wsfanout

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/helixml/visualstream/api/pkg/visualstream/runhub"
)

// RunsEndpoint serves WS /runs/{run-id}/events.
type RunsEndpoint struct {
	hub           *runhub.Hub
	queueCapacity int
	logger        zerolog.Logger
}

// NewRunsEndpoint constructs the run-events endpoint bound to hub.
func NewRunsEndpoint(hub *runhub.Hub, queueCapacity int, logger zerolog.Logger) *RunsEndpoint {
	return &RunsEndpoint{hub: hub, queueCapacity: queueCapacity, logger: logger.With().Str("component", "ws_runs_endpoint").Logger()}
}

func (e *RunsEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runID"]
	if runID == "" {
		http.Error(w, "missing run id", http.StatusBadRequest)
		return
	}

	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	queue := newOutboundQueue(e.queueCapacity)

	// Snapshot, buffered-events-after-snapshot, and the live subscription
	// are all registered atomically so no event can be missed by both the
	// replay and the live feed.
	snapshot, buffered, token := e.hub.SubscribeWithReplay(runID, func(ev runhub.Event) {
		e.sendEnvelope(queue, ev)
	})
	defer e.hub.Unsubscribe(runID, token)

	e.sendEnvelope(queue, snapshot)
	for _, ev := range buffered {
		e.sendEnvelope(queue, ev)
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

func (e *RunsEndpoint) sendEnvelope(queue *outboundQueue, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to marshal run event frame")
		return
	}
	queue.enqueue(b)
}
