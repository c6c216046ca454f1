// Package loghub implements the per-execution-id structured log pub/sub
// hub (spec C4): bounded history with TTL for late joiners, fire-and-forget
// local delivery, and optional cross-process fan-out over the teacher's
// pubsub.PubSub collaborator (api/pkg/pubsub), keyed on `logs:{execution-id}`.
package loghub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/rs/zerolog"

	"github.com/helixml/visualstream/api/pkg/pubsub"
)

// Record is a structured log record tagged with its execution-id.
type Record struct {
	Timestamp  int64  `json:"timestamp"`
	Level      string `json:"level"`
	Logger     string `json:"logger"`
	Message    string `json:"message"`
	ExecutionID string `json:"execution_id"`
	Pathname   string `json:"pathname,omitempty"`
	Lineno     int    `json:"lineno,omitempty"`
	Replay     bool   `json:"replay,omitempty"`
}

// Callback is a subscriber's delivery function. It is always invoked as a
// fire-and-forget task; panics are recovered at the spawn boundary.
type Callback func(Record)

const (
	defaultHistorySize = 200
	defaultTTL         = 180 * time.Second
	peerSubjectPrefix  = "logs:"
)

type historyEntry struct {
	record    Record
	publishedAt time.Time
}

type execState struct {
	mu          sync.Mutex
	subscribers map[int]Callback
	nextSubID   int
	history     []historyEntry
	lastTouch   time.Time
	peerSub     pubsub.Subscription
}

// Hub is the process-wide Log Hub singleton. Construct with New and bind
// to a config; ResetForTest clears all state between tests.
type Hub struct {
	historySize int
	ttl         time.Duration
	peer        pubsub.PubSub
	publisherID string
	logger      zerolog.Logger

	mu    sync.Mutex
	execs map[string]*execState
	wg    conc.WaitGroup
}

// New creates a Log Hub. peer may be nil (or pubsub.NewNoop()), in which
// case cross-process fan-out is disabled and the hub is purely local.
func New(historySize int, ttl time.Duration, peer pubsub.PubSub, logger zerolog.Logger) *Hub {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	hostname, _ := os.Hostname()
	return &Hub{
		historySize: historySize,
		ttl:         ttl,
		peer:        peer,
		publisherID: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		logger:      logger.With().Str("component", "log_hub").Logger(),
		execs:       make(map[string]*execState),
	}
}

func (h *Hub) stateFor(executionID string) *execState {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.execs[executionID]
	if !ok {
		st = &execState{subscribers: make(map[int]Callback), lastTouch: time.Now()}
		h.execs[executionID] = st
	}
	return st
}

// Subscribe registers cb for executionID. On the 0->1 local-subscriber
// transition, the hub opens a cross-process subscription on
// logs:{execution-id} if a peer channel is configured. Returns a token to
// pass to Unsubscribe.
func (h *Hub) Subscribe(ctx context.Context, executionID string, cb Callback) int {
	st := h.stateFor(executionID)

	st.mu.Lock()
	id := st.nextSubID
	st.nextSubID++
	st.subscribers[id] = cb
	firstSubscriber := len(st.subscribers) == 1
	st.mu.Unlock()

	if firstSubscriber && h.peer != nil {
		sub, err := h.peer.Subscribe(ctx, peerSubjectPrefix+executionID, func(payload []byte) error {
			return h.handlePeerMessage(executionID, payload)
		})
		if err != nil {
			h.logger.Warn().Err(err).Str("execution_id", executionID).Msg("peer channel unavailable; fan-out remains local")
		} else {
			st.mu.Lock()
			st.peerSub = sub
			st.mu.Unlock()
		}
	}

	return id
}

// SubscribeWithHistory atomically reads the replay history and registers
// cb for live records under the same lock, so a record published
// concurrently can't be skipped by both the history read and the live
// subscription.
func (h *Hub) SubscribeWithHistory(ctx context.Context, executionID string, cb Callback) ([]Record, int) {
	st := h.stateFor(executionID)

	st.mu.Lock()
	h.purgeExpiredLocked(st)
	history := make([]Record, len(st.history))
	for i, e := range st.history {
		r := e.record
		r.Replay = true
		history[i] = r
	}

	id := st.nextSubID
	st.nextSubID++
	st.subscribers[id] = cb
	firstSubscriber := len(st.subscribers) == 1
	st.mu.Unlock()

	if firstSubscriber && h.peer != nil {
		sub, err := h.peer.Subscribe(ctx, peerSubjectPrefix+executionID, func(payload []byte) error {
			return h.handlePeerMessage(executionID, payload)
		})
		if err != nil {
			h.logger.Warn().Err(err).Str("execution_id", executionID).Msg("peer channel unavailable; fan-out remains local")
		} else {
			st.mu.Lock()
			st.peerSub = sub
			st.mu.Unlock()
		}
	}

	return history, id
}

// Unsubscribe removes a subscriber previously returned by Subscribe. On the
// 1->0 transition it releases the cross-process subscription.
func (h *Hub) Unsubscribe(executionID string, token int) {
	h.mu.Lock()
	st, ok := h.execs[executionID]
	h.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	delete(st.subscribers, token)
	empty := len(st.subscribers) == 0
	sub := st.peerSub
	if empty {
		st.peerSub = nil
	}
	st.mu.Unlock()

	if empty && sub != nil {
		_ = sub.Unsubscribe()
	}
}

// Publish appends payload to history and schedules each local subscriber's
// callback as a fire-and-forget task. Returns the number of callbacks
// scheduled. A no-op when executionID is empty.
func (h *Hub) Publish(executionID string, rec Record) int {
	if executionID == "" {
		return 0
	}
	rec.ExecutionID = executionID
	rec.Replay = false

	st := h.stateFor(executionID)
	st.mu.Lock()
	h.purgeExpiredLocked(st)
	st.history = append(st.history, historyEntry{record: rec, publishedAt: time.Now()})
	if overflow := len(st.history) - h.historySize; overflow > 0 {
		st.history = st.history[overflow:]
	}
	st.lastTouch = time.Now()

	callbacks := make([]Callback, 0, len(st.subscribers))
	for _, cb := range st.subscribers {
		callbacks = append(callbacks, cb)
	}
	st.mu.Unlock()

	for _, cb := range callbacks {
		cb := cb
		h.wg.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Warn().Interface("panic", r).Msg("log subscriber callback panicked; recovered")
				}
			}()
			cb(rec)
		})
	}
	return len(callbacks)
}

// PublishToPeer republishes payload to the cross-process channel, tagged
// with this process's publisher-id so peers can suppress self-echo.
// A no-op if no peer channel is configured.
func (h *Hub) PublishToPeer(ctx context.Context, executionID string, rec Record) error {
	if h.peer == nil {
		return nil
	}
	rec.ExecutionID = executionID
	envelope := struct {
		PublisherID string `json:"publisher_id"`
		Record      Record `json:"record"`
	}{PublisherID: h.publisherID, Record: rec}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("loghub: marshal peer envelope: %w", err)
	}
	return h.peer.Publish(ctx, peerSubjectPrefix+executionID, payload)
}

func (h *Hub) handlePeerMessage(executionID string, payload []byte) error {
	var envelope struct {
		PublisherID string `json:"publisher_id"`
		Record      Record `json:"record"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("loghub: unmarshal peer envelope: %w", err)
	}
	if envelope.PublisherID == h.publisherID {
		return nil // ignore self-echo
	}

	st := h.stateFor(executionID)
	st.mu.Lock()
	callbacks := make([]Callback, 0, len(st.subscribers))
	for _, cb := range st.subscribers {
		callbacks = append(callbacks, cb)
	}
	st.mu.Unlock()

	rec := envelope.Record
	for _, cb := range callbacks {
		cb := cb
		h.wg.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Warn().Interface("panic", r).Msg("log subscriber callback panicked; recovered")
				}
			}()
			cb(rec)
		})
	}
	return nil
}

// GetHistory returns a shallow copy of the ring buffer for executionID,
// with records that survived the TTL window, marked as replay.
func (h *Hub) GetHistory(executionID string) []Record {
	st := h.stateFor(executionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	h.purgeExpiredLocked(st)

	out := make([]Record, len(st.history))
	for i, e := range st.history {
		r := e.record
		r.Replay = true
		out[i] = r
	}
	return out
}

// purgeExpiredLocked drops history entries whose execution-id has had no
// publish within the TTL window. Purge is opportunistic: it runs on each
// publish/read rather than a dedicated timer.
func (h *Hub) purgeExpiredLocked(st *execState) {
	if time.Since(st.lastTouch) <= h.ttl {
		return
	}
	st.history = nil
}

// ResetForTest clears all hub state. Test-only hook per the module-level
// singleton guidance.
func (h *Hub) ResetForTest() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.execs = make(map[string]*execState)
}
