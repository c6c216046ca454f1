// Package streamer implements the per-session DOM event streamer (spec C2)
// and the multi-session manager (spec C3): validation, sequencing,
// bounded buffering, phase lifecycle, client registry, and ordered
// broadcast of rrweb-style DOM events to registered clients.
package streamer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixml/visualstream/api/pkg/visualstream/domevent"
)

// Config bounds the streamer's buffers and timers. Zero values fall back
// to the defaults named in the spec.
type Config struct {
	EventBufferSize int
	Logger          zerolog.Logger
}

func (c Config) bufferSize() int {
	if c.EventBufferSize <= 0 {
		return 1000
	}
	return c.EventBufferSize
}

// bufferedEvent is a Sequenced Event: a DOM Event wrapped with session-id,
// server receive time, and sequence-id, plus its pre-serialized wire frame.
type bufferedEvent struct {
	SequenceID int64
	ReceivedAt time.Time
	Event      domevent.Event
	Frame      []byte
}

// FinalStats summarizes a session at graceful shutdown, for the
// workflow_completed control frame.
type FinalStats struct {
	TotalEvents     int64
	SessionDuration float64
	EventsPerSecond float64
}

// Streamer is a single session's DOM event streamer: the owner of its
// event buffer, client set, and phase (spec §3 Ownership).
type Streamer struct {
	sessionID string
	cfg       Config
	logger    zerolog.Logger

	mu           sync.Mutex
	phase        Phase
	browserReady bool
	active       bool
	seq          int64
	buffer       []bufferedEvent
	clients      map[string]Client
	resetPending map[string]bool

	workflowEvents       int64
	setupEvents          int64
	eventsProcessed      int64
	firstWorkflowEventAt time.Time
	startedAt            time.Time

	queueMu   sync.Mutex
	queueCond *sync.Cond
	queue     [][]byte
	closed    bool

	disconnectCB func(clientID string)
}

// New creates a Session Streamer for sessionID in phase SETUP.
func New(sessionID string, cfg Config) *Streamer {
	logger := cfg.Logger
	s := &Streamer{
		sessionID: sessionID,
		cfg:       cfg,
		logger:       logger.With().Str("component", "session_streamer").Str("session_id", sessionID).Logger(),
		phase:        PhaseSetup,
		clients:      make(map[string]Client),
		resetPending: make(map[string]bool),
		startedAt:    time.Now(),
	}
	s.queueCond = sync.NewCond(&s.queueMu)
	return s
}

// SessionID returns this streamer's session-id.
func (s *Streamer) SessionID() string { return s.sessionID }

// OnDisconnect registers a callback invoked when a client's socket raises
// during broadcast and is removed.
func (s *Streamer) OnDisconnect(cb func(clientID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectCB = cb
}

// ProcessEvent validates, sequences, buffers, and enqueues raw for
// broadcast. Returns false on validation failure (spec's InvalidEvent:
// logged and dropped, never propagated as an error to the page).
func (s *Streamer) ProcessEvent(raw []byte) bool {
	ev, err := domevent.ParseEvent(raw)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping invalid dom event")
		return false
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	s.mu.Lock()
	seqID := s.seq
	s.seq++

	receivedAt := time.Now()
	frame, err := json.Marshal(map[string]any{
		"type":        "rrweb_event",
		"session_id":  s.sessionID,
		"timestamp":   receivedAt.UnixMilli(),
		"event":       ev,
		"sequence_id": seqID,
	})
	if err != nil {
		s.mu.Unlock()
		s.logger.Error().Err(err).Msg("failed to serialize dom event frame")
		return false
	}

	s.buffer = append(s.buffer, bufferedEvent{
		SequenceID: seqID,
		ReceivedAt: receivedAt,
		Event:      ev,
		Frame:      frame,
	})
	if overflow := len(s.buffer) - s.cfg.bufferSize(); overflow > 0 {
		s.buffer = s.buffer[overflow:]
	}

	s.eventsProcessed++
	if s.phase == PhaseExecuting {
		s.workflowEvents++
		if s.firstWorkflowEventAt.IsZero() {
			s.firstWorkflowEventAt = receivedAt
		}
	} else {
		s.setupEvents++
	}
	s.mu.Unlock()

	s.enqueueFrame(frame)
	return true
}

// enqueueFrame pushes a serialized frame onto the broadcast task's queue.
// The queue is unbounded to the broadcast task: the producer is the page,
// which is naturally paced (spec §5 Backpressure policy).
func (s *Streamer) enqueueFrame(frame []byte) {
	s.queueMu.Lock()
	if s.closed {
		s.queueMu.Unlock()
		return
	}
	s.queue = append(s.queue, frame)
	s.queueCond.Signal()
	s.queueMu.Unlock()
}

// StartStreaming starts the broadcast task. Idempotent: calling it while
// already active returns true without starting a second task.
func (s *Streamer) StartStreaming(ctx context.Context) bool {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return true
	}
	s.active = true
	s.mu.Unlock()

	go s.broadcastLoop(ctx)
	return true
}

// StopStreaming stops the broadcast task. Idempotent: calling it while not
// active returns true.
func (s *Streamer) StopStreaming() bool {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return true
	}
	s.active = false
	s.mu.Unlock()

	s.queueMu.Lock()
	s.closed = true
	s.queueCond.Broadcast()
	s.queueMu.Unlock()
	return true
}

// broadcastLoop is the single broadcast task: it drains the (unbounded)
// queue and sends each message, already serialized once, to every registered
// socket in sequence-id order.
func (s *Streamer) broadcastLoop(ctx context.Context) {
	for {
		s.queueMu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.queueCond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.queueMu.Unlock()
			return
		}
		frame := s.queue[0]
		s.queue = s.queue[1:]
		s.queueMu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
		}

		s.broadcast(frame)
	}
}

func (s *Streamer) broadcast(frame []byte) {
	s.mu.Lock()
	clients := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.Deliver(frame); err != nil {
			s.RemoveClient(c.ID())
		}
	}
}

// AddClient registers a consumer and immediately sends buffered events in
// sequence-id order so a late joiner observes the current Snapshot/last
// FullSnapshot, then buffered events, then live events.
func (s *Streamer) AddClient(c Client) bool {
	s.mu.Lock()
	replay := make([][]byte, len(s.buffer))
	for i, be := range s.buffer {
		replay[i] = be.Frame
	}
	s.clients[c.ID()] = c
	s.mu.Unlock()

	for _, frame := range replay {
		if err := c.Deliver(frame); err != nil {
			s.logger.Debug().Str("client_id", c.ID()).Err(err).Msg("client disconnected during buffered replay")
			s.RemoveClient(c.ID())
			return true
		}
	}
	return true
}

// RemoveClient releases a client's registration slot.
func (s *Streamer) RemoveClient(clientID string) {
	s.mu.Lock()
	s.removeClientLocked(clientID)
	s.mu.Unlock()
}

func (s *Streamer) removeClientLocked(clientID string) {
	if _, ok := s.clients[clientID]; !ok {
		return
	}
	delete(s.clients, clientID)
	delete(s.resetPending, clientID)
	cb := s.disconnectCB
	if cb != nil {
		go cb(clientID)
	}
}

// ClientCount returns the number of currently registered clients.
func (s *Streamer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// MarkSequenceResetForClient marks that the next batch delivered to this
// client is a reset. It sends nothing itself and does not use
// historyWindow; SendLastFullsnapshotToClient performs the reset and
// clears the mark. Returns false if clientID is not registered.
func (s *Streamer) MarkSequenceResetForClient(clientID string, historyWindow time.Duration) bool {
	s.mu.Lock()
	if _, ok := s.clients[clientID]; !ok {
		s.mu.Unlock()
		return false
	}
	s.resetPending[clientID] = true
	s.mu.Unlock()
	return true
}

// SendLastFullsnapshotToClient is a read-only operation: it finds the most
// recent FullSnapshot in the buffer and sends it plus a trailing window of
// events, without rewinding the sequence counter or touching the main
// buffer (spec's idempotence law).
func (s *Streamer) SendLastFullsnapshotToClient(clientID string, historyWindow time.Duration) error {
	s.mu.Lock()
	c, ok := s.clients[clientID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("visualstream: client %s not registered", clientID)
	}
	if historyWindow <= 0 {
		historyWindow = 3 * time.Second
	}

	var fullSnapshot *bufferedEvent
	for i := len(s.buffer) - 1; i >= 0; i-- {
		if s.buffer[i].Event.IsFullSnapshot() {
			fs := s.buffer[i]
			fullSnapshot = &fs
			break
		}
	}
	var trailing []bufferedEvent
	if fullSnapshot != nil {
		cutoff := time.Now().Add(-historyWindow)
		for _, be := range s.buffer {
			if be.SequenceID > fullSnapshot.SequenceID && be.ReceivedAt.After(cutoff) {
				trailing = append(trailing, be)
			}
		}
	}
	delete(s.resetPending, clientID)
	s.mu.Unlock()

	if fullSnapshot == nil {
		return nil
	}
	if err := c.Deliver(fullSnapshot.Frame); err != nil {
		return err
	}
	for _, be := range trailing {
		if err := c.Deliver(be.Frame); err != nil {
			return err
		}
	}
	return nil
}

// GracefulShutdown sends a terminal workflow_completed control message to
// all clients, then waits up to 2s before the caller closes sockets.
func (s *Streamer) GracefulShutdown(ctx context.Context) {
	stats := s.finalStats()
	frame, err := json.Marshal(map[string]any{
		"type":       "workflow_completed",
		"session_id": s.sessionID,
		"timestamp":  time.Now().UnixMilli(),
		"message":    "workflow completed",
		"final_stats": map[string]any{
			"total_events":      stats.TotalEvents,
			"session_duration":  stats.SessionDuration,
			"events_per_second": stats.EventsPerSecond,
		},
	})
	if err == nil {
		s.broadcast(frame)
	} else {
		s.logger.Error().Err(err).Msg("failed to build workflow_completed frame")
	}

	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}

	s.StopStreaming()
}

func (s *Streamer) finalStats() FinalStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	duration := time.Since(s.startedAt).Seconds()
	var eps float64
	if duration > 0 {
		eps = float64(s.eventsProcessed) / duration
	}
	return FinalStats{
		TotalEvents:     s.eventsProcessed,
		SessionDuration: duration,
		EventsPerSecond: eps,
	}
}

// Status is the read-only snapshot used by the status HTTP endpoint.
type Status struct {
	SessionID       string  `json:"session_id"`
	Phase           string  `json:"phase"`
	StreamingActive bool    `json:"streaming_active"`
	BrowserReady    bool    `json:"browser_ready"`
	EventsProcessed  int64   `json:"events_processed"`
	WorkflowEvents   int64   `json:"workflow_events"`
	SetupEvents      int64   `json:"setup_events"`
	ConnectedClients int     `json:"connected_clients"`
	StreamingReady   bool    `json:"streaming_ready"`
}

// Status reports the streamer's current state, including the computed
// streaming_ready field: streaming_active AND events_processed>0 AND
// (browser_ready OR events_processed>=3).
func (s *Streamer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	streamingReady := s.active && s.eventsProcessed > 0 && (s.browserReady || s.eventsProcessed >= 3)
	return Status{
		SessionID:        s.sessionID,
		Phase:            s.phase.String(),
		StreamingActive:  s.active,
		BrowserReady:     s.browserReady,
		EventsProcessed:  s.eventsProcessed,
		WorkflowEvents:   s.workflowEvents,
		SetupEvents:      s.setupEvents,
		ConnectedClients: len(s.clients),
		StreamingReady:   streamingReady,
	}
}

// Phase returns the current lifecycle phase.
func (s *Streamer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// BrowserReady reports whether the browser-ready flag is currently set.
func (s *Streamer) BrowserReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browserReady
}

// activeState reports whether the broadcast task is currently active.
func (s *Streamer) activeState() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// IdleFor reports how long it has been since the last event was received,
// for the manager's GC sweep.
func (s *Streamer) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.startedAt
	if len(s.buffer) > 0 {
		last = s.buffer[len(s.buffer)-1].ReceivedAt
	}
	return time.Since(last)
}

func (s *Streamer) transition(target Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.rank() >= target.rank() {
		return true // one-way: already past this phase, idempotent no-op
	}
	s.phase = target
	return true
}

// TransitionToReady moves SETUP -> READY. Idempotent.
func (s *Streamer) TransitionToReady() bool { return s.transition(PhaseReady) }

// TransitionToExecuting moves READY -> EXECUTING and flips browser-ready.
func (s *Streamer) TransitionToExecuting() bool {
	ok := s.transition(PhaseExecuting)
	s.mu.Lock()
	s.browserReady = true
	s.mu.Unlock()
	return ok
}

// TransitionToCompleted moves EXECUTING -> COMPLETED.
func (s *Streamer) TransitionToCompleted() bool { return s.transition(PhaseCompleted) }

// TransitionToCleanup moves -> CLEANUP. browser-ready is kept set so
// viewers can distinguish a finished workflow from an aborted one; it is
// cleared only by FinalCleanup.
func (s *Streamer) TransitionToCleanup() bool { return s.transition(PhaseCleanup) }

// FinalCleanup clears the browser-ready flag once teardown is complete.
func (s *Streamer) FinalCleanup() {
	s.mu.Lock()
	s.browserReady = false
	s.mu.Unlock()
}
