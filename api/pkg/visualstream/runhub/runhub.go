// Package runhub implements the per-run step-state tracker and ordered
// event hub (spec C5): canonical Snapshot construction plus monotonically
// numbered step/run events delivered to fire-and-forget subscribers.
package runhub

import (
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/rs/zerolog"
)

// Status values for a Step State.
const (
	StatusReady      = "ready"
	StatusRunning    = "running"
	StatusAIFallback = "AI-fallback"
	StatusSuccess    = "success"
	StatusFail       = "fail"
)

// SourceFlags records whether a step was driven by the workflow
// interpreter, the browser-use fallback agent, or both.
type SourceFlags struct {
	WorkflowUse bool `json:"workflowUse"`
	BrowserUse  bool `json:"browserUse"`
}

// Step is a single run's Step State.
type Step struct {
	StepID       string      `json:"stepId"`
	StaticStepKey string     `json:"staticStepKey"`
	StepIndex    int         `json:"stepIndex"`
	TotalSteps   int         `json:"totalSteps"`
	Title        string      `json:"title"`
	Status       string      `json:"status"`
	SourceFlags  SourceFlags `json:"sourceFlags"`
}

// RunStatus summarizes the whole run for a Snapshot.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFail    RunStatus = "fail"
)

// Summary is the Snapshot's aggregate view.
type Summary struct {
	Status         RunStatus `json:"status"`
	TotalSteps     int       `json:"totalSteps"`
	CompletedSteps int       `json:"completedSteps"`
	FailedSteps    int       `json:"failedSteps"`
}

// Snapshot is the canonical state-of-the-run payload sent to new subscribers.
type Snapshot struct {
	Type          string  `json:"type"`
	SchemaVersion int     `json:"schemaVersion"`
	RunID         string  `json:"runId"`
	Seq           int64   `json:"seq"`
	Ts            int64   `json:"ts"`
	Summary       Summary `json:"summary"`
	Steps         []Step  `json:"steps"`
}

// Event is a single run/step event, always stamped with runId, a strictly
// monotonic seq, and ts before delivery.
type Event struct {
	Type    string `json:"type"`
	RunID   string `json:"runId"`
	Seq     int64  `json:"seq"`
	Ts      int64  `json:"ts"`
	StepID  string `json:"stepId,omitempty"`
	Status  string `json:"status,omitempty"`

	StepIndex     int    `json:"stepIndex,omitempty"`
	TotalSteps    int    `json:"totalSteps,omitempty"`
	Title         string `json:"title,omitempty"`
	StaticStepKey string `json:"staticStepKey,omitempty"`

	Attempt     int    `json:"attempt,omitempty"`
	MaxAttempts int    `json:"maxAttempts,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`

	RunStatus RunStatus `json:"runStatus,omitempty"`
}

// Callback is a run subscriber's delivery function, invoked fire-and-forget.
type Callback func(Event)

type stepOrder struct {
	step Step
}

type run struct {
	mu         sync.Mutex
	runID      string
	seq        int64
	steps      map[string]*stepOrder
	order      []string // step-id insertion order, for deterministic Snapshot.Steps
	buffer     []Event
	bufferCap  int

	subscribers map[int]Callback
	nextSubID   int
}

// Hub owns run-id -> Run state (spec §3 Ownership) and is transport-agnostic;
// WebSocket delivery is the wsfanout package's concern.
type Hub struct {
	bufferCap int
	logger    zerolog.Logger

	mu   sync.Mutex
	runs map[string]*run
	wg   conc.WaitGroup
}

// New creates a Run Events Hub. bufferCap<=0 uses the default of 200.
func New(bufferCap int, logger zerolog.Logger) *Hub {
	if bufferCap <= 0 {
		bufferCap = 200
	}
	return &Hub{
		bufferCap: bufferCap,
		logger:    logger.With().Str("component", "run_events_hub").Logger(),
		runs:      make(map[string]*run),
	}
}

// ensureRun creates run-id's state on demand and returns it.
func (h *Hub) ensureRun(runID string) *run {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.runs[runID]
	if !ok {
		r = &run{
			runID:       runID,
			steps:       make(map[string]*stepOrder),
			bufferCap:   h.bufferCap,
			subscribers: make(map[int]Callback),
		}
		h.runs[runID] = r
	}
	return r
}

// Subscribe registers cb for runID's live events.
func (h *Hub) Subscribe(runID string, cb Callback) int {
	r := h.ensureRun(runID)
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = cb
	return id
}

// Unsubscribe removes a subscriber previously returned by Subscribe.
func (h *Hub) Unsubscribe(runID string, token int) {
	h.mu.Lock()
	r, ok := h.runs[runID]
	h.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.subscribers, token)
	r.mu.Unlock()
}

// BuildSnapshot returns the canonical Snapshot for runID.
func (h *Hub) BuildSnapshot(runID string) Snapshot {
	r := h.ensureRun(runID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// GetBufferedEvents returns a shallow copy of runID's ring buffer.
func (h *Hub) GetBufferedEvents(runID string) []Event {
	r := h.ensureRun(runID)
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.buffer))
	copy(out, r.buffer)
	return out
}

// SubscribeWithReplay atomically builds the Snapshot, collects buffered
// events with seq greater than the snapshot's seq, and registers cb for
// live events — all under the same lock, so no event emitted concurrently
// can be both missed by the replay and missed by the live subscription
// (spec §3: Snapshot, then buffered > snapshot.seq, then live, with no gap).
func (h *Hub) SubscribeWithReplay(runID string, cb Callback) (Snapshot, []Event, int) {
	r := h.ensureRun(runID)
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snapshotLocked()
	var buffered []Event
	for _, ev := range r.buffer {
		if ev.Seq > snap.Seq {
			buffered = append(buffered, ev)
		}
	}

	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = cb
	return snap, buffered, id
}

func (r *run) snapshotLocked() Snapshot {
	steps := make([]Step, 0, len(r.order))
	completed, failed := 0, 0
	total := len(r.order)
	for _, id := range r.order {
		s := r.steps[id].step
		steps = append(steps, s)
		if s.TotalSteps > total {
			total = s.TotalSteps
		}
		switch s.Status {
		case StatusSuccess:
			completed++
		case StatusFail:
			completed++
			failed++
		}
	}

	status := RunStatusRunning
	if failed > 0 {
		status = RunStatusFail
	} else if total > 0 && completed >= total {
		status = RunStatusSuccess
	}

	return Snapshot{
		Type:          "Snapshot",
		SchemaVersion: 1,
		RunID:         r.runID,
		Seq:           r.seq,
		Ts:            nowMillis(),
		Summary: Summary{
			Status:         status,
			TotalSteps:     total,
			CompletedSteps: completed,
			FailedSteps:    failed,
		},
		Steps: steps,
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// emit stamps ev with the next seq/ts, buffers it, and dispatches it to
// every subscriber as a fire-and-forget task.
func (h *Hub) emit(runID string, ev Event) Event {
	r := h.ensureRun(runID)

	r.mu.Lock()
	r.seq++
	ev.RunID = runID
	ev.Seq = r.seq
	ev.Ts = nowMillis()

	r.buffer = append(r.buffer, ev)
	if overflow := len(r.buffer) - r.bufferCap; overflow > 0 {
		r.buffer = r.buffer[overflow:]
	}

	callbacks := make([]Callback, 0, len(r.subscribers))
	for _, cb := range r.subscribers {
		callbacks = append(callbacks, cb)
	}
	r.mu.Unlock()

	for _, cb := range callbacks {
		cb := cb
		h.wg.Go(func() {
			defer func() {
				if rec := recover(); rec != nil {
					h.logger.Warn().Interface("panic", rec).Msg("run event subscriber callback panicked; recovered")
				}
			}()
			cb(ev)
		})
	}
	return ev
}

func (r *run) setStepLocked(step Step) {
	so, ok := r.steps[step.StepID]
	if !ok {
		so = &stepOrder{}
		r.steps[step.StepID] = so
		r.order = append(r.order, step.StepID)
	}
	so.step = step
}

// RunStarted emits a RunStarted event.
func (h *Hub) RunStarted(runID string) Event {
	return h.emit(runID, Event{Type: "RunStarted"})
}

// RunEnded emits a RunEnded event with the given terminal status.
func (h *Hub) RunEnded(runID string, status RunStatus) Event {
	return h.emit(runID, Event{Type: "RunEnded", RunStatus: status})
}

// StepStarted creates/updates stepID as running and emits StepStarted.
func (h *Hub) StepStarted(runID, stepID string, stepIndex, totalSteps int, title, staticStepKey string, sourceWorkflowUse bool) Event {
	r := h.ensureRun(runID)
	r.mu.Lock()
	r.setStepLocked(Step{
		StepID:        stepID,
		StaticStepKey: staticStepKey,
		StepIndex:     stepIndex,
		TotalSteps:    totalSteps,
		Title:         title,
		Status:        StatusRunning,
		SourceFlags:   SourceFlags{WorkflowUse: sourceWorkflowUse},
	})
	r.mu.Unlock()

	return h.emit(runID, Event{
		Type: "StepStarted", StepID: stepID, Status: StatusRunning,
		StepIndex: stepIndex, TotalSteps: totalSteps, Title: title, StaticStepKey: staticStepKey,
	})
}

func (h *Hub) finishStep(runID, stepID, eventType, status string) Event {
	r := h.ensureRun(runID)
	r.mu.Lock()
	if so, ok := r.steps[stepID]; ok {
		so.step.Status = status
	}
	r.mu.Unlock()

	return h.emit(runID, Event{Type: eventType, StepID: stepID, Status: status})
}

// StepFinishedSuccess marks stepID successful and emits StepFinishedSuccess.
func (h *Hub) StepFinishedSuccess(runID, stepID string) Event {
	return h.finishStep(runID, stepID, "StepFinishedSuccess", StatusSuccess)
}

// StepFinishedFail marks stepID failed and emits StepFinishedFail.
func (h *Hub) StepFinishedFail(runID, stepID string) Event {
	return h.finishStep(runID, stepID, "StepFinishedFail", StatusFail)
}

// FallbackStarted sets stepID's status to AI-fallback, sets the browserUse
// flag, and emits FallbackStarted.
func (h *Hub) FallbackStarted(runID, stepID string, attempt, maxAttempts int, sessionID string) Event {
	r := h.ensureRun(runID)
	r.mu.Lock()
	if so, ok := r.steps[stepID]; ok {
		so.step.Status = StatusAIFallback
		so.step.SourceFlags.BrowserUse = true
	}
	r.mu.Unlock()

	return h.emit(runID, Event{
		Type: "FallbackStarted", StepID: stepID, Status: StatusAIFallback,
		Attempt: attempt, MaxAttempts: maxAttempts, SessionID: sessionID,
	})
}

// FallbackRetryProgress emits a FallbackRetryProgress event.
func (h *Hub) FallbackRetryProgress(runID, stepID string, attempt, maxAttempts int, sessionID string) Event {
	return h.emit(runID, Event{
		Type: "FallbackRetryProgress", StepID: stepID, Status: StatusAIFallback,
		Attempt: attempt, MaxAttempts: maxAttempts, SessionID: sessionID,
	})
}

// FallbackFinishedSuccess is an alias of StepFinishedSuccess.
func (h *Hub) FallbackFinishedSuccess(runID, stepID string) Event {
	return h.StepFinishedSuccess(runID, stepID)
}

// FallbackFinishedFail marks stepID failed via the fallback path.
func (h *Hub) FallbackFinishedFail(runID, stepID string) Event {
	return h.finishStep(runID, stepID, "FallbackFinishedFail", StatusFail)
}

// ResetForTest clears all hub state. Test-only hook.
func (h *Hub) ResetForTest() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = make(map[string]*run)
}
