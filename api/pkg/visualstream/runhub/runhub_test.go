package runhub

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub() *Hub {
	return New(200, zerolog.Nop())
}

// TestSnapshotThenLive mirrors the spec's S1 end-to-end scenario: a
// subscriber that attaches after step_started must see the Snapshot first,
// then live events in strictly increasing seq order.
func TestSnapshotThenLive(t *testing.T) {
	h := newTestHub()
	h.StepStarted("r-1", "s-1", 0, 2, "Open page", "KEY_A", true)

	events := make(chan Event, 8)
	snap, buffered, _ := h.SubscribeWithReplay("r-1", func(ev Event) { events <- ev })

	assert.Equal(t, int64(1), snap.Seq)
	assert.Equal(t, 2, snap.Summary.TotalSteps)
	assert.Equal(t, 0, snap.Summary.CompletedSteps)
	require.Len(t, snap.Steps, 1)
	assert.Equal(t, StatusRunning, snap.Steps[0].Status)
	assert.Empty(t, buffered, "no events were buffered above the snapshot's own seq yet")

	h.StepFinishedSuccess("r-1", "s-1")

	select {
	case ev := <-events:
		assert.Equal(t, "StepFinishedSuccess", ev.Type)
		assert.Equal(t, "s-1", ev.StepID)
		assert.Equal(t, StatusSuccess, ev.Status)
		assert.Equal(t, "r-1", ev.RunID)
		assert.Equal(t, int64(2), ev.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for StepFinishedSuccess")
	}
}

func TestSeqIsStrictlyMonotonicAndGapFree(t *testing.T) {
	h := newTestHub()
	h.RunStarted("r-2")
	h.StepStarted("r-2", "s-1", 0, 1, "Step", "K", true)
	h.StepFinishedSuccess("r-2", "s-1")
	ev := h.RunEnded("r-2", RunStatusSuccess)

	assert.Equal(t, int64(4), ev.Seq)
	buffered := h.GetBufferedEvents("r-2")
	require.Len(t, buffered, 4)
	for i, e := range buffered {
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

func TestBuildSnapshot_StatusComputation(t *testing.T) {
	h := newTestHub()
	h.StepStarted("r-3", "s-1", 0, 2, "A", "KA", true)
	h.StepStarted("r-3", "s-2", 1, 2, "B", "KB", true)

	snap := h.BuildSnapshot("r-3")
	assert.Equal(t, RunStatusRunning, snap.Summary.Status)

	h.StepFinishedFail("r-3", "s-1")
	snap = h.BuildSnapshot("r-3")
	assert.Equal(t, RunStatusFail, snap.Summary.Status)
}

func TestBuildSnapshot_SuccessWhenAllStepsComplete(t *testing.T) {
	h := newTestHub()
	h.StepStarted("r-4", "s-1", 0, 1, "A", "KA", true)
	h.StepFinishedSuccess("r-4", "s-1")

	snap := h.BuildSnapshot("r-4")
	assert.Equal(t, RunStatusSuccess, snap.Summary.Status)
	assert.Equal(t, 1, snap.Summary.CompletedSteps)
	assert.Equal(t, 0, snap.Summary.FailedSteps)
}

func TestFallbackLifecycle(t *testing.T) {
	h := newTestHub()
	h.StepStarted("r-5", "s-1", 0, 1, "A", "KA", true)
	h.FallbackStarted("r-5", "s-1", 1, 3, "visual-s-1")

	snap := h.BuildSnapshot("r-5")
	require.Len(t, snap.Steps, 1)
	assert.Equal(t, StatusAIFallback, snap.Steps[0].Status)
	assert.True(t, snap.Steps[0].SourceFlags.BrowserUse)
	assert.True(t, snap.Steps[0].SourceFlags.WorkflowUse)

	h.FallbackRetryProgress("r-5", "s-1", 2, 3, "visual-s-1")
	h.FallbackFinishedSuccess("r-5", "s-1")

	snap = h.BuildSnapshot("r-5")
	assert.Equal(t, StatusSuccess, snap.Steps[0].Status)
}

func TestGetBufferedEvents_CapacityBounded(t *testing.T) {
	h := New(5, zerolog.Nop())
	for i := 0; i < 20; i++ {
		h.RunStarted("r-6")
	}
	buffered := h.GetBufferedEvents("r-6")
	assert.Len(t, buffered, 5)
	assert.Equal(t, int64(20), buffered[len(buffered)-1].Seq)
}

func TestSubscribeWithReplay_OnlyReturnsEventsAboveSnapshotSeq(t *testing.T) {
	h := newTestHub()
	h.StepStarted("r-7", "s-1", 0, 1, "A", "KA", true)
	h.StepFinishedSuccess("r-7", "s-1")

	snap, buffered, _ := h.SubscribeWithReplay("r-7", func(Event) {})
	assert.Equal(t, int64(2), snap.Seq)
	assert.Empty(t, buffered, "both events are already reflected in the snapshot itself")
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	h := newTestHub()
	events := make(chan Event, 8)
	token := h.Subscribe("r-8", func(ev Event) { events <- ev })
	h.Unsubscribe("r-8", token)

	h.RunStarted("r-8")
	select {
	case <-events:
		t.Fatal("unsubscribed callback must not fire")
	case <-time.After(50 * time.Millisecond):
	}
}
