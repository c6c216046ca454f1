package loghub

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixml/visualstream/api/pkg/pubsub"
	"github.com/helixml/visualstream/api/pkg/visualstream/executionctx"
)

func newTestHub() *Hub {
	return New(200, 180*time.Second, nil, zerolog.Nop())
}

// TestHistoryReplayThenLive mirrors spec scenario S3: records published
// before any subscriber exists are replayed with Replay=true on attach,
// then live records arrive without the flag.
func TestHistoryReplayThenLive(t *testing.T) {
	h := newTestHub()
	h.Publish("exec-1", Record{Message: "m1", Level: "INFO"})
	h.Publish("exec-1", Record{Message: "m2", Level: "INFO"})
	h.Publish("exec-1", Record{Message: "m3", Level: "INFO"})

	received := make(chan Record, 8)
	history, token := h.SubscribeWithHistory(context.Background(), "exec-1", func(r Record) { received <- r })
	defer h.Unsubscribe("exec-1", token)

	require.Len(t, history, 3)
	for i, r := range history {
		assert.True(t, r.Replay)
		assert.Equal(t, []string{"m1", "m2", "m3"}[i], r.Message)
	}

	h.Publish("exec-1", Record{Message: "m4", Level: "INFO"})
	select {
	case r := <-received:
		assert.Equal(t, "m4", r.Message)
		assert.False(t, r.Replay)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live record")
	}
}

func TestPublish_EmptyExecutionIDIsNoop(t *testing.T) {
	h := newTestHub()
	n := h.Publish("", Record{Message: "dropped"})
	assert.Equal(t, 0, n)
	assert.Empty(t, h.GetHistory(""))
}

func TestHistory_BoundedRingBuffer(t *testing.T) {
	h := New(3, 180*time.Second, nil, zerolog.Nop())
	for i := 0; i < 10; i++ {
		h.Publish("exec-2", Record{Message: "m"})
	}
	assert.Len(t, h.GetHistory("exec-2"), 3)
}

func TestHistory_PurgedAfterTTL(t *testing.T) {
	h := New(200, 10*time.Millisecond, nil, zerolog.Nop())
	h.Publish("exec-3", Record{Message: "m1"})
	require.Len(t, h.GetHistory("exec-3"), 1)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.GetHistory("exec-3"), "history must be purged once it exceeds the TTL with no new publish")
}

func TestPublish_ReturnsScheduledCallbackCount(t *testing.T) {
	h := newTestHub()
	h.Subscribe(context.Background(), "exec-4", func(Record) {})
	h.Subscribe(context.Background(), "exec-4", func(Record) {})

	n := h.Publish("exec-4", Record{Message: "m"})
	assert.Equal(t, 2, n)
}

// TestHook_ForwardsLoggedRecordsTaggedWithExecutionID exercises the
// executionctx integration from spec §4.4: a logger built on a context
// carrying an execution-id forwards every record it logs to the hub.
func TestHook_ForwardsLoggedRecordsTaggedWithExecutionID(t *testing.T) {
	h := newTestHub()
	ctx := executionctx.WithExecutionID(context.Background(), "exec-6")
	logger := h.Logger(ctx, zerolog.New(io.Discard), "workflow")

	received := make(chan Record, 4)
	_, token := h.SubscribeWithHistory(context.Background(), "exec-6", func(r Record) { received <- r })
	defer h.Unsubscribe("exec-6", token)

	logger.Info().Msg("step started")

	select {
	case r := <-received:
		assert.Equal(t, "step started", r.Message)
		assert.Equal(t, "workflow", r.Logger)
		assert.Equal(t, "info", r.Level)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for hooked log record")
	}
}

// TestHook_NoExecutionIDIsNoop ensures a logger built on a bare context
// (no execution-id set) never reaches the hub, matching Publish's
// empty-execution-id no-op semantics.
func TestHook_NoExecutionIDIsNoop(t *testing.T) {
	h := newTestHub()
	logger := h.Logger(context.Background(), zerolog.New(io.Discard), "workflow")
	logger.Info().Msg("should not be published")

	assert.Empty(t, h.GetHistory(""))
}

// TestHook_FansOutAcrossProcessesOverPeerChannel mirrors spec scenario S4:
// a log emitted on one process (hub A) reaches a subscriber attached on a
// different process (hub B) via the `logs:{execution-id}` NATS subject,
// and hub A's own peer subscription never re-delivers its own publish
// (self-echo suppression by publisher-id).
func TestHook_FansOutAcrossProcessesOverPeerChannel(t *testing.T) {
	server, err := pubsub.NewInMemoryNats()
	require.NoError(t, err)
	defer server.Close()

	peerA := server
	peerB, err := pubsub.NewNatsClient(peerA.ClientURL(), "")
	require.NoError(t, err)
	defer peerB.Close()

	hubA := New(200, 180*time.Second, peerA, zerolog.Nop())
	hubB := New(200, 180*time.Second, peerB, zerolog.Nop())
	// Both hubs run in this one test process, so New's hostname+pid
	// publisher-id would collide; give them distinct ids, as two real
	// server processes would have from their own hostname/pid.
	hubA.publisherID = "process-a"
	hubB.publisherID = "process-b"

	receivedOnB := make(chan Record, 4)
	_, tokenB := hubB.SubscribeWithHistory(context.Background(), "exec-s4", func(r Record) { receivedOnB <- r })
	defer hubB.Unsubscribe("exec-s4", tokenB)

	receivedOnA := make(chan Record, 4)
	_, tokenA := hubA.SubscribeWithHistory(context.Background(), "exec-s4", func(r Record) { receivedOnA <- r })
	defer hubA.Unsubscribe("exec-s4", tokenA)

	time.Sleep(200 * time.Millisecond) // let peer subscriptions establish

	ctx := executionctx.WithExecutionID(context.Background(), "exec-s4")
	logger := hubA.Logger(ctx, zerolog.New(io.Discard), "workflow")
	logger.Info().Msg("step started on process A")

	select {
	case r := <-receivedOnB:
		assert.Equal(t, "step started on process A", r.Message)
		assert.Equal(t, "exec-s4", r.ExecutionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cross-process log delivery")
	}

	// hub A's own local subscriber gets the record directly (not via peer
	// echo); hub A's peer subscription must not re-deliver its own publish.
	select {
	case r := <-receivedOnA:
		assert.Equal(t, "step started on process A", r.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for local delivery on the publishing hub")
	}

	select {
	case <-receivedOnA:
		t.Fatal("hub A must not receive its own publish a second time via the peer channel")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	h := newTestHub()
	received := make(chan Record, 4)
	token := h.Subscribe(context.Background(), "exec-5", func(r Record) { received <- r })
	h.Unsubscribe("exec-5", token)

	h.Publish("exec-5", Record{Message: "m"})
	select {
	case <-received:
		t.Fatal("unsubscribed callback must not fire")
	case <-time.After(50 * time.Millisecond):
	}
}
