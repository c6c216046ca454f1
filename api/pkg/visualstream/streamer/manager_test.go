package streamer

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panickyClient struct{ id string }

func (c *panickyClient) ID() string { return c.id }
func (c *panickyClient) Deliver([]byte) error {
	panic("simulated delivery panic")
}

func newTestManager(idle time.Duration) *Manager {
	return NewManager(ManagerConfig{
		EventBufferSize: 100,
		GCInterval:      time.Hour, // sweep driven directly by the test, not the ticker
		IdleTimeout:     idle,
		Logger:          zerolog.Nop(),
	})
}

func TestGetOrCreateStreamer_IsIdempotentPerSession(t *testing.T) {
	m := newTestManager(time.Minute)
	defer m.Close()

	a := m.GetOrCreateStreamer("sess-1")
	b := m.GetOrCreateStreamer("sess-1")
	assert.Same(t, a, b)

	_, ok := m.GetStreamer("sess-1")
	assert.True(t, ok)
	_, ok = m.GetStreamer("does-not-exist")
	assert.False(t, ok)
}

func TestRemoveStreamer_DropsFromMapAndShutsDown(t *testing.T) {
	m := newTestManager(time.Minute)
	defer m.Close()

	m.GetOrCreateStreamer("sess-2")
	m.RemoveStreamer(context.Background(), "sess-2")

	_, ok := m.GetStreamer("sess-2")
	assert.False(t, ok)
}

func TestGCSweep_RetiresIdleSessionWithNoClients(t *testing.T) {
	m := newTestManager(10 * time.Millisecond)
	defer m.Close()

	m.GetOrCreateStreamer("sess-3")
	time.Sleep(20 * time.Millisecond)

	m.gcSweep()

	_, ok := m.GetStreamer("sess-3")
	assert.False(t, ok, "a session idle past the timeout with no clients must be retired")
}

func TestGCSweep_KeepsSessionWithConnectedClient(t *testing.T) {
	m := newTestManager(10 * time.Millisecond)
	defer m.Close()

	s := m.GetOrCreateStreamer("sess-4")
	require.True(t, s.AddClient(newFakeClient("c1")))
	time.Sleep(20 * time.Millisecond)

	m.gcSweep()

	_, ok := m.GetStreamer("sess-4")
	assert.True(t, ok, "a session with a connected client must survive the sweep regardless of idle time")
}

func TestListSessions_ReflectsAllTrackedStreamers(t *testing.T) {
	m := newTestManager(time.Minute)
	defer m.Close()

	m.GetOrCreateStreamer("sess-5")
	m.GetOrCreateStreamer("sess-6")

	statuses := m.ListSessions()
	assert.Len(t, statuses, 2)
}

func TestBroadcastToAllSessions_IsolatesPerSessionPanics(t *testing.T) {
	m := newTestManager(time.Minute)
	defer m.Close()

	m.GetOrCreateStreamer("sess-7")
	s := m.GetOrCreateStreamer("sess-8")
	require.True(t, s.AddClient(&panickyClient{id: "p1"}))

	assert.NotPanics(t, func() {
		m.BroadcastToAllSessions([]byte(`{"type":"ping"}`))
	})
}
