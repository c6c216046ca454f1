package streamer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ManagerConfig controls the streamer manager's defaults and GC cadence.
type ManagerConfig struct {
	EventBufferSize int
	GCInterval      time.Duration
	IdleTimeout     time.Duration
	Logger          zerolog.Logger
}

func (c ManagerConfig) gcInterval() time.Duration {
	if c.GCInterval <= 0 {
		return 5 * time.Minute
	}
	return c.GCInterval
}

func (c ManagerConfig) idleTimeout() time.Duration {
	if c.IdleTimeout <= 0 {
		return 5 * time.Minute
	}
	return c.IdleTimeout
}

// Manager owns the session-id -> Session Streamer mapping (spec §3
// Ownership) and retires idle sessions on a periodic GC sweep.
type Manager struct {
	cfg    ManagerConfig
	logger zerolog.Logger

	mu        sync.Mutex
	streamers map[string]*Streamer

	gcOnce sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a Streamer Manager. The background GC task is started
// lazily on first use (GetOrCreateStreamer), matching the spec.
func NewManager(cfg ManagerConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "streamer_manager").Logger(),
		streamers: make(map[string]*Streamer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// GetOrCreateStreamer is the only creation path for a Session Streamer.
func (m *Manager) GetOrCreateStreamer(sessionID string) *Streamer {
	m.gcOnce.Do(func() { go m.gcLoop() })

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streamers[sessionID]; ok {
		return s
	}
	s := New(sessionID, Config{EventBufferSize: m.cfg.EventBufferSize, Logger: m.cfg.Logger})
	m.streamers[sessionID] = s
	return s
}

// GetStreamer is a read-only lookup; it does not create.
func (m *Manager) GetStreamer(sessionID string) (*Streamer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streamers[sessionID]
	return s, ok
}

// RemoveStreamer invokes graceful shutdown on the streamer then drops it
// from the map.
func (m *Manager) RemoveStreamer(ctx context.Context, sessionID string) {
	m.mu.Lock()
	s, ok := m.streamers[sessionID]
	if ok {
		delete(m.streamers, sessionID)
	}
	m.mu.Unlock()

	if ok {
		s.GracefulShutdown(ctx)
	}
}

// Drop removes sessionID from the map without running graceful shutdown
// again. Use this when the caller has already driven the streamer's
// shutdown sequence itself (e.g. the termination endpoint's "kill" mode,
// which must not emit a workflow_completed frame).
func (m *Manager) Drop(sessionID string) {
	m.mu.Lock()
	delete(m.streamers, sessionID)
	m.mu.Unlock()
}

// ListSessions returns the status of every tracked session, for the
// GET /workflows/visual/sessions endpoint.
func (m *Manager) ListSessions() []Status {
	m.mu.Lock()
	streamers := make([]*Streamer, 0, len(m.streamers))
	for _, s := range m.streamers {
		streamers = append(streamers, s)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(streamers))
	for _, s := range streamers {
		out = append(out, s.Status())
	}
	return out
}

// BroadcastToAllSessions sends an administrative control message to every
// session's broadcast task. Per-session failures are localized and do not
// affect other sessions.
func (m *Manager) BroadcastToAllSessions(message []byte) {
	m.mu.Lock()
	streamers := make([]*Streamer, 0, len(m.streamers))
	for _, s := range m.streamers {
		streamers = append(streamers, s)
	}
	m.mu.Unlock()

	for _, s := range streamers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Warn().Str("session_id", s.SessionID()).Interface("panic", r).Msg("broadcast_to_all_sessions: recovered panic")
				}
			}()
			s.broadcast(message)
		}()
	}
}

// Close stops the GC loop. Intended for test teardown and server shutdown.
func (m *Manager) Close() {
	m.cancel()
}

func (m *Manager) gcLoop() {
	ticker := time.NewTicker(m.cfg.gcInterval())
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.gcSweep()
		}
	}
}

// gcSweep retires a streamer when it has no connected clients and no event
// received within the idle timeout, or when streaming has been inactive
// for twice that.
func (m *Manager) gcSweep() {
	m.mu.Lock()
	candidates := make([]*Streamer, 0, len(m.streamers))
	for _, s := range m.streamers {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()

	idle := m.cfg.idleTimeout()
	for _, s := range candidates {
		if s.ClientCount() > 0 {
			continue
		}
		inactiveLongEnough := !s.activeState() && s.IdleFor() >= 2*idle
		idleLongEnough := s.IdleFor() >= idle
		if idleLongEnough || inactiveLongEnough {
			m.logger.Info().Str("session_id", s.SessionID()).Dur("idle_for", s.IdleFor()).Msg("gc retiring idle session")
			m.RemoveStreamer(m.ctx, s.SessionID())
		}
	}
}
