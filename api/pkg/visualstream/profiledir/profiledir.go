// Package profiledir implements the Profile / Session Dir Manager (C7): an
// isolated, disk-backed Chrome user-data-dir per session, reclaimed on
// session teardown and swept for orphans left behind by crashed sessions.
package profiledir

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/rs/zerolog"
)

// Manager allocates and reclaims per-session Chrome profile directories
// rooted under a single base directory.
type Manager struct {
	baseDir string
	maxAge  time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	leased map[string]string // sessionID -> dir
}

// New constructs a Manager rooted at baseDir. maxAge bounds how long an
// orphaned directory (one with no matching live session) is kept before GC
// considers it collectible.
func New(baseDir string, maxAge time.Duration, logger zerolog.Logger) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("visualstream: create profile base dir: %w", err)
	}
	return &Manager{
		baseDir: baseDir,
		maxAge:  maxAge,
		leased:  make(map[string]string),
		logger:  logger.With().Str("component", "profiledir_manager").Logger(),
	}, nil
}

// Acquire creates (or reuses) the profile directory for sessionID and
// returns a launcher.Launcher pre-configured with user-data-dir so the
// caller only needs to call .Launch() to obtain a connectable browser URL.
func (m *Manager) Acquire(sessionID string) (*launcher.Launcher, string, error) {
	dir := m.dirFor(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("visualstream: create session profile dir: %w", err)
	}

	m.mu.Lock()
	m.leased[sessionID] = dir
	m.mu.Unlock()

	l := launcher.New().Set("user-data-dir", dir)
	m.logger.Debug().Str("session_id", sessionID).Str("dir", dir).Msg("profile directory acquired")
	return l, dir, nil
}

// Release removes the session's profile directory and releases the lease.
// Safe to call even if Acquire was never called for sessionID.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	dir, ok := m.leased[sessionID]
	delete(m.leased, sessionID)
	m.mu.Unlock()
	if !ok {
		dir = m.dirFor(sessionID)
	}

	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to remove profile directory")
		return
	}
	m.logger.Debug().Str("session_id", sessionID).Msg("profile directory released")
}

func (m *Manager) dirFor(sessionID string) string {
	return filepath.Join(m.baseDir, sessionID)
}

// GC removes orphaned profile directories: entries under baseDir that are
// not currently leased and whose modification time exceeds maxAge. It is
// meant to run on a periodic tick, the same way the other hubs in this
// module purge expired state, so that a crashed process that never called
// Release doesn't leak disk indefinitely.
func (m *Manager) GC() (removed int, err error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return 0, fmt.Errorf("visualstream: read profile base dir: %w", err)
	}

	m.mu.Lock()
	leased := make(map[string]struct{}, len(m.leased))
	for sessionID := range m.leased {
		leased[sessionID] = struct{}{}
	}
	m.mu.Unlock()

	now := time.Now()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, active := leased[entry.Name()]; active {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < m.maxAge {
			continue
		}
		path := filepath.Join(m.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn().Err(err).Str("dir", path).Msg("failed to gc orphaned profile directory")
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info().Int("removed", removed).Msg("swept orphaned profile directories")
	}
	return removed, nil
}
