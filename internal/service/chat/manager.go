package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/livechat/internal/metrics"
	"github.com/zhouzirui/livechat/internal/service/persistence"
	"github.com/zhouzirui/livechat/internal/service/transport"
)

// LocatorFactory builds the transport locator for a browsing session.
type LocatorFactory func(sessionID string) (transport.Locator, error)

// Manager keeps the mounted visitor sessions. Releasing a session mirrors a
// page navigation (state stays in storage); ending it mirrors the tab closing.
type Manager struct {
	base     context.Context
	persist  *persistence.Store
	locators LocatorFactory
	cfg      Config
	logger   zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager. Sessions run under base until released.
func NewManager(base context.Context, persist *persistence.Store, locators LocatorFactory, cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		base:     base,
		persist:  persist,
		locators: locators,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create mounts a session under a fresh browsing-session id.
func (m *Manager) Create() (*Session, error) {
	return m.Open(uuid.NewString())
}

// Open returns the mounted session for sessionID, mounting (and hydrating) it
// if needed.
func (m *Manager) Open(sessionID string) (*Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrSessionIDRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sessionID]; ok {
		s.Touch()
		return s, nil
	}

	locator, err := m.locators(sessionID)
	if err != nil {
		return nil, err
	}

	s := NewSession(sessionID, m.persist, locator, m.cfg, m.logger)
	s.Start(m.base)
	m.sessions[sessionID] = s
	metrics.SessionsOpen.Inc()

	m.logger.Info().Str("session_id", sessionID).Msg("session mounted")
	return s, nil
}

// Get returns a mounted session.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.Touch()
	return s, nil
}

// Release unmounts a session and keeps its persisted state.
func (m *Manager) Release(sessionID string) error {
	s, err := m.detach(sessionID)
	if err != nil {
		return err
	}
	s.Close()
	m.logger.Info().Str("session_id", sessionID).Msg("session released")
	return nil
}

// End unmounts a session (if mounted) and clears its persisted state.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrSessionIDRequired
	}
	if s, err := m.detach(sessionID); err == nil {
		s.Close()
	}
	m.persist.Clear(ctx, sessionID)
	m.logger.Info().Str("session_id", sessionID).Msg("session ended")
	return nil
}

// Len reports how many sessions are mounted.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll releases every mounted session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		metrics.SessionsOpen.Dec()
	}
}

// ReapIdle releases every session that has been idle for the configured
// timeout and reports how many were released. Storage is kept, so a visitor
// coming back later rehydrates.
func (m *Manager) ReapIdle(now time.Time) int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}

	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if s.Idle(now, m.cfg.IdleTimeout) {
			idle = append(idle, s)
			delete(m.sessions, id)
			metrics.SessionsOpen.Dec()
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		s.Close()
		metrics.SessionsReaped.Inc()
		m.logger.Info().Str("session_id", s.ID()).Msg("idle session released")
	}
	return len(idle)
}

// RunReaper calls ReapIdle periodically until ctx is done.
func (m *Manager) RunReaper(ctx context.Context) {
	if m.cfg.IdleTimeout <= 0 {
		return
	}
	interval := m.cfg.IdleTimeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.ReapIdle(now)
		}
	}
}

func (m *Manager) detach(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	metrics.SessionsOpen.Dec()
	return s, nil
}
