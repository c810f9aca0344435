package server

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// SessionManager tracks all live sessions on a server.
// It handles registration, lookup, and coordinated shutdown.
type SessionManager struct {
	sessions map[uuid.UUID]*Session
	mu       sync.RWMutex

	// Limits
	maxSessions int

	// Metrics
	totalCreated atomic.Uint64
	totalClosed  atomic.Uint64
	peakSessions int

	logger *slog.Logger
}

// NewSessionManager creates a SessionManager. maxSessions of zero means
// unlimited.
func NewSessionManager(maxSessions int, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions:    make(map[uuid.UUID]*Session),
		maxSessions: maxSessions,
		logger:      logger.With("component", "session_manager"),
	}
}

// Add registers a session under its listener address.
// Returns ErrMaxSessionsReached when the server is full.
func (sm *SessionManager) Add(s *Session) error {
	sm.mu.Lock()

	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		sm.mu.Unlock()
		return ErrMaxSessionsReached
	}

	sm.sessions[s.Addr()] = s
	if len(sm.sessions) > sm.peakSessions {
		sm.peakSessions = len(sm.sessions)
	}
	active := len(sm.sessions)
	sm.mu.Unlock()

	sm.totalCreated.Add(1)

	sm.logger.Debug("session registered",
		"session_id", s.Addr().String(),
		"active_sessions", active)

	return nil
}

// Remove drops a session from the registry. The session itself is not
// stopped; callers remove after the session has signalled Done.
func (sm *SessionManager) Remove(addr uuid.UUID) {
	sm.mu.Lock()
	_, exists := sm.sessions[addr]
	delete(sm.sessions, addr)
	active := len(sm.sessions)
	sm.mu.Unlock()

	if !exists {
		return
	}

	sm.totalClosed.Add(1)

	sm.logger.Debug("session deregistered",
		"session_id", addr.String(),
		"active_sessions", active)
}

// Get retrieves a session by listener address, or nil.
func (sm *SessionManager) Get(addr uuid.UUID) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[addr]
}

// Count returns the number of registered sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Shutdown stops every registered session concurrently and waits for
// all of them to begin termination.
func (sm *SessionManager) Shutdown() {
	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.sessions = make(map[uuid.UUID]*Session)
	sm.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
			<-s.Done()
		}(s)
	}
	wg.Wait()

	sm.totalClosed.Add(uint64(len(sessions)))

	sm.logger.Info("session manager shutdown",
		"closed_sessions", len(sessions))
}

// Stats returns aggregated session counters.
func (sm *SessionManager) Stats() ManagerStats {
	sm.mu.RLock()
	active := len(sm.sessions)
	peak := sm.peakSessions
	sm.mu.RUnlock()

	return ManagerStats{
		Active:       active,
		TotalCreated: sm.totalCreated.Load(),
		TotalClosed:  sm.totalClosed.Load(),
		Peak:         peak,
	}
}

// ManagerStats contains aggregated session manager counters.
type ManagerStats struct {
	Active       int
	TotalCreated uint64
	TotalClosed  uint64
	Peak         int
}
