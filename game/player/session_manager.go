package player

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionManager maintains the registry of all connected Sessions, grouped
// by user.
type SessionManager struct {
	mu     sync.RWMutex
	byUser map[int64]map[string]*Session // userID → connID → session
	logger *zap.Logger
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager(logger *zap.Logger) *SessionManager {
	return &SessionManager{
		byUser: make(map[int64]map[string]*Session),
		logger: logger,
	}
}

// Register adds a connection. first reports whether it is the user's only one.
func (sm *SessionManager) Register(s *Session) (first bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	conns, ok := sm.byUser[s.UserID]
	if !ok {
		conns = make(map[string]*Session)
		sm.byUser[s.UserID] = conns
	}
	conns[s.ID] = s
	sm.logger.Info("session registered",
		zap.Int64("user_id", s.UserID),
		zap.String("conn_id", s.ID),
		zap.Int("connections", len(conns)))
	return len(conns) == 1
}

// Unregister removes a connection. last reports whether the user has no
// connection left. Unregistering an unknown connection reports false.
func (sm *SessionManager) Unregister(s *Session) (last bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	conns, ok := sm.byUser[s.UserID]
	if !ok {
		return false
	}
	if _, ok := conns[s.ID]; !ok {
		return false
	}
	delete(conns, s.ID)
	sm.logger.Info("session unregistered",
		zap.Int64("user_id", s.UserID),
		zap.String("conn_id", s.ID),
		zap.Int("connections", len(conns)))
	if len(conns) == 0 {
		delete(sm.byUser, s.UserID)
		return true
	}
	return false
}

// Sessions returns a snapshot of the user's connections.
func (sm *SessionManager) Sessions(userID int64) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	conns := sm.byUser[userID]
	out := make([]*Session, 0, len(conns))
	for _, s := range conns {
		out = append(out, s)
	}
	return out
}

// IsOnline reports whether the user holds at least one connection.
func (sm *SessionManager) IsOnline(userID int64) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.byUser[userID]) > 0
}

// Count returns the number of open connections.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	n := 0
	for _, conns := range sm.byUser {
		n += len(conns)
	}
	return n
}

// UserCount returns the number of connected users.
func (sm *SessionManager) UserCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.byUser)
}

// UserIDs returns the connected users in ascending order.
func (sm *SessionManager) UserIDs() []int64 {
	sm.mu.RLock()
	ids := make([]int64, 0, len(sm.byUser))
	for id := range sm.byUser {
		ids = append(ids, id)
	}
	sm.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// All returns a snapshot slice of all current sessions.
func (sm *SessionManager) All() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var out []*Session
	for _, conns := range sm.byUser {
		for _, s := range conns {
			out = append(out, s)
		}
	}
	return out
}

// BroadcastAll sends a raw pre-encoded packet to every connected session.
// Uses non-blocking send to prevent slow connections from blocking the broadcast.
func (sm *SessionManager) BroadcastAll(data []byte) {
	for _, s := range sm.All() {
		if err := s.SendRaw(data); err != nil {
			sm.logger.Warn("broadcast dropped packet",
				zap.Int64("user_id", s.UserID),
				zap.String("conn_id", s.ID),
				zap.Error(err))
		}
	}
}

// Disconnect closes every connection of the user. Teardown happens in each
// connection's read loop.
func (sm *SessionManager) Disconnect(userID int64) int {
	conns := sm.Sessions(userID)
	for _, s := range conns {
		s.Close()
	}
	return len(conns)
}

// CloseAll gracefully closes all connected sessions and waits briefly for
// their teardown.
func (sm *SessionManager) CloseAll() {
	sessions := sm.All()
	sm.logger.Info("closing all sessions", zap.Int("count", len(sessions)))
	for _, s := range sessions {
		s.Close()
	}

	maxWait := 10 * time.Second
	start := time.Now()
	for time.Since(start) < maxWait {
		if sm.Count() == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
}
