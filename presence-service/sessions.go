package main

import (
	"sort"
	"sync"
	"time"
)

const (
	// A session counts as online when it has been active this recently.
	livenessWindow = 5 * time.Minute
	// Sessions idle this long are swept out entirely.
	idleTimeout = 30 * time.Minute
)

type session struct {
	SessionID   string
	UserID      string
	RoomID      string
	ConnectedAt time.Time
	LastActive  time.Time
}

// registry is the in-memory session table. The JetStream KV bucket mirrors
// it so a restarted instance can rebuild state.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*session)}
}

// join records a session. Re-joining with a session id that already exists
// replaces the old entry, so a reconnect never double-counts a user.
func (r *registry) join(sessionID, userID, roomID string, now time.Time) *session {
	s := &session{
		SessionID:   sessionID,
		UserID:      userID,
		RoomID:      roomID,
		ConnectedAt: now,
		LastActive:  now,
	}
	r.mu.Lock()
	r.sessions[sessionID] = s
	r.mu.Unlock()
	return s
}

// leave removes a session and reports what it was attached to.
func (r *registry) leave(sessionID string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, sessionID)
	return s, true
}

// heartbeat refreshes a session's activity clock. Unknown session ids are
// reported so the caller can ask the client to rejoin.
func (r *registry) heartbeat(sessionID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	s.LastActive = now
	return true
}

// onlineUsers lists distinct user ids with a live session in the room,
// sorted for stable broadcasts.
func (r *registry) onlineUsers(roomID string, now time.Time) []string {
	cutoff := now.Add(-livenessWindow)
	seen := make(map[string]bool)
	r.mu.RLock()
	for _, s := range r.sessions {
		if s.RoomID == roomID && !s.LastActive.Before(cutoff) {
			seen[s.UserID] = true
		}
	}
	r.mu.RUnlock()
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// sweep drops sessions idle past the timeout and returns them so the
// caller can broadcast the rooms they left.
func (r *registry) sweep(now time.Time) []*session {
	cutoff := now.Add(-idleTimeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []*session
	for id, s := range r.sessions {
		if s.LastActive.Before(cutoff) {
			delete(r.sessions, id)
			removed = append(removed, s)
		}
	}
	return removed
}

func (r *registry) get(sessionID string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
