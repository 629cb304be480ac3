package main

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// A typing flag older than this no longer counts, even if never cleared.
	typingWindow = 5 * time.Minute
	// Entries older than this are dropped from the table entirely.
	typingRetention = 10 * time.Minute
)

type typingFlag struct {
	userID      string
	displayName string
	isTyping    bool
	updatedAt   time.Time
}

// tracker holds per-room typing flags. Staleness is judged at read time so
// a client that vanished mid-keystroke stops showing after the window.
type tracker struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*typingFlag
}

func newTracker() *tracker {
	return &tracker{rooms: make(map[string]map[string]*typingFlag)}
}

func (t *tracker) set(roomID, userID, displayName string, isTyping bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[roomID]
	if room == nil {
		room = make(map[string]*typingFlag)
		t.rooms[roomID] = room
	}
	room[userID] = &typingFlag{
		userID:      userID,
		displayName: displayName,
		isTyping:    isTyping,
		updatedAt:   now,
	}
}

// typingUsers returns the display names currently typing in the room,
// sorted for stable broadcasts.
func (t *tracker) typingUsers(roomID string, now time.Time) []string {
	cutoff := now.Add(-typingWindow)
	t.mu.RLock()
	defer t.mu.RUnlock()
	var names []string
	for _, f := range t.rooms[roomID] {
		if f.isTyping && !f.updatedAt.Before(cutoff) {
			names = append(names, f.displayName)
		}
	}
	sort.Strings(names)
	return names
}

// clearUser drops the user's flag in every room, for disconnects.
func (t *tracker) clearUser(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var affected []string
	for roomID, room := range t.rooms {
		if f, ok := room[userID]; ok && f.isTyping {
			affected = append(affected, roomID)
		}
		delete(room, userID)
		if len(room) == 0 {
			delete(t.rooms, roomID)
		}
	}
	sort.Strings(affected)
	return affected
}

// purge removes entries past the retention window and returns how many.
func (t *tracker) purge(now time.Time) int {
	cutoff := now.Add(-typingRetention)
	t.mu.Lock()
	defer t.mu.Unlock()
	purged := 0
	for roomID, room := range t.rooms {
		for userID, f := range room {
			if f.updatedAt.Before(cutoff) {
				delete(room, userID)
				purged++
			}
		}
		if len(room) == 0 {
			delete(t.rooms, roomID)
		}
	}
	return purged
}

// summarize renders the indicator line clients show under the input box.
func summarize(names []string) string {
	switch n := len(names); {
	case n == 0:
		return ""
	case n == 1:
		return names[0] + " is typing..."
	case n <= 3:
		return strings.Join(names, ", ") + " are typing..."
	default:
		return fmt.Sprintf("%d people are typing...", n)
	}
}
