package main

import (
	"context"
	"log/slog"
	"sync"
)

// cache holds per-user unread counts by room. It is an approximation kept
// fresh by message traffic and corrected against the database whenever the
// user enters a room or the reconciliation job runs.
type cache struct {
	mu       sync.RWMutex
	counts   map[string]map[string]int64
	lastRead map[string]map[string]int64
}

func newCache() *cache {
	return &cache{
		counts:   make(map[string]map[string]int64),
		lastRead: make(map[string]map[string]int64),
	}
}

func (c *cache) incr(userID, roomID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := c.counts[userID]
	if rooms == nil {
		rooms = make(map[string]int64)
		c.counts[userID] = rooms
	}
	rooms[roomID]++
	return rooms[roomID]
}

// set overwrites a count with an authoritative value.
func (c *cache) set(userID, roomID string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := c.counts[userID]
	if rooms == nil {
		rooms = make(map[string]int64)
		c.counts[userID] = rooms
	}
	if n <= 0 {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(c.counts, userID)
		}
		return
	}
	rooms[roomID] = n
}

func (c *cache) zero(userID, roomID string) {
	c.set(userID, roomID, 0)
}

func (c *cache) get(userID, roomID string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts[userID][roomID]
}

// snapshot copies the user's counts for an all-rooms broadcast.
func (c *cache) snapshot(userID string) map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.counts[userID]))
	for room, n := range c.counts[userID] {
		out[room] = n
	}
	return out
}

// lookup distinguishes a cached zero from a pair the cache has never seen.
func (c *cache) lookup(userID, roomID string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rooms, ok := c.counts[userID]
	if !ok {
		return 0, false
	}
	n, ok := rooms[roomID]
	return n, ok
}

// reconcile recounts every cached pair against the authoritative count and
// calls onCorrect for pairs that drifted. A failing lookup is logged and
// skipped; one bad pair never abandons the rest of the batch.
func (c *cache) reconcile(ctx context.Context,
	count func(ctx context.Context, userID, roomID string) (int64, error),
	onCorrect func(userID, roomID string, n int64)) (checked, corrected int) {
	for _, userID := range c.users() {
		for _, roomID := range c.rooms(userID) {
			cached := c.get(userID, roomID)
			actual, err := count(ctx, userID, roomID)
			if err != nil {
				slog.Warn("Unread recount failed", "user", userID, "room", roomID, "error", err)
				continue
			}
			checked++
			if actual == cached {
				continue
			}
			corrected++
			c.set(userID, roomID, actual)
			onCorrect(userID, roomID, actual)
			slog.Info("Corrected drifted unread count",
				"user", userID, "room", roomID, "cached", cached, "actual", actual)
		}
	}
	return checked, corrected
}

// setLastRead records when the user last caught up on the room.
func (c *cache) setLastRead(userID, roomID string, ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := c.lastRead[userID]
	if rooms == nil {
		rooms = make(map[string]int64)
		c.lastRead[userID] = rooms
	}
	if ts > rooms[roomID] {
		rooms[roomID] = ts
	}
}

func (c *cache) lastReadAt(userID, roomID string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRead[userID][roomID]
}

// lastReadSnapshot copies the user's catch-up times.
func (c *cache) lastReadSnapshot(userID string) map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.lastRead[userID]))
	for room, ts := range c.lastRead[userID] {
		out[room] = ts
	}
	return out
}

// chunk splits ids into batches of at most size, keeping order.
func chunk(ids []string, size int) [][]string {
	if size <= 0 || len(ids) == 0 {
		return nil
	}
	out := make([][]string, 0, (len(ids)+size-1)/size)
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	return append(out, ids)
}

// users lists everyone with a nonzero count, for reconciliation.
func (c *cache) users() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.counts))
	for u := range c.counts {
		out = append(out, u)
	}
	return out
}

// rooms lists the rooms the user has counts for.
func (c *cache) rooms(userID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.counts[userID]))
	for room := range c.counts[userID] {
		out = append(out, room)
	}
	return out
}
