package main

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"testing"
)

func TestPreviewOf(t *testing.T) {
	if got := previewOf("short message"); got != "short message" {
		t.Errorf("previewOf(short) = %q", got)
	}
	long := strings.Repeat("x", 150)
	got := previewOf(long)
	if len([]rune(got)) != previewLength {
		t.Errorf("preview length = %d, want %d", len([]rune(got)), previewLength)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("long preview should end with ellipsis: %q", got)
	}
}

func TestIncrAndGet(t *testing.T) {
	c := newCache()
	if got := c.incr("alice", "room-1"); got != 1 {
		t.Errorf("first incr = %d, want 1", got)
	}
	c.incr("alice", "room-1")
	c.incr("alice", "room-2")

	if got := c.get("alice", "room-1"); got != 2 {
		t.Errorf("get(room-1) = %d, want 2", got)
	}
	if got := c.get("alice", "room-2"); got != 1 {
		t.Errorf("get(room-2) = %d, want 1", got)
	}
	if got := c.get("bob", "room-1"); got != 0 {
		t.Errorf("unknown user count = %d, want 0", got)
	}
}

func TestSetOverwrites(t *testing.T) {
	c := newCache()
	c.incr("alice", "room-1")
	c.incr("alice", "room-1")

	// Reconciliation found the cache drifted high.
	c.set("alice", "room-1", 1)
	if got := c.get("alice", "room-1"); got != 1 {
		t.Errorf("after set, count = %d, want 1", got)
	}

	c.set("alice", "room-1", 0)
	if got := c.get("alice", "room-1"); got != 0 {
		t.Errorf("after zeroing set, count = %d, want 0", got)
	}
	if users := c.users(); len(users) != 0 {
		t.Errorf("fully-zeroed user should drop out of the cache, got %v", users)
	}
}

func TestZero(t *testing.T) {
	c := newCache()
	c.incr("alice", "room-1")
	c.incr("alice", "room-2")

	c.zero("alice", "room-1")
	if got := c.get("alice", "room-1"); got != 0 {
		t.Errorf("zeroed count = %d, want 0", got)
	}
	if got := c.get("alice", "room-2"); got != 1 {
		t.Errorf("other room affected by zero: %d", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	c := newCache()
	c.incr("alice", "room-1")

	snap := c.snapshot("alice")
	if !reflect.DeepEqual(snap, map[string]int64{"room-1": 1}) {
		t.Fatalf("snapshot = %v", snap)
	}
	snap["room-1"] = 99
	if got := c.get("alice", "room-1"); got != 1 {
		t.Errorf("mutating a snapshot changed the cache: %d", got)
	}
}

func TestLookupDistinguishesMisses(t *testing.T) {
	c := newCache()
	if _, ok := c.lookup("alice", "room-1"); ok {
		t.Error("lookup of an unseen pair must report a miss")
	}
	c.incr("alice", "room-1")
	if n, ok := c.lookup("alice", "room-1"); !ok || n != 1 {
		t.Errorf("lookup = %d, %v, want 1, true", n, ok)
	}
	if _, ok := c.lookup("alice", "room-2"); ok {
		t.Error("known user, unseen room must still be a miss")
	}
}

func TestReconcileSkipsFailingPairs(t *testing.T) {
	c := newCache()
	c.set("alice", "room-1", 5)
	c.set("alice", "room-2", 5)
	c.set("bob", "room-1", 5)

	var corrected []string
	checked, drifted := c.reconcile(context.Background(),
		func(_ context.Context, userID, roomID string) (int64, error) {
			if userID == "alice" && roomID == "room-1" {
				return 0, errors.New("connection refused")
			}
			return 2, nil
		},
		func(userID, roomID string, n int64) {
			corrected = append(corrected, userID+"/"+roomID)
			if n != 2 {
				t.Errorf("onCorrect n = %d, want 2", n)
			}
		})

	// One pair failed; the other two must still be checked and corrected.
	if checked != 2 || drifted != 2 {
		t.Errorf("reconcile = (%d checked, %d drifted), want (2, 2)", checked, drifted)
	}
	sort.Strings(corrected)
	if !reflect.DeepEqual(corrected, []string{"alice/room-2", "bob/room-1"}) {
		t.Errorf("corrected pairs = %v", corrected)
	}
	if got := c.get("alice", "room-1"); got != 5 {
		t.Errorf("failed pair must keep its cached value, got %d", got)
	}
}

func TestChunk(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	got := chunk(ids, 2)
	want := [][]string{{"a", "b"}, {"c", "d"}, {"e"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunk = %v, want %v", got, want)
	}
	if got := chunk(ids, 10); len(got) != 1 || len(got[0]) != 5 {
		t.Errorf("oversized chunk = %v", got)
	}
	if got := chunk(nil, 2); got != nil {
		t.Errorf("chunk(nil) = %v, want nil", got)
	}
}

func TestLastRead(t *testing.T) {
	c := newCache()
	if got := c.lastReadAt("alice", "room-1"); got != 0 {
		t.Errorf("untracked lastRead = %d, want 0", got)
	}

	c.setLastRead("alice", "room-1", 1000)
	c.setLastRead("alice", "room-1", 500) // stale update loses
	if got := c.lastReadAt("alice", "room-1"); got != 1000 {
		t.Errorf("lastRead = %d, want 1000", got)
	}

	c.setLastRead("alice", "room-2", 2000)
	snap := c.lastReadSnapshot("alice")
	if !reflect.DeepEqual(snap, map[string]int64{"room-1": 1000, "room-2": 2000}) {
		t.Errorf("lastReadSnapshot = %v", snap)
	}
}

func TestUsersAndRooms(t *testing.T) {
	c := newCache()
	c.incr("alice", "room-1")
	c.incr("alice", "room-2")
	c.incr("bob", "room-1")

	users := c.users()
	sort.Strings(users)
	if !reflect.DeepEqual(users, []string{"alice", "bob"}) {
		t.Errorf("users = %v", users)
	}

	rooms := c.rooms("alice")
	sort.Strings(rooms)
	if !reflect.DeepEqual(rooms, []string{"room-1", "room-2"}) {
		t.Errorf("rooms(alice) = %v", rooms)
	}
}
