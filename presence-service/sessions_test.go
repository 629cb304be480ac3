package main

import (
	"reflect"
	"testing"
	"time"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestJoinReplacesSameSession(t *testing.T) {
	r := newRegistry()
	r.join("s1", "alice", "room-1", t0)
	r.join("s1", "alice", "room-2", t0.Add(time.Minute))

	if r.size() != 1 {
		t.Fatalf("size = %d, want 1 after rejoin with same session id", r.size())
	}
	if got := r.onlineUsers("room-1", t0.Add(time.Minute)); len(got) != 0 {
		t.Errorf("old room still lists %v after rejoin", got)
	}
	if got := r.onlineUsers("room-2", t0.Add(time.Minute)); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Errorf("onlineUsers(room-2) = %v, want [alice]", got)
	}
}

func TestOnlineUsersDistinctAndLive(t *testing.T) {
	r := newRegistry()
	// Two sessions for the same user count once.
	r.join("s1", "alice", "room-1", t0)
	r.join("s2", "alice", "room-1", t0)
	r.join("s3", "bob", "room-1", t0)
	// Stale beyond the liveness window.
	r.join("s4", "carol", "room-1", t0.Add(-6*time.Minute))
	// Different room.
	r.join("s5", "dave", "room-2", t0)

	got := r.onlineUsers("room-1", t0)
	want := []string{"alice", "bob"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("onlineUsers = %v, want %v", got, want)
	}
}

func TestHeartbeatKeepsSessionLive(t *testing.T) {
	r := newRegistry()
	r.join("s1", "alice", "room-1", t0)

	later := t0.Add(4 * time.Minute)
	if !r.heartbeat("s1", later) {
		t.Fatal("heartbeat for known session should succeed")
	}
	if r.heartbeat("ghost", later) {
		t.Error("heartbeat for unknown session must report false")
	}

	at := t0.Add(8 * time.Minute)
	if got := r.onlineUsers("room-1", at); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Errorf("heartbeat at T+4m should keep alice online at T+8m, got %v", got)
	}
}

func TestLeave(t *testing.T) {
	r := newRegistry()
	r.join("s1", "alice", "room-1", t0)

	s, ok := r.leave("s1")
	if !ok || s.UserID != "alice" || s.RoomID != "room-1" {
		t.Fatalf("leave = %+v, %v", s, ok)
	}
	if _, ok := r.leave("s1"); ok {
		t.Error("second leave for the same session must report false")
	}
	if r.size() != 0 {
		t.Errorf("size = %d, want 0", r.size())
	}
}

func TestSweepRemovesIdleSessions(t *testing.T) {
	r := newRegistry()
	r.join("s1", "alice", "room-1", t0)
	r.join("s2", "bob", "room-2", t0.Add(29*time.Minute))

	removed := r.sweep(t0.Add(31 * time.Minute))
	if len(removed) != 1 || removed[0].UserID != "alice" {
		t.Fatalf("sweep removed %v, want just alice's session", removed)
	}
	if r.size() != 1 {
		t.Errorf("size = %d, want 1 after sweep", r.size())
	}
}
