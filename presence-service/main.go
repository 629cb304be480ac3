package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hobbylink/meetup-chat/pkg/otelnats"
	"github.com/hobbylink/meetup-chat/pkg/schedule"
)

type joinRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type heartbeatRequest struct {
	SessionID string `json:"sessionId"`
}

type roomUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type roomUsersNotice struct {
	RoomID string     `json:"roomId"`
	Users  []roomUser `json:"users"`
	Count  int        `json:"count"`
}

type directoryUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// storedSession is the KV mirror of a registry entry.
type storedSession struct {
	SessionID  string `json:"sessionId"`
	UserID     string `json:"userId"`
	RoomID     string `json:"roomId"`
	LastActive int64  `json:"lastActive"`
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func roomFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

func main() {
	ctx := context.Background()
	_ = godotenv.Load()

	otelShutdown, err := otelnats.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("presence-service")
	joinCounter, _ := meter.Int64Counter("presence_joins_total",
		metric.WithDescription("Total room join events"))
	leaveCounter, _ := meter.Int64Counter("presence_leaves_total",
		metric.WithDescription("Total room leave events"))
	sweptCounter, _ := meter.Int64Counter("presence_sessions_swept_total",
		metric.WithDescription("Total idle sessions removed by the sweeper"))

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	natsUser := envOrDefault("NATS_USER", "presence-service")
	natsPass := envOrDefault("NATS_PASS", "presence-service-secret")

	slog.Info("Starting Presence Service", "nats_url", natsURL)

	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("presence-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to get JetStream context", "error", err)
		os.Exit(1)
	}
	kv, err := js.KeyValue("SESSIONS")
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  "SESSIONS",
			TTL:     idleTimeout,
			Storage: nats.MemoryStorage,
		})
		if err != nil {
			slog.Error("Failed to create SESSIONS bucket", "error", err)
			os.Exit(1)
		}
	}

	reg := newRegistry()

	// Rebuild from the KV mirror so a restart keeps rooms populated.
	if keys, err := kv.Keys(); err == nil {
		for _, key := range keys {
			entry, err := kv.Get(key)
			if err != nil {
				continue
			}
			var s storedSession
			if err := json.Unmarshal(entry.Value(), &s); err != nil {
				continue
			}
			sess := reg.join(s.SessionID, s.UserID, s.RoomID, time.UnixMilli(s.LastActive))
			sess.LastActive = time.UnixMilli(s.LastActive)
		}
		slog.Info("Restored sessions from KV", "count", reg.size())
	}

	mirror := func(s *session) {
		data, _ := json.Marshal(storedSession{
			SessionID:  s.SessionID,
			UserID:     s.UserID,
			RoomID:     s.RoomID,
			LastActive: s.LastActive.UnixMilli(),
		})
		if _, err := kv.Put(s.SessionID, data); err != nil {
			slog.Warn("Failed to mirror session to KV", "sessionId", s.SessionID, "error", err)
		}
	}

	displayName := func(ctx context.Context, userID string) string {
		resp, err := otelnats.Request(ctx, nc, "directory.user."+userID, nil)
		if err != nil {
			return userID
		}
		var u directoryUser
		if err := json.Unmarshal(resp.Data, &u); err != nil || u.DisplayName == "" {
			return userID
		}
		return u.DisplayName
	}

	broadcastRoomUsers := func(ctx context.Context, roomID string) {
		ids := reg.onlineUsers(roomID, time.Now())
		users := make([]roomUser, 0, len(ids))
		for _, id := range ids {
			users = append(users, roomUser{UserID: id, DisplayName: displayName(ctx, id)})
		}
		data, _ := json.Marshal(roomUsersNotice{RoomID: roomID, Users: users, Count: len(users)})
		otelnats.Publish(ctx, nc, "room."+roomID+".users", data)
	}

	// presence.join.{room}
	_, err = nc.QueueSubscribe("presence.join.*", "presence-workers", func(msg *nats.Msg) {
		ctx, span := otelnats.ConsumerSpan(context.Background(), msg, "handle join")
		defer span.End()

		room := roomFromSubject(msg.Subject)
		var req joinRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.SessionID == "" || req.UserID == "" {
			slog.WarnContext(ctx, "Invalid join request", "room", room, "error", err)
			return
		}
		s := reg.join(req.SessionID, req.UserID, room, time.Now())
		mirror(s)
		joinCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("room", room)))
		broadcastRoomUsers(ctx, room)
		slog.DebugContext(ctx, "User joined room", "room", room, "user", req.UserID, "session", req.SessionID)
	})
	if err != nil {
		slog.Error("Failed to subscribe to presence.join.*", "error", err)
		os.Exit(1)
	}

	// presence.leave.{room}
	_, err = nc.QueueSubscribe("presence.leave.*", "presence-workers", func(msg *nats.Msg) {
		ctx, span := otelnats.ConsumerSpan(context.Background(), msg, "handle leave")
		defer span.End()

		_ = roomFromSubject(msg.Subject)
		var req joinRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.SessionID == "" {
			return
		}
		s, ok := reg.leave(req.SessionID)
		if !ok {
			return
		}
		if err := kv.Delete(s.SessionID); err != nil {
			slog.Warn("Failed to remove session from KV", "sessionId", s.SessionID, "error", err)
		}
		leaveCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("room", s.RoomID)))
		broadcastRoomUsers(ctx, s.RoomID)
		slog.DebugContext(ctx, "User left room", "room", s.RoomID, "user", s.UserID)
	})
	if err != nil {
		slog.Error("Failed to subscribe to presence.leave.*", "error", err)
		os.Exit(1)
	}

	// presence.heartbeat — refreshes the activity clock, no broadcast.
	_, err = nc.QueueSubscribe("presence.heartbeat", "presence-workers", func(msg *nats.Msg) {
		ctx, span := otelnats.ConsumerSpan(context.Background(), msg, "handle heartbeat")
		defer span.End()

		var req heartbeatRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.SessionID == "" {
			return
		}
		if !reg.heartbeat(req.SessionID, time.Now()) {
			slog.DebugContext(ctx, "Heartbeat for unknown session", "session", req.SessionID)
			return
		}
		if s, ok := reg.get(req.SessionID); ok {
			mirror(s)
		}
	})
	if err != nil {
		slog.Error("Failed to subscribe to presence.heartbeat", "error", err)
		os.Exit(1)
	}

	// presence.query.{room} — request/reply snapshot of the online list, for
	// services that need it without watching room.{room}.users.
	_, err = nc.QueueSubscribe("presence.query.*", "presence-workers", func(msg *nats.Msg) {
		ctx, span := otelnats.ServerSpan(context.Background(), msg, "query online users")
		defer span.End()

		room := roomFromSubject(msg.Subject)
		ids := reg.onlineUsers(room, time.Now())
		users := make([]roomUser, 0, len(ids))
		for _, id := range ids {
			users = append(users, roomUser{UserID: id, DisplayName: displayName(ctx, id)})
		}
		data, _ := json.Marshal(roomUsersNotice{RoomID: room, Users: users, Count: len(users)})
		if err := msg.Respond(data); err != nil {
			slog.WarnContext(ctx, "Failed to respond to presence query", "room", room, "error", err)
		}
	})
	if err != nil {
		slog.Error("Failed to subscribe to presence.query.*", "error", err)
		os.Exit(1)
	}

	runner := schedule.NewRunner(meter)
	runner.Add(schedule.Job{
		Name:  "idle-session-sweep",
		Every: 2 * time.Minute,
		Run: func(ctx context.Context) error {
			removed := reg.sweep(time.Now())
			if len(removed) == 0 {
				return nil
			}
			rooms := make(map[string]bool)
			for _, s := range removed {
				if err := kv.Delete(s.SessionID); err != nil {
					slog.Warn("Failed to remove swept session from KV", "sessionId", s.SessionID, "error", err)
				}
				rooms[s.RoomID] = true
			}
			sweptCounter.Add(ctx, int64(len(removed)))
			for room := range rooms {
				broadcastRoomUsers(ctx, room)
			}
			slog.Info("Swept idle sessions", "count", len(removed), "rooms", len(rooms))
			return nil
		},
	})
	runner.Start(ctx)
	defer runner.Stop()

	slog.Info("Presence service ready — listening for presence.join.*, presence.leave.*, presence.heartbeat, presence.query.*")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down presence service")
	nc.Drain()
}
