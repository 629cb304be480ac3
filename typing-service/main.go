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

type typingSignal struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	IsTyping    bool   `json:"isTyping"`
}

type leaveSignal struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type typingNotice struct {
	RoomID      string   `json:"roomId"`
	TypingUsers []string `json:"typingUsers"`
}

type typingSummary struct {
	RoomID  string `json:"roomId"`
	Summary string `json:"summary"`
	Count   int    `json:"count"`
}

type directoryUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
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

	meter := otel.Meter("typing-service")
	signalCounter, _ := meter.Int64Counter("typing_signals_total",
		metric.WithDescription("Total typing signals processed"))
	purgedCounter, _ := meter.Int64Counter("typing_flags_purged_total",
		metric.WithDescription("Total stale typing flags purged"))

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	natsUser := envOrDefault("NATS_USER", "typing-service")
	natsPass := envOrDefault("NATS_PASS", "typing-service-secret")

	slog.Info("Starting Typing Service", "nats_url", natsURL)

	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("typing-service"),
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

	tr := newTracker()

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

	broadcast := func(ctx context.Context, roomID string) {
		names := tr.typingUsers(roomID, time.Now())
		data, _ := json.Marshal(typingNotice{RoomID: roomID, TypingUsers: names})
		otelnats.Publish(ctx, nc, "room."+roomID+".typing", data)

		summary, _ := json.Marshal(typingSummary{
			RoomID:  roomID,
			Summary: summarize(names),
			Count:   len(names),
		})
		otelnats.Publish(ctx, nc, "room."+roomID+".typing-notifications", summary)
	}

	// typing.set.{room}
	_, err = nc.QueueSubscribe("typing.set.*", "typing-workers", func(msg *nats.Msg) {
		ctx, span := otelnats.ConsumerSpan(context.Background(), msg, "handle typing signal")
		defer span.End()

		room := roomFromSubject(msg.Subject)
		var sig typingSignal
		if err := json.Unmarshal(msg.Data, &sig); err != nil || sig.UserID == "" {
			slog.WarnContext(ctx, "Invalid typing signal", "room", room, "error", err)
			return
		}
		name := sig.DisplayName
		if name == "" {
			name = displayName(ctx, sig.UserID)
		}
		tr.set(room, sig.UserID, name, sig.IsTyping, time.Now())
		signalCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("room", room),
			attribute.Bool("typing", sig.IsTyping),
		))
		broadcast(ctx, room)
	})
	if err != nil {
		slog.Error("Failed to subscribe to typing.set.*", "error", err)
		os.Exit(1)
	}

	// presence.leave.{room} — a disconnecting user stops typing everywhere.
	_, err = nc.QueueSubscribe("presence.leave.*", "typing-workers", func(msg *nats.Msg) {
		ctx, span := otelnats.ConsumerSpan(context.Background(), msg, "handle leave")
		defer span.End()

		var sig leaveSignal
		if err := json.Unmarshal(msg.Data, &sig); err != nil || sig.UserID == "" {
			return
		}
		for _, room := range tr.clearUser(sig.UserID) {
			broadcast(ctx, room)
		}
	})
	if err != nil {
		slog.Error("Failed to subscribe to presence.leave.*", "error", err)
		os.Exit(1)
	}

	runner := schedule.NewRunner(meter)
	runner.Add(schedule.Job{
		Name:  "typing-flag-purge",
		Every: 5 * time.Minute,
		Run: func(ctx context.Context) error {
			if purged := tr.purge(time.Now()); purged > 0 {
				purgedCounter.Add(ctx, int64(purged))
				slog.Debug("Purged stale typing flags", "count", purged)
			}
			return nil
		},
	})
	runner.Start(ctx)
	defer runner.Stop()

	slog.Info("Typing service ready — listening for typing.set.*, presence.leave.*")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down typing service")
	nc.Drain()
}
