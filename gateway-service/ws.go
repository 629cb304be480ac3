package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/hobbylink/meetup-chat/pkg/envelope"
	"github.com/hobbylink/meetup-chat/pkg/otelnats"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxFrameSize   = 16 * 1024
	sendBufferSize = 64
)

// roomSubjects are the per-room broadcast feeds a joined client receives.
var roomSubjects = []string{"messages", "typing", "typing-notifications", "users", "bulk-status"}

// subjectForKind maps a validated envelope to its internal subject.
func subjectForKind(env *envelope.Envelope) (string, bool) {
	switch env.Kind {
	case envelope.KindSend:
		return "chat.send." + env.RoomID, true
	case envelope.KindStatus:
		return "chat.status." + env.RoomID, true
	case envelope.KindBulkRead:
		return "chat.bulkread." + env.RoomID, true
	case envelope.KindTyping:
		return "typing.set." + env.RoomID, true
	case envelope.KindJoin:
		return "presence.join." + env.RoomID, true
	case envelope.KindLeave:
		return "presence.leave." + env.RoomID, true
	case envelope.KindHeartbeat:
		return "presence.heartbeat", true
	case envelope.KindRetry:
		return "retry.request." + env.RoomID, true
	case envelope.KindCancelRetry:
		return "retry.cancel", true
	case envelope.KindSync:
		return "sync.request." + env.RoomID, true
	case envelope.KindSyncStatus:
		return "sync.status." + env.RoomID, true
	case envelope.KindUnreadCount:
		return "unread.query." + env.RoomID, true
	case envelope.KindValidate:
		return "chat.validate", true
	case envelope.KindPreview:
		return "chat.preview", true
	default:
		return "", false
	}
}

// outFrame is what the gateway writes to the socket: the subject the
// payload arrived on plus the payload itself.
type outFrame struct {
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

type errorFrame struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// client is one websocket connection and its NATS fan-in subscriptions.
type client struct {
	conn      *websocket.Conn
	userID    string
	sessionID string
	send      chan []byte

	mu       sync.Mutex
	roomSubs map[string][]*nats.Subscription
	userSub  *nats.Subscription
	closed   bool
}

// enqueue hands a frame to the write pump. NATS callbacks and pool tasks can
// land here after the read loop exits, so it holds the lock across the send:
// once teardown flips closed, nothing touches the channel again and the
// disconnect path may close it.
func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// A reader this far behind is better dropped than buffered forever.
		slog.Warn("Dropping frame for slow client", "user", c.userID, "session", c.sessionID)
	}
}

func (c *client) forward(msg *nats.Msg) {
	frame, err := json.Marshal(outFrame{Subject: msg.Subject, Data: msg.Data})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

func (c *client) sendError(kind, text string) {
	frame, _ := json.Marshal(errorFrame{Error: text, Kind: kind})
	c.enqueue(frame)
}

func (c *client) joinRoom(nc *nats.Conn, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.roomSubs[roomID]; ok {
		return
	}
	var subs []*nats.Subscription
	for _, feed := range roomSubjects {
		sub, err := nc.Subscribe("room."+roomID+"."+feed, c.forward)
		if err != nil {
			slog.Warn("Room feed subscription failed", "room", roomID, "feed", feed, "error", err)
			continue
		}
		subs = append(subs, sub)
	}
	c.roomSubs[roomID] = subs
}

func (c *client) leaveRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.roomSubs[roomID] {
		sub.Unsubscribe()
	}
	delete(c.roomSubs, roomID)
}

// teardown drops every subscription and returns the rooms the client was in.
func (c *client) teardown() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.userSub != nil {
		c.userSub.Unsubscribe()
	}
	rooms := make([]string, 0, len(c.roomSubs))
	for roomID, subs := range c.roomSubs {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		rooms = append(rooms, roomID)
	}
	c.roomSubs = make(map[string][]*nats.Subscription)
	return rooms
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type gateway struct {
	nc       *nats.Conn
	workers  *pool
	upgrader websocket.Upgrader

	onAccepted func(ctx context.Context)
	onRejected func(ctx context.Context, reason string)
}

func newGateway(nc *nats.Conn, workers *pool) *gateway {
	return &gateway{
		nc:      nc,
		workers: workers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		onAccepted: func(context.Context) {},
		onRejected: func(context.Context, string) {},
	}
}

// dispatch validates an inbound envelope and hands it to the worker pool.
func (g *gateway) dispatch(ctx context.Context, c *client, raw []byte) {
	var env envelope.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.onRejected(ctx, "unparseable")
		c.sendError("", "unparseable frame")
		return
	}

	// The connection is the authority on identity.
	if c.userID != "" {
		if env.UserID == "" {
			env.UserID = c.userID
		}
		if env.SenderID == "" {
			env.SenderID = c.userID
		}
	}
	if env.SessionID == "" {
		env.SessionID = c.sessionID
	}

	if err := env.Validate(); err != nil {
		g.onRejected(ctx, "malformed")
		var merr *envelope.MalformedError
		if errors.As(err, &merr) {
			c.sendError(merr.Kind, merr.Reason)
		} else {
			c.sendError(env.Kind, err.Error())
		}
		return
	}

	subject, ok := subjectForKind(&env)
	if !ok {
		g.onRejected(ctx, "unknown-kind")
		c.sendError(env.Kind, "unknown envelope kind")
		return
	}

	data, _ := json.Marshal(env)
	accepted := g.workers.Submit(func() {
		if err := otelnats.Publish(ctx, g.nc, subject, data); err != nil {
			slog.Error("Dispatch publish failed", "subject", subject, "error", err)
			c.sendError(env.Kind, "temporarily unable to process")
			return
		}
		switch env.Kind {
		case envelope.KindJoin:
			c.joinRoom(g.nc, env.RoomID)
		case envelope.KindLeave:
			c.leaveRoom(env.RoomID)
		}
	})
	if !accepted {
		g.onRejected(ctx, "backpressure")
		c.sendError(env.Kind, "server busy, try again")
		return
	}
	g.onAccepted(ctx)
}

// handleWS upgrades the connection and runs the read loop.
func (g *gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if userID == "" {
		// Anonymous sockets can watch public feeds but have no user queue.
		slog.Warn("Connection without userId", "remote", r.RemoteAddr)
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:      conn,
		userID:    userID,
		sessionID: sessionID,
		send:      make(chan []byte, sendBufferSize),
		roomSubs:  make(map[string][]*nats.Subscription),
	}
	if userID != "" {
		sub, err := g.nc.Subscribe("user."+userID+".queue.>", c.forward)
		if err != nil {
			slog.Error("User queue subscription failed", "user", userID, "error", err)
		} else {
			c.userSub = sub
		}
	}
	go c.writePump()
	slog.Info("Client connected", "user", userID, "session", sessionID, "remote", r.RemoteAddr)

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	ctx := r.Context()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		g.dispatch(ctx, c, raw)
	}

	// Disconnect is an implicit leave for every joined room.
	rooms := c.teardown()
	if userID != "" {
		for _, roomID := range rooms {
			data, _ := json.Marshal(envelope.Envelope{
				Kind:      envelope.KindLeave,
				RoomID:    roomID,
				UserID:    userID,
				SessionID: sessionID,
			})
			otelnats.Publish(context.Background(), g.nc, "presence.leave."+roomID, data)
		}
	}
	close(c.send)
	conn.Close()
	slog.Info("Client disconnected", "user", userID, "session", sessionID, "rooms", len(rooms))
}
