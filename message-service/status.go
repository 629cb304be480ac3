package main

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// Message statuses. Transitions are monotonic: SENDING → DELIVERED → READ,
// with FAILED reachable from any non-terminal state.
const (
	statusSending   = "SENDING"
	statusDelivered = "DELIVERED"
	statusRead      = "READ"
	statusFailed    = "FAILED"
)

// Message mirrors a row of the messages table.
type Message struct {
	ID               string `json:"id"`
	RoomID           string `json:"roomId"`
	SenderID         string `json:"senderId"`
	Content          string `json:"content"`
	FormattedContent string `json:"formattedContent,omitempty"`
	ClientMessageID  string `json:"clientMessageId,omitempty"`
	Status           string `json:"status"`
	SentAt           int64  `json:"sentAt"`
	DeliveredAt      int64  `json:"deliveredAt,omitempty"`
	ReadAt           int64  `json:"readAt,omitempty"`
}

// canTransition is the single authority on which status moves are legal.
// The store's UPDATE guards mirror it row-by-row.
func canTransition(from, to string) bool {
	if from == to {
		return false
	}
	switch to {
	case statusDelivered:
		return from == statusSending
	case statusRead:
		return from == statusSending || from == statusDelivered
	case statusFailed:
		return from != statusFailed
	default:
		return false
	}
}

var errMessageNotFound = errors.New("message not found")

type store struct {
	db *sql.DB
}

const messageColumns = `id, room_id, sender_id, content, formatted_content,
	COALESCE(client_message_id, ''), status, sent_at,
	COALESCE(delivered_at, 0), COALESCE(read_at, 0)`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.FormattedContent,
		&m.ClientMessageID, &m.Status, &m.SentAt, &m.DeliveredAt, &m.ReadAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *store) insert(ctx context.Context, m *Message) error {
	var clientID any
	if m.ClientMessageID != "" {
		clientID = m.ClientMessageID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender_id, content, formatted_content, client_message_id, status, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.RoomID, m.SenderID, m.Content, m.FormattedContent, clientID, m.Status, m.SentAt)
	return err
}

func (s *store) findByID(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

func (s *store) findByClientID(ctx context.Context, senderID, clientMessageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE sender_id = $1 AND client_message_id = $2`,
		senderID, clientMessageID)
	return scanMessage(row)
}

// markDelivered is a no-op when the message already reached DELIVERED or READ.
func (s *store) markDelivered(ctx context.Context, id string, now int64) (*Message, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = $2, delivered_at = $3 WHERE id = $1 AND status = $4`,
		id, statusDelivered, now, statusSending)
	if err != nil {
		return nil, err
	}
	return s.findByID(ctx, id)
}

// markRead backfills delivered_at: read implies delivered.
func (s *store) markRead(ctx context.Context, id string, now int64) (*Message, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = $2, read_at = $3, delivered_at = COALESCE(delivered_at, $3)
		 WHERE id = $1 AND status NOT IN ($4, $5)`,
		id, statusRead, now, statusRead, statusFailed)
	if err != nil {
		return nil, err
	}
	return s.findByID(ctx, id)
}

func (s *store) markFailed(ctx context.Context, id string) (*Message, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = $2 WHERE id = $1 AND status <> $2`,
		id, statusFailed)
	if err != nil {
		return nil, err
	}
	return s.findByID(ctx, id)
}

// bulkMarkRead marks the given messages READ, skipping the reader's own
// messages and anything already terminal. Returns the number actually changed.
func (s *store) bulkMarkRead(ctx context.Context, roomID, readerID string, ids []string, now int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = $1, read_at = $2, delivered_at = COALESCE(delivered_at, $2)
		 WHERE id = ANY($3) AND room_id = $4 AND sender_id <> $5 AND status NOT IN ($1, $6)`,
		statusRead, now, pq.Array(ids), roomID, readerID, statusFailed)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
