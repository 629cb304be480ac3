// Package envelope defines the inbound client envelope format accepted by the
// gateway and the per-kind field validation applied before dispatch.
package envelope

import "fmt"

// Envelope kinds accepted on the inbound channel.
const (
	KindSend        = "send"
	KindTyping      = "typing"
	KindStatus      = "statusUpdate"
	KindBulkRead    = "bulkRead"
	KindJoin        = "join"
	KindLeave       = "leave"
	KindHeartbeat   = "heartbeat"
	KindRetry       = "retry"
	KindCancelRetry = "cancelRetry"
	KindSync        = "sync"
	KindSyncStatus  = "syncStatus"
	KindUnreadCount = "unreadCount"
	KindValidate    = "validate"
	KindPreview     = "preview"
)

// Envelope is a single inbound client frame. Only the fields required by the
// declared Kind need to be set; Validate enforces that.
type Envelope struct {
	Kind             string   `json:"kind"`
	RoomID           string   `json:"roomId"`
	UserID           string   `json:"userId,omitempty"`
	SenderID         string   `json:"senderId,omitempty"`
	SessionID        string   `json:"sessionId,omitempty"`
	Content          string   `json:"content,omitempty"`
	ClientMessageID  string   `json:"clientMessageId,omitempty"`
	MessageID        string   `json:"messageId,omitempty"`
	Status           string   `json:"status,omitempty"`
	MessageIDs       []string `json:"messageIds,omitempty"`
	ClientMessageIDs []string `json:"clientMessageIds,omitempty"`
	IsTyping         *bool    `json:"isTyping,omitempty"`
	LastSyncTime     int64    `json:"lastSyncTime,omitempty"`
}

// MalformedError reports an envelope that is missing required fields or
// declares an unknown kind. The envelope is dropped; the connection stays up.
type MalformedError struct {
	Kind   string
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Kind == "" {
		return "malformed envelope: " + e.Reason
	}
	return fmt.Sprintf("malformed %s envelope: %s", e.Kind, e.Reason)
}

func malformed(kind, reason string) error {
	return &MalformedError{Kind: kind, Reason: reason}
}

// Validate checks the per-kind required fields. A nil return means the
// envelope is safe to dispatch.
func (e *Envelope) Validate() error {
	if e.Kind == "" {
		return malformed("", "missing kind")
	}
	// heartbeat, cancelRetry, validate and preview address no room.
	switch e.Kind {
	case KindHeartbeat, KindCancelRetry, KindValidate, KindPreview:
	default:
		if e.RoomID == "" {
			return malformed(e.Kind, "missing roomId")
		}
	}

	switch e.Kind {
	case KindSend:
		if e.Content == "" {
			return malformed(e.Kind, "missing content")
		}
		if e.SenderID == "" {
			return malformed(e.Kind, "missing senderId")
		}
	case KindTyping:
		if e.UserID == "" {
			return malformed(e.Kind, "missing userId")
		}
		if e.IsTyping == nil {
			return malformed(e.Kind, "missing isTyping")
		}
	case KindStatus:
		if e.MessageID == "" {
			return malformed(e.Kind, "missing messageId")
		}
		if e.Status == "" {
			return malformed(e.Kind, "missing status")
		}
		if e.UserID == "" {
			return malformed(e.Kind, "missing userId")
		}
	case KindBulkRead:
		if e.UserID == "" {
			return malformed(e.Kind, "missing userId")
		}
		if len(e.MessageIDs) == 0 {
			return malformed(e.Kind, "empty messageIds")
		}
	case KindJoin, KindLeave:
		if e.UserID == "" {
			return malformed(e.Kind, "missing userId")
		}
		if e.SessionID == "" {
			return malformed(e.Kind, "missing sessionId")
		}
	case KindHeartbeat:
		if e.SessionID == "" {
			return malformed(e.Kind, "missing sessionId")
		}
	case KindRetry, KindCancelRetry:
		if e.ClientMessageID == "" {
			return malformed(e.Kind, "missing clientMessageId")
		}
		if e.SenderID == "" {
			return malformed(e.Kind, "missing senderId")
		}
	case KindSync:
		if e.UserID == "" {
			return malformed(e.Kind, "missing userId")
		}
	case KindSyncStatus:
		if e.UserID == "" {
			return malformed(e.Kind, "missing userId")
		}
		if len(e.ClientMessageIDs) == 0 {
			return malformed(e.Kind, "empty clientMessageIds")
		}
	case KindUnreadCount:
		if e.UserID == "" {
			return malformed(e.Kind, "missing userId")
		}
	case KindValidate, KindPreview:
		if e.Content == "" {
			return malformed(e.Kind, "missing content")
		}
		if e.UserID == "" {
			return malformed(e.Kind, "missing userId")
		}
	default:
		return malformed(e.Kind, "unknown kind")
	}
	return nil
}
