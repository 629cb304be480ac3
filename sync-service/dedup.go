package main

// message mirrors the message-service broadcast payload.
type message struct {
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

// dedupeByClientID collapses duplicates sharing a clientMessageId, keeping
// the first occurrence. Any two stored rows with the same non-empty client
// id are the same logical message, whoever stored them. Messages with no
// client id always pass.
func dedupeByClientID(msgs []message) []message {
	seen := make(map[string]bool, len(msgs))
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.ClientMessageID == "" {
			out = append(out, m)
			continue
		}
		if seen[m.ClientMessageID] {
			continue
		}
		seen[m.ClientMessageID] = true
		out = append(out, m)
	}
	return out
}

// pickUnreadIDs returns the ids the syncing user should now acknowledge:
// messages from others that are not yet READ and not abandoned.
func pickUnreadIDs(msgs []message, userID string) []string {
	var ids []string
	for _, m := range msgs {
		if m.SenderID == userID {
			continue
		}
		if m.Status == "READ" || m.Status == "FAILED" {
			continue
		}
		ids = append(ids, m.ID)
	}
	return ids
}

// reverse flips a DESC page into chronological order in place.
func reverse(msgs []message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
