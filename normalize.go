package messaging

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Message Normalizer
// ============================================================================

// wireMessage is the tolerant decode target for broker message payloads.
// Depending on which backend path produced the frame, the message identifier
// arrives as "messageId" or "id", and "senderId" may be missing entirely.
type wireMessage struct {
	MessageID *int64 `json:"messageId"`
	ID        *int64 `json:"id"`
	SenderID  *int64 `json:"senderId"`
	Receiver  int64  `json:"receiverId"`
	Content   string `json:"content"`
	SentAt    string `json:"sentAt"`
}

// counterpartLookup resolves the other participant of a conversation. The
// second return is false when the conversation is unknown.
type counterpartLookup func(conversationID int64) (int64, bool)

// normalizer converts heterogeneous broker payloads into the canonical
// Message shape.
type normalizer struct {
	viewerID    int64
	counterpart counterpartLookup
	now         func() time.Time
}

func newNormalizer(viewerID int64, counterpart counterpartLookup) *normalizer {
	return &normalizer{viewerID: viewerID, counterpart: counterpart, now: time.Now}
}

// normalize produces a canonical Message from a raw broker payload addressed
// to conversationID.
//
// Id precedence: explicit messageId, then generic id, then one synthesized
// from the current clock. Synthesized ids are unique within the session but
// not stable across reconnects; the merge engine's content fingerprint covers
// that gap.
//
// Sender inference (only valid because a conversation has exactly two
// participants): an explicit senderId wins; otherwise, if the payload's
// receiver is the viewer the sender must be the counterpart. In every other
// case — including an unknown conversation — the sender defaults to the
// viewer. That default deliberately biases ambiguous frames toward the
// viewer rather than risking mis-attribution to the other party.
func (n *normalizer) normalize(conversationID int64, raw json.RawMessage) Message {
	var w wireMessage
	// A payload that fails to decode still yields a usable message; every
	// field falls back below.
	_ = json.Unmarshal(raw, &w)

	var id int64
	switch {
	case w.MessageID != nil:
		id = *w.MessageID
	case w.ID != nil:
		id = *w.ID
	default:
		id = n.now().UnixMilli()
	}

	sender := n.viewerID
	switch {
	case w.SenderID != nil:
		sender = *w.SenderID
	case w.Receiver == n.viewerID:
		if cp, ok := n.counterpart(conversationID); ok {
			sender = cp
		}
	}

	sentAt := w.SentAt
	if sentAt == "" {
		sentAt = n.now().UTC().Format(time.RFC3339)
	}

	return Message{
		ID:         id,
		SenderID:   sender,
		ReceiverID: w.Receiver,
		Content:    w.Content,
		SentAt:     sentAt,
		Read:       false, // read-state is owned by the read-receipt flow
	}
}
