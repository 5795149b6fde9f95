package messaging

import "time"

// ============================================================================
// Deduplicating Merge Engine
// ============================================================================

// dedupWindow is the tolerance between the timestamps of an optimistic local
// echo and the broker's authoritative echo of the same user action. The two
// arrive as distinct payloads with distinct ids; the content fingerprint is
// what collapses them.
const dedupWindow = 5 * time.Second

// mergeMessage decides whether candidate belongs at the end of the
// conversation's timeline and keeps the denormalized LastMessage in sync.
// It reports whether the candidate was appended.
//
// Two independent duplicate tests suppress insertion: an identity match on
// the message id, and a content-fingerprint match (same sender, identical
// content, timestamps within dedupWindow). A suppressed candidate still
// refreshes LastMessage, since the later arrival carries the more
// authoritative server id and timestamp.
//
// Non-duplicates are appended in arrival order — the engine trusts arrival
// order as causal order and never re-sorts by timestamp.
func mergeMessage(c *Conversation, candidate Message) bool {
	for i := range c.Messages {
		if isDuplicate(c.Messages[i], candidate) {
			c.LastMessage = summarize(candidate)
			return false
		}
	}
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	c.Messages = append(c.Messages, candidate)
	c.LastMessage = summarize(candidate)
	return true
}

func isDuplicate(existing, candidate Message) bool {
	if existing.ID == candidate.ID {
		return true
	}
	if existing.SenderID != candidate.SenderID || existing.Content != candidate.Content {
		return false
	}
	a, b := existing.sentAtTime(), candidate.sentAtTime()
	if a.IsZero() || b.IsZero() {
		return false
	}
	diff := b.Sub(a)
	if diff < 0 {
		diff = -diff
	}
	return diff <= dedupWindow
}

func summarize(m Message) *LastMessage {
	return &LastMessage{
		ID:       m.ID,
		SenderID: m.SenderID,
		Content:  m.Content,
		SentAt:   m.SentAt,
		Read:     m.Read,
	}
}
