package messaging

import (
	"encoding/json"
	"testing"
	"time"
)

func newTestNormalizer(viewerID int64, counterparts map[int64]int64) *normalizer {
	n := newNormalizer(viewerID, func(conversationID int64) (int64, bool) {
		cp, ok := counterparts[conversationID]
		return cp, ok
	})
	n.now = func() time.Time { return mergeBase }
	return n
}

func TestNormalize(t *testing.T) {
	t.Run("explicit messageId wins", func(t *testing.T) {
		n := newTestNormalizer(7, map[int64]int64{10: 42})
		m := n.normalize(10, json.RawMessage(`{"messageId":501,"id":3,"senderId":42,"receiverId":7,"content":"x","sentAt":"2026-05-04T12:00:00Z"}`))
		if m.ID != 501 {
			t.Fatalf("expected id 501, got %d", m.ID)
		}
	})

	t.Run("generic id fallback", func(t *testing.T) {
		n := newTestNormalizer(7, map[int64]int64{10: 42})
		m := n.normalize(10, json.RawMessage(`{"id":3,"senderId":42,"receiverId":7,"content":"x","sentAt":"2026-05-04T12:00:00Z"}`))
		if m.ID != 3 {
			t.Fatalf("expected id 3, got %d", m.ID)
		}
	})

	t.Run("synthesized id when both absent", func(t *testing.T) {
		n := newTestNormalizer(7, map[int64]int64{10: 42})
		m := n.normalize(10, json.RawMessage(`{"senderId":42,"receiverId":7,"content":"x"}`))
		if m.ID != mergeBase.UnixMilli() {
			t.Fatalf("expected clock-synthesized id %d, got %d", mergeBase.UnixMilli(), m.ID)
		}
	})

	t.Run("explicit sender passes through", func(t *testing.T) {
		n := newTestNormalizer(7, map[int64]int64{10: 42})
		m := n.normalize(10, json.RawMessage(`{"id":1,"senderId":99,"receiverId":7,"content":"x","sentAt":"2026-05-04T12:00:00Z"}`))
		if m.SenderID != 99 {
			t.Fatalf("expected sender 99, got %d", m.SenderID)
		}
	})

	t.Run("system sender is preserved", func(t *testing.T) {
		// senderId 0 present in the payload must not trigger inference.
		n := newTestNormalizer(7, map[int64]int64{10: 42})
		m := n.normalize(10, json.RawMessage(`{"id":1,"senderId":0,"receiverId":7,"content":"item sold","sentAt":"2026-05-04T12:00:00Z"}`))
		if m.SenderID != SystemSenderID {
			t.Fatalf("expected system sender, got %d", m.SenderID)
		}
	})

	t.Run("sender inferred as counterpart", func(t *testing.T) {
		n := newTestNormalizer(7, map[int64]int64{10: 42})
		m := n.normalize(10, json.RawMessage(`{"id":1,"receiverId":7,"content":"x"}`))
		if m.SenderID != 42 {
			t.Fatalf("expected inferred sender 42, got %d", m.SenderID)
		}
	})

	t.Run("sender inferred as viewer when receiver is counterpart", func(t *testing.T) {
		n := newTestNormalizer(7, map[int64]int64{10: 42})
		m := n.normalize(10, json.RawMessage(`{"id":1,"receiverId":42,"content":"x"}`))
		if m.SenderID != 7 {
			t.Fatalf("expected inferred sender 7, got %d", m.SenderID)
		}
	})

	t.Run("unknown conversation defaults to viewer", func(t *testing.T) {
		n := newTestNormalizer(7, map[int64]int64{})
		m := n.normalize(999, json.RawMessage(`{"id":1,"receiverId":7,"content":"x"}`))
		if m.SenderID != 7 {
			t.Fatalf("expected viewer-bias default 7, got %d", m.SenderID)
		}
	})

	t.Run("read always false on arrival", func(t *testing.T) {
		n := newTestNormalizer(7, map[int64]int64{10: 42})
		m := n.normalize(10, json.RawMessage(`{"id":1,"senderId":42,"receiverId":7,"content":"x","read":true}`))
		if m.Read {
			t.Fatal("freshly arrived messages must be unread")
		}
	})

	t.Run("missing sentAt synthesized", func(t *testing.T) {
		n := newTestNormalizer(7, map[int64]int64{10: 42})
		m := n.normalize(10, json.RawMessage(`{"id":1,"senderId":42,"receiverId":7,"content":"x"}`))
		if m.SentAt != mergeBase.UTC().Format(time.RFC3339) {
			t.Fatalf("expected synthesized timestamp, got %q", m.SentAt)
		}
	})

	t.Run("garbage payload still yields a message", func(t *testing.T) {
		n := newTestNormalizer(7, map[int64]int64{10: 42})
		m := n.normalize(10, json.RawMessage(`{`))
		if m.ID == 0 || m.SenderID != 7 {
			t.Fatalf("expected synthesized id and viewer sender, got %+v", m)
		}
	})
}
