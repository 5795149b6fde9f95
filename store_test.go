package messaging

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeHistory struct {
	messages map[int64][]Message
	calls    map[int64]int
	err      error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		messages: make(map[int64][]Message),
		calls:    make(map[int64]int),
	}
}

func (f *fakeHistory) History(_ context.Context, conversationID int64) ([]Message, error) {
	f.calls[conversationID]++
	if f.err != nil {
		return nil, f.err
	}
	return f.messages[conversationID], nil
}

func testStore(history *fakeHistory) *Store {
	return NewStore(history, nil)
}

func TestStoreLoad(t *testing.T) {
	s := testStore(newFakeHistory())
	s.Load([]Conversation{
		{ID: 10, CounterpartID: 42, ItemID: 200},
		{ID: 11, CounterpartID: 43, ItemID: 201},
	})
	if got := len(s.Conversations()); got != 2 {
		t.Fatalf("expected 2 conversations, got %d", got)
	}

	// Load is a bulk replace.
	s.Load([]Conversation{{ID: 12, CounterpartID: 44, ItemID: 202}})
	list := s.Conversations()
	if len(list) != 1 || list[0].ID != 12 {
		t.Fatalf("expected only conversation 12, got %+v", list)
	}
}

func TestStoreEnsurePlaceholder(t *testing.T) {
	t.Run("creates sentinel placeholder", func(t *testing.T) {
		s := testStore(newFakeHistory())
		c := s.EnsurePlaceholder(42, 200, "Alice", "Desk")
		if c.ID != PlaceholderBaseID {
			t.Fatalf("expected sentinel id %d, got %d", PlaceholderBaseID, c.ID)
		}
		if !c.IsPlaceholder() {
			t.Fatal("expected placeholder")
		}
		if c.ThumbnailURL != DefaultThumbnail {
			t.Fatalf("expected default thumbnail, got %q", c.ThumbnailURL)
		}
		if c.LastMessage != nil {
			t.Fatal("placeholder must start with empty last message")
		}
	})

	t.Run("idempotent per pair", func(t *testing.T) {
		s := testStore(newFakeHistory())
		a := s.EnsurePlaceholder(42, 7, "Alice", "Desk")
		b := s.EnsurePlaceholder(42, 7, "Alice", "Desk")
		if a.ID != b.ID {
			t.Fatalf("expected same placeholder, got %d and %d", a.ID, b.ID)
		}
		if got := len(s.Conversations()); got != 1 {
			t.Fatalf("expected 1 conversation, got %d", got)
		}
	})

	t.Run("distinct pairs get distinct placeholders", func(t *testing.T) {
		s := testStore(newFakeHistory())
		a := s.EnsurePlaceholder(42, 200, "Alice", "Desk")
		b := s.EnsurePlaceholder(42, 201, "Alice", "Lamp")
		if a.ID == b.ID {
			t.Fatal("different items with the same counterpart must not share a placeholder")
		}
	})

	t.Run("existing real conversation wins", func(t *testing.T) {
		s := testStore(newFakeHistory())
		s.Load([]Conversation{{ID: 900, CounterpartID: 42, ItemID: 200}})
		c := s.EnsurePlaceholder(42, 200, "Alice", "Desk")
		if c.ID != 900 {
			t.Fatalf("expected existing conversation 900, got %d", c.ID)
		}
	})
}

func TestStoreFetchHistory(t *testing.T) {
	t.Run("lazy fetch populates timeline", func(t *testing.T) {
		h := newFakeHistory()
		h.messages[10] = []Message{
			{ID: 1, SenderID: 42, Content: "hello", SentAt: tsAt(0)},
			{ID: 2, SenderID: 7, Content: "hi", SentAt: tsAt(time.Minute)},
		}
		s := testStore(h)
		s.Load([]Conversation{{ID: 10, CounterpartID: 42, ItemID: 200}})

		if err := s.FetchHistory(context.Background(), 10, false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		c, _ := s.Get(10)
		if len(c.Messages) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(c.Messages))
		}
		if c.LastMessage == nil || c.LastMessage.ID != 2 {
			t.Fatalf("expected last message 2, got %+v", c.LastMessage)
		}
	})

	t.Run("populated conversation not re-fetched", func(t *testing.T) {
		h := newFakeHistory()
		s := testStore(h)
		s.Load([]Conversation{{ID: 10, CounterpartID: 42, ItemID: 200}})

		_ = s.FetchHistory(context.Background(), 10, false)
		_ = s.FetchHistory(context.Background(), 10, false)
		if h.calls[10] != 1 {
			t.Fatalf("expected 1 fetch, got %d", h.calls[10])
		}
	})

	t.Run("force re-fetches", func(t *testing.T) {
		h := newFakeHistory()
		s := testStore(h)
		s.Load([]Conversation{{ID: 10, CounterpartID: 42, ItemID: 200}})

		_ = s.FetchHistory(context.Background(), 10, false)
		_ = s.FetchHistory(context.Background(), 10, true)
		if h.calls[10] != 2 {
			t.Fatalf("expected 2 fetches, got %d", h.calls[10])
		}
	})

	t.Run("placeholder is a no-op", func(t *testing.T) {
		h := newFakeHistory()
		s := testStore(h)
		c := s.EnsurePlaceholder(42, 200, "Alice", "Desk")
		if err := s.FetchHistory(context.Background(), c.ID, false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(h.calls) != 0 {
			t.Fatal("placeholder history must never be fetched")
		}
	})

	t.Run("fetch error surfaced", func(t *testing.T) {
		h := newFakeHistory()
		h.err = errors.New("boom")
		s := testStore(h)
		s.Load([]Conversation{{ID: 10, CounterpartID: 42, ItemID: 200}})
		if err := s.FetchHistory(context.Background(), 10, false); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("unknown conversation errors", func(t *testing.T) {
		s := testStore(newFakeHistory())
		if err := s.FetchHistory(context.Background(), 999, false); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestStoreApplyIncoming(t *testing.T) {
	t.Run("merges into addressed conversation", func(t *testing.T) {
		s := testStore(newFakeHistory())
		s.Load([]Conversation{{ID: 10, CounterpartID: 42, ItemID: 200}})
		if !s.ApplyIncoming(10, Message{ID: 1, SenderID: 42, Content: "hi", SentAt: tsAt(0)}) {
			t.Fatal("expected append")
		}
		c, _ := s.Get(10)
		if len(c.Messages) != 1 {
			t.Fatalf("expected 1 message, got %d", len(c.Messages))
		}
	})

	t.Run("unknown conversation dropped", func(t *testing.T) {
		s := testStore(newFakeHistory())
		if s.ApplyIncoming(999, Message{ID: 1, SenderID: 42, Content: "hi", SentAt: tsAt(0)}) {
			t.Fatal("expected drop")
		}
	})

	t.Run("non-open conversation still merged", func(t *testing.T) {
		// The store has no notion of "open"; late frames for any known
		// conversation land on its timeline.
		s := testStore(newFakeHistory())
		s.Load([]Conversation{
			{ID: 10, CounterpartID: 42, ItemID: 200},
			{ID: 11, CounterpartID: 43, ItemID: 201},
		})
		s.ApplyIncoming(11, Message{ID: 9, SenderID: 43, Content: "late", SentAt: tsAt(0)})
		c, _ := s.Get(11)
		if len(c.Messages) != 1 || c.Messages[0].ID != 9 {
			t.Fatalf("expected late frame merged, got %+v", c.Messages)
		}
	})
}

func TestStoreReconcilePlaceholder(t *testing.T) {
	t.Run("preserves optimistic messages without duplication", func(t *testing.T) {
		s := testStore(newFakeHistory())
		p := s.EnsurePlaceholder(42, 200, "Alice", "Desk")

		// Two optimistic sends accumulate on the placeholder.
		s.ApplyIncoming(p.ID, Message{ID: mergeBase.UnixMilli(), SenderID: 7, ReceiverID: 42, Content: "Is this available?", SentAt: tsAt(0)})
		s.ApplyIncoming(p.ID, Message{ID: mergeBase.UnixMilli() + 1, SenderID: 7, ReceiverID: 42, Content: "I can pick it up today", SentAt: tsAt(time.Second)})

		// The server's authoritative fetch contains its echo of the first
		// send plus a counterpart reply the placeholder never saw.
		real := Conversation{
			ID:            900,
			CounterpartID: 42,
			ItemID:        200,
			Messages: []Message{
				{ID: 501, SenderID: 7, ReceiverID: 42, Content: "Is this available?", SentAt: tsAt(2 * time.Second)},
				{ID: 502, SenderID: 42, ReceiverID: 7, Content: "Yes!", SentAt: tsAt(3 * time.Second)},
			},
		}

		merged, ok := s.ReconcilePlaceholder(p.ID, real)
		if !ok {
			t.Fatal("expected reconciliation")
		}
		if merged.ID != 900 {
			t.Fatalf("expected real id 900, got %d", merged.ID)
		}
		// 501 dedups against the first optimistic send; the second
		// optimistic send and the reply both survive.
		if len(merged.Messages) != 3 {
			t.Fatalf("expected 3 messages, got %d: %+v", len(merged.Messages), merged.Messages)
		}

		if _, found := s.Get(p.ID); found {
			t.Fatal("placeholder must be gone after reconciliation")
		}
		if _, found := s.Get(900); !found {
			t.Fatal("real conversation must be in the store")
		}
	})

	t.Run("keeps placeholder thumbnail when real has none", func(t *testing.T) {
		s := testStore(newFakeHistory())
		p := s.EnsurePlaceholder(42, 200, "Alice", "Desk")
		s.SetThumbnail(p.ID, "https://cdn.example/desk.jpg")

		merged, _ := s.ReconcilePlaceholder(p.ID, Conversation{ID: 900, CounterpartID: 42, ItemID: 200})
		if merged.ThumbnailURL != "https://cdn.example/desk.jpg" {
			t.Fatalf("expected carried-over thumbnail, got %q", merged.ThumbnailURL)
		}
	})

	t.Run("unknown placeholder is a no-op", func(t *testing.T) {
		s := testStore(newFakeHistory())
		if _, ok := s.ReconcilePlaceholder(-12345, Conversation{ID: 900}); ok {
			t.Fatal("expected failure for unknown placeholder")
		}
	})
}

func TestStoreMarkClosed(t *testing.T) {
	s := testStore(newFakeHistory())
	s.Load([]Conversation{{ID: 10, CounterpartID: 42, ItemID: 200}})
	s.MarkClosed(10)
	c, _ := s.Get(10)
	if !c.Closed {
		t.Fatal("expected conversation closed")
	}
}

func TestStoreCounterpart(t *testing.T) {
	s := testStore(newFakeHistory())
	s.Load([]Conversation{{ID: 10, CounterpartID: 42, ItemID: 200}})
	if cp, ok := s.Counterpart(10); !ok || cp != 42 {
		t.Fatalf("expected counterpart 42, got %d (%v)", cp, ok)
	}
	if _, ok := s.Counterpart(999); ok {
		t.Fatal("expected unknown conversation")
	}
}
