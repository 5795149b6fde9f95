package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ============================================================================
// Conversation Store
// ============================================================================

// HistoryService is the REST collaborator the store pulls message history
// from. *MessagesClient satisfies it.
type HistoryService interface {
	History(ctx context.Context, conversationID int64) ([]Message, error)
}

// Store is the authoritative in-memory table of conversations visible to the
// viewer for the lifetime of the messaging session. It is the only writer of
// conversation state; the transport never mutates it directly.
//
// All mutations are serialized by one mutex, so an incoming broker frame is
// fully applied before the next event touches the table.
type Store struct {
	history HistoryService
	logger  *slog.Logger

	mu              sync.Mutex
	conversations   []*Conversation
	nextPlaceholder int64
}

// NewStore creates an empty conversation store.
func NewStore(history HistoryService, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		history:         history,
		logger:          logger,
		nextPlaceholder: PlaceholderBaseID,
	}
}

// Load bulk-replaces the conversation list with the result of the initial
// list fetch. Each entry's history stays absent until individually fetched.
func (s *Store) Load(conversations []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = make([]*Conversation, 0, len(conversations))
	for i := range conversations {
		c := conversations[i].clone()
		s.conversations = append(s.conversations, &c)
	}
}

// Conversations returns a snapshot of the table in list order.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.clone())
	}
	return out
}

// Get returns a snapshot of one conversation.
func (s *Store) Get(conversationID int64) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.find(conversationID); c != nil {
		return c.clone(), true
	}
	return Conversation{}, false
}

// Counterpart resolves the other participant of a conversation; used by the
// normalizer's sender inference.
func (s *Store) Counterpart(conversationID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.find(conversationID); c != nil {
		return c.CounterpartID, true
	}
	return 0, false
}

// EnsurePlaceholder returns the conversation for the (counterpart, item)
// pair, synthesizing a placeholder when neither a real conversation nor an
// existing placeholder matches. At most one placeholder exists per pair;
// calling this twice for the same pair yields the same conversation.
//
// Matching is on counterpart id AND subject item id — never counterpart
// alone — so conversations about different items with the same counterpart
// stay separate.
func (s *Store) EnsurePlaceholder(counterpartID, itemID int64, counterpartName, itemTitle string) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conversations {
		if c.CounterpartID == counterpartID && c.ItemID == itemID {
			return c.clone()
		}
	}

	c := &Conversation{
		ID:              s.nextPlaceholder,
		CounterpartID:   counterpartID,
		CounterpartName: counterpartName,
		ItemID:          itemID,
		ItemTitle:       itemTitle,
		ThumbnailURL:    DefaultThumbnail,
		Messages:        []Message{},
	}
	s.nextPlaceholder--
	s.conversations = append(s.conversations, c)
	return c.clone()
}

// FetchHistory lazily populates the message timeline of a real conversation.
// An already-populated conversation is not re-fetched unless force is set.
// History arrives pre-deduplicated from the server and replaces the timeline
// wholesale rather than merging message by message.
func (s *Store) FetchHistory(ctx context.Context, conversationID int64, force bool) error {
	s.mu.Lock()
	c := s.find(conversationID)
	if c == nil {
		s.mu.Unlock()
		return fmt.Errorf("unknown conversation %d", conversationID)
	}
	if c.IsPlaceholder() || (c.Messages != nil && !force) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	messages, err := s.history.History(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("fetch history for conversation %d: %w", conversationID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c = s.find(conversationID)
	if c == nil {
		// Reconciled or reloaded away while the fetch was in flight.
		return nil
	}
	if messages == nil {
		messages = []Message{}
	}
	c.Messages = messages
	if len(messages) > 0 {
		c.LastMessage = summarize(messages[len(messages)-1])
	}
	return nil
}

// ApplyIncoming runs the merge engine against the addressed conversation's
// timeline. Frames for unknown conversations are logged and dropped; frames
// for conversations other than the open one are still merged so the timeline
// is correct when the user switches back.
func (s *Store) ApplyIncoming(conversationID int64, m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.find(conversationID)
	if c == nil {
		s.logger.Warn("message for unknown conversation dropped", "conversation_id", conversationID, "message_id", m.ID)
		return false
	}
	return mergeMessage(c, m)
}

// SetThumbnail records the resolved item thumbnail.
func (s *Store) SetThumbnail(conversationID int64, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.find(conversationID); c != nil {
		c.ThumbnailURL = url
	}
}

// MarkClosed flags the conversation's subject item as sold; further sends
// are refused client-side.
func (s *Store) MarkClosed(conversationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.find(conversationID); c != nil {
		c.Closed = true
	}
}

// ReconcilePlaceholder swaps a placeholder for the real conversation the
// server materialized after the first send. Messages accumulated on the
// placeholder (optimistic sends that predate the real id) are carried over
// through the merge engine, so nothing in flight is lost and the broker echo
// the server already delivered is not duplicated.
//
// The returned snapshot is the reconciled conversation; ok is false when the
// placeholder id is unknown.
func (s *Store) ReconcilePlaceholder(placeholderID int64, real Conversation) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, c := range s.conversations {
		if c.ID == placeholderID {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.logger.Warn("reconcile for unknown placeholder", "placeholder_id", placeholderID)
		return Conversation{}, false
	}

	merged := real.clone()
	if merged.Messages == nil {
		merged.Messages = []Message{}
	}
	if merged.ThumbnailURL == "" {
		merged.ThumbnailURL = s.conversations[idx].ThumbnailURL
	}
	if merged.LastMessage == nil && len(merged.Messages) > 0 {
		merged.LastMessage = summarize(merged.Messages[len(merged.Messages)-1])
	}
	for _, m := range s.conversations[idx].Messages {
		mergeMessage(&merged, m)
	}

	s.conversations[idx] = &merged
	return merged.clone(), true
}

// find returns the live entry for id; callers hold s.mu.
func (s *Store) find(conversationID int64) *Conversation {
	for _, c := range s.conversations {
		if c.ID == conversationID {
			return c
		}
	}
	return nil
}
