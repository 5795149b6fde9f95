package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Events
// ============================================================================

const (
	// EventConversationUpdated fires with a Conversation snapshot whenever a
	// timeline or conversation identity changes.
	EventConversationUpdated = "conversation.updated"
	// EventConnectionState fires with a SessionState on transport
	// transitions.
	EventConnectionState = "connection.state"
)

// EventHandler receives messenger events.
type EventHandler func(event string, payload any)

type eventEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func (e *eventEmitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *eventEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *eventEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}

// ============================================================================
// Messenger
// ============================================================================

var (
	// ErrNoOpenConversation is returned by Send before Open has succeeded.
	ErrNoOpenConversation = errors.New("messaging: no open conversation")
	// ErrConversationClosed is returned by Send once the subject item has
	// been marked sold.
	ErrConversationClosed = errors.New("messaging: conversation closed")
	// ErrEmptyMessage is returned by Send for empty user content.
	ErrEmptyMessage = errors.New("messaging: empty message")
)

// MessengerOptions tunes the coordinator.
type MessengerOptions struct {
	// ReconcileDelay is the one-shot wait between the first send on a
	// placeholder and the lookup for the server-created conversation.
	// Chosen to exceed typical server processing latency.
	ReconcileDelay time.Duration
	// ReconcileTimeout bounds the reconciliation lookup request.
	ReconcileTimeout time.Duration
	Logger           *slog.Logger
}

func (o *MessengerOptions) defaults() {
	if o.ReconcileDelay == 0 {
		o.ReconcileDelay = 500 * time.Millisecond
	}
	if o.ReconcileTimeout == 0 {
		o.ReconcileTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Messenger is the feature-level coordinator of the messaging subsystem. It
// ties the REST collaborators, the broker session, the normalizer, and the
// conversation store together, and is what a UI layer talks to.
//
// Construct one per feature activation and Close it on navigation away.
type Messenger struct {
	eventEmitter

	client   *Client
	session  *Session
	store    *Store
	norm     *normalizer
	viewerID int64
	logger   *slog.Logger

	reconcileDelay   time.Duration
	reconcileTimeout time.Duration
	now              func() time.Time

	mu     sync.Mutex
	openID int64 // 0 = none
}

// NewMessenger wires a messenger from its collaborators.
func NewMessenger(client *Client, session *Session, viewerID int64, opts *MessengerOptions) *Messenger {
	o := MessengerOptions{}
	if opts != nil {
		o = *opts
	}
	o.defaults()

	store := NewStore(client.Messages(), o.Logger)
	m := &Messenger{
		eventEmitter:     eventEmitter{listeners: make(map[string][]EventHandler)},
		client:           client,
		session:          session,
		store:            store,
		norm:             newNormalizer(viewerID, store.Counterpart),
		viewerID:         viewerID,
		logger:           o.Logger,
		reconcileDelay:   o.ReconcileDelay,
		reconcileTimeout: o.ReconcileTimeout,
		now:              time.Now,
	}

	session.OnStateChange(func(state SessionState) {
		m.emit(EventConnectionState, state)
	})
	return m
}

// Store exposes the conversation table for read access (list rendering).
func (m *Messenger) Store() *Store { return m.store }

// Start loads the viewer's conversation list and brings the broker session
// up. A list fetch failure is surfaced to the caller as a recoverable error;
// the session still connects so the feature degrades to live-only.
func (m *Messenger) Start(ctx context.Context) error {
	conversations, err := m.client.Conversations().List(ctx)
	if err == nil {
		m.store.Load(conversations)
	}
	m.session.Connect(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	return nil
}

// Open designates the conversation with counterpartID about itemID as the
// open one, creating a placeholder when the backend knows no such
// conversation. Real conversations get their history fetched lazily and
// their broker topic subscribed; the thumbnail is resolved in the
// background.
//
// Switching the open conversation does not cancel anything in flight for the
// previous one — late frames are still merged into their conversation.
func (m *Messenger) Open(ctx context.Context, counterpartID, itemID int64, counterpartName, itemTitle string) (Conversation, error) {
	conv := m.store.EnsurePlaceholder(counterpartID, itemID, counterpartName, itemTitle)

	m.mu.Lock()
	m.openID = conv.ID
	m.mu.Unlock()

	if !conv.IsPlaceholder() {
		if err := m.store.FetchHistory(ctx, conv.ID, false); err != nil {
			return conv, err
		}
		m.session.Subscribe(conv.ID, m.frameHandler(conv.ID))
		conv, _ = m.store.Get(conv.ID)
	}

	if conv.ThumbnailURL == "" || conv.ThumbnailURL == DefaultThumbnail {
		go m.resolveThumbnail(ctx, conv.ID, itemID)
	}

	m.emit(EventConversationUpdated, conv)
	return conv, nil
}

// Send publishes content to the open conversation and applies the optimistic
// local echo. The message appears on the timeline immediately with a
// provisional clock-based id; the broker echo later collapses onto it via
// the merge engine, whichever of the two is applied first.
//
// While the session is disconnected the send fails synchronously with
// ErrNotConnected and nothing is added to the timeline, so the UI keeps the
// draft.
func (m *Messenger) Send(ctx context.Context, content string) error {
	if content == "" {
		return ErrEmptyMessage
	}

	m.mu.Lock()
	openID := m.openID
	m.mu.Unlock()
	if openID == 0 {
		return ErrNoOpenConversation
	}

	conv, ok := m.store.Get(openID)
	if !ok {
		return ErrNoOpenConversation
	}
	if conv.Closed {
		return ErrConversationClosed
	}

	err := m.session.Publish(ctx, SendDestination, map[string]any{
		"subjectItemId": conv.ItemID,
		"content":       content,
		"receiverId":    conv.CounterpartID,
	})
	if err != nil {
		return err
	}

	now := m.now()
	optimistic := Message{
		ID:         now.UnixMilli(), // provisional until the broker echo
		SenderID:   m.viewerID,
		ReceiverID: conv.CounterpartID,
		Content:    content,
		SentAt:     now.UTC().Format(time.RFC3339),
	}
	targetID := m.applyOptimistic(conv.ID, optimistic)
	if updated, ok := m.store.Get(targetID); ok {
		m.emit(EventConversationUpdated, updated)
	}

	if conv.IsPlaceholder() {
		// The outbound frame carries enough for the server to create-or-find
		// the conversation; look it up once after a short delay rather than
		// waiting synchronously.
		time.AfterFunc(m.reconcileDelay, func() {
			m.reconcile(conv.ID, conv.CounterpartID, conv.ItemID)
		})
	}
	return nil
}

// MarkItemSold marks the conversation's subject item unavailable and closes
// the conversation for further sending.
func (m *Messenger) MarkItemSold(ctx context.Context, conversationID int64) error {
	if err := m.client.Items().MarkSold(ctx, conversationID); err != nil {
		return fmt.Errorf("mark item sold: %w", err)
	}
	m.store.MarkClosed(conversationID)
	if conv, ok := m.store.Get(conversationID); ok {
		m.emit(EventConversationUpdated, conv)
	}
	return nil
}

// Close tears down the broker session and drops all listeners. Safe to call
// repeatedly and mid-reconnect.
func (m *Messenger) Close() {
	m.session.Disconnect()
	m.removeAll()
}

// ============================================================================
// Internals
// ============================================================================

// applyOptimistic merges a just-sent message into conversationID, falling
// back to the currently open conversation when the addressed one was
// reconciled away between the caller's snapshot and the apply. It returns
// the conversation the message landed on.
func (m *Messenger) applyOptimistic(conversationID int64, msg Message) int64 {
	if m.store.ApplyIncoming(conversationID, msg) {
		return conversationID
	}
	if _, ok := m.store.Get(conversationID); ok {
		// Suppressed as a duplicate; the timeline already carries it.
		return conversationID
	}
	m.mu.Lock()
	current := m.openID
	m.mu.Unlock()
	if current != conversationID {
		m.store.ApplyIncoming(current, msg)
		return current
	}
	return conversationID
}

// frameHandler normalizes and merges broker frames for one conversation.
// It runs on the session read loop, so frames are applied in arrival order.
func (m *Messenger) frameHandler(conversationID int64) FrameHandler {
	return func(payload json.RawMessage) {
		msg := m.norm.normalize(conversationID, payload)
		m.store.ApplyIncoming(conversationID, msg)
		if conv, ok := m.store.Get(conversationID); ok {
			m.emit(EventConversationUpdated, conv)
		}
	}
}

// reconcile looks up the conversation the server should have created for the
// first send on a placeholder and swaps the placeholder for it. A failed or
// empty lookup is silent: the placeholder persists and the next full reload
// re-attempts via the initial load matching logic.
func (m *Messenger) reconcile(placeholderID, counterpartID, itemID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.reconcileTimeout)
	defer cancel()

	real, err := m.client.Conversations().Lookup(ctx, counterpartID, itemID)
	if err != nil {
		m.logger.Debug("reconciliation lookup failed", "placeholder_id", placeholderID, "error", err)
		return
	}
	if real == nil {
		m.logger.Debug("reconciliation lookup found nothing", "placeholder_id", placeholderID)
		return
	}

	// The open id moves before the store swap so a send racing the
	// reconciliation retargets to the real conversation instead of the
	// vanished placeholder.
	m.mu.Lock()
	if m.openID == placeholderID {
		m.openID = real.ID
	}
	m.mu.Unlock()

	merged, ok := m.store.ReconcilePlaceholder(placeholderID, *real)
	if !ok {
		return
	}

	m.session.Subscribe(merged.ID, m.frameHandler(merged.ID))
	m.emit(EventConversationUpdated, merged)
}

func (m *Messenger) resolveThumbnail(ctx context.Context, conversationID, itemID int64) {
	images, err := m.client.Items().Images(ctx, itemID)
	if err != nil {
		m.logger.Debug("thumbnail lookup failed", "item_id", itemID, "error", err)
		return
	}
	if len(images) == 0 {
		return
	}
	m.store.SetThumbnail(conversationID, images[0].URL)
	if conv, ok := m.store.Get(conversationID); ok {
		m.emit(EventConversationUpdated, conv)
	}
}
