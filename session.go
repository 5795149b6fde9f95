package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Format
// ============================================================================

// Frame is the broker wire envelope. Subscribe and heartbeat frames carry no
// payload; send frames carry the outbound message body; message frames carry
// a message payload whose field naming may vary (see normalize.go).
type Frame struct {
	Type        string          `json:"type"`
	Destination string          `json:"destination,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

const (
	frameSubscribe = "subscribe"
	frameSend      = "send"
	frameMessage   = "message"
	frameHeartbeat = "heartbeat"
)

// SendDestination is the fixed system destination outbound message frames
// are published to. The broker resolves the target conversation from the
// payload's receiver and subject item.
const SendDestination = "/app/messages"

const conversationTopicPrefix = "/topic/conversations/"

// conversationTopic returns the broker topic for one conversation.
func conversationTopic(conversationID int64) string {
	return conversationTopicPrefix + strconv.FormatInt(conversationID, 10)
}

func topicConversationID(destination string) (int64, bool) {
	raw, ok := strings.CutPrefix(destination, conversationTopicPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ============================================================================
// Configuration & State
// ============================================================================

// SessionConfig configures the broker transport session.
type SessionConfig struct {
	// ReconnectDelay is the fixed backoff between connect attempts. The
	// session never gives up while it remains active.
	ReconnectDelay time.Duration
	// HeartbeatInterval is how often keepalive frames are written.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long the session tolerates inbound silence
	// before forcing a reconnect.
	HeartbeatTimeout time.Duration
	HTTPClient       *http.Client
	Logger           *slog.Logger
}

func (c *SessionConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// SessionState represents the transport connection state.
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateError        SessionState = "error"
)

// ErrNotConnected is returned by Publish while the session has no live
// connection. Outbound sends are never queued; the caller keeps the draft.
var ErrNotConnected = errors.New("messaging: session not connected")

// FrameHandler receives the payload of every message frame addressed to a
// subscribed conversation topic. Handlers run on the session's read loop, so
// one frame is fully processed before the next is handled.
type FrameHandler func(payload json.RawMessage)

// ============================================================================
// Session
// ============================================================================

// Session owns one persistent authenticated connection to the broker.
//
// It reconnects with a fixed delay for as long as the messaging feature is
// active, replays subscriptions after every (re)connect, and exchanges
// heartbeat frames in both directions. The broker gives no at-most-once
// guarantee; duplicate inbound frames are expected and resolved upstream by
// the merge engine.
type Session struct {
	brokerURL string
	token     TokenProvider
	config    *SessionConfig
	logger    *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	state     SessionState
	closed    bool // intentional teardown; stops the reconnect loop
	cancelFn  context.CancelFunc
	subs      map[int64]FrameHandler
	lastFrame time.Time
	onState   []func(SessionState)

	writeMu sync.Mutex
}

// NewSession creates a broker session. Nothing is dialed until Connect.
func NewSession(brokerURL string, token TokenProvider, config *SessionConfig) *Session {
	cfg := SessionConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	if token == nil {
		token = func() string { return "" }
	}
	return &Session{
		brokerURL: brokerURL,
		token:     token,
		config:    &cfg,
		logger:    cfg.Logger,
		state:     StateDisconnected,
		subs:      make(map[int64]FrameHandler),
	}
}

// State returns the current connection state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers an observer for connection-state transitions
// (e.g. to drive a "reconnecting…" indicator).
func (s *Session) OnStateChange(h func(SessionState)) {
	s.mu.Lock()
	s.onState = append(s.onState, h)
	s.mu.Unlock()
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	handlers := append([]func(SessionState){}, s.onState...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(state)
	}
}

// Connect starts the session and returns immediately. If no credential is
// available, no connection is attempted. Dial failures are logged and retried
// at the fixed ReconnectDelay; they are never fatal. Progress is observable
// via OnStateChange.
func (s *Session) Connect(ctx context.Context) {
	if s.token() == "" {
		s.logger.Debug("broker connect skipped: no credential")
		return
	}

	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return
	}
	s.closed = false
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.mu.Unlock()

	s.setState(StateConnecting)
	go s.connectLoop(runCtx)
}

func (s *Session) connectLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if s.token() == "" {
			// Credential disappeared (logout); stop quietly.
			s.setState(StateDisconnected)
			return
		}
		err := s.dial(ctx)
		if err == nil {
			return
		}
		s.logger.Warn("broker connect failed", "error", err, "retry_in", s.config.ReconnectDelay)
		select {
		case <-time.After(s.config.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) dial(ctx context.Context) error {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+s.token())

	conn, _, err := websocket.Dial(ctx, s.brokerURL, &websocket.DialOptions{
		HTTPHeader: hdr,
		HTTPClient: s.config.HTTPClient,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "session closed")
		return nil
	}
	s.conn = conn
	s.lastFrame = time.Now()
	topics := make([]int64, 0, len(s.subs))
	for id := range s.subs {
		topics = append(topics, id)
	}
	s.mu.Unlock()

	s.setState(StateConnected)

	// Replay pending and previously active subscriptions.
	for _, id := range topics {
		if err := s.writeFrame(ctx, Frame{Type: frameSubscribe, Destination: conversationTopic(id)}); err != nil {
			s.logger.Warn("subscribe replay failed", "conversation_id", id, "error", err)
		}
	}

	go s.readLoop(ctx, conn)
	go s.heartbeatLoop(ctx, conn)
	return nil
}

// Subscribe registers a handler for message frames addressed to the
// conversation's topic. Subscribing twice for the same id replaces the
// handler and never duplicates delivery. While disconnected the subscription
// is deferred and replayed once the connection is up.
func (s *Session) Subscribe(conversationID int64, h FrameHandler) {
	s.mu.Lock()
	_, existed := s.subs[conversationID]
	s.subs[conversationID] = h
	connected := s.state == StateConnected
	s.mu.Unlock()

	if existed || !connected {
		return
	}
	if err := s.writeFrame(context.Background(), Frame{Type: frameSubscribe, Destination: conversationTopic(conversationID)}); err != nil {
		// The connection is going down; the reconnect path replays it.
		s.logger.Debug("subscribe deferred", "conversation_id", conversationID, "error", err)
	}
}

// Unsubscribe drops the topic registration without touching the underlying
// socket. Unknown ids are a no-op.
func (s *Session) Unsubscribe(conversationID int64) {
	s.mu.Lock()
	delete(s.subs, conversationID)
	s.mu.Unlock()
}

// Publish writes a send frame immediately. It returns ErrNotConnected while
// the session has no live connection so the caller can surface the unsent
// draft; outbound loss must be visible, unlike inbound duplication.
func (s *Session) Publish(ctx context.Context, destination string, payload interface{}) error {
	s.mu.Lock()
	connected := s.state == StateConnected && s.conn != nil
	s.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return s.writeFrame(ctx, Frame{Type: frameSend, Destination: destination, Payload: body})
}

// Disconnect tears down the connection and all subscriptions. It is safe to
// call repeatedly and at any point of the reconnect backoff.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed && s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.subs = make(map[int64]FrameHandler)
	s.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	s.setState(StateDisconnected)
}

// ============================================================================
// Internals
// ============================================================================

func (s *Session) writeFrame(ctx context.Context, f Frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.handleDrop(ctx, conn, err)
			return
		}

		s.mu.Lock()
		s.lastFrame = time.Now()
		s.mu.Unlock()

		var frame Frame
		if json.Unmarshal(data, &frame) != nil {
			continue
		}
		if frame.Type != frameMessage {
			continue
		}

		id, ok := topicConversationID(frame.Destination)
		if !ok {
			s.logger.Debug("frame for unrecognized destination", "destination", frame.Destination)
			continue
		}

		s.mu.Lock()
		handler := s.subs[id]
		s.mu.Unlock()
		if handler == nil {
			s.logger.Debug("frame for unsubscribed conversation", "conversation_id", id)
			continue
		}
		// Synchronous on purpose: a frame is fully applied before the next
		// one is read, which keeps per-conversation arrival order intact.
		handler(frame.Payload)
	}
}

func (s *Session) handleDrop(ctx context.Context, conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()

	s.logger.Warn("broker connection lost", "error", cause)
	s.setState(StateError)
	s.setState(StateConnecting)
	go func() {
		select {
		case <-time.After(s.config.ReconnectDelay):
		case <-ctx.Done():
			return
		}
		s.connectLoop(ctx)
	}()
}

func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			current := s.conn == conn
			stale := time.Since(s.lastFrame) > s.config.HeartbeatTimeout
			s.mu.Unlock()
			if !current {
				return
			}
			if stale {
				// Force the read loop to fail and take the reconnect path.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			if err := s.writeFrame(ctx, Frame{Type: frameHeartbeat}); err != nil {
				return
			}
		}
	}
}
