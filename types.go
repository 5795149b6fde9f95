package messaging

import "time"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the marketplace API.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ============================================================================
// Conversation & Message Model
// ============================================================================

// SystemSenderID marks messages generated by the backend itself
// (e.g. "item marked as sold"). They are never attributed to a user.
const SystemSenderID = 0

// PlaceholderBaseID is the sentinel id of the first placeholder conversation.
// Placeholders get descending negative ids (-999, -1000, ...) so that every
// live placeholder keeps a distinct key while remaining recognizable as
// client-only state.
const PlaceholderBaseID = -999

// DefaultThumbnail is the image reference used until the subject item's
// pictures have been looked up, or when it has none.
const DefaultThumbnail = "/img/item-placeholder.png"

// Message is the canonical message shape used across all arrival paths
// (history fetch, optimistic local echo, broker push).
//
// The id is provisional (client clock based) for optimistic sends until the
// broker echo supplies the authoritative one; the merge engine reconciles the
// two. SentAt is an ISO-8601 / RFC 3339 timestamp string as the backend
// delivers it.
type Message struct {
	ID         int64  `json:"id"`
	SenderID   int64  `json:"senderId"`
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
	SentAt     string `json:"sentAt"`
	Read       bool   `json:"read"`
}

// sentAtTime parses the message timestamp. The zero time is returned for
// anything unparseable; callers treat that as "unknown".
func (m Message) sentAtTime() time.Time {
	t, err := time.Parse(time.RFC3339, m.SentAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// LastMessage is the denormalized summary of a conversation's most recent
// message, present even when the full history has not been fetched.
type LastMessage struct {
	ID       int64  `json:"id"`
	SenderID int64  `json:"senderId"`
	Content  string `json:"content"`
	SentAt   string `json:"sentAt"`
	Read     bool   `json:"read"`
}

// Conversation is one thread between the viewer and a counterpart about a
// subject item. Messages is nil until the history has been fetched;
// an empty non-nil slice means "fetched, no messages yet".
type Conversation struct {
	ID              int64        `json:"id"`
	CounterpartID   int64        `json:"counterpartUserId"`
	CounterpartName string       `json:"counterpartDisplayName"`
	ItemID          int64        `json:"subjectItemId"`
	ItemTitle       string       `json:"subjectItemTitle"`
	ThumbnailURL    string       `json:"thumbnailUrl,omitempty"`
	Messages        []Message    `json:"messages,omitempty"`
	LastMessage     *LastMessage `json:"lastMessage,omitempty"`

	// Closed is set once the subject item has been marked sold; further
	// sends on the conversation are refused client-side.
	Closed bool `json:"closed,omitempty"`
}

// IsPlaceholder reports whether the conversation only exists client-side,
// i.e. the backend has not created the corresponding record yet.
func (c Conversation) IsPlaceholder() bool {
	return c.ID < 0
}

// clone returns a deep copy safe to hand to callers while the store keeps
// mutating its own instance.
func (c *Conversation) clone() Conversation {
	out := *c
	if c.Messages != nil {
		out.Messages = append([]Message(nil), c.Messages...)
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// ItemImage is one picture attached to a marketplace item.
type ItemImage struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}
