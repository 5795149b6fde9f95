// Package messaging provides the Go client SDK for the CampusMarket
// real-time messaging backend.
//
// It covers the REST collaborators (conversation list, message history, item
// images, mark-as-sold) and the broker transport, plus the conversation state
// synchronization engine that merges live broker pushes, optimistic local
// sends, and fetched history into one duplicate-free timeline per
// conversation.
//
// Example:
//
//	client := messaging.NewClient("https://api.campusmarket.example",
//		messaging.StaticToken(token))
//	session := messaging.NewSession("wss://api.campusmarket.example/ws",
//		messaging.StaticToken(token), nil)
//
//	m := messaging.NewMessenger(client, session, viewerID, nil)
//	m.On(messaging.EventConversationUpdated, func(event string, payload any) {
//		// re-render
//	})
//	_ = m.Start(ctx)
//	conv, _ := m.Open(ctx, sellerID, itemID, "Alice", "Desk")
//	_ = m.Send(ctx, "Is this available?")
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.campusmarket.example"
	DefaultTimeout = 30 * time.Second
)

// TokenProvider supplies the current bearer credential. An empty string means
// no credential is available; network operations that require auth are then
// skipped (transport) or rejected (REST).
type TokenProvider func() string

// StaticToken wraps a fixed credential string in a TokenProvider.
func StaticToken(token string) TokenProvider {
	return func() string { return token }
}

// ============================================================================
// Client
// ============================================================================

// Client is the REST access point for the messaging collaborators.
type Client struct {
	baseURL    string
	token      TokenProvider
	httpClient *http.Client
	logger     *slog.Logger

	conversations *ConversationsClient
	messages      *MessagesClient
	items         *ItemsClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new marketplace messaging client.
func NewClient(baseURL string, token TokenProvider, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.token == nil {
		c.token = func() string { return "" }
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	c.conversations = &ConversationsClient{client: c}
	c.messages = &MessagesClient{client: c}
	c.items = &ItemsClient{client: c}
	return c
}

// Conversations returns the conversation-list sub-client.
func (c *Client) Conversations() *ConversationsClient { return c.conversations }

// Messages returns the message-history sub-client.
func (c *Client) Messages() *MessagesClient { return c.messages }

// Items returns the item metadata sub-client.
func (c *Client) Items() *ItemsClient { return c.items }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		// Error bodies are best effort; the status code alone is enough.
		_ = json.Unmarshal(data, apiErr)
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Sub-Clients
// ============================================================================

// ConversationsClient lists and looks up conversations for the viewer.
type ConversationsClient struct{ client *Client }

// List returns every conversation involving the current viewer, each with its
// denormalized last-message summary and subject metadata but without the full
// message history.
func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	data, err := cv.client.doRequest(ctx, "GET", "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[[]Conversation](data)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// Lookup finds the conversation between the viewer and counterpartID about
// itemID, including its full ordered message list. A nil conversation with a
// nil error means the backend has no such conversation (yet).
func (cv *ConversationsClient) Lookup(ctx context.Context, counterpartID, itemID int64) (*Conversation, error) {
	data, err := cv.client.doRequest(ctx, "GET", "/api/conversations/lookup", nil, map[string]string{
		"userId": fmt.Sprintf("%d", counterpartID),
		"itemId": fmt.Sprintf("%d", itemID),
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// MessagesClient fetches message history.
type MessagesClient struct{ client *Client }

// History returns the full ordered message list of a conversation.
func (m *MessagesClient) History(ctx context.Context, conversationID int64) ([]Message, error) {
	data, err := m.client.doRequest(ctx, "GET", fmt.Sprintf("/api/conversations/%d/messages", conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// ItemsClient covers item metadata used by the messaging feature.
type ItemsClient struct{ client *Client }

// Images returns the picture URLs of an item, most relevant first. An empty
// slice is not an error; callers fall back to DefaultThumbnail.
func (it *ItemsClient) Images(ctx context.Context, itemID int64) ([]ItemImage, error) {
	data, err := it.client.doRequest(ctx, "GET", fmt.Sprintf("/api/items/%d/images", itemID), nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[[]ItemImage](data)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// MarkSold signals the backend to mark the conversation's subject item as no
// longer available. On success the conversation should be treated as closed
// for further sending.
func (it *ItemsClient) MarkSold(ctx context.Context, conversationID int64) error {
	_, err := it.client.doRequest(ctx, "POST", fmt.Sprintf("/api/conversations/%d/sold", conversationID), nil, nil)
	return err
}
