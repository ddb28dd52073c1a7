// Package pulse provides the Go client SDK for the Pulse direct-messaging
// service.
//
// It covers the conversation/message REST API, a real-time event bridge, and
// a client-side state core (conversation store, message store, typing
// coordinator) that keeps a local cache consistent with server pushes.
//
// Example:
//
//	client := pulse.NewClient("https://pulse.example.com", pulse.WithToken(token))
//
//	convs, _ := client.Conversations.List(ctx)
//	msg, _ := client.Messages.SendText(ctx, pulse.SendTextRequest{
//		ConversationID: convs[0].ID,
//		RecipientID:    "user-123",
//		Content:        "Hello!",
//	})
package pulse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout bounds every REST call unless overridden.
const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client is the Pulse REST API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	Conversations *ConversationsClient
	Messages      *MessagesClient
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer credential sent on every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithTimeout overrides the default request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Pulse client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Conversations = &ConversationsClient{client: c}
	c.Messages = &MessagesClient{client: c}
	return c
}

// SetToken sets or updates the bearer credential.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

func (c *Client) send(req *http.Request) (json.RawMessage, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var envelope apiResponse
	if len(raw) > 0 {
		// A non-JSON body on an error status still yields a usable APIError.
		_ = json.Unmarshal(raw, &envelope)
	}

	if resp.StatusCode >= 400 {
		msg := envelope.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return envelope.Data, nil
}

func decodeJSON[T any](data json.RawMessage) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversations API
// ============================================================================

// ConversationsClient covers the conversation endpoints.
type ConversationsClient struct{ client *Client }

// List fetches the caller's conversations, most recent first.
func (cc *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	data, err := cc.client.doRequest(ctx, "GET", "/api/messages/conversations", nil)
	if err != nil {
		return nil, err
	}
	wrapper, err := decodeJSON[struct {
		Conversations []Conversation `json:"conversations"`
	}](data)
	if err != nil {
		return nil, err
	}
	return wrapper.Conversations, nil
}

// FindOrCreate returns the conversation with the given peer, creating it
// server-side if none exists yet.
func (cc *ConversationsClient) FindOrCreate(ctx context.Context, peerUserID string) (*Conversation, error) {
	data, err := cc.client.doRequest(ctx, "POST", "/api/messages/conversations",
		map[string]string{"userId": peerUserID})
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// ============================================================================
// Messages API
// ============================================================================

// MessagesClient covers the message endpoints.
type MessagesClient struct{ client *Client }

// ListByConversation fetches the full message history of a conversation.
func (mc *MessagesClient) ListByConversation(ctx context.Context, conversationID string) ([]Message, error) {
	data, err := mc.client.doRequest(ctx, "GET",
		"/api/messages/conversations/"+conversationID+"/messages", nil)
	if err != nil {
		return nil, err
	}
	wrapper, err := decodeJSON[struct {
		Messages []Message `json:"messages"`
	}](data)
	if err != nil {
		return nil, err
	}
	return wrapper.Messages, nil
}

// SendText sends a text message.
func (mc *MessagesClient) SendText(ctx context.Context, req SendTextRequest) (*Message, error) {
	data, err := mc.client.doRequest(ctx, "POST", "/api/messages/messages", map[string]string{
		"conversationId": req.ConversationID,
		"recipientId":    req.RecipientID,
		"messageType":    string(MessageText),
		"content":        req.Content,
	})
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// SendImage uploads an image as a multipart form and sends it as a message.
func (mc *MessagesClient) SendImage(ctx context.Context, conversationID, recipientID string, img ImageUpload) (*Message, error) {
	if img.FileName == "" || img.Body == nil {
		return nil, fmt.Errorf("image file name and body are required")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("conversationId", conversationID)
	_ = w.WriteField("recipientId", recipientID)
	_ = w.WriteField("messageType", string(MessageImage))

	part, err := w.CreateFormFile("image", img.FileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, img.Body); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST",
		mc.client.baseURL+"/api/messages/messages", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	data, err := mc.client.send(req)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// MarkRead marks a single message as read.
func (mc *MessagesClient) MarkRead(ctx context.Context, messageID string) (*ReadReceipt, error) {
	data, err := mc.client.doRequest(ctx, "PUT",
		"/api/messages/messages/"+messageID+"/read", nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ReadReceipt](data)
}

// UnreadCount returns the total number of unread messages across all
// conversations.
func (mc *MessagesClient) UnreadCount(ctx context.Context) (int, error) {
	data, err := mc.client.doRequest(ctx, "GET", "/api/messages/unread-count", nil)
	if err != nil {
		return 0, err
	}
	wrapper, err := decodeJSON[struct {
		UnreadCount int `json:"unreadCount"`
	}](data)
	if err != nil {
		return 0, err
	}
	return wrapper.UnreadCount, nil
}

// GuessImageMime returns the MIME type for an image file name, falling back
// to application/octet-stream.
func GuessImageMime(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
