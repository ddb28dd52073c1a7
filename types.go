package pulse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is a server-reported request failure.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
	}
	return "api error: " + e.Message
}

// apiResponse is the envelope every REST endpoint wraps its payload in.
type apiResponse struct {
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ============================================================================
// Users
// ============================================================================

// Participant is a user taking part in a conversation.
type Participant struct {
	ID             string `json:"_id"`
	Username       string `json:"username,omitempty"`
	FullName       string `json:"fullName,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// UserRef is a reference to a user. On the wire the server sends either a
// bare id string or a populated participant object; both decode into the
// same canonical form: ID is always set, Profile only when the server
// populated it. This keeps the union handling at the ingestion boundary
// instead of every consumer branching on shape.
type UserRef struct {
	ID      string
	Profile *Participant
}

func (r *UserRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = UserRef{}
		return nil
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = UserRef{ID: id}
		return nil
	}
	var p Participant
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = UserRef{ID: p.ID, Profile: &p}
	return nil
}

func (r UserRef) MarshalJSON() ([]byte, error) {
	if r.Profile != nil {
		return json.Marshal(r.Profile)
	}
	return json.Marshal(r.ID)
}

// ============================================================================
// Messages
// ============================================================================

// MessageType distinguishes text from image messages.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
)

// MessageStatus is the transient delivery state of a locally-known message.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// OptimisticIDPrefix marks client-assigned placeholder ids. A message keeps
// such an id only until the server confirms it.
const OptimisticIDPrefix = "optimistic_"

// Message is a single direct message.
type Message struct {
	ID             string        `json:"_id"`
	ConversationID string        `json:"conversationId"`
	Sender         UserRef       `json:"senderId"`
	RecipientID    string        `json:"recipientId,omitempty"`
	Type           MessageType   `json:"messageType"`
	Content        string        `json:"content"`
	ImageURL       string        `json:"imageUrl,omitempty"`
	IsRead         bool          `json:"isRead"`
	CreatedAt      time.Time     `json:"createdAt"`
	Optimistic     bool          `json:"optimistic,omitempty"`
	Status         MessageStatus `json:"status,omitempty"`
}

// ReadReceipt is the response to marking a message read.
type ReadReceipt struct {
	ID     string `json:"_id"`
	IsRead bool   `json:"isRead"`
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is a two-party channel with summary metadata and an unread
// counter local to the viewing user.
type Conversation struct {
	ID            string        `json:"_id"`
	Participants  []Participant `json:"participants,omitempty"`
	LastMessage   *Message      `json:"lastMessage"`
	LastMessageAt time.Time     `json:"lastMessageAt,omitempty"`
	UnreadCount   int           `json:"unreadCount"`
	CreatedAt     time.Time     `json:"createdAt,omitempty"`
}

// GetOtherParticipant returns the peer in a two-party conversation, or nil
// if the participant list does not include one.
func GetOtherParticipant(conv *Conversation, selfID string) *Participant {
	if conv == nil {
		return nil
	}
	for i := range conv.Participants {
		if conv.Participants[i].ID != selfID {
			return &conv.Participants[i]
		}
	}
	return nil
}

// ============================================================================
// Send requests
// ============================================================================

// SendTextRequest is the payload for sending a text message.
type SendTextRequest struct {
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId"`
	Content        string `json:"content"`
}

// ImageUpload describes an image to send. Preview is an optional local
// reference (file path, blob handle) shown on the optimistic placeholder
// until the server returns the stored media URL.
type ImageUpload struct {
	FileName string
	Body     io.Reader
	Preview  string
}

// ============================================================================
// Time grouping
// ============================================================================

// TimeDividerThreshold is the gap after which the UI inserts a time divider
// between consecutive messages.
const TimeDividerThreshold = 5 * time.Minute

// NeedsTimeDivider reports whether a divider belongs between prev and cur.
func NeedsTimeDivider(prev, cur *Message) bool {
	if prev == nil {
		return true
	}
	return cur.CreatedAt.Sub(prev.CreatedAt) > TimeDividerThreshold
}
