package pulse

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageAPI is the REST surface the message store needs. *MessagesClient
// implements it.
type MessageAPI interface {
	ListByConversation(ctx context.Context, conversationID string) ([]Message, error)
	SendText(ctx context.Context, req SendTextRequest) (*Message, error)
	SendImage(ctx context.Context, conversationID, recipientID string, img ImageUpload) (*Message, error)
	MarkRead(ctx context.Context, messageID string) (*ReadReceipt, error)
	UnreadCount(ctx context.Context) (int, error)
}

// MessageStore holds the message list of the currently open conversation.
//
// The list is append-ordered by receipt, never re-sorted by timestamp.
// Responses for a conversation that is no longer active are dropped rather
// than applied: relevance is checked when the response arrives, not when the
// call was issued.
type MessageStore struct {
	api    MessageAPI
	selfID string

	mu       sync.Mutex
	activeID string
	messages []Message
	loading  bool

	// newID is swappable in tests.
	newID func() string

	now func() time.Time
}

// NewMessageStore creates a message store backed by the given API.
// selfID is the authenticated user's id, used as the sender of optimistic
// placeholders.
func NewMessageStore(api MessageAPI, selfID string) *MessageStore {
	return &MessageStore{
		api:    api,
		selfID: selfID,
		newID:  func() string { return OptimisticIDPrefix + uuid.NewString() },
		now:    time.Now,
	}
}

// setActive scopes the store to a conversation. Called by the conversation
// store when the current conversation changes; it is the only writer of the
// active id.
func (s *MessageStore) setActive(conversationID string) {
	s.mu.Lock()
	s.activeID = conversationID
	s.mu.Unlock()
}

// Messages returns a copy of the current message list.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Loading reports whether a Load is in flight.
func (s *MessageStore) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Clear empties the message list. Called when leaving a conversation view so
// a slow load for the next one never shows stale messages.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
}

// Load replaces the message list with the conversation's history. The
// replacement only happens if the conversation is still the active one when
// the response arrives; a stale response is silently dropped.
func (s *MessageStore) Load(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()

	msgs, err := s.api.ListByConversation(ctx, conversationID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if err != nil {
		return err
	}
	if s.activeID == conversationID {
		s.messages = msgs
	}
	return nil
}

// SendText sends a text message. No optimistic placeholder is used: on
// success the confirmed message is appended if the conversation is still
// active, on failure nothing was ever added.
func (s *MessageStore) SendText(ctx context.Context, conversationID, recipientID, content string) (*Message, error) {
	msg, err := s.api.SendText(ctx, SendTextRequest{
		ConversationID: conversationID,
		RecipientID:    recipientID,
		Content:        content,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.activeID == msg.ConversationID {
		s.messages = append(s.messages, *msg)
	}
	s.mu.Unlock()
	return msg, nil
}

// SendImage sends an image with an optimistic placeholder:
//
//  1. a placeholder with a client-generated id, status "sending" and the
//     local preview reference is appended immediately;
//  2. the upload runs;
//  3. on success the placeholder is overwritten in place with the confirmed
//     message (optimistic cleared, status "sent"); if a concurrent reset
//     removed it, the confirmed message is appended fresh;
//  4. on failure the placeholder flips to status "failed" and stays visible
//     so the caller can offer retry/remove.
//
// Exactly one message per send attempt survives in the list either way.
func (s *MessageStore) SendImage(ctx context.Context, conversationID, recipientID string, img ImageUpload) (*Message, error) {
	placeholder := Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		Sender:         UserRef{ID: s.selfID},
		RecipientID:    recipientID,
		Type:           MessageImage,
		ImageURL:       img.Preview,
		IsRead:         true,
		CreatedAt:      s.now(),
		Optimistic:     true,
		Status:         StatusSending,
	}

	s.mu.Lock()
	s.messages = append(s.messages, placeholder)
	s.mu.Unlock()

	confirmed, err := s.api.SendImage(ctx, conversationID, recipientID, img)
	if err != nil {
		s.failPlaceholder(placeholder.ID)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.findPlaceholder(confirmed.ConversationID); i >= 0 {
		s.messages[i] = *confirmed
		s.messages[i].Optimistic = false
		s.messages[i].Status = StatusSent
		out := s.messages[i]
		return &out, nil
	}
	appended := *confirmed
	appended.Status = StatusSent
	s.messages = append(s.messages, appended)
	return &appended, nil
}

// findPlaceholder returns the index of the most recent optimistic image
// placeholder still marked sending in the given conversation, or -1.
// Matching is by type/state/recency, not array position: inbound events may
// have interleaved other messages since the send started.
func (s *MessageStore) findPlaceholder(conversationID string) int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := &s.messages[i]
		if m.ConversationID == conversationID &&
			m.Type == MessageImage &&
			m.Optimistic &&
			m.Status == StatusSending {
			return i
		}
	}
	return -1
}

func (s *MessageStore) failPlaceholder(placeholderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == placeholderID {
			s.messages[i].Status = StatusFailed
			return
		}
	}
}

// MarkRead marks a message read on the server and mirrors the result on the
// matching local message.
func (s *MessageStore) MarkRead(ctx context.Context, messageID string) error {
	receipt, err := s.api.MarkRead(ctx, messageID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == receipt.ID {
			s.messages[i].IsRead = receipt.IsRead
			return nil
		}
	}
	return nil
}

// applyInbound appends a pushed message if its conversation is the active
// one. Duplicate deliveries of the same message id are ignored.
func (s *MessageStore) applyInbound(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeID != msg.ConversationID {
		return
	}
	for i := range s.messages {
		if s.messages[i].ID == msg.ID {
			return
		}
	}
	s.messages = append(s.messages, msg)
}
