package pulse

import (
	"context"
	"sync"
)

// ConversationAPI is the REST surface the conversation store needs.
// *ConversationsClient implements it.
type ConversationAPI interface {
	List(ctx context.Context) ([]Conversation, error)
	FindOrCreate(ctx context.Context, peerUserID string) (*Conversation, error)
}

// ConversationStore is the authoritative local cache of conversations:
// ordering (most recent first), per-conversation unread counts, and which
// conversation is currently open.
//
// It coordinates cross-store updates: an inbound pushed message touches both
// this store and the message store, and the single entry point is
// ApplyInbound here. The two stores never race on the same event.
type ConversationStore struct {
	api      ConversationAPI
	messages *MessageStore

	mu            sync.Mutex
	conversations []Conversation
	current       *Conversation
	loading       bool
}

// NewConversationStore creates a conversation store. The message store is
// required: inbound messages for the open conversation are forwarded to it.
func NewConversationStore(api ConversationAPI, messages *MessageStore) *ConversationStore {
	return &ConversationStore{api: api, messages: messages}
}

// Conversations returns a copy of the cached conversation list.
func (s *ConversationStore) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, len(s.conversations))
	copy(out, s.conversations)
	return out
}

// Current returns a copy of the active conversation, or nil.
func (s *ConversationStore) Current() *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	c := *s.current
	return &c
}

// Loading reports whether a List is in flight.
func (s *ConversationStore) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// List refetches the conversation list. The server response replaces the
// cache, except that for every conversation already known locally the local
// lastMessage, unreadCount and lastMessageAt win: the server snapshot may lag
// behind events already applied through the bridge, and a stale snapshot must
// not regress them. A failed fetch mutates nothing beyond the loading flag.
func (s *ConversationStore) List(ctx context.Context) ([]Conversation, error) {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()

	fetched, err := s.api.List(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if err != nil {
		return nil, err
	}

	local := make(map[string]*Conversation, len(s.conversations))
	for i := range s.conversations {
		local[s.conversations[i].ID] = &s.conversations[i]
	}

	merged := make([]Conversation, len(fetched))
	for i, server := range fetched {
		merged[i] = server
		if known, ok := local[server.ID]; ok {
			merged[i].LastMessage = known.LastMessage
			merged[i].LastMessageAt = known.LastMessageAt
			merged[i].UnreadCount = known.UnreadCount
		}
	}
	s.conversations = merged

	out := make([]Conversation, len(merged))
	copy(out, merged)
	return out, nil
}

// FindOrCreate gets or creates the conversation with a peer and makes it
// current. The conversation is deduped by id against the cached list and
// unshifted to the front when new.
func (s *ConversationStore) FindOrCreate(ctx context.Context, peerUserID string) (*Conversation, error) {
	conv, err := s.api.FindOrCreate(ctx, peerUserID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	cur := *conv
	s.current = &cur
	if s.indexOf(conv.ID) < 0 {
		s.conversations = append([]Conversation{*conv}, s.conversations...)
	}
	s.mu.Unlock()

	s.messages.setActive(conv.ID)
	return conv, nil
}

// SetCurrent marks a conversation as the actively-viewed one. Inbound
// messages for it stop incrementing its unread count and start flowing into
// the message store.
func (s *ConversationStore) SetCurrent(conv Conversation) {
	s.mu.Lock()
	c := conv
	s.current = &c
	s.mu.Unlock()
	s.messages.setActive(conv.ID)
}

// ClearCurrent drops the active conversation. Idempotent.
func (s *ConversationStore) ClearCurrent() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	s.messages.setActive("")
}

// ClearUnread resets a conversation's unread count to zero. Idempotent.
func (s *ConversationStore) ClearUnread(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(conversationID); i >= 0 {
		s.conversations[i].UnreadCount = 0
	}
}

// ApplyInbound applies a message pushed by the bridge. The message store is
// updated when the message belongs to the open conversation; the matching
// conversation's last-message summary always advances and its unread count
// increments unless the conversation is the open one. Duplicate deliveries
// of the same message id are no-ops.
func (s *ConversationStore) ApplyInbound(msg Message) {
	s.mu.Lock()
	active := s.current != nil && s.current.ID == msg.ConversationID
	s.mu.Unlock()

	if active {
		s.messages.applyInbound(msg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(msg.ConversationID)
	if i < 0 {
		return
	}
	if s.conversations[i].LastMessage != nil && s.conversations[i].LastMessage.ID == msg.ID {
		return
	}
	last := msg
	s.conversations[i].LastMessage = &last
	s.conversations[i].LastMessageAt = msg.CreatedAt
	if !active {
		s.conversations[i].UnreadCount++
	}
	s.moveToFront(i)
}

// ApplySent records the sender's own confirmed message: same last-message
// bookkeeping as inbound but never an unread increment. Sending into a
// just-created conversation that is not in the list yet creates a minimal
// stub at the front.
func (s *ConversationStore) ApplySent(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := msg
	i := s.indexOf(msg.ConversationID)
	if i < 0 {
		s.conversations = append([]Conversation{{
			ID:            msg.ConversationID,
			LastMessage:   &last,
			LastMessageAt: msg.CreatedAt,
		}}, s.conversations...)
		return
	}
	if s.conversations[i].LastMessage != nil && s.conversations[i].LastMessage.ID == msg.ID {
		return
	}
	s.conversations[i].LastMessage = &last
	s.conversations[i].LastMessageAt = msg.CreatedAt
	s.moveToFront(i)
}

// indexOf and moveToFront assume s.mu is held.

func (s *ConversationStore) indexOf(conversationID string) int {
	for i := range s.conversations {
		if s.conversations[i].ID == conversationID {
			return i
		}
	}
	return -1
}

// moveToFront keeps the most-recent-first invariant: whoever advances a
// conversation's last message re-positions it, no global sort happens.
func (s *ConversationStore) moveToFront(i int) {
	if i == 0 {
		return
	}
	conv := s.conversations[i]
	copy(s.conversations[1:i+1], s.conversations[:i])
	s.conversations[0] = conv
}
