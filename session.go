package pulse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Bridge is the real-time surface a session needs. *RealtimeClient
// implements it; tests substitute an in-memory fake.
type Bridge interface {
	TypingEmitter
	Connect(ctx context.Context) error
	Disconnect() error
	OnNewMessage(h func(Message)) CancelFunc
	OnUserTyping(h func(TypingEvent)) CancelFunc
	OnUserStopTyping(h func(TypingEvent)) CancelFunc
}

// SessionConfig configures a Session.
type SessionConfig struct {
	TypingStopDelay time.Duration // 0 means DefaultTypingStopDelay
	Logger          *zerolog.Logger
}

// Session ties the messaging core together for one authenticated user: it
// owns the bridge connection, both stores, the typing coordinator, and the
// inbound typing state. The bridge is injected rather than shared module
// state, so a session can be constructed at login and torn down at logout
// without ambient singletons.
//
// Event routing is single-path: the bridge's new_message handler feeds the
// conversation store, which in turn updates the message store for the open
// conversation. No field has two writers.
type Session struct {
	selfID     string
	messageAPI MessageAPI
	bridge     Bridge
	log        *zerolog.Logger

	Conversations *ConversationStore
	Messages      *MessageStore
	Typing        *TypingCoordinator
	TypingState   *TypingState

	mu           sync.Mutex
	unreadTotal  int
	detach       []CancelFunc
	markInflight map[string]struct{}
}

// NewSession builds the messaging core for the given user. conversations and
// messages are usually client.Conversations and client.Messages.
func NewSession(selfID string, conversations ConversationAPI, messages MessageAPI, bridge Bridge, config *SessionConfig) *Session {
	var logger *zerolog.Logger
	var typingCfg *TypingConfig
	if config != nil {
		logger = config.Logger
		if config.TypingStopDelay > 0 {
			typingCfg = &TypingConfig{StopDelay: config.TypingStopDelay, Logger: logger}
		}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if typingCfg == nil {
		typingCfg = &TypingConfig{Logger: logger}
	}

	ms := NewMessageStore(messages, selfID)
	s := &Session{
		selfID:        selfID,
		messageAPI:    messages,
		bridge:        bridge,
		log:           logger,
		Conversations: NewConversationStore(conversations, ms),
		Messages:      ms,
		Typing:        NewTypingCoordinator(bridge, typingCfg),
		TypingState:   NewTypingState(),
		markInflight:  make(map[string]struct{}),
	}

	s.detach = []CancelFunc{
		bridge.OnNewMessage(s.Conversations.ApplyInbound),
		bridge.OnUserTyping(s.TypingState.ApplyTyping),
		bridge.OnUserStopTyping(s.TypingState.ApplyStopTyping),
	}
	return s
}

// SelfID returns the authenticated user's id.
func (s *Session) SelfID() string {
	return s.selfID
}

// Connect opens the bridge connection and primes the conversation list.
// A list failure leaves the connection up; the caller may retry via
// Conversations.List.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.bridge.Connect(ctx); err != nil {
		return fmt.Errorf("bridge connect: %w", err)
	}
	if _, err := s.Conversations.List(ctx); err != nil {
		return fmt.Errorf("initial conversation fetch: %w", err)
	}
	return nil
}

// Close detaches every bridge handler, cancels typing timers, and closes the
// connection. Call on logout or auth loss.
func (s *Session) Close() error {
	for _, cancel := range s.detach {
		cancel()
	}
	s.detach = nil
	s.Typing.Close()
	return s.bridge.Disconnect()
}

// Open makes a conversation current, clears its unread count, and loads its
// history.
func (s *Session) Open(ctx context.Context, conv Conversation) error {
	s.Conversations.SetCurrent(conv)
	s.Conversations.ClearUnread(conv.ID)
	return s.Messages.Load(ctx, conv.ID)
}

// OpenWith gets or creates the conversation with a peer, then opens it.
func (s *Session) OpenWith(ctx context.Context, peerUserID string) (*Conversation, error) {
	conv, err := s.Conversations.FindOrCreate(ctx, peerUserID)
	if err != nil {
		return nil, err
	}
	s.Conversations.ClearUnread(conv.ID)
	if err := s.Messages.Load(ctx, conv.ID); err != nil {
		return conv, err
	}
	return conv, nil
}

// Leave tears down the open conversation view: the peer gets a stop-typing
// signal, the message list is cleared, and no conversation is current.
func (s *Session) Leave(ctx context.Context) {
	current := s.Conversations.Current()
	if current == nil {
		return
	}
	if peer := GetOtherParticipant(current, s.selfID); peer != nil {
		s.Typing.NotifyStopTyping(ctx, current.ID, peer.ID)
	}
	s.Messages.Clear()
	s.Conversations.ClearCurrent()
}

// SendText sends a text message and advances the conversation summary.
func (s *Session) SendText(ctx context.Context, conversationID, recipientID, content string) (*Message, error) {
	msg, err := s.Messages.SendText(ctx, conversationID, recipientID, content)
	if err != nil {
		return nil, err
	}
	s.Conversations.ApplySent(*msg)
	return msg, nil
}

// SendImage sends an image message (optimistic placeholder included) and
// advances the conversation summary once confirmed.
func (s *Session) SendImage(ctx context.Context, conversationID, recipientID string, img ImageUpload) (*Message, error) {
	msg, err := s.Messages.SendImage(ctx, conversationID, recipientID, img)
	if err != nil {
		return nil, err
	}
	s.Conversations.ApplySent(*msg)
	return msg, nil
}

// MarkVisibleRead marks every unread peer message in the open conversation
// as read, once each: optimistic messages are skipped, own messages are
// skipped, and a message with a mark already in flight is not re-marked.
// Failures are logged, not returned; an unmarked message is picked up by the
// next call. Returns the number of mark calls issued.
func (s *Session) MarkVisibleRead(ctx context.Context) int {
	issued := 0
	for _, msg := range s.Messages.Messages() {
		if msg.Optimistic || msg.IsRead || msg.Sender.ID == s.selfID {
			continue
		}

		s.mu.Lock()
		if _, inflight := s.markInflight[msg.ID]; inflight {
			s.mu.Unlock()
			continue
		}
		s.markInflight[msg.ID] = struct{}{}
		s.mu.Unlock()

		issued++
		err := s.Messages.MarkRead(ctx, msg.ID)

		s.mu.Lock()
		delete(s.markInflight, msg.ID)
		s.mu.Unlock()

		if err != nil {
			s.log.Warn().Err(err).Str("message", msg.ID).Msg("mark read failed")
		}
	}
	return issued
}

// RefreshUnreadTotal refetches the account-wide unread counter.
func (s *Session) RefreshUnreadTotal(ctx context.Context) (int, error) {
	n, err := s.messageAPI.UnreadCount(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.unreadTotal = n
	s.mu.Unlock()
	return n, nil
}

// UnreadTotal returns the last fetched account-wide unread counter.
func (s *Session) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadTotal
}
