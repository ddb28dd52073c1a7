package pulse

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTypingStopDelay is how long after the last keystroke the coordinator
// auto-emits stop_typing.
const DefaultTypingStopDelay = 1200 * time.Millisecond

// TypingEmitter is the outbound half of the bridge the coordinator needs.
// *RealtimeClient implements it.
type TypingEmitter interface {
	EmitTyping(ctx context.Context, sig TypingSignal) error
	EmitStopTyping(ctx context.Context, sig TypingSignal) error
}

// TypingConfig configures a TypingCoordinator.
type TypingConfig struct {
	StopDelay time.Duration
	Logger    *zerolog.Logger
}

// TypingCoordinator debounces outbound typing signals. The first keystroke
// emits typing; every further keystroke only re-arms the stop timer, so the
// peer sees one typing event and, once the user pauses past the delay, one
// stop_typing. The timer also covers the case where an explicit stop signal
// would have been dropped.
//
// The coordinator owns its timers: Close cancels them all, so no timer
// outlives a conversation switch or view teardown.
type TypingCoordinator struct {
	emitter   TypingEmitter
	stopDelay time.Duration
	log       *zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewTypingCoordinator creates a coordinator emitting through the given
// bridge. config may be nil.
func NewTypingCoordinator(emitter TypingEmitter, config *TypingConfig) *TypingCoordinator {
	c := &TypingCoordinator{
		emitter:   emitter,
		stopDelay: DefaultTypingStopDelay,
		timers:    make(map[string]*time.Timer),
	}
	if config != nil {
		if config.StopDelay > 0 {
			c.stopDelay = config.StopDelay
		}
		c.log = config.Logger
	}
	if c.log == nil {
		nop := zerolog.Nop()
		c.log = &nop
	}
	return c
}

// NotifyTyping records a keystroke. Emits typing when the user was not
// already typing in this conversation, and (re)arms the auto-stop timer.
func (c *TypingCoordinator) NotifyTyping(ctx context.Context, conversationID, recipientID string) {
	sig := TypingSignal{ConversationID: conversationID, RecipientID: recipientID}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	timer, alreadyTyping := c.timers[conversationID]
	if alreadyTyping {
		timer.Stop()
	}
	c.timers[conversationID] = time.AfterFunc(c.stopDelay, func() {
		c.autoStop(conversationID, sig)
	})
	c.mu.Unlock()

	if !alreadyTyping {
		if err := c.emitter.EmitTyping(ctx, sig); err != nil {
			c.log.Warn().Err(err).Str("conversation", conversationID).Msg("typing emit failed")
		}
	}
}

// NotifyStopTyping emits stop_typing immediately and cancels the pending
// timer. Call it when the chat view unmounts or the active conversation
// changes, so the peer never keeps a stale indicator.
func (c *TypingCoordinator) NotifyStopTyping(ctx context.Context, conversationID, recipientID string) {
	c.mu.Lock()
	if timer, ok := c.timers[conversationID]; ok {
		timer.Stop()
		delete(c.timers, conversationID)
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	sig := TypingSignal{ConversationID: conversationID, RecipientID: recipientID}
	if err := c.emitter.EmitStopTyping(ctx, sig); err != nil {
		c.log.Warn().Err(err).Str("conversation", conversationID).Msg("stop-typing emit failed")
	}
}

func (c *TypingCoordinator) autoStop(conversationID string, sig TypingSignal) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.timers, conversationID)
	c.mu.Unlock()

	if err := c.emitter.EmitStopTyping(context.Background(), sig); err != nil {
		c.log.Warn().Err(err).Str("conversation", conversationID).Msg("auto stop-typing emit failed")
	}
}

// Close cancels every pending timer. The coordinator is unusable afterwards.
func (c *TypingCoordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
}

// ============================================================================
// Inbound typing state
// ============================================================================

// TypingState tracks which peers are typing per conversation. Inbound events
// apply with set semantics: repeated user_typing from the same user is
// idempotent, and an entry disappears once its last typist stops.
type TypingState struct {
	mu             sync.RWMutex
	byConversation map[string]map[string]struct{}
}

// NewTypingState creates an empty typing state.
func NewTypingState() *TypingState {
	return &TypingState{byConversation: make(map[string]map[string]struct{})}
}

// ApplyTyping records that a user is typing.
func (ts *TypingState) ApplyTyping(ev TypingEvent) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	users, ok := ts.byConversation[ev.ConversationID]
	if !ok {
		users = make(map[string]struct{})
		ts.byConversation[ev.ConversationID] = users
	}
	users[ev.UserID] = struct{}{}
}

// ApplyStopTyping records that a user stopped typing.
func (ts *TypingState) ApplyStopTyping(ev TypingEvent) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	users, ok := ts.byConversation[ev.ConversationID]
	if !ok {
		return
	}
	delete(users, ev.UserID)
	if len(users) == 0 {
		delete(ts.byConversation, ev.ConversationID)
	}
}

// TypingUsers returns the ids of users currently typing in a conversation,
// sorted for stable output.
func (ts *TypingState) TypingUsers(conversationID string) []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	users := ts.byConversation[conversationID]
	if len(users) == 0 {
		return nil
	}
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsTyping reports whether a specific user is typing in a conversation.
func (ts *TypingState) IsTyping(conversationID, userID string) bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	_, ok := ts.byConversation[conversationID][userID]
	return ok
}
