package pulse

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type stubConversationAPI struct {
	listFn         func(ctx context.Context) ([]Conversation, error)
	findOrCreateFn func(ctx context.Context, peerUserID string) (*Conversation, error)
}

func (s *stubConversationAPI) List(ctx context.Context) ([]Conversation, error) {
	if s.listFn == nil {
		return nil, errors.New("unexpected List")
	}
	return s.listFn(ctx)
}

func (s *stubConversationAPI) FindOrCreate(ctx context.Context, peerUserID string) (*Conversation, error) {
	if s.findOrCreateFn == nil {
		return nil, errors.New("unexpected FindOrCreate")
	}
	return s.findOrCreateFn(ctx, peerUserID)
}

func newConvStore(api ConversationAPI) (*ConversationStore, *MessageStore) {
	ms := NewMessageStore(&stubMessageAPI{}, "me")
	return NewConversationStore(api, ms), ms
}

func TestConversationStoreList(t *testing.T) {
	t.Run("initial fetch populates cache", func(t *testing.T) {
		api := &stubConversationAPI{
			listFn: func(ctx context.Context) ([]Conversation, error) {
				return []Conversation{{ID: "c1", UnreadCount: 2}, {ID: "c2"}}, nil
			},
		}
		store, _ := newConvStore(api)

		got, err := store.List(context.Background())
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(got) != 2 || got[0].ID != "c1" || got[0].UnreadCount != 2 {
			t.Errorf("conversations = %+v", got)
		}
	})

	t.Run("local summary wins over stale snapshot", func(t *testing.T) {
		newest := textMsg("m9", "c1", "u2", "fresh")
		stale := textMsg("m1", "c1", "u2", "old")
		calls := 0
		api := &stubConversationAPI{
			listFn: func(ctx context.Context) ([]Conversation, error) {
				calls++
				if calls == 1 {
					return []Conversation{{ID: "c1", LastMessage: &newest, UnreadCount: 0}}, nil
				}
				// A later snapshot that lags behind the bridge.
				return []Conversation{{ID: "c1", LastMessage: &stale, UnreadCount: 0}}, nil
			},
		}
		store, _ := newConvStore(api)

		if _, err := store.List(context.Background()); err != nil {
			t.Fatal(err)
		}
		// Bridge delivered another message since the snapshot was taken.
		pushed := textMsg("m10", "c1", "u2", "even fresher")
		pushed.CreatedAt = time.Now()
		store.ApplyInbound(pushed)

		if _, err := store.List(context.Background()); err != nil {
			t.Fatal(err)
		}

		got := store.Conversations()
		if got[0].LastMessage == nil || got[0].LastMessage.ID != "m10" {
			t.Errorf("lastMessage = %+v, want m10 preserved", got[0].LastMessage)
		}
		if got[0].UnreadCount != 1 {
			t.Errorf("unreadCount = %d, want 1 preserved", got[0].UnreadCount)
		}
		if !got[0].LastMessageAt.Equal(pushed.CreatedAt) {
			t.Errorf("lastMessageAt = %v, want %v preserved", got[0].LastMessageAt, pushed.CreatedAt)
		}
	})

	t.Run("failed fetch mutates nothing", func(t *testing.T) {
		calls := 0
		api := &stubConversationAPI{
			listFn: func(ctx context.Context) ([]Conversation, error) {
				calls++
				if calls == 1 {
					return []Conversation{{ID: "c1"}}, nil
				}
				return nil, errors.New("network down")
			},
		}
		store, _ := newConvStore(api)

		if _, err := store.List(context.Background()); err != nil {
			t.Fatal(err)
		}
		if _, err := store.List(context.Background()); err == nil {
			t.Fatal("expected error")
		}
		if got := store.Conversations(); len(got) != 1 || got[0].ID != "c1" {
			t.Errorf("conversations = %+v, want untouched cache", got)
		}
		if store.Loading() {
			t.Error("loading flag stuck after error")
		}
	})
}

func TestConversationStoreFindOrCreate(t *testing.T) {
	conv := Conversation{ID: "c5", Participants: []Participant{{ID: "me"}, {ID: "peer"}}}
	api := &stubConversationAPI{
		findOrCreateFn: func(ctx context.Context, peerUserID string) (*Conversation, error) {
			return &conv, nil
		},
	}
	store, ms := newConvStore(api)

	t.Run("new conversation unshifted and made current", func(t *testing.T) {
		got, err := store.FindOrCreate(context.Background(), "peer")
		if err != nil {
			t.Fatalf("FindOrCreate failed: %v", err)
		}
		if got.ID != "c5" {
			t.Errorf("conversation = %+v", got)
		}
		if cur := store.Current(); cur == nil || cur.ID != "c5" {
			t.Errorf("current = %+v", cur)
		}
		if list := store.Conversations(); len(list) != 1 || list[0].ID != "c5" {
			t.Errorf("list = %+v", list)
		}
		ms.mu.Lock()
		active := ms.activeID
		ms.mu.Unlock()
		if active != "c5" {
			t.Errorf("message store active = %q, want c5", active)
		}
	})

	t.Run("existing conversation not duplicated", func(t *testing.T) {
		if _, err := store.FindOrCreate(context.Background(), "peer"); err != nil {
			t.Fatal(err)
		}
		if list := store.Conversations(); len(list) != 1 {
			t.Errorf("list = %+v, want single entry", list)
		}
	})
}

func TestConversationStoreApplyInbound(t *testing.T) {
	seed := func(t *testing.T) (*ConversationStore, *MessageStore) {
		t.Helper()
		api := &stubConversationAPI{
			listFn: func(ctx context.Context) ([]Conversation, error) {
				return []Conversation{{ID: "c1"}, {ID: "c2"}}, nil
			},
		}
		store, ms := newConvStore(api)
		if _, err := store.List(context.Background()); err != nil {
			t.Fatal(err)
		}
		return store, ms
	}

	t.Run("inactive conversation increments unread and moves to front", func(t *testing.T) {
		store, _ := seed(t)
		msg := textMsg("m1", "c2", "u2", "hi")
		msg.CreatedAt = time.Now()

		store.ApplyInbound(msg)

		got := store.Conversations()
		if got[0].ID != "c2" {
			t.Errorf("front = %s, want c2", got[0].ID)
		}
		if got[0].UnreadCount != 1 {
			t.Errorf("unreadCount = %d, want 1", got[0].UnreadCount)
		}
		if got[0].LastMessage == nil || got[0].LastMessage.ID != "m1" {
			t.Errorf("lastMessage = %+v", got[0].LastMessage)
		}
	})

	t.Run("active conversation suppresses unread and feeds message store", func(t *testing.T) {
		store, ms := seed(t)
		store.SetCurrent(Conversation{ID: "c1"})

		store.ApplyInbound(textMsg("m1", "c1", "u2", "hi"))

		got := store.Conversations()
		if got[0].ID != "c1" || got[0].UnreadCount != 0 {
			t.Errorf("conversation = %+v, want c1 with 0 unread", got[0])
		}
		if msgs := ms.Messages(); len(msgs) != 1 || msgs[0].ID != "m1" {
			t.Errorf("message store = %+v", msgs)
		}
	})

	t.Run("unread counts every distinct inbound message", func(t *testing.T) {
		store, _ := seed(t)
		for i := 0; i < 5; i++ {
			store.ApplyInbound(textMsg(fmt.Sprintf("m%d", i), "c2", "u2", "hi"))
		}
		if got := store.Conversations(); got[0].UnreadCount != 5 {
			t.Errorf("unreadCount = %d, want 5", got[0].UnreadCount)
		}
	})

	t.Run("duplicate delivery is a no-op", func(t *testing.T) {
		store, _ := seed(t)
		msg := textMsg("m1", "c2", "u2", "hi")

		store.ApplyInbound(msg)
		store.ApplyInbound(msg)

		got := store.Conversations()
		if got[0].UnreadCount != 1 {
			t.Errorf("unreadCount = %d, want 1 after duplicate", got[0].UnreadCount)
		}
	})

	t.Run("unknown conversation ignored", func(t *testing.T) {
		store, _ := seed(t)
		before := store.Conversations()

		store.ApplyInbound(textMsg("m1", "c-unknown", "u2", "hi"))

		if diff := cmp.Diff(before, store.Conversations()); diff != "" {
			t.Errorf("cache changed (-want +got):\n%s", diff)
		}
	})
}

func TestConversationStoreApplySent(t *testing.T) {
	seed := func(t *testing.T) *ConversationStore {
		t.Helper()
		api := &stubConversationAPI{
			listFn: func(ctx context.Context) ([]Conversation, error) {
				return []Conversation{{ID: "c1", UnreadCount: 3}, {ID: "c2"}}, nil
			},
		}
		store, _ := newConvStore(api)
		if _, err := store.List(context.Background()); err != nil {
			t.Fatal(err)
		}
		return store
	}

	t.Run("advances summary without unread increment", func(t *testing.T) {
		store := seed(t)
		msg := textMsg("m5", "c1", "me", "sent by me")
		msg.CreatedAt = time.Now()

		store.ApplySent(msg)

		got := store.Conversations()
		if got[0].ID != "c1" {
			t.Errorf("front = %s, want c1", got[0].ID)
		}
		if got[0].UnreadCount != 3 {
			t.Errorf("unreadCount = %d, want unchanged 3", got[0].UnreadCount)
		}
		if got[0].LastMessage == nil || got[0].LastMessage.ID != "m5" {
			t.Errorf("lastMessage = %+v", got[0].LastMessage)
		}
	})

	t.Run("unknown conversation gets a stub at the front", func(t *testing.T) {
		store := seed(t)
		msg := textMsg("m6", "c-new", "me", "first contact")

		store.ApplySent(msg)

		got := store.Conversations()
		if len(got) != 3 || got[0].ID != "c-new" {
			t.Errorf("conversations = %+v", got)
		}
	})
}

func TestConversationStoreClearUnread(t *testing.T) {
	api := &stubConversationAPI{
		listFn: func(ctx context.Context) ([]Conversation, error) {
			return []Conversation{{ID: "c1", UnreadCount: 4}}, nil
		},
	}
	store, _ := newConvStore(api)
	if _, err := store.List(context.Background()); err != nil {
		t.Fatal(err)
	}

	store.ClearUnread("c1")
	if got := store.Conversations(); got[0].UnreadCount != 0 {
		t.Errorf("unreadCount = %d, want 0", got[0].UnreadCount)
	}

	// Idempotent, including for unknown ids.
	store.ClearUnread("c1")
	store.ClearUnread("ghost")
	if got := store.Conversations(); got[0].UnreadCount != 0 {
		t.Errorf("unreadCount = %d after repeat, want 0", got[0].UnreadCount)
	}
}

func TestConversationStoreClearCurrent(t *testing.T) {
	store, ms := newConvStore(&stubConversationAPI{})
	store.SetCurrent(Conversation{ID: "c1"})
	store.ClearCurrent()

	if cur := store.Current(); cur != nil {
		t.Errorf("current = %+v, want nil", cur)
	}
	ms.mu.Lock()
	active := ms.activeID
	ms.mu.Unlock()
	if active != "" {
		t.Errorf("message store active = %q, want empty", active)
	}

	// Idempotent.
	store.ClearCurrent()
}
