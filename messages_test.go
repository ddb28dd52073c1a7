package pulse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// stubMessageAPI is a function-field fake for MessageAPI. Unset fields fail
// loudly so a test only exercises the calls it expects.
type stubMessageAPI struct {
	listFn     func(ctx context.Context, conversationID string) ([]Message, error)
	sendTextFn func(ctx context.Context, req SendTextRequest) (*Message, error)
	sendImgFn  func(ctx context.Context, conversationID, recipientID string, img ImageUpload) (*Message, error)
	markReadFn func(ctx context.Context, messageID string) (*ReadReceipt, error)
	unreadFn   func(ctx context.Context) (int, error)
}

func (s *stubMessageAPI) ListByConversation(ctx context.Context, conversationID string) ([]Message, error) {
	if s.listFn == nil {
		return nil, errors.New("unexpected ListByConversation")
	}
	return s.listFn(ctx, conversationID)
}

func (s *stubMessageAPI) SendText(ctx context.Context, req SendTextRequest) (*Message, error) {
	if s.sendTextFn == nil {
		return nil, errors.New("unexpected SendText")
	}
	return s.sendTextFn(ctx, req)
}

func (s *stubMessageAPI) SendImage(ctx context.Context, conversationID, recipientID string, img ImageUpload) (*Message, error) {
	if s.sendImgFn == nil {
		return nil, errors.New("unexpected SendImage")
	}
	return s.sendImgFn(ctx, conversationID, recipientID, img)
}

func (s *stubMessageAPI) MarkRead(ctx context.Context, messageID string) (*ReadReceipt, error) {
	if s.markReadFn == nil {
		return nil, errors.New("unexpected MarkRead")
	}
	return s.markReadFn(ctx, messageID)
}

func (s *stubMessageAPI) UnreadCount(ctx context.Context) (int, error) {
	if s.unreadFn == nil {
		return 0, errors.New("unexpected UnreadCount")
	}
	return s.unreadFn(ctx)
}

func textMsg(id, convID, senderID, content string) Message {
	return Message{
		ID:             id,
		ConversationID: convID,
		Sender:         UserRef{ID: senderID},
		Type:           MessageText,
		Content:        content,
	}
}

func TestMessageStoreLoad(t *testing.T) {
	t.Run("replaces list for active conversation", func(t *testing.T) {
		history := []Message{textMsg("m1", "c1", "u2", "hi"), textMsg("m2", "c1", "me", "hello")}
		api := &stubMessageAPI{
			listFn: func(ctx context.Context, conversationID string) ([]Message, error) {
				return history, nil
			},
		}
		store := NewMessageStore(api, "me")
		store.setActive("c1")

		if err := store.Load(context.Background(), "c1"); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if diff := cmp.Diff(history, store.Messages()); diff != "" {
			t.Errorf("messages mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("stale response dropped", func(t *testing.T) {
		api := &stubMessageAPI{
			listFn: func(ctx context.Context, conversationID string) ([]Message, error) {
				return []Message{textMsg("m1", "c1", "u2", "old")}, nil
			},
		}
		store := NewMessageStore(api, "me")
		// The user switched conversations while the c1 fetch was in flight.
		store.setActive("c2")

		if err := store.Load(context.Background(), "c1"); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if got := store.Messages(); len(got) != 0 {
			t.Errorf("stale response applied: %+v", got)
		}
	})

	t.Run("error leaves list untouched", func(t *testing.T) {
		api := &stubMessageAPI{
			listFn: func(ctx context.Context, conversationID string) ([]Message, error) {
				return nil, errors.New("network down")
			},
		}
		store := NewMessageStore(api, "me")
		store.setActive("c1")
		store.applyInbound(textMsg("m1", "c1", "u2", "kept"))

		if err := store.Load(context.Background(), "c1"); err == nil {
			t.Fatal("expected error")
		}
		if got := store.Messages(); len(got) != 1 || got[0].ID != "m1" {
			t.Errorf("messages = %+v, want the pre-existing one", got)
		}
		if store.Loading() {
			t.Error("loading flag stuck after error")
		}
	})
}

func TestMessageStoreSendText(t *testing.T) {
	t.Run("appends confirmed message when active", func(t *testing.T) {
		confirmed := textMsg("m9", "c1", "me", "hello")
		api := &stubMessageAPI{
			sendTextFn: func(ctx context.Context, req SendTextRequest) (*Message, error) {
				if req.ConversationID != "c1" || req.RecipientID != "u2" {
					t.Errorf("request = %+v", req)
				}
				return &confirmed, nil
			},
		}
		store := NewMessageStore(api, "me")
		store.setActive("c1")

		msg, err := store.SendText(context.Background(), "c1", "u2", "hello")
		if err != nil {
			t.Fatalf("SendText failed: %v", err)
		}
		if msg.ID != "m9" {
			t.Errorf("returned message = %+v", msg)
		}
		if got := store.Messages(); len(got) != 1 || got[0].ID != "m9" {
			t.Errorf("messages = %+v", got)
		}
	})

	t.Run("failure adds nothing", func(t *testing.T) {
		api := &stubMessageAPI{
			sendTextFn: func(ctx context.Context, req SendTextRequest) (*Message, error) {
				return nil, errors.New("rejected")
			},
		}
		store := NewMessageStore(api, "me")
		store.setActive("c1")

		if _, err := store.SendText(context.Background(), "c1", "u2", "hello"); err == nil {
			t.Fatal("expected error")
		}
		if got := store.Messages(); len(got) != 0 {
			t.Errorf("messages = %+v, want empty", got)
		}
	})
}

func TestMessageStoreSendImage(t *testing.T) {
	t.Run("placeholder replaced by confirmed message", func(t *testing.T) {
		unblock := make(chan struct{})
		confirmed := Message{
			ID: "m10", ConversationID: "c1", Sender: UserRef{ID: "me"},
			Type: MessageImage, ImageURL: "/uploads/x.png",
		}
		api := &stubMessageAPI{
			sendImgFn: func(ctx context.Context, conversationID, recipientID string, img ImageUpload) (*Message, error) {
				<-unblock
				return &confirmed, nil
			},
		}
		store := NewMessageStore(api, "me")
		store.setActive("c1")

		done := make(chan *Message, 1)
		go func() {
			msg, err := store.SendImage(context.Background(), "c1", "u2", ImageUpload{
				FileName: "x.png", Preview: "local://x.png",
			})
			if err != nil {
				t.Errorf("SendImage failed: %v", err)
			}
			done <- msg
		}()

		// Placeholder must be visible while the upload runs.
		waitFor(t, func() bool { return len(store.Messages()) == 1 })
		got := store.Messages()
		if !got[0].Optimistic || got[0].Status != StatusSending || got[0].ImageURL != "local://x.png" {
			t.Errorf("placeholder = %+v", got[0])
		}
		placeholderID := got[0].ID

		close(unblock)
		msg := <-done

		final := store.Messages()
		if len(final) != 1 {
			t.Fatalf("got %d messages, want exactly 1", len(final))
		}
		if final[0].ID != "m10" || final[0].Optimistic || final[0].Status != StatusSent {
			t.Errorf("confirmed = %+v", final[0])
		}
		if final[0].ID == placeholderID {
			t.Error("placeholder id survived confirmation")
		}
		if msg.ID != "m10" {
			t.Errorf("returned message = %+v", msg)
		}
	})

	t.Run("interleaved inbound does not shift the match", func(t *testing.T) {
		unblock := make(chan struct{})
		confirmed := Message{
			ID: "m11", ConversationID: "c1", Sender: UserRef{ID: "me"}, Type: MessageImage,
		}
		api := &stubMessageAPI{
			sendImgFn: func(ctx context.Context, conversationID, recipientID string, img ImageUpload) (*Message, error) {
				<-unblock
				return &confirmed, nil
			},
		}
		store := NewMessageStore(api, "me")
		store.setActive("c1")

		done := make(chan struct{})
		go func() {
			store.SendImage(context.Background(), "c1", "u2", ImageUpload{FileName: "x.png"})
			close(done)
		}()
		waitFor(t, func() bool { return len(store.Messages()) == 1 })

		// A pushed message lands between placeholder and confirmation.
		store.applyInbound(textMsg("inbound-1", "c1", "u2", "hey"))

		close(unblock)
		<-done

		got := store.Messages()
		if len(got) != 2 {
			t.Fatalf("got %d messages, want 2", len(got))
		}
		if got[0].ID != "m11" {
			t.Errorf("placeholder slot = %+v, want confirmed m11", got[0])
		}
		if got[1].ID != "inbound-1" {
			t.Errorf("second = %+v, want inbound-1", got[1])
		}
	})

	t.Run("failure flips placeholder to failed", func(t *testing.T) {
		api := &stubMessageAPI{
			sendImgFn: func(ctx context.Context, conversationID, recipientID string, img ImageUpload) (*Message, error) {
				return nil, errors.New("upload rejected")
			},
		}
		store := NewMessageStore(api, "me")
		store.setActive("c1")

		if _, err := store.SendImage(context.Background(), "c1", "u2", ImageUpload{FileName: "x.png"}); err == nil {
			t.Fatal("expected error")
		}
		got := store.Messages()
		if len(got) != 1 {
			t.Fatalf("got %d messages, want the failed placeholder", len(got))
		}
		if got[0].Status != StatusFailed || !got[0].Optimistic {
			t.Errorf("placeholder = %+v, want failed+optimistic", got[0])
		}
	})

	t.Run("confirmation after clear appends fresh", func(t *testing.T) {
		unblock := make(chan struct{})
		confirmed := Message{ID: "m12", ConversationID: "c1", Sender: UserRef{ID: "me"}, Type: MessageImage}
		api := &stubMessageAPI{
			sendImgFn: func(ctx context.Context, conversationID, recipientID string, img ImageUpload) (*Message, error) {
				<-unblock
				return &confirmed, nil
			},
		}
		store := NewMessageStore(api, "me")
		store.setActive("c1")

		done := make(chan struct{})
		go func() {
			store.SendImage(context.Background(), "c1", "u2", ImageUpload{FileName: "x.png"})
			close(done)
		}()
		waitFor(t, func() bool { return len(store.Messages()) == 1 })

		store.Clear()
		close(unblock)
		<-done

		got := store.Messages()
		if len(got) != 1 || got[0].ID != "m12" || got[0].Status != StatusSent {
			t.Errorf("messages = %+v, want freshly appended m12", got)
		}
	})
}

func TestMessageStoreMarkRead(t *testing.T) {
	api := &stubMessageAPI{
		markReadFn: func(ctx context.Context, messageID string) (*ReadReceipt, error) {
			return &ReadReceipt{ID: messageID, IsRead: true}, nil
		},
	}
	store := NewMessageStore(api, "me")
	store.setActive("c1")
	store.applyInbound(textMsg("m1", "c1", "u2", "hi"))

	if err := store.MarkRead(context.Background(), "m1"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if got := store.Messages(); !got[0].IsRead {
		t.Errorf("message not mirrored read: %+v", got[0])
	}
}

func TestMessageStoreApplyInbound(t *testing.T) {
	store := NewMessageStore(&stubMessageAPI{}, "me")
	store.setActive("c1")

	t.Run("appends for active conversation", func(t *testing.T) {
		store.applyInbound(textMsg("m1", "c1", "u2", "hi"))
		if got := store.Messages(); len(got) != 1 {
			t.Fatalf("messages = %+v", got)
		}
	})

	t.Run("duplicate delivery ignored", func(t *testing.T) {
		store.applyInbound(textMsg("m1", "c1", "u2", "hi"))
		if got := store.Messages(); len(got) != 1 {
			t.Errorf("duplicate appended: %+v", got)
		}
	})

	t.Run("other conversation ignored", func(t *testing.T) {
		store.applyInbound(textMsg("m2", "c2", "u3", "elsewhere"))
		if got := store.Messages(); len(got) != 1 {
			t.Errorf("foreign message appended: %+v", got)
		}
	})
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
