package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"confab/internal/directory"
	"confab/internal/ledger"
	"confab/internal/models"
	"confab/internal/notify"
	"confab/internal/presence"
	"confab/internal/storage"
	"confab/internal/typing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *storage.BboltStore
	broker *notify.Broker
	dir    *directory.Service
	led    *ledger.Ledger
	pres   *presence.Tracker
	bcast  *typing.Broadcaster

	alice models.User
	bob   models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewBboltStore(filepath.Join(t.TempDir(), "confab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := notify.NewBroker()
	f := &fixture{
		store:  store,
		broker: broker,
		dir:    directory.New(store, broker),
		led:    ledger.New(store, broker),
		pres:   presence.New(store, broker),
		bcast:  typing.NewBroadcaster(broker),
		alice:  models.User{ID: uuid.NewString(), UserName: "alice", DisplayName: "Alice"},
		bob:    models.User{ID: uuid.NewString(), UserName: "bob", DisplayName: "Bob"},
	}
	require.NoError(t, store.UpsertUser(context.Background(), f.alice))
	require.NoError(t, store.UpsertUser(context.Background(), f.bob))
	return f
}

func (f *fixture) startSession(t *testing.T, user models.User) *Session {
	t.Helper()

	s := New(Config{
		User:      user,
		Store:     f.store,
		Directory: f.dir,
		Ledger:    f.led,
		Presence:  f.pres,
		Typing:    f.bcast,
		Broker:    f.broker,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

// nextUpdate scans the session's update stream for the first update of the
// wanted kind, discarding interleaved kinds.
func nextUpdate(t *testing.T, s *Session, kind UpdateKind) Update {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-s.Updates():
			if u.Kind == kind {
				return u
			}
		case <-deadline:
			t.Fatalf("no %q update arrived", kind)
		}
	}
}

func requireNoUpdate(t *testing.T, s *Session, kind UpdateKind) {
	t.Helper()

	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case u := <-s.Updates():
			require.NotEqual(t, kind, u.Kind)
		case <-deadline:
			return
		}
	}
}

func drainUpdates(s *Session) {
	for {
		select {
		case <-s.Updates():
		default:
			return
		}
	}
}

func TestSendDeliversToOpenPeer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.dir.GetOrCreate(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)

	aliceSess := f.startSession(t, f.alice)
	bobSess := f.startSession(t, f.bob)

	_, err = aliceSess.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)
	_, err = bobSess.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)

	sent, err := aliceSess.SendMessage(ctx, conv.ID, "hey bob")
	require.NoError(t, err)
	require.False(t, sent.Pending)
	require.Equal(t, f.bob.ID, sent.ReceiverID)

	got := nextUpdate(t, bobSess, UpdateMessage)
	require.Equal(t, sent.ID, got.Message.ID)
	require.Equal(t, "hey bob", got.Message.Content)
	require.NotNil(t, got.Message.Sender)
	require.Equal(t, "Alice", got.Message.Sender.DisplayName)

	list := nextUpdate(t, bobSess, UpdateConversations)
	require.Len(t, list.Conversations, 1)
	require.Equal(t, 1, list.Conversations[0].UnreadCount)
	require.Equal(t, "Alice", list.Conversations[0].OtherUser.DisplayName)
}

func TestOptimisticSendReconcilesToOneMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.dir.GetOrCreate(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)

	sess := f.startSession(t, f.alice)
	_, err = sess.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)

	// First update is the optimistic pending copy.
	sent, err := sess.SendMessage(ctx, conv.ID, "one shot")
	require.NoError(t, err)

	first := nextUpdate(t, sess, UpdateMessage)
	require.True(t, first.Message.Pending)

	// After the durable replacement and the echo event, the cache holds
	// exactly one copy, under the durable id.
	require.Eventually(t, func() bool {
		msgs := sess.Messages()
		return len(msgs) == 1 && msgs[0].ID == sent.ID && !msgs[0].Pending
	}, 2*time.Second, 10*time.Millisecond)

	// Give the echo event time to land; it must not re-add the message.
	time.Sleep(50 * time.Millisecond)
	require.Len(t, sess.Messages(), 1)
}

func TestFailedSendRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.dir.GetOrCreate(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)

	sess := f.startSession(t, f.alice)
	_, err = sess.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)

	_, err = sess.SendMessage(ctx, conv.ID, "   ")
	require.ErrorIs(t, err, models.ErrEmptyContent)
	require.Empty(t, sess.Messages())

	history, err := f.led.FetchHistory(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestEventsOrderedBySendTimeNotArrival(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.dir.GetOrCreate(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)

	sess := f.startSession(t, f.bob)
	_, err = sess.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)

	base := time.Now()
	mk := func(offset time.Duration, content string) models.Message {
		return models.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			SenderID:       f.alice.ID,
			ReceiverID:     f.bob.ID,
			Content:        content,
			CreatedAt:      base.Add(offset),
			UpdatedAt:      base.Add(offset),
		}
	}
	second := mk(2*time.Second, "second")
	first := mk(1*time.Second, "first")
	third := mk(3*time.Second, "third")

	// Deliver out of order.
	for _, m := range []models.Message{second, third, first} {
		m := m
		f.broker.Publish(models.Event{Kind: models.EventMessageInserted, Message: &m})
	}

	require.Eventually(t, func() bool {
		return len(sess.Messages()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	msgs := sess.Messages()
	require.Equal(t, []string{"first", "second", "third"},
		[]string{msgs[0].Content, msgs[1].Content, msgs[2].Content})
}

func TestUpdateForUnknownMessageIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.dir.GetOrCreate(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)

	sess := f.startSession(t, f.bob)
	_, err = sess.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)
	drainUpdates(sess)

	ghost := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       f.alice.ID,
		ReceiverID:     f.bob.ID,
		IsRead:         true,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	f.broker.Publish(models.Event{Kind: models.EventMessageUpdated, Message: &ghost})

	requireNoUpdate(t, sess, UpdateMessageRead)
	require.Empty(t, sess.Messages())
}

func TestMarkReadFlipsReaderBadgeAndSenderFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.dir.GetOrCreate(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)

	aliceSess := f.startSession(t, f.alice)
	bobSess := f.startSession(t, f.bob)

	_, err = aliceSess.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)

	sent, err := aliceSess.SendMessage(ctx, conv.ID, "read me")
	require.NoError(t, err)

	// Bob opens after the send and sees one unread.
	history, err := bobSess.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.False(t, history[0].IsRead)

	count, err := bobSess.MarkConversationRead(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.Eventually(t, func() bool {
		views := bobSess.Conversations()
		return len(views) == 1 && views[0].UnreadCount == 0
	}, 2*time.Second, 10*time.Millisecond)

	// The sender's open view gets the read-flag patch.
	patched := nextUpdate(t, aliceSess, UpdateMessageRead)
	require.Equal(t, sent.ID, patched.Message.ID)
	require.True(t, patched.Message.IsRead)

	// Repeating is a no-op.
	count, err = bobSess.MarkConversationRead(ctx, conv.ID)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestUnopenedConversationGetsSummaryOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.dir.GetOrCreate(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)

	aliceSess := f.startSession(t, f.alice)
	bobSess := f.startSession(t, f.bob)
	_, err = aliceSess.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)

	_, err = aliceSess.SendMessage(ctx, conv.ID, "while you were out")
	require.NoError(t, err)

	list := nextUpdate(t, bobSess, UpdateConversations)
	require.Equal(t, 1, list.Conversations[0].UnreadCount)
	require.Equal(t, "while you were out", list.Conversations[0].LastMessage)
	requireNoUpdate(t, bobSess, UpdateMessage)
	require.Empty(t, bobSess.Messages())
}

func TestTypingReachesOpenPeerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.dir.GetOrCreate(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)

	aliceSess := f.startSession(t, f.alice)
	bobSess := f.startSession(t, f.bob)

	_, err = aliceSess.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)
	_, err = bobSess.OpenConversation(ctx, conv.ID)
	require.NoError(t, err)

	bobSess.AnnounceTyping(conv.ID)

	u := nextUpdate(t, aliceSess, UpdateTyping)
	require.Len(t, u.Typing, 1)
	require.Equal(t, "Bob", u.Typing[0].UserName)

	// A user's own signal never renders back to them.
	requireNoUpdate(t, bobSess, UpdateTyping)
}

func TestPresenceSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	aliceSess := f.startSession(t, f.alice)

	rec, err := aliceSess.SubscribePresence(ctx, f.bob.ID)
	require.NoError(t, err)
	require.False(t, rec.IsOnline)

	require.NoError(t, f.pres.StartSession(ctx, f.bob.ID))

	u := nextUpdate(t, aliceSess, UpdatePresence)
	require.Equal(t, f.bob.ID, u.Presence.UserID)
	require.True(t, u.Presence.IsOnline)
}

func TestOpenConversationRejectsOutsiders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	carol := models.User{ID: uuid.NewString(), UserName: "carol", DisplayName: "Carol"}
	require.NoError(t, f.store.UpsertUser(ctx, carol))

	conv, err := f.dir.GetOrCreate(ctx, f.alice.ID, f.bob.ID)
	require.NoError(t, err)

	sess := f.startSession(t, carol)
	_, err = sess.OpenConversation(ctx, conv.ID)
	require.ErrorIs(t, err, models.ErrInvalidParticipants)

	_, err = sess.SendMessage(ctx, conv.ID, "let me in")
	require.ErrorIs(t, err, models.ErrInvalidParticipants)
}
