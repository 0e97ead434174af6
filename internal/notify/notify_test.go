package notify

import (
	"testing"
	"time"

	"confab/internal/models"

	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, sub *Subscription) models.Event {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for event")
		return models.Event{}
	}
}

func requireNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event %s", e.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func insertedEvent(convID, sender, receiver string) models.Event {
	return models.Event{
		Kind: models.EventMessageInserted,
		Message: &models.Message{
			ID:             "m1",
			ConversationID: convID,
			SenderID:       sender,
			ReceiverID:     receiver,
			Content:        "hi",
			CreatedAt:      time.Now(),
		},
	}
}

func typingEvent(convID, userID string) models.Event {
	return models.Event{
		Kind: models.EventTyping,
		Typing: &models.TypingSignal{
			ConversationID: convID,
			UserID:         userID,
			UserName:       "Alice",
			IsTyping:       true,
			SentAt:         time.Now(),
		},
	}
}

func TestBrokerConversationFilter(t *testing.T) {
	b := NewBroker()

	sub := b.SubscribeRows(Filter{ConversationID: "c1"})
	other := b.SubscribeRows(Filter{ConversationID: "c2"})

	b.Publish(insertedEvent("c1", "u1", "u2"))

	got := recvEvent(t, sub)
	require.Equal(t, models.EventMessageInserted, got.Kind)
	require.Equal(t, "c1", got.Message.ConversationID)

	requireNoEvent(t, other)
}

func TestBrokerParticipantFilter(t *testing.T) {
	b := NewBroker()

	// OR-filter: matches whether the user is sender or receiver.
	sub := b.SubscribeRows(Filter{ParticipantID: "u2"})
	stranger := b.SubscribeRows(Filter{ParticipantID: "u9"})

	b.Publish(insertedEvent("c1", "u1", "u2"))
	recvEvent(t, sub)

	b.Publish(insertedEvent("c1", "u2", "u1"))
	recvEvent(t, sub)

	requireNoEvent(t, stranger)
}

func TestBrokerTopics(t *testing.T) {
	b := NewBroker()

	sub := b.SubscribeTopic(TypingTopic("c1"))
	other := b.SubscribeTopic(TypingTopic("c2"))

	b.PublishTopic(TypingTopic("c1"), models.Event{
		Kind: models.EventTyping,
		Typing: &models.TypingSignal{
			ConversationID: "c1",
			UserID:         "u1",
			UserName:       "Alice",
			IsTyping:       true,
			SentAt:         time.Now(),
		},
	})

	got := recvEvent(t, sub)
	require.Equal(t, models.EventTyping, got.Kind)
	require.Equal(t, "Alice", got.Typing.UserName)

	requireNoEvent(t, other)
}

func TestBrokerDropsMalformed(t *testing.T) {
	b := NewBroker()
	sub := b.SubscribeRows(Filter{})

	// Kind/payload mismatch must be rejected at the boundary.
	b.Publish(models.Event{Kind: models.EventMessageInserted})
	requireNoEvent(t, sub)
}

func TestSubscriptionCancel(t *testing.T) {
	b := NewBroker()
	sub := b.SubscribeRows(Filter{ConversationID: "c1"})

	sub.Cancel()
	sub.Cancel() // idempotent

	select {
	case _, ok := <-sub.Events():
		require.False(t, ok, "channel should be closed after cancel")
	case <-time.After(1 * time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after cancel reaches nobody and must not panic.
	b.Publish(insertedEvent("c1", "u1", "u2"))
}

func TestBrokerForwardWiredUnderLoad(t *testing.T) {
	broker := NewBroker()

	// Publishers are live before the forward hook is wired; wiring must be
	// safe against in-flight publishes and take effect for later ones.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			broker.Publish(insertedEvent("c1", "u1", "u2"))
			broker.PublishTopic(TypingTopic("c1"), typingEvent("c1", "u1"))
		}
	}()

	forwarded := make(chan string, 1)
	broker.setForward(func(topic string, e models.Event) {
		select {
		case forwarded <- topic:
		default:
		}
	})
	<-done

	broker.PublishTopic(TypingTopic("c1"), typingEvent("c1", "u1"))
	select {
	case topic := <-forwarded:
		require.NotEmpty(t, topic)
	case <-time.After(1 * time.Second):
		t.Fatal("forward hook never invoked")
	}
}
