package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"confab/internal/models"
	"confab/internal/notify"

	"github.com/stretchr/testify/require"
)

type captureTopics struct {
	mu     sync.Mutex
	topics []string
	events []models.Event
}

func (c *captureTopics) PublishTopic(topic string, e models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.events = append(c.events, e)
}

func TestBroadcasterAnnounce(t *testing.T) {
	pub := &captureTopics{}
	b := NewBroadcaster(pub)

	b.Announce("c1", "u1", "Alice")

	require.Len(t, pub.events, 1)
	require.Equal(t, notify.TypingTopic("c1"), pub.topics[0])
	e := pub.events[0]
	require.Equal(t, models.EventTyping, e.Kind)
	require.Equal(t, "u1", e.Typing.UserID)
	require.Equal(t, "Alice", e.Typing.UserName)
	require.True(t, e.Typing.IsTyping)
	require.NoError(t, e.Validate())
}

func TestTrackerRenewal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker := NewTracker(ctx)
	sig := models.TypingSignal{ConversationID: "c1", UserID: "u1", UserName: "Alice", IsTyping: true, SentAt: time.Now()}

	tracker.Observe(sig)
	tracker.Observe(sig) // renewal, not a duplicate

	typers := tracker.Typing()
	require.Len(t, typers, 1)
	require.Equal(t, "Alice", typers[0].UserName)
}

func TestTrackerExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker := newTrackerTTL(ctx, 50*time.Millisecond, 10*time.Millisecond)
	tracker.Observe(models.TypingSignal{ConversationID: "c1", UserID: "u1", UserName: "Alice", IsTyping: true, SentAt: time.Now()})
	require.Len(t, tracker.Typing(), 1)

	// No renewal: the entry must be gone after the TTL with no explicit
	// stop signal ever observed.
	require.Eventually(t, func() bool {
		return len(tracker.Typing()) == 0
	}, time.Second, 20*time.Millisecond)
}

func TestTrackerExplicitStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker := NewTracker(ctx)
	tracker.Observe(models.TypingSignal{ConversationID: "c1", UserID: "u1", UserName: "Alice", IsTyping: true, SentAt: time.Now()})
	tracker.Observe(models.TypingSignal{ConversationID: "c1", UserID: "u1", UserName: "Alice", IsTyping: false, SentAt: time.Now()})

	require.Empty(t, tracker.Typing())
}
