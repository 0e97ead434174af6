// Package typing carries the ephemeral "user is composing" signal. Nothing
// here touches the record store: a signal lives on the conversation's
// broadcast topic and in a short-lived tracker entry, and expires by
// absence of renewal. There is no explicit stop message.
package typing

import (
	"context"
	"sort"
	"time"

	"confab/internal/models"
	"confab/internal/notify"

	"github.com/c-pro/geche"
)

// SignalTTL is how long a signal stays live without renewal.
const SignalTTL = 3 * time.Second

// TopicPublisher is the slice of the notification broker the broadcaster
// needs.
type TopicPublisher interface {
	PublishTopic(topic string, e models.Event)
}

// Broadcaster announces typing on a conversation's topic. Callers debounce
// keystrokes; every announce is fire-and-forget.
type Broadcaster struct {
	events TopicPublisher
	now    func() time.Time
}

func NewBroadcaster(events TopicPublisher) *Broadcaster {
	return &Broadcaster{events: events, now: time.Now}
}

func (b *Broadcaster) Announce(conversationID, userID, userName string) {
	b.events.PublishTopic(notify.TypingTopic(conversationID), models.Event{
		Kind: models.EventTyping,
		Typing: &models.TypingSignal{
			ConversationID: conversationID,
			UserID:         userID,
			UserName:       userName,
			IsTyping:       true,
			SentAt:         b.now(),
		},
	})
}

// Tracker derives the "currently typing" set for one conversation from
// observed signals. Entries expire from the TTL cache on their own; a user
// who stops renewing simply disappears.
type Tracker struct {
	signals geche.Geche[string, models.TypingSignal]
}

func NewTracker(ctx context.Context) *Tracker {
	return newTrackerTTL(ctx, SignalTTL, time.Second)
}

func newTrackerTTL(ctx context.Context, ttl, cleanup time.Duration) *Tracker {
	return &Tracker{
		signals: geche.NewMapTTLCache[string, models.TypingSignal](ctx, ttl, cleanup),
	}
}

// Observe records a signal, renewing the user's entry.
func (t *Tracker) Observe(sig models.TypingSignal) {
	if !sig.IsTyping {
		_ = t.signals.Del(sig.UserID)
		return
	}
	t.signals.Set(sig.UserID, sig)
}

// Typing returns the users currently composing, ordered by name for stable
// rendering.
func (t *Tracker) Typing() []models.TypingSignal {
	snapshot := t.signals.Snapshot()
	out := make([]models.TypingSignal, 0, len(snapshot))
	for _, sig := range snapshot {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserName < out[j].UserName
	})
	return out
}
