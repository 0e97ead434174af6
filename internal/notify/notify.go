// Package notify is the change-notification channel: row-change events fan
// out to filtered subscribers, and ephemeral topics carry typing and
// presence broadcasts that never touch the record store.
package notify

import (
	"log/slog"
	"sync"

	"confab/internal/models"
)

const subscriberBuffer = 100

// TypingTopic names the ephemeral typing topic for a conversation.
func TypingTopic(conversationID string) string {
	return "typing:" + conversationID
}

// PresenceTopic names the ephemeral presence topic for a user.
func PresenceTopic(userID string) string {
	return "presence:" + userID
}

// Filter selects row-change events. Either field may be empty; a set field
// must match. ParticipantID is the OR-filter over the two participant
// columns.
type Filter struct {
	ConversationID string
	ParticipantID  string
}

func (f Filter) matches(e models.Event) bool {
	if f.ConversationID != "" && e.ConversationID() != f.ConversationID {
		return false
	}
	if f.ParticipantID != "" && !e.Touches(f.ParticipantID) {
		return false
	}
	return true
}

// Subscription is a scoped handle. Cancel is idempotent and closes the
// event channel.
type Subscription struct {
	id     int
	topic  string
	filter Filter
	ch     chan models.Event

	once   sync.Once
	cancel func(*Subscription)
}

// Events is the subscriber's receive side. It is closed on Cancel.
func (s *Subscription) Events() <-chan models.Event {
	return s.ch
}

func (s *Subscription) Cancel() {
	s.once.Do(func() { s.cancel(s) })
}

// Broker routes events in-process. Publishing never blocks: a subscriber
// that cannot keep up loses events rather than stalling every publisher.
type Broker struct {
	mu        sync.RWMutex
	nextID    int
	rowSubs   map[int]*Subscription
	topicSubs map[string]map[int]*Subscription

	// forward, when set, mirrors every published event to another
	// transport (the redis bridge). Guarded by mu so it may be wired
	// after publishers are already live.
	forward func(topic string, e models.Event)
}

func NewBroker() *Broker {
	return &Broker{
		rowSubs:   make(map[int]*Subscription),
		topicSubs: make(map[string]map[int]*Subscription),
	}
}

// SubscribeRows registers for row-change events matching the filter.
func (b *Broker) SubscribeRows(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.newSubLocked()
	sub.filter = filter
	b.rowSubs[sub.id] = sub
	return sub
}

// SubscribeTopic registers for an ephemeral broadcast topic.
func (b *Broker) SubscribeTopic(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.newSubLocked()
	sub.topic = topic
	subs := b.topicSubs[topic]
	if subs == nil {
		subs = make(map[int]*Subscription)
		b.topicSubs[topic] = subs
	}
	subs[sub.id] = sub
	return sub
}

// Publish delivers a row-change event to every matching subscriber.
// Malformed events are logged and dropped at this boundary so downstream
// reconciliation only ever sees valid payloads.
func (b *Broker) Publish(e models.Event) {
	if err := e.Validate(); err != nil {
		slog.Warn("dropping malformed event", "error", err)
		return
	}
	b.deliverRows(e)
	if fwd := b.forwardFn(); fwd != nil {
		fwd("", e)
	}
}

// PublishTopic delivers an ephemeral event on a named topic.
func (b *Broker) PublishTopic(topic string, e models.Event) {
	if err := e.Validate(); err != nil {
		slog.Warn("dropping malformed topic event", "topic", topic, "error", err)
		return
	}
	b.deliverTopic(topic, e)
	if fwd := b.forwardFn(); fwd != nil {
		fwd(topic, e)
	}
}

func (b *Broker) setForward(fn func(topic string, e models.Event)) {
	b.mu.Lock()
	b.forward = fn
	b.mu.Unlock()
}

func (b *Broker) forwardFn() func(topic string, e models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.forward
}

func (b *Broker) deliverRows(e models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.rowSubs {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			slog.Warn("subscriber lagging, event dropped", "kind", e.Kind)
		}
	}
}

func (b *Broker) deliverTopic(topic string, e models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.topicSubs[topic] {
		select {
		case sub.ch <- e:
		default:
			slog.Warn("topic subscriber lagging, event dropped", "topic", topic)
		}
	}
}

func (b *Broker) newSubLocked() *Subscription {
	b.nextID++
	return &Subscription{
		id:     b.nextID,
		ch:     make(chan models.Event, subscriberBuffer),
		cancel: b.remove,
	}
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	if sub.topic != "" {
		if subs := b.topicSubs[sub.topic]; subs != nil {
			delete(subs, sub.id)
			if len(subs) == 0 {
				delete(b.topicSubs, sub.topic)
			}
		}
	} else {
		delete(b.rowSubs, sub.id)
	}
	b.mu.Unlock()
	close(sub.ch)
}
