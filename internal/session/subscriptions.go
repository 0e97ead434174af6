package session

import (
	"sync"

	"confab/internal/models"
	"confab/internal/notify"
)

// subscriptionManager owns the session's broker subscriptions, keyed by
// purpose, with scoped acquire/release. It replaces the ambient
// module-level registry shape: every subscription belongs to exactly one
// session and dies with it.
type subscriptionManager struct {
	mu     sync.Mutex
	broker *notify.Broker
	active map[string]*notify.Subscription
	sink   chan<- models.Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newSubscriptionManager(broker *notify.Broker, sink chan<- models.Event) *subscriptionManager {
	return &subscriptionManager{
		broker: broker,
		active: make(map[string]*notify.Subscription),
		sink:   sink,
		done:   make(chan struct{}),
	}
}

// acquireRows subscribes to row-change events under key. Acquiring an
// already-held key is a no-op, so opening the same conversation twice
// cannot double-deliver.
func (m *subscriptionManager) acquireRows(key string, filter notify.Filter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[key]; ok {
		return
	}
	m.pumpLocked(key, m.broker.SubscribeRows(filter))
}

// acquireTopic subscribes to an ephemeral topic under key.
func (m *subscriptionManager) acquireTopic(key, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[key]; ok {
		return
	}
	m.pumpLocked(key, m.broker.SubscribeTopic(topic))
}

func (m *subscriptionManager) release(key string) {
	m.mu.Lock()
	sub, ok := m.active[key]
	if ok {
		delete(m.active, key)
	}
	m.mu.Unlock()
	if ok {
		sub.Cancel()
	}
}

// releaseAll cancels everything and waits for the pumps to drain.
func (m *subscriptionManager) releaseAll() {
	m.mu.Lock()
	subs := make([]*notify.Subscription, 0, len(m.active))
	for _, sub := range m.active {
		subs = append(subs, sub)
	}
	m.active = make(map[string]*notify.Subscription)
	m.mu.Unlock()

	m.once.Do(func() { close(m.done) })
	for _, sub := range subs {
		sub.Cancel()
	}
	m.wg.Wait()
}

// pumpLocked forwards a subscription's events into the session inbox until
// the subscription is cancelled or the manager shuts down.
func (m *subscriptionManager) pumpLocked(key string, sub *notify.Subscription) {
	m.active[key] = sub
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for e := range sub.Events() {
			select {
			case m.sink <- e:
			case <-m.done:
				return
			}
		}
	}()
}
