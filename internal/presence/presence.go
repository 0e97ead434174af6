// Package presence maintains the online flag and last-seen timestamp per
// user. Liveness is client-inferred: observers judge staleness from
// LastSeen age, there is no server-side timeout. An ungracefully killed
// session therefore looks online until its record ages out of the window —
// a known gap carried deliberately.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"confab/internal/models"
	"confab/internal/notify"
	"confab/internal/storage"
)

// HeartbeatInterval matches the client refresh cadence.
const HeartbeatInterval = 30 * time.Second

// Online reports whether rec should render as online at the given time:
// flagged online and heard from within two heartbeat intervals.
func Online(rec models.PresenceRecord, at time.Time) bool {
	return rec.IsOnline && at.Sub(rec.LastSeen) < 2*HeartbeatInterval
}

type Tracker struct {
	store    storage.Store
	broker   *notify.Broker
	interval time.Duration
	now      func() time.Time
}

func New(store storage.Store, broker *notify.Broker) *Tracker {
	return &Tracker{
		store:    store,
		broker:   broker,
		interval: HeartbeatInterval,
		now:      time.Now,
	}
}

// StartSession writes the first online record for a session.
func (t *Tracker) StartSession(ctx context.Context, userID string) error {
	return t.write(ctx, userID, true)
}

// Heartbeat refreshes the online record. Callers fire and forget: a missed
// beat just means the user looks stale until the next one lands.
func (t *Tracker) Heartbeat(ctx context.Context, userID string) error {
	return t.write(ctx, userID, true)
}

// EndSession is the best-effort offline write on clean disconnect.
func (t *Tracker) EndSession(ctx context.Context, userID string) error {
	return t.write(ctx, userID, false)
}

// Run drives a session's presence lifecycle: online on entry, a heartbeat
// every interval, offline on exit. Heartbeat failures are logged, never
// retried.
func (t *Tracker) Run(ctx context.Context, userID string) {
	if err := t.StartSession(ctx, userID); err != nil {
		slog.Warn("presence session start failed", "user", userID, "error", err)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.Heartbeat(ctx, userID); err != nil {
				slog.Warn("presence heartbeat failed", "user", userID, "error", err)
			}
		case <-ctx.Done():
			// The session context is gone; give the final write its own
			// short deadline.
			offCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := t.EndSession(offCtx, userID); err != nil {
				slog.Warn("presence session end failed", "user", userID, "error", err)
			}
			cancel()
			return
		}
	}
}

// Get returns the user's presence record. A user with no record yet is
// simply offline, not an error.
func (t *Tracker) Get(ctx context.Context, userID string) (models.PresenceRecord, error) {
	rec, err := t.store.GetPresence(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.PresenceRecord{UserID: userID}, nil
		}
		return models.PresenceRecord{}, models.Transient("get presence", err)
	}
	return rec, nil
}

// Subscribe returns live updates for one user's presence topic.
func (t *Tracker) Subscribe(userID string) *notify.Subscription {
	return t.broker.SubscribeTopic(notify.PresenceTopic(userID))
}

// Sweep flips is_online for records silent longer than maxAge. It is a
// maintenance operation invoked explicitly, never scheduled here.
func (t *Tracker) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	swept, err := t.store.SweepStalePresence(ctx, t.now().Add(-maxAge))
	if err != nil {
		return 0, models.Transient("sweep presence", err)
	}
	return swept, nil
}

func (t *Tracker) write(ctx context.Context, userID string, online bool) error {
	rec := models.PresenceRecord{
		UserID:   userID,
		IsOnline: online,
		LastSeen: t.now(),
	}
	if err := t.store.UpsertPresence(ctx, rec); err != nil {
		return models.Transient("upsert presence", err)
	}

	t.broker.PublishTopic(notify.PresenceTopic(userID), models.Event{
		Kind:     models.EventPresenceChanged,
		Presence: &rec,
	})
	return nil
}
