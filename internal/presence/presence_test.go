package presence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"confab/internal/models"
	"confab/internal/notify"
	"confab/internal/storage"

	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*Tracker, *notify.Broker) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "presence_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := storage.NewBboltStore(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := notify.NewBroker()
	return New(store, broker), broker
}

func recvEvent(t *testing.T, sub *notify.Subscription) models.Event {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for presence event")
		return models.Event{}
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTestTracker(t)

	sub := tracker.Subscribe("u1")
	defer sub.Cancel()

	require.NoError(t, tracker.StartSession(ctx, "u1"))
	e := recvEvent(t, sub)
	require.Equal(t, models.EventPresenceChanged, e.Kind)
	require.True(t, e.Presence.IsOnline)

	rec, err := tracker.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, rec.IsOnline)
	firstSeen := rec.LastSeen

	require.NoError(t, tracker.Heartbeat(ctx, "u1"))
	recvEvent(t, sub)
	rec, err = tracker.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, rec.IsOnline)
	require.False(t, rec.LastSeen.Before(firstSeen))

	require.NoError(t, tracker.EndSession(ctx, "u1"))
	e = recvEvent(t, sub)
	require.False(t, e.Presence.IsOnline)

	rec, err = tracker.Get(ctx, "u1")
	require.NoError(t, err)
	require.False(t, rec.IsOnline)
}

func TestGetUnknownUserIsOffline(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTestTracker(t)

	rec, err := tracker.Get(ctx, "nobody")
	require.NoError(t, err)
	require.False(t, rec.IsOnline)
	require.Equal(t, "nobody", rec.UserID)
}

func TestOnlineWindow(t *testing.T) {
	now := time.Now()

	require.True(t, Online(models.PresenceRecord{IsOnline: true, LastSeen: now}, now))
	require.True(t, Online(models.PresenceRecord{IsOnline: true, LastSeen: now.Add(-HeartbeatInterval)}, now))

	// A record past two heartbeat intervals renders offline even when the
	// flag was never cleared: the unclean-disconnect case.
	require.False(t, Online(models.PresenceRecord{IsOnline: true, LastSeen: now.Add(-3 * HeartbeatInterval)}, now))
	require.False(t, Online(models.PresenceRecord{IsOnline: false, LastSeen: now}, now))
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTestTracker(t)

	require.NoError(t, tracker.StartSession(ctx, "fresh"))
	require.NoError(t, tracker.StartSession(ctx, "stale"))

	// Age the stale record by shifting the tracker clock forward.
	tracker.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	require.NoError(t, tracker.Heartbeat(ctx, "fresh"))

	swept, err := tracker.Sweep(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	rec, err := tracker.Get(ctx, "stale")
	require.NoError(t, err)
	require.False(t, rec.IsOnline)

	rec, err = tracker.Get(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, rec.IsOnline)
}

func TestRunHeartbeats(t *testing.T) {
	tracker, _ := newTestTracker(t)
	tracker.interval = 20 * time.Millisecond

	sub := tracker.Subscribe("u1")
	defer sub.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tracker.Run(ctx, "u1")
		close(done)
	}()

	// Session start plus at least one heartbeat.
	e := recvEvent(t, sub)
	require.True(t, e.Presence.IsOnline)
	e = recvEvent(t, sub)
	require.True(t, e.Presence.IsOnline)

	cancel()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Run did not exit on cancel")
	}

	rec, err := tracker.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, rec.IsOnline, "EndSession write should have flipped the record offline")
}
