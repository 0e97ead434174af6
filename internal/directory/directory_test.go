package directory

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"confab/internal/models"
	"confab/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *capturePublisher) Publish(e models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func newTestService(t *testing.T) (*Service, storage.Store, *capturePublisher) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "directory_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := storage.NewBboltStore(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pub := &capturePublisher{}
	return New(store, pub), store, pub
}

func TestGetOrCreateIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _, pub := newTestService(t)

	conv, err := svc.GetOrCreate(ctx, "u1", "u2")
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)
	require.Equal(t, 1, pub.count())

	// Same pair, either order, returns the same row and no second event.
	again, err := svc.GetOrCreate(ctx, "u2", "u1")
	require.NoError(t, err)
	require.Equal(t, conv.ID, again.ID)
	require.Equal(t, 1, pub.count())
}

func TestGetOrCreateInvalidParticipants(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.GetOrCreate(ctx, "u1", "u1")
	require.ErrorIs(t, err, models.ErrInvalidParticipants)

	_, err = svc.GetOrCreate(ctx, "", "u1")
	require.ErrorIs(t, err, models.ErrInvalidParticipants)
}

func TestGetOrCreateConcurrent(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	const workers = 8
	ids := make(chan string, workers)
	for i := 0; i < workers; i++ {
		go func(flip bool) {
			a, b := "u1", "u2"
			if flip {
				a, b = b, a
			}
			conv, err := svc.GetOrCreate(ctx, a, b)
			if err != nil {
				ids <- "error: " + err.Error()
				return
			}
			ids <- conv.ID
		}(i%2 == 0)
	}

	first := <-ids
	for i := 1; i < workers; i++ {
		require.Equal(t, first, <-ids)
	}

	convs, err := store.ListConversations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, convs, 1)
}

func TestListForUser(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	require.NoError(t, store.UpsertUser(ctx, models.User{ID: "u2", UserName: "bob", DisplayName: "Bob"}))

	conv, err := svc.GetOrCreate(ctx, "u1", "u2")
	require.NoError(t, err)

	// Two unread messages addressed to u1.
	now := time.Now()
	for i, body := range []string{"hey", "you there?"} {
		msg := models.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			SenderID:       "u2",
			ReceiverID:     "u1",
			Content:        body,
			CreatedAt:      now.Add(time.Duration(i) * time.Second),
			UpdatedAt:      now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.AppendMessage(ctx, msg))
	}

	views, err := svc.ListForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, "Bob", views[0].OtherUser.DisplayName)
	require.Equal(t, 2, views[0].UnreadCount)
	require.Equal(t, "you there?", views[0].LastMessage)

	// The other participant sees the same conversation with zero unread.
	views, err = svc.ListForUser(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, 0, views[0].UnreadCount)
	require.Equal(t, "Unknown User", views[0].OtherUser.DisplayName)
}
