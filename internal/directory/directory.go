// Package directory resolves the single conversation for a pair of users
// and owns the one-row-per-unordered-pair invariant.
package directory

import (
	"context"
	"errors"
	"log/slog"

	"confab/internal/models"
	"confab/internal/storage"
)

// Publisher is the slice of the notification broker the directory needs.
type Publisher interface {
	Publish(e models.Event)
}

type Service struct {
	store  storage.Store
	events Publisher
}

func New(store storage.Store, events Publisher) *Service {
	return &Service{store: store, events: events}
}

// GetOrCreate returns the conversation for the unordered pair, creating it
// if absent. The store operation itself is atomic, so concurrent first
// contacts from both participants resolve to the same row.
func (s *Service) GetOrCreate(ctx context.Context, userA, userB string) (models.Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return models.Conversation{}, models.ErrInvalidParticipants
	}

	conv, created, err := s.store.GetOrCreateConversation(ctx, userA, userB)
	if err != nil {
		return models.Conversation{}, models.Transient("get or create conversation", err)
	}

	if created {
		s.events.Publish(models.Event{
			Kind:         models.EventConversationChanged,
			Conversation: &conv,
		})
	}
	return conv, nil
}

// Get fetches a conversation by id.
func (s *Service) Get(ctx context.Context, id string) (models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Conversation{}, err
		}
		return models.Conversation{}, models.Transient("get conversation", err)
	}
	return conv, nil
}

// ListForUser resolves conversation views for the user: other-participant
// metadata plus the unread count recomputed from rows at call time.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]models.ConversationView, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, models.Transient("list conversations", err)
	}

	views := make([]models.ConversationView, 0, len(convs))
	for _, conv := range convs {
		view := models.ConversationView{Conversation: conv}

		otherID := conv.Other(userID)
		other, err := s.store.GetUser(ctx, otherID)
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				return nil, models.Transient("resolve participant", err)
			}
			slog.Warn("conversation references unknown user", "conversation", conv.ID, "user", otherID)
			other = models.User{ID: otherID, DisplayName: "Unknown User"}
		}
		view.OtherUser = other

		count, err := s.store.CountUnread(ctx, conv.ID, userID)
		if err != nil {
			return nil, models.Transient("count unread", err)
		}
		view.UnreadCount = count

		views = append(views, view)
	}
	return views, nil
}
