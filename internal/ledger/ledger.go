// Package ledger appends messages, serves ordered history, and owns the
// read-state and unread-count invariants.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"confab/internal/content"
	"confab/internal/models"
	"confab/internal/storage"

	"github.com/google/uuid"
)

// DefaultHistoryLimit is the page size used when callers pass no limit.
const DefaultHistoryLimit = 50

// Publisher is the slice of the notification broker the ledger needs.
type Publisher interface {
	Publish(e models.Event)
}

type Ledger struct {
	store  storage.Store
	events Publisher
	now    func() time.Time
}

func New(store storage.Store, events Publisher) *Ledger {
	return &Ledger{
		store:  store,
		events: events,
		now:    time.Now,
	}
}

// Append validates and persists a message, refreshes the parent
// conversation's denormalized fields, and publishes the insert event.
// Validation failures are terminal; store failures are transient and left
// to the caller to retry, since an ambiguous failure may already have
// committed the row.
func (l *Ledger) Append(ctx context.Context, conversationID, senderID, receiverID, body string) (models.Message, error) {
	cleaned, err := content.CleanMessage(body)
	if err != nil {
		return models.Message{}, err
	}

	conv, err := l.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Message{}, err
		}
		return models.Message{}, models.Transient("load conversation", err)
	}
	if !conv.HasParticipant(senderID) || conv.Other(senderID) != receiverID {
		return models.Message{}, models.ErrInvalidParticipants
	}

	now := l.now()
	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        cleaned,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.store.AppendMessage(ctx, msg); err != nil {
		return models.Message{}, models.Transient("append message", err)
	}

	l.events.Publish(models.Event{Kind: models.EventMessageInserted, Message: &msg})
	l.publishConversationChanged(ctx, conversationID)

	return msg, nil
}

// FetchHistory returns a page of messages oldest-first for display,
// regardless of the store's internal newest-first order, with sender
// metadata attached. Offset pagination can skew when messages arrive
// mid-pagination; that is a documented property of the API, not something
// this layer papers over.
func (l *Ledger) FetchHistory(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	page, err := l.store.ListMessages(ctx, conversationID, limit, offset)
	if err != nil {
		return nil, models.Transient("fetch history", err)
	}

	// Reverse newest-first into display order.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}

	l.attachSenders(ctx, page)
	return page, nil
}

// MarkRead flips every unread message addressed to viewerID in the
// conversation and reports how many were flipped. Safe to repeat: the
// second call flips zero. Read state is monotonic; nothing here or
// anywhere else flips it back.
func (l *Ledger) MarkRead(ctx context.Context, conversationID, viewerID string) (int, error) {
	flipped, err := l.store.MarkRead(ctx, conversationID, viewerID, l.now())
	if err != nil {
		return 0, models.Transient("mark read", err)
	}

	for i := range flipped {
		msg := flipped[i]
		l.events.Publish(models.Event{Kind: models.EventMessageUpdated, Message: &msg})
	}
	return len(flipped), nil
}

// UnreadCount recomputes the viewer's unread count from authoritative rows.
// It is deliberately not a maintained counter: an incremented copy would
// drift under concurrent reads, writes, and reconnects.
func (l *Ledger) UnreadCount(ctx context.Context, conversationID, viewerID string) (int, error) {
	count, err := l.store.CountUnread(ctx, conversationID, viewerID)
	if err != nil {
		return 0, models.Transient("count unread", err)
	}
	return count, nil
}

func (l *Ledger) publishConversationChanged(ctx context.Context, conversationID string) {
	conv, err := l.store.GetConversation(ctx, conversationID)
	if err != nil {
		// The message itself is durable and announced; a missing summary
		// refresh only delays list rendering.
		slog.Warn("failed to load conversation for change event", "conversation", conversationID, "error", err)
		return
	}
	l.events.Publish(models.Event{Kind: models.EventConversationChanged, Conversation: &conv})
}

func (l *Ledger) attachSenders(ctx context.Context, msgs []models.Message) {
	users := make(map[string]*models.User)
	for i := range msgs {
		id := msgs[i].SenderID
		if cached, ok := users[id]; ok {
			msgs[i].Sender = cached
			continue
		}
		user, err := l.store.GetUser(ctx, id)
		if err != nil {
			users[id] = nil
			continue
		}
		users[id] = &user
		msgs[i].Sender = &user
	}
}
