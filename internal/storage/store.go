package storage

import (
	"context"
	"time"

	"confab/internal/models"
)

// Store is the record-store contract shared by the bbolt and Postgres
// adapters. All methods take a context because every call is a blocking
// round-trip from the caller's point of view.
type Store interface {
	// GetOrCreateConversation returns the single conversation for the
	// unordered pair, creating it atomically if absent. The bool reports
	// whether a row was created by this call.
	GetOrCreateConversation(ctx context.Context, userA, userB string) (models.Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	// ListConversations returns every conversation where userID is either
	// participant, most recently updated first.
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)

	// AppendMessage persists the message and refreshes the parent
	// conversation's denormalized last-message fields. Where the adapter
	// cannot make both writes atomic, the denorm update is best-effort and
	// must not fail the append.
	AppendMessage(ctx context.Context, msg models.Message) error
	// ListMessages returns a page of messages newest-first; callers that
	// want display order reverse it. Offset pagination is not stable under
	// concurrent inserts.
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error)
	// MarkRead flips every unread message addressed to viewerID and returns
	// the flipped rows. A repeat call flips nothing.
	MarkRead(ctx context.Context, conversationID, viewerID string, at time.Time) ([]models.Message, error)
	// CountUnread recomputes the unread count from rows; it is never cached.
	CountUnread(ctx context.Context, conversationID, viewerID string) (int, error)

	UpsertUser(ctx context.Context, user models.User) error
	GetUser(ctx context.Context, id string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)

	UpsertPresence(ctx context.Context, rec models.PresenceRecord) error
	GetPresence(ctx context.Context, userID string) (models.PresenceRecord, error)
	// SweepStalePresence flips is_online for rows whose LastSeen is older
	// than cutoff. Maintenance only; callers decide the schedule.
	SweepStalePresence(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
