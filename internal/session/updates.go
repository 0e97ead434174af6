package session

import "confab/internal/models"

// UpdateKind tags what the UI should re-render.
type UpdateKind string

const (
	// UpdateMessage carries a new or replaced message in the open
	// conversation.
	UpdateMessage UpdateKind = "message"
	// UpdateMessageRead carries an in-place read-flag patch.
	UpdateMessageRead UpdateKind = "messageRead"
	// UpdateMessageRemoved carries a rolled-back optimistic message whose
	// durable append failed.
	UpdateMessageRemoved UpdateKind = "messageRemoved"
	// UpdateConversations carries the refreshed conversation list.
	UpdateConversations UpdateKind = "conversations"
	// UpdateTyping carries the current typing set for the open
	// conversation.
	UpdateTyping UpdateKind = "typing"
	// UpdatePresence carries a watched user's presence change.
	UpdatePresence UpdateKind = "presence"
)

// Update is what the session pushes to its UI. Exactly one payload field
// matching Kind is set.
type Update struct {
	Kind UpdateKind `json:"kind"`

	Message       *models.Message           `json:"message,omitempty"`
	Conversations []models.ConversationView `json:"conversations,omitempty"`
	Typing        []models.TypingSignal     `json:"typing,omitempty"`
	Presence      *models.PresenceRecord    `json:"presence,omitempty"`
}
