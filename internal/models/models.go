package models

import (
	"errors"
	"fmt"
	"time"
)

// MaxContentLength bounds the size of a single message body.
const MaxContentLength = 500

var (
	ErrNotFound            = errors.New("not found")
	ErrEmptyContent        = errors.New("message content is empty")
	ErrContentTooLong      = fmt.Errorf("message content exceeds %d characters", MaxContentLength)
	ErrInvalidParticipants = errors.New("conversation requires two distinct participants")
)

// TransientError marks a store or transport failure that the caller may
// retry. This subsystem never retries on its own: an ambiguous failure after
// a send could duplicate the message.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// User is owned by the identity provider; this subsystem only reads it.
type User struct {
	ID          string `json:"id"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// Conversation is the single row for an unordered user pair. UserA/UserB are
// stored in sorted order so the pair has one canonical representation.
type Conversation struct {
	ID            string    `json:"id"`
	UserA         string    `json:"userA"`
	UserB         string    `json:"userB"`
	LastMessage   string    `json:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// HasParticipant reports whether userID is one of the pair.
func (c Conversation) HasParticipant(userID string) bool {
	return c.UserA == userID || c.UserB == userID
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if c.UserA == userID {
		return c.UserB
	}
	return c.UserA
}

// Message content is immutable after creation. IsRead is monotonic: once
// true it never flips back.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Content        string    `json:"content"`
	IsRead         bool      `json:"isRead"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`

	// Pending marks an optimistic local copy that the server has not yet
	// confirmed. Never persisted.
	Pending bool `json:"pending,omitempty"`

	// Sender metadata resolved at read time for rendering.
	Sender *User `json:"sender,omitempty"`
}

// PresenceRecord is one row per user, upserted on every heartbeat.
// Staleness is judged by observers from LastSeen age, not server-side.
type PresenceRecord struct {
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// TypingSignal is ephemeral: it only ever exists on the wire and in
// short-lived tracker state, never as a row.
type TypingSignal struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	UserName       string    `json:"userName"`
	IsTyping       bool      `json:"isTyping"`
	SentAt         time.Time `json:"sentAt"`
}

// ConversationView is the derived client-side shape: the conversation plus
// the resolved other participant and the unread count computed at read time.
type ConversationView struct {
	Conversation
	OtherUser   User `json:"otherUser"`
	UnreadCount int  `json:"unreadCount"`
}
