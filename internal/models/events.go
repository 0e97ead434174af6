package models

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EventKind tags the change-notification union. Row-change kinds mirror
// store mutations; typing and presence kinds are ephemeral broadcast only.
type EventKind string

const (
	EventMessageInserted     EventKind = "message.inserted"
	EventMessageUpdated      EventKind = "message.updated"
	EventConversationChanged EventKind = "conversation.changed"
	EventPresenceChanged     EventKind = "presence.changed"
	EventTyping              EventKind = "typing"
)

// Event is the tagged union delivered to subscribers. Exactly one payload
// field matching Kind is set; Validate rejects anything else so malformed
// envelopes never reach reconciliation code.
type Event struct {
	Kind EventKind `json:"kind" msgpack:"kind"`

	Message      *Message        `json:"message,omitempty" msgpack:"message,omitempty"`
	Conversation *Conversation   `json:"conversation,omitempty" msgpack:"conversation,omitempty"`
	Presence     *PresenceRecord `json:"presence,omitempty" msgpack:"presence,omitempty"`
	Typing       *TypingSignal   `json:"typing,omitempty" msgpack:"typing,omitempty"`
}

// ConversationID returns the conversation the event belongs to, or "" for
// events that are not conversation-scoped.
func (e Event) ConversationID() string {
	switch e.Kind {
	case EventMessageInserted, EventMessageUpdated:
		if e.Message != nil {
			return e.Message.ConversationID
		}
	case EventConversationChanged:
		if e.Conversation != nil {
			return e.Conversation.ID
		}
	case EventTyping:
		if e.Typing != nil {
			return e.Typing.ConversationID
		}
	}
	return ""
}

// Touches reports whether the event concerns userID as a participant.
func (e Event) Touches(userID string) bool {
	switch e.Kind {
	case EventMessageInserted, EventMessageUpdated:
		return e.Message != nil && (e.Message.SenderID == userID || e.Message.ReceiverID == userID)
	case EventConversationChanged:
		return e.Conversation != nil && e.Conversation.HasParticipant(userID)
	case EventPresenceChanged:
		return e.Presence != nil && e.Presence.UserID == userID
	}
	return false
}

func (e Event) Validate() error {
	switch e.Kind {
	case EventMessageInserted, EventMessageUpdated:
		if e.Message == nil || e.Message.ID == "" || e.Message.ConversationID == "" {
			return fmt.Errorf("event %s: missing message payload", e.Kind)
		}
	case EventConversationChanged:
		if e.Conversation == nil || e.Conversation.ID == "" {
			return fmt.Errorf("event %s: missing conversation payload", e.Kind)
		}
	case EventPresenceChanged:
		if e.Presence == nil || e.Presence.UserID == "" {
			return fmt.Errorf("event %s: missing presence payload", e.Kind)
		}
	case EventTyping:
		if e.Typing == nil || e.Typing.ConversationID == "" || e.Typing.UserID == "" {
			return fmt.Errorf("event %s: missing typing payload", e.Kind)
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// EncodeEvent serializes an event envelope for cross-instance transport.
func EncodeEvent(e Event) ([]byte, error) {
	return msgpack.Marshal(e)
}

// DecodeEvent parses and validates an envelope received off the wire.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
