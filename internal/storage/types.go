package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"confab/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID          string `msgpack:"id"`
	UserName    string `msgpack:"userName"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

func (u *DBUser) toModel() models.User {
	return models.User{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
}

// DBConversation stores the pair in sorted order; timestamps are Unix nanos.
type DBConversation struct {
	ID            string `msgpack:"id"`
	UserA         string `msgpack:"userA"`
	UserB         string `msgpack:"userB"`
	LastMessage   string `msgpack:"lastMessage"`
	LastMessageAt int64  `msgpack:"lastMessageAt"`
	CreatedAt     int64  `msgpack:"createdAt"`
	UpdatedAt     int64  `msgpack:"updatedAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

func (c *DBConversation) toModel() models.Conversation {
	conv := models.Conversation{
		ID:          c.ID,
		UserA:       c.UserA,
		UserB:       c.UserB,
		LastMessage: c.LastMessage,
		CreatedAt:   time.Unix(0, c.CreatedAt),
		UpdatedAt:   time.Unix(0, c.UpdatedAt),
	}
	if c.LastMessageAt != 0 {
		conv.LastMessageAt = time.Unix(0, c.LastMessageAt)
	}
	return conv
}

type DBMessage struct {
	ID             string `msgpack:"id"`
	ConversationID string `msgpack:"conversationId"`
	SenderID       string `msgpack:"senderId"`
	ReceiverID     string `msgpack:"receiverId"`
	Content        string `msgpack:"content"`
	IsRead         bool   `msgpack:"isRead"`
	CreatedAt      int64  `msgpack:"createdAt"`
	UpdatedAt      int64  `msgpack:"updatedAt"`
}

// Key orders messages by creation time within a conversation bucket. The id
// suffix keeps keys unique when two messages share a nanosecond.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		IsRead:         m.IsRead,
		CreatedAt:      time.Unix(0, m.CreatedAt),
		UpdatedAt:      time.Unix(0, m.UpdatedAt),
	}
}

func fromMessage(m models.Message) DBMessage {
	return DBMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		IsRead:         m.IsRead,
		CreatedAt:      m.CreatedAt.UnixNano(),
		UpdatedAt:      m.UpdatedAt.UnixNano(),
	}
}

type DBPresence struct {
	UserID   string `msgpack:"userId"`
	IsOnline bool   `msgpack:"isOnline"`
	LastSeen int64  `msgpack:"lastSeen"`
}

func (p *DBPresence) Key() []byte {
	return []byte(p.UserID)
}

func (p *DBPresence) MarshalBinary() (data []byte, err error) {
	type alias DBPresence
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPresence) UnmarshalBinary(data []byte) error {
	type alias DBPresence
	return msgpack.Unmarshal(data, (*alias)(p))
}

func (p *DBPresence) toModel() models.PresenceRecord {
	return models.PresenceRecord{
		UserID:   p.UserID,
		IsOnline: p.IsOnline,
		LastSeen: time.Unix(0, p.LastSeen),
	}
}
