package ws

import (
	"confab/internal/models"
	"confab/internal/session"
)

// Client command types.
const (
	CmdListConversations = "listConversations"
	CmdOpen              = "open"
	CmdClose             = "close"
	CmdSend              = "send"
	CmdMarkRead          = "markRead"
	CmdTyping            = "typing"
	CmdWatchPresence     = "watchPresence"
)

// Server frame types.
const (
	FrameConversations = "conversations"
	FrameHistory       = "history"
	FrameSent          = "sent"
	FrameMarkedRead    = "markedRead"
	FramePresence      = "presence"
	FrameUpdate        = "update"
	FrameError         = "error"
)

// ClientCommand is one inbound websocket frame. Type selects the
// operation; the other fields are its arguments.
type ClientCommand struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	Content        string `json:"content,omitempty"`
	UserID         string `json:"userId,omitempty"`
}

// ServerFrame is one outbound websocket frame: either a direct reply to a
// command or a pushed session update.
type ServerFrame struct {
	Type           string                    `json:"type"`
	ConversationID string                    `json:"conversationId,omitempty"`
	Conversations  []models.ConversationView `json:"conversations,omitempty"`
	Messages       []models.Message          `json:"messages,omitempty"`
	Message        *models.Message           `json:"message,omitempty"`
	Presence       *models.PresenceRecord    `json:"presence,omitempty"`
	Update         *session.Update           `json:"update,omitempty"`
	MarkedRead     int                       `json:"markedRead,omitempty"`
	Error          string                    `json:"error,omitempty"`
}
