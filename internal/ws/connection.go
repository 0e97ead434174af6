package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"confab/internal/models"
	"confab/internal/session"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

type wsConn interface {
	Close() error
	ReadJSON(v any) error
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
}

// Connection bridges one websocket to one session. A read pump feeds
// client commands into the main loop; the main loop is the only writer on
// the socket, serializing command replies, pushed updates and pings.
type Connection struct {
	ws   wsConn
	sess *session.Session

	fromClient chan ClientCommand
	errorCh    chan error
}

func NewConnection(ws wsConn, sess *session.Session) *Connection {
	return &Connection{
		ws:         ws,
		sess:       sess,
		fromClient: make(chan ClientCommand),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpCommands(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpCommands(ctx context.Context) error {
	for {
		var cmd ClientCommand
		if err := c.ws.ReadJSON(&cmd); err != nil {
			return err
		}
		select {
		case c.fromClient <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case cmd := <-c.fromClient:
			if err := c.processCommand(ctx, cmd); err != nil {
				return err
			}
		case u := <-c.sess.Updates():
			if err := c.writeFrame(ServerFrame{Type: FrameUpdate, Update: &u}); err != nil {
				return err
			}
		case <-ping.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processCommand runs one client command against the session. Domain
// failures go back to the client as error frames; only a dead socket ends
// the connection.
func (c *Connection) processCommand(ctx context.Context, cmd ClientCommand) error {
	switch cmd.Type {
	case CmdListConversations:
		views, err := c.sess.ListConversations(ctx)
		if err != nil {
			return c.writeError(cmd, err)
		}
		return c.writeFrame(ServerFrame{Type: FrameConversations, Conversations: views})

	case CmdOpen:
		history, err := c.sess.OpenConversation(ctx, cmd.ConversationID)
		if err != nil {
			return c.writeError(cmd, err)
		}
		return c.writeFrame(ServerFrame{
			Type:           FrameHistory,
			ConversationID: cmd.ConversationID,
			Messages:       history,
		})

	case CmdClose:
		c.sess.CloseConversation()
		return nil

	case CmdSend:
		msg, err := c.sess.SendMessage(ctx, cmd.ConversationID, cmd.Content)
		if err != nil {
			return c.writeError(cmd, err)
		}
		return c.writeFrame(ServerFrame{
			Type:           FrameSent,
			ConversationID: cmd.ConversationID,
			Message:        &msg,
		})

	case CmdMarkRead:
		count, err := c.sess.MarkConversationRead(ctx, cmd.ConversationID)
		if err != nil {
			return c.writeError(cmd, err)
		}
		return c.writeFrame(ServerFrame{
			Type:           FrameMarkedRead,
			ConversationID: cmd.ConversationID,
			MarkedRead:     count,
		})

	case CmdTyping:
		c.sess.AnnounceTyping(cmd.ConversationID)
		return nil

	case CmdWatchPresence:
		rec, err := c.sess.SubscribePresence(ctx, cmd.UserID)
		if err != nil {
			return c.writeError(cmd, err)
		}
		return c.writeFrame(ServerFrame{Type: FramePresence, Presence: &rec})

	default:
		return c.writeFrame(ServerFrame{Type: FrameError, Error: "unknown command: " + cmd.Type})
	}
}

func (c *Connection) writeError(cmd ClientCommand, err error) error {
	frame := ServerFrame{
		Type:           FrameError,
		ConversationID: cmd.ConversationID,
		Error:          err.Error(),
	}
	if models.IsTransient(err) {
		frame.Error = "temporarily unavailable, retry: " + err.Error()
	}
	return c.writeFrame(frame)
}

func (c *Connection) writeFrame(frame ServerFrame) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(frame)
}
