// Package session is the client reconciliation layer: one Session per
// connected client, holding that client's conversation-list and open-
// conversation cache. A single goroutine owns the cache, fed by a channel
// of inbound change events; UI-facing calls marshal their cache mutations
// onto that goroutine, so there is never a second writer.
package session

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"confab/internal/directory"
	"confab/internal/ledger"
	"confab/internal/models"
	"confab/internal/notify"
	"confab/internal/presence"
	"confab/internal/storage"
	"confab/internal/typing"

	"github.com/google/uuid"
)

const (
	inboxBuffer   = 256
	updatesBuffer = 100

	keyUserRows = "rows:user"
)

func keyTyping(conversationID string) string { return "typing:" + conversationID }
func keyPresence(userID string) string       { return "presence:" + userID }

// Config wires a session to the shared services.
type Config struct {
	User      models.User
	Store     storage.Store
	Directory *directory.Service
	Ledger    *ledger.Ledger
	Presence  *presence.Tracker
	Typing    *typing.Broadcaster
	Broker    *notify.Broker

	// HistoryLimit is the initial page size on open; zero means the
	// ledger default.
	HistoryLimit int
}

type Session struct {
	ID   string
	user models.User

	store stores
	inbox chan models.Event
	calls chan func()
	subs  *subscriptionManager

	updates chan Update
	closed  chan struct{}

	historyLimit int
	now          func() time.Time

	// Everything below is owned by the Run goroutine.
	runCtx        context.Context
	views         map[string]*models.ConversationView
	openID        string
	openCancel    context.CancelFunc
	messages      []models.Message
	typingTracker *typing.Tracker
	lastTyping    int
}

// stores groups the service handles so the struct above stays readable.
type stores struct {
	records   storage.Store
	directory *directory.Service
	ledger    *ledger.Ledger
	presence  *presence.Tracker
	typing    *typing.Broadcaster
}

func New(cfg Config) *Session {
	s := &Session{
		ID:   uuid.NewString(),
		user: cfg.User,
		store: stores{
			records:   cfg.Store,
			directory: cfg.Directory,
			ledger:    cfg.Ledger,
			presence:  cfg.Presence,
			typing:    cfg.Typing,
		},
		inbox:        make(chan models.Event, inboxBuffer),
		calls:        make(chan func()),
		updates:      make(chan Update, updatesBuffer),
		closed:       make(chan struct{}),
		historyLimit: cfg.HistoryLimit,
		now:          time.Now,
		views:        make(map[string]*models.ConversationView),
	}
	s.subs = newSubscriptionManager(cfg.Broker, s.inbox)
	return s
}

// Updates is the stream the UI renders from. Delivery is lossy under
// backpressure: the cache itself stays consistent, a dropped update only
// delays a repaint.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Run owns the cache until ctx is done. All inbound events and all
// UI-call mutations are applied here, one at a time.
func (s *Session) Run(ctx context.Context) {
	s.runCtx = ctx
	// Row changes touching this user in either participant column drive
	// both the conversation list and the open conversation.
	s.subs.acquireRows(keyUserRows, notify.Filter{ParticipantID: s.user.ID})

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case e := <-s.inbox:
			s.handleEvent(e)
		case fn := <-s.calls:
			fn()
		case <-ticker.C:
			s.expireTyping()
		case <-ctx.Done():
			close(s.closed)
			s.subs.releaseAll()
			return
		}
	}
}

// ListConversations fetches the user's conversation views and replaces the
// cached list.
func (s *Session) ListConversations(ctx context.Context) ([]models.ConversationView, error) {
	views, err := s.store.directory.ListForUser(ctx, s.user.ID)
	if err != nil {
		return nil, err
	}

	s.do(func() {
		s.views = make(map[string]*models.ConversationView, len(views))
		for i := range views {
			v := views[i]
			s.views[v.ID] = &v
		}
	})
	return views, nil
}

// OpenConversation switches the open conversation: subscribes to its
// typing topic, loads the initial history page, and resets the message
// cache. The previous conversation's subscriptions are released.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	conv, err := s.store.directory.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(s.user.ID) {
		return nil, models.ErrInvalidParticipants
	}

	history, err := s.store.ledger.FetchHistory(ctx, conversationID, s.historyLimit, 0)
	if err != nil {
		return nil, err
	}

	s.do(func() {
		if s.openID != "" && s.openID != conversationID {
			s.subs.release(keyTyping(s.openID))
		}
		if s.openCancel != nil {
			s.openCancel()
		}
		openCtx, cancel := context.WithCancel(s.runCtx)
		s.openCancel = cancel

		s.openID = conversationID
		s.messages = append([]models.Message(nil), history...)
		s.typingTracker = typing.NewTracker(openCtx)
		s.lastTyping = 0
	})
	s.subs.acquireTopic(keyTyping(conversationID), notify.TypingTopic(conversationID))

	return history, nil
}

// CloseConversation drops the open conversation and its subscriptions.
func (s *Session) CloseConversation() {
	s.do(func() {
		if s.openID == "" {
			return
		}
		s.subs.release(keyTyping(s.openID))
		if s.openCancel != nil {
			s.openCancel()
			s.openCancel = nil
		}
		s.openID = ""
		s.messages = nil
		s.typingTracker = nil
	})
}

// SendMessage appends optimistically, then calls the ledger. On success the
// pending copy is replaced by the durable row under the durable id, so the
// later echo event reconciles to the same single entry. On failure the
// pending copy is rolled back and the error is the caller's to retry.
func (s *Session) SendMessage(ctx context.Context, conversationID, body string) (models.Message, error) {
	conv, err := s.store.directory.Get(ctx, conversationID)
	if err != nil {
		return models.Message{}, err
	}
	if !conv.HasParticipant(s.user.ID) {
		return models.Message{}, models.ErrInvalidParticipants
	}
	receiver := conv.Other(s.user.ID)

	sender := s.user
	local := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       s.user.ID,
		ReceiverID:     receiver,
		Content:        strings.TrimSpace(body),
		CreatedAt:      s.now(),
		UpdatedAt:      s.now(),
		Pending:        true,
		Sender:         &sender,
	}
	s.do(func() {
		if conversationID == s.openID {
			s.upsertMessage(local)
			s.emit(Update{Kind: UpdateMessage, Message: &local})
		}
	})

	durable, err := s.store.ledger.Append(ctx, conversationID, s.user.ID, receiver, body)
	if err != nil {
		s.do(func() {
			if conversationID == s.openID && s.removeMessage(local.ID) {
				s.emit(Update{Kind: UpdateMessageRemoved, Message: &local})
			}
		})
		return models.Message{}, err
	}

	durable.Sender = &sender
	s.do(func() {
		if conversationID == s.openID {
			s.removeMessage(local.ID)
			s.upsertMessage(durable)
			s.emit(Update{Kind: UpdateMessage, Message: &durable})
		}
	})
	return durable, nil
}

// MarkConversationRead bulk-marks messages addressed to this user and
// refreshes the conversation's badge from a fresh recount. Safe to repeat.
func (s *Session) MarkConversationRead(ctx context.Context, conversationID string) (int, error) {
	count, err := s.store.ledger.MarkRead(ctx, conversationID, s.user.ID)
	if err != nil {
		return 0, err
	}
	s.do(func() { s.refreshSummary(conversationID) })
	return count, nil
}

// AnnounceTyping broadcasts this user's composing signal. Fire and forget.
func (s *Session) AnnounceTyping(conversationID string) {
	s.store.typing.Announce(conversationID, s.user.ID, s.user.DisplayName)
}

// SubscribePresence starts watching a user's presence topic and returns
// the current record; later changes arrive as UpdatePresence.
func (s *Session) SubscribePresence(ctx context.Context, userID string) (models.PresenceRecord, error) {
	rec, err := s.store.presence.Get(ctx, userID)
	if err != nil {
		return models.PresenceRecord{}, err
	}
	s.subs.acquireTopic(keyPresence(userID), notify.PresenceTopic(userID))
	return rec, nil
}

// Messages returns a copy of the open conversation's cached messages.
func (s *Session) Messages() []models.Message {
	var out []models.Message
	s.do(func() {
		out = append(out, s.messages...)
	})
	return out
}

// Conversations returns the cached conversation views, most recently
// updated first.
func (s *Session) Conversations() []models.ConversationView {
	var out []models.ConversationView
	s.do(func() {
		out = s.viewList()
	})
	return out
}

// do runs fn on the Run goroutine and waits for it.
func (s *Session) do(fn func()) {
	done := make(chan struct{})
	select {
	case s.calls <- func() { fn(); close(done) }:
		<-done
	case <-s.closed:
	}
}

func (s *Session) handleEvent(e models.Event) {
	switch e.Kind {
	case models.EventMessageInserted:
		msg := *e.Message
		if msg.ConversationID == s.openID {
			s.attachSender(&msg)
			s.upsertMessage(msg)
			s.emit(Update{Kind: UpdateMessage, Message: &msg})
		}
		s.refreshSummary(msg.ConversationID)

	case models.EventMessageUpdated:
		msg := *e.Message
		if msg.ConversationID == s.openID {
			if patched, ok := s.patchMessage(msg); ok {
				s.emit(Update{Kind: UpdateMessageRead, Message: &patched})
			}
			// An update for an id we have not seen is ignored: the insert
			// event that follows carries the correct read state.
		}
		s.refreshSummary(msg.ConversationID)

	case models.EventConversationChanged:
		s.refreshSummary(e.Conversation.ID)

	case models.EventTyping:
		sig := *e.Typing
		if sig.ConversationID != s.openID || sig.UserID == s.user.ID || s.typingTracker == nil {
			return
		}
		s.typingTracker.Observe(sig)
		s.emitTyping()

	case models.EventPresenceChanged:
		rec := *e.Presence
		s.emit(Update{Kind: UpdatePresence, Presence: &rec})
	}
}

// refreshSummary rebuilds one conversation's list entry. The unread badge
// is always a fresh recount; a stale cached count is a bug, not an
// optimization.
func (s *Session) refreshSummary(conversationID string) {
	conv, err := s.store.directory.Get(s.runCtx, conversationID)
	if err != nil {
		slog.Warn("failed to refresh conversation summary", "conversation", conversationID, "error", err)
		return
	}
	if !conv.HasParticipant(s.user.ID) {
		return
	}

	view := models.ConversationView{Conversation: conv}
	otherID := conv.Other(s.user.ID)
	if other, err := s.store.records.GetUser(s.runCtx, otherID); err == nil {
		view.OtherUser = other
	} else {
		view.OtherUser = models.User{ID: otherID, DisplayName: "Unknown User"}
	}

	count, err := s.store.ledger.UnreadCount(s.runCtx, conversationID, s.user.ID)
	if err != nil {
		slog.Warn("failed to recount unread", "conversation", conversationID, "error", err)
		return
	}
	view.UnreadCount = count

	s.views[conversationID] = &view
	s.emit(Update{Kind: UpdateConversations, Conversations: s.viewList()})
}

func (s *Session) viewList() []models.ConversationView {
	out := make([]models.ConversationView, 0, len(s.views))
	for _, v := range s.views {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// upsertMessage inserts by CreatedAt order, or replaces an existing entry
// with the same id. Events may arrive in any order; insertion keeps the
// cache sorted without trusting arrival order.
func (s *Session) upsertMessage(msg models.Message) {
	for i := range s.messages {
		if s.messages[i].ID == msg.ID {
			// Read state is monotonic across replacements.
			msg.IsRead = msg.IsRead || s.messages[i].IsRead
			if msg.Sender == nil {
				msg.Sender = s.messages[i].Sender
			}
			s.messages[i] = msg
			return
		}
	}

	at := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	s.messages = append(s.messages, models.Message{})
	copy(s.messages[at+1:], s.messages[at:])
	s.messages[at] = msg
}

func (s *Session) patchMessage(msg models.Message) (models.Message, bool) {
	for i := range s.messages {
		if s.messages[i].ID != msg.ID {
			continue
		}
		if msg.IsRead {
			s.messages[i].IsRead = true
		}
		s.messages[i].UpdatedAt = msg.UpdatedAt
		s.messages[i].Pending = false
		return s.messages[i], true
	}
	return models.Message{}, false
}

func (s *Session) removeMessage(id string) bool {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Session) attachSender(msg *models.Message) {
	if msg.Sender != nil {
		return
	}
	if msg.SenderID == s.user.ID {
		sender := s.user
		msg.Sender = &sender
		return
	}
	if user, err := s.store.records.GetUser(s.runCtx, msg.SenderID); err == nil {
		msg.Sender = &user
	}
}

// expireTyping re-emits the typing set when entries have aged out, since
// expiry produces no event of its own.
func (s *Session) expireTyping() {
	if s.typingTracker == nil {
		return
	}
	if n := len(s.typingTracker.Typing()); n != s.lastTyping {
		s.emitTyping()
	}
}

func (s *Session) emitTyping() {
	typers := s.typingTracker.Typing()
	s.lastTyping = len(typers)
	s.emit(Update{Kind: UpdateTyping, Typing: typers})
}

func (s *Session) emit(u Update) {
	select {
	case s.updates <- u:
	default:
		slog.Warn("session updates lagging, dropped", "session", s.ID, "kind", u.Kind)
	}
}
