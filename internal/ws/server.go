package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"confab/internal/auth"
	"confab/internal/directory"
	"confab/internal/ledger"
	"confab/internal/notify"
	"confab/internal/presence"
	"confab/internal/session"
	"confab/internal/storage"
	"confab/internal/typing"

	"github.com/gorilla/websocket"
)

// Server upgrades authenticated clients and gives each one a session.
type Server struct {
	auth     *auth.Service
	store    storage.Store
	dir      *directory.Service
	led      *ledger.Ledger
	pres     *presence.Tracker
	bcast    *typing.Broadcaster
	broker   *notify.Broker
	upgrader *websocket.Upgrader

	historyLimit int
}

func NewServer(
	authService *auth.Service,
	store storage.Store,
	dir *directory.Service,
	led *ledger.Ledger,
	pres *presence.Tracker,
	bcast *typing.Broadcaster,
	broker *notify.Broker,
	historyLimit int,
) *Server {
	return &Server{
		auth:   authService,
		store:  store,
		dir:    dir,
		led:    led,
		pres:   pres,
		bcast:  bcast,
		broker: broker,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // same-origin is enforced at the API layer
			},
		},
		historyLimit: historyLimit,
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Resolve(clientToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	sess := session.New(session.Config{
		User:         user,
		Store:        s.store,
		Directory:    s.dir,
		Ledger:       s.led,
		Presence:     s.pres,
		Typing:       s.bcast,
		Broker:       s.broker,
		HistoryLimit: s.historyLimit,
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() { sess.Run(ctx) })
	// The connection drives this user's presence: online with heartbeats
	// while attached, offline when it drops.
	wg.Go(func() { s.pres.Run(ctx, userID) })

	slog.Info("client connected", "user_id", userID, "session", sess.ID)
	if err := NewConnection(conn, sess).Handle(ctx); err != nil {
		slog.Warn("connection closed with error", "user_id", userID, "error", err)
	}
	cancel()
	wg.Wait()
	slog.Info("client disconnected", "user_id", userID, "session", sess.ID)
}

// clientToken pulls the session token from the header, cookie, or query
// string, in that order.
func clientToken(r *http.Request) string {
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return r.URL.Query().Get("token")
}
