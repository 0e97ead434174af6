package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"confab/internal/api"
	"confab/internal/auth"
	"confab/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(authService *auth.Service, handlers *api.API, wsServer *ws.Server, addr string) *APIServer {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", api.RequireSameOrigin(handlers.LoginHandler))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(handlers.LogoffHandler))
	mux.HandleFunc("GET /api/me", handlers.RequireAuth(handlers.MeHandler))
	mux.HandleFunc("GET /api/users", handlers.RequireAuth(handlers.UsersHandler))
	mux.HandleFunc("GET /api/conversations", handlers.RequireAuth(handlers.ConversationsHandler))
	mux.HandleFunc("POST /api/conversations", api.RequireSameOrigin(handlers.RequireAuth(handlers.StartConversationHandler)))
	mux.HandleFunc("GET /api/conversations/{id}/messages", handlers.RequireAuth(handlers.MessagesHandler))
	mux.HandleFunc("GET /api/presence/{id}", handlers.RequireAuth(handlers.PresenceHandler))

	// WebSocket endpoint; auth happens inside the handshake.
	mux.HandleFunc("/api/ws", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	slog.Info("api server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
