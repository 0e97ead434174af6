package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"confab/internal/auth"
	"confab/internal/directory"
	"confab/internal/ledger"
	"confab/internal/models"
	"confab/internal/presence"
	"confab/internal/storage"
)

type ctxKey int

const userIDKey ctxKey = 0

// API serves the read-side JSON endpoints. Everything that mutates or
// streams goes over the websocket.
type API struct {
	auth  *auth.Service
	store storage.Store
	dir   *directory.Service
	led   *ledger.Ledger
	pres  *presence.Tracker
}

func New(
	authService *auth.Service,
	store storage.Store,
	dir *directory.Service,
	led *ledger.Ledger,
	pres *presence.Tracker,
) *API {
	return &API{auth: authService, store: store, dir: dir, led: led, pres: pres}
}

type LoginRequest struct {
	Username string `json:"username"`
}

type LoginResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
	UserID      string `json:"userId,omitempty"`
}

// LoginHandler exchanges a provisioned username for a session token.
// Identity itself comes from user provisioning, not from here.
func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := a.userByUsername(r.Context(), req.Username)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		writeJSON(w, LoginResponse{Success: false, Message: "Login failed"})
		return
	}

	token, err := a.auth.Issue(user.ID)
	if err != nil {
		slog.Error("token issue failed", "user_id", user.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	expiry := a.auth.ExpiresAt()
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    token,
		HttpOnly: true,
		Path:     "/",
		Expires:  expiry,
	})
	writeJSON(w, LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: expiry.Unix(),
		UserID:      user.ID,
	})
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := clientToken(r); token != "" {
		a.auth.Revoke(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.store.GetUser(r.Context(), requestUserID(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, user)
}

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.ListUsers(r.Context())
	if err != nil {
		serveError(w, err)
		return
	}
	writeJSON(w, users)
}

// ConversationsHandler returns the caller's conversation views, most
// recently active first, with unread counts.
func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	views, err := a.dir.ListForUser(r.Context(), requestUserID(r))
	if err != nil {
		serveError(w, err)
		return
	}
	writeJSON(w, views)
}

type StartConversationRequest struct {
	UserID string `json:"userId"`
}

// StartConversationHandler finds or creates the caller's conversation with
// another user. Calling it twice returns the same conversation.
func (a *API) StartConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	conv, err := a.dir.GetOrCreate(r.Context(), requestUserID(r), req.UserID)
	if err != nil {
		if errors.Is(err, models.ErrInvalidParticipants) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		serveError(w, err)
		return
	}
	writeJSON(w, conv)
}

// MessagesHandler returns one page of history, oldest first within the
// page. limit and offset come from the query string.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	conv, err := a.dir.Get(r.Context(), conversationID)
	if err != nil {
		serveError(w, err)
		return
	}
	if !conv.HasParticipant(requestUserID(r)) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)
	messages, err := a.led.FetchHistory(r.Context(), conversationID, limit, offset)
	if err != nil {
		serveError(w, err)
		return
	}
	writeJSON(w, messages)
}

// PresenceHandler returns a user's stored presence, with the staleness
// window already applied.
func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := a.pres.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		serveError(w, err)
		return
	}
	if !presence.Online(rec, time.Now()) {
		rec.IsOnline = false
	}
	writeJSON(w, rec)
}

// RequireAuth resolves the session token and stashes the user id in the
// request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.Resolve(clientToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}

func requestUserID(r *http.Request) string {
	userID, _ := r.Context().Value(userIDKey).(string)
	return userID
}

func (a *API) userByUsername(ctx context.Context, username string) (models.User, error) {
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return models.User{}, err
	}
	for _, u := range users {
		if u.UserName == username {
			return u, nil
		}
	}
	return models.User{}, models.ErrNotFound
}

func clientToken(r *http.Request) string {
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func serveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case models.IsTransient(err):
		http.Error(w, "Temporarily unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
