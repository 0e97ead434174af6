package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"confab/internal/models"
	"confab/internal/presence"
	"confab/internal/storage"

	"github.com/google/uuid"
)

// AdminHandler serves the loopback-only operator endpoints: user
// provisioning and presence maintenance.
type AdminHandler struct {
	store storage.Store
	pres  *presence.Tracker
}

func NewAdminHandler(store storage.Store, pres *presence.Tracker) *AdminHandler {
	return &AdminHandler{store: store, pres: pres}
}

type AddUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type AddUserResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Username == "" {
		http.Error(w, "Username is required", http.StatusBadRequest)
		return
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Username
	}

	user := models.User{
		ID:          uuid.NewString(),
		UserName:    req.Username,
		DisplayName: displayName,
		AvatarURL:   req.AvatarURL,
	}
	if err := h.store.UpsertUser(r.Context(), user); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, AddUserResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to create user: %v", err),
		})
		return
	}

	writeJSON(w, AddUserResponse{
		Success:  true,
		UserID:   user.ID,
		Username: user.UserName,
	})
}

type SweepResponse struct {
	Swept int `json:"swept"`
}

// SweepPresenceHandler forces one stale-presence sweep. The same sweep
// runs on a timer; this exists for operators and tests.
func (h *AdminHandler) SweepPresenceHandler(w http.ResponseWriter, r *http.Request) {
	maxAge := time.Duration(queryInt(r, "maxAgeSeconds", int((2 * presence.HeartbeatInterval).Seconds()))) * time.Second

	swept, err := h.pres.Sweep(r.Context(), maxAge)
	if err != nil {
		serveError(w, err)
		return
	}
	writeJSON(w, SweepResponse{Swept: swept})
}
