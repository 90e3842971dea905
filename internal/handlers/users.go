package handlers

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/pliu/lightning/internal/store"
)

const searchLimit = 10

// Roster reports who currently holds a live session.
type Roster interface {
	Online() []string
}

type UsersHandler struct {
	Store  store.CredentialStore
	Roster Roster
	Logger zerolog.Logger
}

type UserResult struct {
	Username   string `json:"username"`
	IsVerified bool   `json:"is_verified"`
	Online     bool   `json:"online"`
}

func (h *UsersHandler) Online(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"online": h.Roster.Online()})
}

// SearchUsers looks users up by username prefix.
func (h *UsersHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusOK, []UserResult{})
		return
	}

	users, err := h.Store.SearchUsers(r.Context(), query, searchLimit)
	if err != nil {
		h.Logger.Error().Err(err).Msg("user search failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	online := make(map[string]bool)
	for _, name := range h.Roster.Online() {
		online[name] = true
	}
	results := make([]UserResult, 0, len(users))
	for _, u := range users {
		results = append(results, UserResult{Username: u.Username, IsVerified: u.IsVerified, Online: online[u.Username]})
	}
	writeJSON(w, http.StatusOK, results)
}
