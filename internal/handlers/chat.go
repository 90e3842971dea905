package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/pliu/lightning/internal/middleware"
	"github.com/pliu/lightning/internal/protocol"
	"github.com/pliu/lightning/internal/store"
)

const (
	defaultHistory = 50
	maxHistory     = 200
)

type ChatHandler struct {
	Users    store.CredentialStore
	Messages store.MessageStore
	Logger   zerolog.Logger
}

// GetConversation returns the current state of the caller's conversation
// with {peer}, oldest first. Deleted messages appear as payload-free
// tombstones.
func (h *ChatHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	username := middleware.Username(r.Context())
	if username == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	peer := mux.Vars(r)["peer"]

	limit := defaultHistory
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistory)
	}

	if _, err := h.Users.GetUserByUsername(r.Context(), peer); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		h.Logger.Error().Err(err).Msg("peer lookup failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	envelopes, err := h.Messages.Conversation(r.Context(), username, peer, limit)
	if err != nil {
		h.Logger.Error().Err(err).Str("peer", peer).Msg("history query failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	out := make([]protocol.Delivery, 0, len(envelopes))
	for i := range envelopes {
		out = append(out, protocol.NewDelivery(&envelopes[i]))
	}
	writeJSON(w, http.StatusOK, out)
}
