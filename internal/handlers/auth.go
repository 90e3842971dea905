package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/pliu/lightning/internal/auth"
	"github.com/pliu/lightning/internal/store"
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthHandler struct {
	Auth   *auth.Service
	Logger zerolog.Logger
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	type SignupRequest struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
	}

	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := h.Auth.CreateAccount(r.Context(), req.Username, req.Password, req.Email)
	switch {
	case errors.Is(err, auth.ErrInvalidUsername), errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrInvalidEmail):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, store.ErrDuplicate):
		http.Error(w, "Username already exists", http.StatusConflict)
		return
	case err != nil:
		h.Logger.Error().Err(err).Str("username", req.Username).Msg("signup failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.Logger.Info().Str("username", user.Username).Bool("email", user.Email != "").Msg("account created")
	writeJSON(w, http.StatusCreated, map[string]string{"username": user.Username})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	token, err := h.Auth.VerifyCredential(r.Context(), creds.Username, creds.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if err != nil {
		h.Logger.Error().Err(err).Msg("login failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, token)
}

// Verify consumes the link sent by the verification mail.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	err := h.Auth.VerifyEmail(r.Context(), r.URL.Query().Get("token"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Invalid or used verification token", http.StatusNotFound)
		return
	}
	if err != nil {
		h.Logger.Error().Err(err).Msg("email verification failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
