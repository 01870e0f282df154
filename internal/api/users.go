package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marketdesk/refresher/internal/auth"
)

type credentials struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginResponse struct {
	OK          bool      `json:"ok"`
	Token       string    `json:"token"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	IsAdmin     bool      `json:"is_admin"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type meResponse struct {
	OK bool `json:"ok"`
	auth.User
}

type usersResponse struct {
	OK    bool        `json:"ok"`
	Users []auth.User `json:"users"`
}

type userResponse struct {
	OK   bool      `json:"ok"`
	User auth.User `json:"user"`
}

type loginLogResponse struct {
	OK      bool                 `json:"ok"`
	Entries []auth.LoginLogEntry `json:"entries"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if err := decode(r, &in); err != nil {
		respondMsg(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.users.Register(r.Context(), in.Username, in.Password, in.DisplayName, clientIP(r))
	switch {
	case err == nil:
		slog.InfoContext(r.Context(), "user registered", "username", user.Username)
		respondMsg(w, r, http.StatusOK, "registration successful, please log in")
	case errors.Is(err, auth.ErrUsernameTaken), errors.Is(err, auth.ErrInvalidInput):
		respondMsg(w, r, http.StatusBadRequest, err.Error())
	default:
		slog.ErrorContext(r.Context(), "registration failed", "error", err)
		respondMsg(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if err := decode(r, &in); err != nil {
		respondMsg(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	session, user, err := s.users.Login(r.Context(), in.Username, in.Password, clientIP(r))
	switch {
	case err == nil:
		s.metrics.Login("success")
		respondJSON(w, r, http.StatusOK, loginResponse{
			OK:          true,
			Token:       session.Token,
			Username:    user.Username,
			DisplayName: user.DisplayName,
			IsAdmin:     user.IsAdmin,
			ExpiresAt:   session.ExpiresAt,
		})
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.metrics.Login("failure")
		respondMsg(w, r, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
	default:
		s.metrics.Login("error")
		slog.ErrorContext(r.Context(), "login failed", "error", err)
		respondMsg(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		if err := s.users.Logout(r.Context(), token); err != nil {
			slog.ErrorContext(r.Context(), "logout failed", "error", err)
		}
	}
	respondJSON(w, r, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	respondJSON(w, r, http.StatusOK, meResponse{OK: true, User: user})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.Users(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if users == nil {
		users = []auth.User{}
	}
	respondJSON(w, r, http.StatusOK, usersResponse{OK: true, Users: users})
}

func (s *Server) handleLoginLog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := s.users.LoginLog(r.Context(), limit)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []auth.LoginLogEntry{}
	}
	respondJSON(w, r, http.StatusOK, loginLogResponse{OK: true, Entries: entries})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	user, err := s.users.ToggleStatus(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	slog.InfoContext(r.Context(), "user status changed", "target", user.Username, "status", user.Status)
	respondJSON(w, r, http.StatusOK, userResponse{OK: true, User: user})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	if err := s.users.DeleteUser(r.Context(), id); err != nil {
		s.storeError(w, r, err)
		return
	}
	slog.InfoContext(r.Context(), "user deleted", "target_id", id)
	respondJSON(w, r, http.StatusOK, okResponse{OK: true, Message: "user deleted"})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var in struct {
		Password string `json:"password"`
	}
	if err := decode(r, &in); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.users.ResetPassword(r.Context(), id, in.Password); err != nil {
		s.storeError(w, r, err)
		return
	}
	slog.InfoContext(r.Context(), "user password reset", "target_id", id)
	respondJSON(w, r, http.StatusOK, okResponse{OK: true, Message: "password reset, sessions revoked"})
}

func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, r, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrNotFound):
		respondError(w, r, http.StatusNotFound, "user not found")
	case errors.Is(err, auth.ErrProtectedAccount):
		respondError(w, r, http.StatusForbidden, "admin accounts cannot be modified here")
	case errors.Is(err, auth.ErrInvalidInput):
		respondError(w, r, http.StatusBadRequest, err.Error())
	default:
		slog.ErrorContext(r.Context(), "user store failed", "error", err)
		respondError(w, r, http.StatusInternalServerError, "internal error")
	}
}
