package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"fils-quiz-bot/internal/promo"
	"fils-quiz-bot/internal/session"
	"fils-quiz-bot/pkg/logger"

	"github.com/go-chi/chi/v5"
)

// bearerAuth rejects requests without "Authorization: Bearer <token>".
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type adminHandler struct {
	store    AdminStore
	sessions AdminSessions
	promos   AdminPromos
	logger   *logger.Logger
}

func page(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}

func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

func (a *adminHandler) internalError(w http.ResponseWriter, op string, err error) {
	a.logger.Error("Admin request failed", "op", op, "error", err)
	respondError(w, http.StatusInternalServerError, "internal error")
}

// listUsers handles GET /api/admin/users
func (a *adminHandler) listUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	users, err := a.store.ListUsers(r.Context(), limit, offset)
	if err != nil {
		a.internalError(w, "list users", err)
		return
	}
	respondJSON(w, http.StatusOK, users)
}

// listCodes handles GET /api/admin/codes
func (a *adminHandler) listCodes(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	codes, err := a.store.ListPromoCodes(r.Context(), limit, offset)
	if err != nil {
		a.internalError(w, "list codes", err)
		return
	}
	respondJSON(w, http.StatusOK, codes)
}

// stats handles GET /api/admin/stats
func (a *adminHandler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := a.store.Stats(r.Context())
	if err != nil {
		a.internalError(w, "stats", err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// userSession handles GET /api/admin/users/{id}/session
func (a *adminHandler) userSession(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	s, err := a.sessions.GetState(r.Context(), id)
	if errors.Is(err, session.ErrNoSession) {
		respondError(w, http.StatusNotFound, "no session")
		return
	}
	if err != nil {
		a.internalError(w, "get session", err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

// userPromo handles GET /api/admin/users/{id}/promo
func (a *adminHandler) userPromo(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	p, err := a.promos.Get(r.Context(), id)
	if errors.Is(err, promo.ErrNotFound) {
		respondError(w, http.StatusNotFound, "no promo code")
		return
	}
	if err != nil {
		a.internalError(w, "get promo", err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// abandon handles POST /api/admin/users/{id}/abandon
func (a *adminHandler) abandon(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	s, err := a.sessions.Abandon(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrNoSession):
		respondError(w, http.StatusNotFound, "no session")
		return
	case err != nil:
		a.internalError(w, "abandon", err)
		return
	}
	a.logger.Info("Abandon requested by admin", "user_id", id, "session_id", s.ID, "status", s.Status)
	respondJSON(w, http.StatusOK, s)
}
