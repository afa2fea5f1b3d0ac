package server

import (
	"context"
	"encoding/json"
	"net/http"

	"fils-quiz-bot/internal/models"
	"fils-quiz-bot/pkg/logger"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// UpdateHandler applies one Telegram update.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update tgbotapi.Update) error
}

type AdminStore interface {
	ListUsers(ctx context.Context, limit, offset int) ([]models.UserSummary, error)
	ListPromoCodes(ctx context.Context, limit, offset int) ([]models.PromoCode, error)
	Stats(ctx context.Context) (*models.Stats, error)
}

type AdminSessions interface {
	GetState(ctx context.Context, userID int64) (*models.Session, error)
	Abandon(ctx context.Context, userID int64) (*models.Session, error)
}

type AdminPromos interface {
	Get(ctx context.Context, userID int64) (*models.PromoCode, error)
}

type Deps struct {
	Updates       UpdateHandler
	WebhookSecret string
	// AdminToken enables the admin API; empty leaves it unmounted.
	AdminToken string
	Store      AdminStore
	Sessions   AdminSessions
	Promos     AdminPromos
	Logger     *logger.Logger
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// NewRouter builds the HTTP routes. The webhook is mounted only when
// deps.Updates is set.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(TracingMiddleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		if deps.Updates != nil {
			wh := &webhookHandler{updates: deps.Updates, secret: deps.WebhookSecret, logger: deps.Logger}
			r.Post("/telegram", wh.ServeHTTP)
		}

		if deps.AdminToken != "" {
			a := &adminHandler{store: deps.Store, sessions: deps.Sessions, promos: deps.Promos, logger: deps.Logger}
			r.Route("/admin", func(r chi.Router) {
				r.Use(bearerAuth(deps.AdminToken))
				r.Get("/users", a.listUsers)
				r.Get("/codes", a.listCodes)
				r.Get("/stats", a.stats)
				r.Get("/users/{id}/session", a.userSession)
				r.Get("/users/{id}/promo", a.userPromo)
				r.Post("/users/{id}/abandon", a.abandon)
			})
		}
	})

	return r
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
