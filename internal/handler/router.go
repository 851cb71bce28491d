package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/campus-rewards-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса бонусных баллов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/rewards", func(r chi.Router) {
		r.Get("/leaderboard", h.GetLeaderboard)
		r.Get("/balance/{userID}", h.GetBalance)
		r.Get("/transactions/{userID}", h.GetTransactions)
		r.Get("/redemptions/{id}", h.GetRedemption)
		r.Get("/users/{userID}/redemptions", h.GetUserRedemptions)

		// Изменяющие операции доступны только аутентифицированным вызывающим.
		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/award", h.Award)
			r.Post("/redeem", h.Redeem)
			r.Post("/redemptions/{id}/status", h.TransitionRedemption)
		})
	})

	r.Get("/api/stalls", h.GetStalls)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
