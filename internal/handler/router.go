package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/venuehub/orderd/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса заказов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)

			r.Route("/staff", func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)

				r.Get("/list", h.ListActiveOrders)
				r.Patch("/{orderID}/status", h.AdvanceStatus)
			})

			r.Get("/{orderID}", h.GetOrderStatus)
		})

		r.Post("/payments/authorize", h.AuthorizePayment)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
