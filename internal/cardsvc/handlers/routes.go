package handlers

import (
	"net/http"
	"time"

	"github.com/avvvet/card-services/internal/observability"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/jwtauth"
	log "github.com/sirupsen/logrus"
)

func (h *Handler) SetRoutes(r chi.Router) {
	r.Use(metricsMiddleware)

	r.Route("/v1", func(r chi.Router) {

		// public routes here
		r.Get("/health", h.HealthHandler)

		// Secure routes
		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verifier(h.tokenAuth))
			r.Use(jwtauth.Authenticator)

			r.Get("/cards", h.ListCards)
			r.Post("/cards", h.SubmitCard)
			r.Post("/cards/approved", h.CreateApprovedCard)
			r.Get("/cards/{id}", h.GetCard)
			r.Post("/cards/{id}/approve", h.ApproveCard)
			r.Post("/cards/{id}/reject", h.RejectCard)
			r.Post("/cards/{id}/instances", h.AssignCard)

			r.Get("/instances/{id}", h.GetInstance)
			r.Delete("/instances/{id}", h.RemoveInstance)
			r.Get("/me/instances", h.MyInstances)

			r.Get("/lookup/{id}", h.Lookup)
			r.Get("/audit", h.QueryAudit)
		})
	})
}

func (h *Handler) InitAuth(jwtKey string) *jwtauth.JWTAuth {
	h.tokenAuth = jwtauth.New("HS256", []byte(jwtKey), nil)
	return h.tokenAuth
}

// IssueToken signs a token for userID, used by the bot to hand users a web
// session.
func (h *Handler) IssueToken(userID int64, ttl time.Duration) (string, error) {
	_, tokenString, err := h.tokenAuth.Encode(map[string]interface{}{
		"user_id": userID,
		"exp":     time.Now().Add(ttl).Unix(),
	})
	if err != nil {
		log.Errorf("unable to sign token for %d: %s", userID, err)
	}
	return tokenString, err
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		observability.RecordHTTPRequest(r.Method, path, ww.Status(), time.Since(start))
	})
}
