package routes

import (
	"github.com/avvvet/card-services/internal/socketsvc/handlers"
	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
)

// SetRoutes mounts the socket endpoints. Browsers cannot set headers on a
// websocket upgrade, so the token is also read from the jwt query parameter.
func SetRoutes(r chi.Router, h *handlers.Handler, tokenAuth *jwtauth.JWTAuth) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", h.HealthHandler)

		// Secure routes
		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verify(tokenAuth, jwtauth.TokenFromHeader, jwtauth.TokenFromQuery))
			r.Use(jwtauth.Authenticator)

			r.Get("/ws", h.HandleWebSocket)
		})
	})
}

func InitAuth(jwtKey string) *jwtauth.JWTAuth {
	return jwtauth.New("HS256", []byte(jwtKey), nil)
}
