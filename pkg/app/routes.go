package app

import (
	myMiddleware "github.com/convergent/chatservice/pkg/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) Routes() *chi.Mux {
	r := s.router
	r.Use(cors.Handler(cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(myMiddleware.FirebaseConfig(s.verifier))

	r.Route("/chat", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(myMiddleware.Authenticator)
			r.Get("/conversation", s.GetConversationPointers())
			r.Post("/conversation", s.StartConversation())
			r.Get("/conversation/{conversationId}", s.GetConversation())
			r.Get("/conversation/{conversationId}/messages", s.GetMessages())
			r.Post("/conversation/{conversationId}/messages", s.AddMessage())
			r.Post("/conversation/{conversationId}/messages/{messageId}/reaction", s.React())
			r.Put("/conversation/{conversationId}/typing", s.SetTyping())
		})
		// The websocket authenticates in-band.
		r.Get("/ws", s.ServeWs())
	})

	r.Route("/user", func(r chi.Router) {
		r.Use(myMiddleware.Authenticator)
		r.Get("/profile", s.GetProfile())
		r.Patch("/profile", s.PatchProfile())
		r.Put("/profile/image", s.UploadProfileImage())
		r.Get("/search/{query}", s.SearchUsers())
		r.Delete("/", s.DeleteAccount())
	})

	r.Route("/hooks/auth", func(r chi.Router) {
		r.Use(myMiddleware.HookSecret(s.hookSecret))
		r.Post("/create", s.OnAuthCreate())
		r.Post("/delete", s.OnAuthDelete())
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
