package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/convergent/chatservice/pkg/api"
	"github.com/convergent/chatservice/pkg/cleanup"
	"github.com/go-chi/chi/v5"
)

// Services are the collaborators the HTTP and websocket handlers call into.
type Services struct {
	Repo     *api.Repository
	Users    api.UserService
	Chat     api.ChatService
	Engine   *cleanup.Engine
	Verifier api.TokenVerifier
}

type Server struct {
	router      *chi.Mux
	addr        string
	hookSecret  string
	hub         *api.Hub
	repo        *api.Repository
	userService api.UserService
	chatService api.ChatService
	engine      *cleanup.Engine
	verifier    api.TokenVerifier

	// Account deletions running in the background.
	deletions sync.WaitGroup
}

func NewServer(router *chi.Mux, addr string, hookSecret string, services Services) *Server {
	return &Server{
		router:      router,
		addr:        addr,
		hookSecret:  hookSecret,
		hub:         api.NewHub(),
		repo:        services.Repo,
		userService: services.Users,
		chatService: services.Chat,
		engine:      services.Engine,
		verifier:    services.Verifier,
	}
}

// Hub returns the registry of live websocket clients.
func (s *Server) Hub() *api.Hub {
	return s.hub
}

// AccountDeleted closes the sessions of a deleted account and drops it from
// the identity cache.
func (s *Server) AccountDeleted(uid string) {
	s.hub.Disconnect(uid)
	s.repo.ForgetAccount(uid)
}

// ScheduleDeletion starts the deletion of uid in the background, detached
// from the request that asked for it.
func (s *Server) ScheduleDeletion(uid string) {
	s.deletions.Add(1)
	go func() {
		defer s.deletions.Done()
		report, err := s.engine.DeleteAccount(context.Background(), uid)
		if err != nil {
			log.Error("Account deleted without its conversations", "uid", uid, "documents", report.Deleted, "err", err)
			return
		}
		if len(report.Abandoned) > 0 {
			log.Warn("Account deleted with leftovers", "uid", uid, "abandoned", report.Abandoned)
			return
		}
		log.Info("Account deleted", "uid", uid, "documents", report.Deleted)
	}()
}

func (s *Server) Run() error {
	go s.hub.Run()

	// run function that initializes the routes
	r := s.Routes()

	server := &http.Server{Addr: s.addr, Handler: r}

	// Server run context
	serverCtx, serverStopCtx := context.WithCancel(context.Background())

	// Listen for syscall signals for process to interrupt/quit
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig

		// Shutdown signal with grace period of 30 seconds
		shutdownCtx, cancelFunc := context.WithTimeout(serverCtx, 30*time.Second)

		// Cancels shutdownCtx if shutdown occurs before timeout
		defer cancelFunc()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				log.Fatal("graceful shutdown timed out.. forcing exit.")
			}
		}()

		// Trigger graceful shutdown
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatal("Shutdown failed", "err", err)
		}
		serverStopCtx()
	}()

	log.Info("Listening", "addr", s.addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-serverCtx.Done()
	s.deletions.Wait()
	return nil
}
