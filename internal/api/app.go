package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/nkwon/metrotales/internal/config"
	"github.com/nkwon/metrotales/internal/database"
	"github.com/nkwon/metrotales/internal/gateway"
	"github.com/nkwon/metrotales/internal/room"
	"github.com/teris-io/shortid"
)

type App struct {
	log             *log.Logger
	db              database.Repository
	gw              *gateway.Gateway
	rooms           *room.Service
	srv             *http.Server
	signingKey      []byte
	allowedOrigins  []string
	generateShortId func() (string, error)
}

func NewApp(mux *http.ServeMux, logger *log.Logger, gw *gateway.Gateway, rooms *room.Service, db database.Repository, cfg *config.Config) *App {
	s := &App{
		log:             logger,
		db:              db,
		gw:              gw,
		rooms:           rooms,
		signingKey:      cfg.SigningKey,
		allowedOrigins:  cfg.AllowedOrigins,
		generateShortId: shortid.Generate,
	}

	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.Handle("POST /api/characters", s.authMiddleware(s.createCharacter))
	mux.Handle("GET /api/characters", s.authMiddleware(s.listCharacters))
	mux.Handle("DELETE /api/characters", s.authMiddleware(s.deleteCharacter))
	mux.Handle("GET /api/stations", s.authMiddleware(s.listStations))
	mux.Handle("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.Handle("GET /api/rooms", s.authMiddleware(s.listRooms))
	mux.Handle("POST /api/rooms/join", s.authMiddleware(s.joinRoom))
	mux.Handle("POST /api/rooms/leave", s.authMiddleware(s.leaveRoom))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.srv = srv
	return s
}

func (s *App) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *App) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
