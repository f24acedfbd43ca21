// Package api exposes the HTTP surface: the websocket upgrade that binds a
// connection to its room, and the debug stats endpoint.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"slices"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"

	"github.com/npezzotti/go-jamroom/internal/config"
	"github.com/npezzotti/go-jamroom/internal/room"
)

const defaultRoomID = "main"

type JamServer struct {
	log            *log.Logger
	world          *room.World
	srv            *http.Server
	allowedOrigins []string
}

func NewJamServer(mux *http.ServeMux, logger *log.Logger, world *room.World, cfg *config.Config) *JamServer {
	s := &JamServer{
		log:            logger,
		world:          world,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /ws", s.serveWs)
	mux.HandleFunc("GET /healthz", s.healthz)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}
	return s
}

func (s *JamServer) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *JamServer) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func (s *JamServer) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// serveWs upgrades the connection and registers it with the requested
// room. The room then asks the peer to identify.
func (s *JamServer) serveWs(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		roomID = defaultRoomID
	}

	rs := s.world.Room(roomID)
	if rs == nil {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := room.NewClient(conn, rs, s.log)
	rs.Register(client)
	go client.WritePump()
	go client.ReadPump()
}
