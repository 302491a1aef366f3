package party

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/5UP3RTH30B4G/Spotify-Connect/internal/session"
)

// BroadcastChannel is the redis pub/sub channel the HTTP surface uses
// to push already-framed events into the room.
const BroadcastChannel = "broadcast"

// Server exposes the realtime channel over HTTP and bridges redis
// events into the hub.
type Server struct {
	hub          *Hub
	rdb          *redis.Client
	cookieSecret []byte
	clientURL    string

	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, rdb *redis.Client, cookieSecret []byte, clientURL string) *Server {
	s := &Server{
		hub:          hub,
		rdb:          rdb,
		cookieSecret: cookieSecret,
		clientURL:    clientURL,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if s.clientURL == "" {
				return true
			}
			return r.Header.Get("Origin") == s.clientURL
		},
	}
	return s
}

func (s *Server) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	for _, mw := range middlewares {
		r.Use(mw)
	}
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.HandleWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","service":"spotify-connect"}`))
}

// HandleWS upgrades the connection and starts its pumps. The session
// cookie is resolved here; a connection without one can still watch the
// room but has no credential to act with.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("spotify-connect: ws upgrade: %v", err)
		return
	}

	sessionID, _ := session.FromRequest(r, s.cookieSecret)

	client := &Client{
		id:        s.hub.newID(),
		sessionID: sessionID,
		hub:       s.hub,
		conn:      conn,
		send:      make(chan []byte, 256),
	}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// RunRedisSubscriber forwards frames published on the broadcast channel
// to every connection. The HTTP pass-through uses this to reach the
// room (e.g. rate_limited after a 429).
func (s *Server) RunRedisSubscriber(ctx context.Context) {
	sub := s.rdb.Subscribe(ctx, BroadcastChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.hub.relayed <- []byte(msg.Payload)
		}
	}
}
