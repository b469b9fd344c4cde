// Package relay is the rendezvous point of a room: participants connect to
// /rooms/{roomID}/ws, receive the room history as a snapshot, and from then
// on every operation any participant sends is stored and broadcast to all of
// them, the sender included.
package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"collabpixel/internal/wire"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var errServerClosed = errors.New("relay closed")

// Config wires a Server to its history store and broker.
type Config struct {
	GridSize     int
	Store        Store
	Broker       Broker
	SendBuffer   int
	PingInterval time.Duration
	Logger       *slog.Logger
}

// Server serves room websockets and the inspection endpoints.
type Server struct {
	cfg      Config
	log      *slog.Logger
	router   *mux.Router
	upgrader websocket.Upgrader

	mu     sync.Mutex
	hubs   map[string]*Hub
	closed bool
}

func NewServer(cfg Config) *Server {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Broker == nil {
		cfg.Broker = NewMemoryBroker()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg: cfg,
		log: cfg.Logger.With("component", "relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		hubs: make(map[string]*Hub),
	}

	r := mux.NewRouter()
	r.UseEncodedPath()
	r.HandleFunc("/rooms/{roomID}/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{roomID}/ops", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops every hub, which disconnects all clients. It leaves the store
// and broker open; they belong to the caller.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	hubs := make([]*Hub, 0, len(s.hubs))
	for room, h := range s.hubs {
		hubs = append(hubs, h)
		delete(s.hubs, room)
		activeRooms.Dec()
	}
	s.mu.Unlock()

	for _, h := range hubs {
		h.stop()
	}
}

// Rooms returns the number of rooms with connected clients.
func (s *Server) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hubs)
}

func roomID(r *http.Request) (string, bool) {
	room, err := url.PathUnescape(mux.Vars(r)["roomID"])
	if err != nil || room == "" {
		return "", false
	}
	return room, true
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	room, ok := roomID(r)
	if !ok {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}
	codec, err := wire.CodecByName(r.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	hub, err := s.attach(room)
	if err != nil {
		s.log.Error("failed to open room", "room", room, "error", err)
		http.Error(w, "room unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade the websocket", "room", room, "error", err)
		s.detach(hub)
		return
	}

	client := &Client{
		hub:     hub,
		conn:    conn,
		codec:   codec,
		replica: r.URL.Query().Get("replica"),
		send:    make(chan wire.Message, s.cfg.SendBuffer),
	}
	if !hub.join(client) {
		conn.Close()
		s.detach(hub)
		return
	}
	connectedClients.Inc()
	go client.writePump()
	go client.readPump()
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	room, ok := roomID(r)
	if !ok {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}
	ops, err := s.cfg.Store.History(r.Context(), room)
	if err != nil {
		s.log.Error("failed to load room history", "room", room, "error", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	data, err := wire.JSON.Encode(wire.Snapshot(ops))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// attach returns the running hub for room, starting one if needed, and
// takes a reference on it.
func (s *Server) attach(room string) (*Hub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errServerClosed
	}
	if h, ok := s.hubs[room]; ok {
		h.refs++
		return h, nil
	}
	h, err := newHub(s, room)
	if err != nil {
		return nil, err
	}
	h.refs = 1
	s.hubs[room] = h
	activeRooms.Inc()
	go h.run()
	return h, nil
}

// detach drops a reference and reaps the hub when nobody is left.
func (s *Server) detach(h *Hub) {
	s.mu.Lock()
	h.refs--
	reap := h.refs <= 0 && s.hubs[h.room] == h
	if reap {
		delete(s.hubs, h.room)
		activeRooms.Dec()
	}
	s.mu.Unlock()

	if reap {
		h.stop()
	}
}
