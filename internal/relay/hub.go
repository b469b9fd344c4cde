package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"collabpixel/internal/pixel"
	"collabpixel/internal/wire"
)

// Hub maintains the set of clients joined to one room and broadcasts the
// room's operations to them. A newly registered client gets the room
// history as a snapshot before any live operation, because both go through
// the same loop.
type Hub struct {
	room string
	srv  *Server
	log  *slog.Logger

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	inbound    <-chan []byte
	unsub      func()

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	// refs is guarded by srv.mu.
	refs int
}

func newHub(srv *Server, room string) (*Hub, error) {
	ctx, cancel := context.WithCancel(context.Background())
	inbound, unsub, err := srv.cfg.Broker.Subscribe(ctx, room)
	if err != nil {
		cancel()
		return nil, err
	}
	return &Hub{
		room:       room,
		srv:        srv,
		log:        srv.log.With("room", room),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    inbound,
		unsub:      unsub,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}, nil
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			history, err := h.srv.cfg.Store.History(h.ctx, h.room)
			if err != nil {
				// No snapshot without history; the client reconnects.
				h.log.Error("failed to load room history, refusing client", "replica", client.replica, "error", err)
				close(client.send)
				continue
			}
			client.send <- wire.Snapshot(history)
			h.clients[client] = true
			h.log.Info("client registered", "replica", client.replica, "clients", len(h.clients), "history", len(history))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.log.Info("client unregistered", "replica", client.replica, "clients", len(h.clients))
			}
		case payload, ok := <-h.inbound:
			if !ok {
				h.log.Warn("broker subscription closed")
				h.inbound = nil
				continue
			}
			h.broadcast(payload)
		}
	}
}

func (h *Hub) broadcast(payload []byte) {
	m, rejected, err := wire.JSON.Decode(payload, h.srv.cfg.GridSize)
	if err != nil {
		h.log.Warn("dropping unparseable broker message", "error", err)
		return
	}
	if len(rejected) > 0 {
		h.log.Warn("dropping malformed broker operations", "count", len(rejected))
	}
	if len(m.Ops) == 0 {
		return
	}
	for client := range h.clients {
		select {
		case client.send <- m:
		default:
			h.log.Warn("client too slow, disconnecting", "replica", client.replica)
			slowClientsTotal.Inc()
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// publish records ops in the room history, then hands them to the broker.
// A client registering in between finds them in the snapshot, one
// registering later receives the broadcast. Operations that could not be
// stored are not broadcast; the error tells the sender's pump to drop the
// connection so the sender resends them after reconnecting.
func (h *Hub) publish(ops []pixel.Operation) error {
	if err := h.srv.cfg.Store.Append(h.ctx, h.room, ops); err != nil {
		operationsTotal.WithLabelValues("unstored").Add(float64(len(ops)))
		return fmt.Errorf("append room history: %w", err)
	}
	payload, err := wire.JSON.Encode(wire.Ops(ops...))
	if err != nil {
		h.log.Error("failed to encode operations", "error", err)
		return nil
	}
	if err := h.srv.cfg.Broker.Publish(h.ctx, h.room, payload); err != nil {
		h.log.Error("failed to publish operations", "error", err)
	}
	return nil
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		<-h.done
		h.unsub()
	})
}
