package relay

import (
	"time"

	"collabpixel/internal/wire"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Client represents a single participant connected to a room.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	codec   wire.Codec
	replica string
	send    chan wire.Message
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.hub.srv.detach(c.hub)
		c.conn.Close()
		connectedClients.Dec()
	}()

	pongWait := 2 * c.hub.srv.cfg.PingInterval
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	log := c.hub.log.With("replica", c.replica)
	for {
		frameType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("client disconnected", "error", err)
			}
			return
		}
		m, rejected, err := wire.CodecForFrame(frameType).Decode(data, c.hub.srv.cfg.GridSize)
		if err != nil {
			log.Warn("dropping unparseable message", "error", err)
			operationsTotal.WithLabelValues("dropped").Inc()
			continue
		}
		for _, r := range rejected {
			log.Warn("dropping malformed operation", "error", r)
		}
		operationsTotal.WithLabelValues("dropped").Add(float64(len(rejected)))
		if m.Kind != wire.KindOps {
			log.Warn("ignoring message from client", "type", m.Kind)
			continue
		}
		if len(m.Ops) == 0 {
			continue
		}
		if err := c.hub.publish(m.Ops); err != nil {
			log.Error("dropping client", "error", err)
			return
		}
		operationsTotal.WithLabelValues("accepted").Add(float64(len(m.Ops)))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.srv.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := c.codec.Encode(message)
			if err != nil {
				c.hub.log.Error("failed to encode message", "error", err)
				continue
			}
			if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
