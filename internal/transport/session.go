// Package transport keeps a participant connected to the relay channel of
// one room. It sends local operations, delivers the relay's snapshot and
// live operations, and reconnects with exponential backoff when the network
// drops. Operations sent while disconnected wait in an outbox and go out in
// their original order once the connection is back.
//
// The relay echoes every operation to its sender. A written operation stays
// in flight until that echo (or a snapshot containing it) comes back, and is
// written again after a reconnect otherwise.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"collabpixel/internal/pixel"
	"collabpixel/internal/wire"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

const (
	// maxBatch caps the operations written in one frame.
	maxBatch = 512
	// maxMessageSize bounds inbound frames; snapshots can be large.
	maxMessageSize = 64 << 20
)

var (
	ErrEmptyRoomID      = errors.New("room id is empty")
	ErrAlreadyConnected = errors.New("session already connected")
	ErrClosed           = errors.New("session closed")
)

// Config describes how to reach the relay.
type Config struct {
	// URL is the relay base URL, e.g. ws://localhost:1234.
	URL      string
	Replica  string
	GridSize int
	Codec    wire.Codec
	Dialer   *websocket.Dialer

	// Reconnect delays start at InitialBackoff and grow by
	// BackoffMultiplier up to MaxBackoff.
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	PingInterval      time.Duration
	WriteTimeout      time.Duration

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Codec == nil {
		c.Codec = wire.JSON
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = backoff.DefaultMultiplier
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session is one participant's connection to one room. It is single use:
// after Disconnect a new Session is needed.
type Session struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	status    Status
	outbox    []pixel.Operation
	inflight  []pixel.Operation
	onReceive func(wire.Message)
	onStatus  func(Status)
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}

	wake chan struct{}
}

// New creates an unconnected session.
func New(cfg Config) *Session {
	cfg.setDefaults()
	return &Session{
		cfg:  cfg,
		log:  cfg.Logger.With("component", "transport", "replica", cfg.Replica),
		wake: make(chan struct{}, 1),
	}
}

// OnReceive registers the callback for inbound messages. The snapshot is
// delivered as a single message.
func (s *Session) OnReceive(fn func(wire.Message)) {
	s.mu.Lock()
	s.onReceive = fn
	s.mu.Unlock()
}

// OnStatusChange registers the callback for connection state transitions.
func (s *Session) OnStatusChange(fn func(Status)) {
	s.mu.Lock()
	s.onStatus = fn
	s.mu.Unlock()
}

// Status returns the current connection state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Pending returns the number of operations not yet confirmed by the relay.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox) + len(s.inflight)
}

// Connect starts the session for roomID and returns without waiting for
// the relay. ctx bounds the whole session: cancelling it has the same
// effect as Disconnect.
func (s *Session) Connect(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrEmptyRoomID
	}
	endpoint, err := s.endpoint(roomID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.setStatus(StatusConnecting)
	go s.run(ctx, roomID, endpoint)
	return nil
}

// Send queues operations for broadcast. It never blocks on the network.
func (s *Session) Send(ops ...pixel.Operation) {
	if len(ops) == 0 {
		return
	}
	s.mu.Lock()
	s.outbox = append(s.outbox, ops...)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Disconnect stops the session, cancelling any pending reconnect, and waits
// for its goroutines. No OnReceive callback runs after it returns.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Session) endpoint(roomID string) (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay url %q: unsupported scheme", s.cfg.URL)
	}
	u = u.JoinPath("rooms", url.PathEscape(roomID), "ws")
	q := u.Query()
	q.Set("replica", s.cfg.Replica)
	q.Set("codec", s.cfg.Codec.Name())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Session) run(ctx context.Context, roomID, endpoint string) {
	defer close(s.done)
	defer s.setStatus(StatusClosed)

	b := s.newBackOff()
	log := s.log.With("room", roomID)
	opened := false
	for {
		conn, _, err := s.cfg.Dialer.DialContext(ctx, endpoint, nil)
		if err == nil {
			s.requeueInflight()
			b.Reset()
			opened = true
			s.setStatus(StatusOpen)
			log.Info("connected to relay")
			err = s.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}
		if opened {
			s.setStatus(StatusReconnecting)
		}

		wait := b.NextBackOff()
		log.Warn("relay unavailable, retrying", "error", err, "retry_in", wait, "pending", s.Pending())
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Session) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.Multiplier = s.cfg.BackoffMultiplier
	b.Reset()
	return b
}

// serve runs one connection until it fails or ctx is cancelled.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) error {
	var readErr error
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		readErr = s.readPump(conn)
	}()

	err := s.writePump(ctx, conn, readerDone)
	conn.Close()
	<-readerDone
	if err == nil {
		err = readErr
	}
	return err
}

func (s *Session) readPump(conn *websocket.Conn) error {
	pongWait := 2 * s.cfg.PingInterval
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		frameType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m, rejected, err := wire.CodecForFrame(frameType).Decode(data, s.cfg.GridSize)
		if err != nil {
			s.log.Warn("dropping unparseable frame", "error", err)
			continue
		}
		for _, r := range rejected {
			s.log.Warn("dropping malformed operation", "error", r)
		}
		if m.Kind == wire.KindOps && len(m.Ops) == 0 {
			continue
		}
		s.deliver(m)
	}
}

func (s *Session) deliver(m wire.Message) {
	s.mu.Lock()
	s.ackLocked(m.Ops)
	fn, closed := s.onReceive, s.closed
	s.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(m)
}

func (s *Session) writePump(ctx context.Context, conn *websocket.Conn, readerDone <-chan struct{}) error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		if err := s.flush(conn); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			// Operations queued right before Disconnect still go out.
			if err := s.flush(conn); err != nil {
				return err
			}
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()
		case <-readerDone:
			return nil
		case <-s.wake:
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

// flush writes the whole outbox. Each chunk is marked in flight before it is
// written; on failure the unwritten tail goes back to the front of the
// outbox, so a reconnect resends everything in the original order.
func (s *Session) flush(conn *websocket.Conn) error {
	s.mu.Lock()
	pending := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	for len(pending) > 0 {
		n := min(len(pending), maxBatch)
		chunk := pending[:n]

		s.mu.Lock()
		s.inflight = append(s.inflight, chunk...)
		s.mu.Unlock()

		if err := s.write(conn, wire.Ops(chunk...)); err != nil {
			rest := append([]pixel.Operation(nil), pending[n:]...)
			s.mu.Lock()
			s.outbox = append(rest, s.outbox...)
			s.mu.Unlock()
			return err
		}
		pending = pending[n:]
	}
	return nil
}

// requeueInflight puts unconfirmed operations back in front of the outbox
// for a fresh connection.
func (s *Session) requeueInflight() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inflight) == 0 {
		return
	}
	s.outbox = append(s.inflight, s.outbox...)
	s.inflight = nil
}

// ackLocked drops in-flight operations that came back from the relay.
func (s *Session) ackLocked(ops []pixel.Operation) {
	if len(s.inflight) == 0 {
		return
	}
	acked := make(map[pixel.ID]struct{})
	for _, op := range ops {
		if op.ID.Replica == s.cfg.Replica {
			acked[op.ID] = struct{}{}
		}
	}
	if len(acked) == 0 {
		return
	}
	kept := s.inflight[:0]
	for _, op := range s.inflight {
		if _, ok := acked[op.ID]; !ok {
			kept = append(kept, op)
		}
	}
	s.inflight = kept
}

func (s *Session) write(conn *websocket.Conn, m wire.Message) error {
	data, err := s.cfg.Codec.Encode(m)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteMessage(s.cfg.Codec.FrameType(), data)
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	if s.status == st {
		s.mu.Unlock()
		return
	}
	s.status = st
	fn := s.onStatus
	s.mu.Unlock()

	if fn != nil {
		fn(st)
	}
}
