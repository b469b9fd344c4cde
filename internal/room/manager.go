// Package room binds a room ID to one replicated log and one transport
// session, and drives a render sink from them.
//
// Everything that touches the log or the sink runs on a single event loop
// goroutine per joined room. Transport callbacks and public methods only
// post closures to that loop, so no lock guards the log itself.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"collabpixel/internal/grid"
	"collabpixel/internal/pixel"
	"collabpixel/internal/transport"
	"collabpixel/internal/wire"

	"github.com/google/uuid"
)

var (
	ErrEmptyRoomID   = errors.New("room id is empty")
	ErrAlreadyJoined = errors.New("already in a room")
	ErrNotJoined     = errors.New("not in a room")
	ErrJoinTimeout   = errors.New("timed out waiting for the room snapshot")
	ErrJoinAborted   = errors.New("left the room before joining completed")
)

// State of a Manager.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateJoined
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// RenderSink paints the grid somewhere. Its methods are called from the
// room's event loop and must not call back into the Manager.
type RenderSink interface {
	OnCell(x, y int, c pixel.Color)
	OnFullRepaint(g grid.Snapshot)
}

// Transport is what the manager needs from a transport session.
type Transport interface {
	Connect(ctx context.Context, roomID string) error
	Send(ops ...pixel.Operation)
	OnReceive(fn func(wire.Message))
	OnStatusChange(fn func(transport.Status))
	Disconnect()
}

// TransportFactory creates a fresh transport for a replica on every join.
type TransportFactory func(replica string) Transport

// SessionTransport builds transport sessions from a shared configuration.
func SessionTransport(cfg transport.Config) TransportFactory {
	return func(replica string) Transport {
		c := cfg
		c.Replica = replica
		return transport.New(c)
	}
}

type Config struct {
	GridSize    int
	JoinTimeout time.Duration
	Logger      *slog.Logger
	// OnStatus, if set, is told about connection changes so a UI can show
	// a "reconnecting" indicator. It runs on the event loop.
	OnStatus func(transport.Status)
}

// Manager runs the join/leave lifecycle for one participant. It is in at
// most one room at a time.
type Manager struct {
	cfg          Config
	newTransport TransportFactory
	sink         RenderSink
	log          *slog.Logger

	mu      sync.Mutex
	state   State
	current *session
}

func New(cfg Config, newTransport TransportFactory, sink RenderSink) *Manager {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:          cfg,
		newTransport: newTransport,
		sink:         sink,
		log:          cfg.Logger.With("component", "room"),
	}
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RoomID returns the current room, or "" when idle.
func (m *Manager) RoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.id
}

// Replica returns the stamp replica of the current visit, or "" when idle.
func (m *Manager) Replica() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.replica
}

// Join enters roomID and returns once the room snapshot has been merged and
// the sink repainted. If no snapshot arrives within the join timeout the
// visit is torn down and ErrJoinTimeout is returned; Join may be retried.
func (m *Manager) Join(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrEmptyRoomID
	}

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrAlreadyJoined
	}
	replica := uuid.NewString()
	s := newSession(m, roomID, replica, m.newTransport(replica))
	m.state = StateJoining
	m.current = s
	m.mu.Unlock()

	go s.loop()
	s.transport.OnReceive(func(msg wire.Message) {
		s.post(func() { s.handle(msg) })
	})
	s.transport.OnStatusChange(func(st transport.Status) {
		s.post(func() { s.setStatus(st) })
	})

	log := m.log.With("room", roomID, "replica", replica)
	log.Info("joining room")
	if err := s.transport.Connect(s.ctx, roomID); err != nil {
		m.abandon(s)
		return fmt.Errorf("connect: %w", err)
	}

	timer := time.NewTimer(m.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case <-s.ready:
		m.mu.Lock()
		if m.current == s && m.state == StateJoining {
			m.state = StateJoined
		}
		m.mu.Unlock()
		log.Info("joined room")
		return nil
	case <-timer.C:
		log.Warn("join timed out", "timeout", m.cfg.JoinTimeout)
		m.abandon(s)
		return ErrJoinTimeout
	case <-ctx.Done():
		m.abandon(s)
		return ctx.Err()
	case <-s.stop:
		return ErrJoinAborted
	}
}

// abandon tears down a visit that never completed its join.
func (m *Manager) abandon(s *session) {
	m.mu.Lock()
	if m.current != s {
		m.mu.Unlock()
		return
	}
	m.state = StateLeaving
	m.mu.Unlock()

	s.close()

	m.mu.Lock()
	m.current = nil
	m.state = StateIdle
	m.mu.Unlock()
}

// Leave disconnects from the room and discards its log.
func (m *Manager) Leave() error {
	m.mu.Lock()
	s := m.current
	if s == nil || m.state == StateLeaving {
		m.mu.Unlock()
		return ErrNotJoined
	}
	m.state = StateLeaving
	m.mu.Unlock()

	s.close()
	m.log.Info("left room", "room", s.id, "ops", s.opsSeen)

	m.mu.Lock()
	if m.current == s {
		m.current = nil
		m.state = StateIdle
	}
	m.mu.Unlock()
	return nil
}

// Paint records a local gesture. While joining it is queued and applied
// right after the snapshot, in gesture order.
func (m *Manager) Paint(x, y int, color string) error {
	c, err := pixel.ParseColor(color)
	if err != nil {
		return err
	}
	if !pixel.InBounds(x, y, m.cfg.GridSize) {
		return fmt.Errorf("%w: cell (%d,%d) outside %dx%d grid", pixel.ErrMalformed, x, y, m.cfg.GridSize, m.cfg.GridSize)
	}
	s, err := m.active()
	if err != nil {
		return err
	}
	if !s.post(func() { s.paint(pixel.New(x, y, c)) }) {
		return ErrNotJoined
	}
	return nil
}

// Snapshot returns the reduced grid of the current room.
func (m *Manager) Snapshot() (grid.Snapshot, error) {
	var snap grid.Snapshot
	err := m.query(func(s *session) { snap = s.oplog.Snapshot() })
	return snap, err
}

// Ops returns the current room's log in log order.
func (m *Manager) Ops() ([]pixel.Operation, error) {
	var ops []pixel.Operation
	err := m.query(func(s *session) { ops = s.oplog.Ops() })
	return ops, err
}

// Status returns the transport state of the current room.
func (m *Manager) Status() transport.Status {
	st := transport.StatusIdle
	m.query(func(s *session) { st = s.status })
	return st
}

func (m *Manager) active() (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || (m.state != StateJoining && m.state != StateJoined) {
		return nil, ErrNotJoined
	}
	return m.current, nil
}

func (m *Manager) query(fn func(s *session)) error {
	s, err := m.active()
	if err != nil {
		return err
	}
	if !s.call(func() { fn(s) }) {
		return ErrNotJoined
	}
	return nil
}
