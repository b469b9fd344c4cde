package room

import (
	"context"
	"log/slog"
	"sync"

	"collabpixel/internal/oplog"
	"collabpixel/internal/pixel"
	"collabpixel/internal/transport"
	"collabpixel/internal/wire"
)

// session is one visit to a room. Fields below events are owned by the
// loop goroutine.
type session struct {
	id        string
	replica   string
	transport Transport
	sink      RenderSink
	onStatus  func(transport.Status)
	log       *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	events    chan func()
	stop      chan struct{}
	done      chan struct{}
	ready     chan struct{}
	closeOnce sync.Once

	oplog   *oplog.Log
	status  transport.Status
	joined  bool
	queued  []pixel.Operation
	opsSeen int
}

func newSession(m *Manager, roomID, replica string, t Transport) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:        roomID,
		replica:   replica,
		transport: t,
		sink:      m.sink,
		onStatus:  m.cfg.OnStatus,
		log:       m.log.With("room", roomID, "replica", replica),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan func(), 256),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
		oplog:     oplog.New(replica, m.cfg.GridSize),
	}
	s.oplog.Subscribe(s.render)
	return s
}

func (s *session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case fn := <-s.events:
			select {
			case <-s.stop:
				return
			default:
			}
			fn()
		}
	}
}

// post queues fn for the loop. It reports false once the session is closed.
func (s *session) post(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.stop:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (s *session) call(fn func()) bool {
	ran := make(chan struct{})
	if !s.post(func() { fn(); close(ran) }) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-s.done:
		return false
	}
}

// close stops the loop and the transport. No callback reaches the sink
// afterwards.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.cancel()
		s.transport.Disconnect()
		<-s.done
	})
}

func (s *session) handle(msg wire.Message) {
	s.opsSeen += len(msg.Ops)
	if msg.Kind == wire.KindSnapshot && !s.joined {
		s.bootstrap(msg.Ops)
		return
	}
	s.oplog.Merge(msg.Ops)
}

// bootstrap merges the first snapshot, repaints everything once, then
// replays gestures made while joining.
func (s *session) bootstrap(ops []pixel.Operation) {
	s.oplog.Merge(ops)
	s.joined = true
	s.sink.OnFullRepaint(s.oplog.Snapshot())
	s.log.Debug("bootstrapped", "ops", len(ops), "queued", len(s.queued))

	queued := s.queued
	s.queued = nil
	for _, op := range queued {
		s.appendLocal(op)
	}
	close(s.ready)
}

func (s *session) paint(op pixel.Operation) {
	if !s.joined {
		s.queued = append(s.queued, op)
		return
	}
	s.appendLocal(op)
}

func (s *session) appendLocal(op pixel.Operation) {
	s.oplog.Append(op)
	s.transport.Send(s.oplog.TakeOutbound()...)
}

// render is the log subscription: only changed cells reach the sink, and
// nothing does before the full repaint.
func (s *session) render(b oplog.Batch) {
	if !s.joined {
		return
	}
	for _, c := range b.Changed {
		s.sink.OnCell(c.X, c.Y, c.Color)
	}
}

func (s *session) setStatus(st transport.Status) {
	if s.status == st {
		return
	}
	prev := s.status
	s.status = st
	s.log.Info("connection status changed", "from", prev.String(), "to", st.String())
	if s.onStatus != nil {
		s.onStatus(st)
	}
}
