package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"collabpixel/internal/pixel"
	"collabpixel/internal/wire"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gridSize = 8

func newRelay(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.GridSize == 0 {
		cfg.GridSize = gridSize
	}
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

type peer struct {
	t     *testing.T
	conn  *websocket.Conn
	codec wire.Codec
}

func dial(t *testing.T, ts *httptest.Server, room string, codec wire.Codec) *peer {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rooms/" + room + "/ws?replica=test&codec=" + codec.Name()
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn, codec: codec}
}

func (p *peer) send(ops ...pixel.Operation) {
	p.t.Helper()
	data, err := p.codec.Encode(wire.Ops(ops...))
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(p.codec.FrameType(), data))
}

func (p *peer) sendRaw(data string) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

func (p *peer) next() wire.Message {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frameType, data, err := p.conn.ReadMessage()
	require.NoError(p.t, err)
	assert.Equal(p.t, p.codec.FrameType(), frameType)
	m, rejected, err := p.codec.Decode(data, gridSize)
	require.NoError(p.t, err)
	require.Empty(p.t, rejected)
	return m
}

// quiet asserts nothing arrives for a short while.
func (p *peer) quiet() {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := p.conn.ReadMessage()
	require.Error(p.t, err)
}

func op(replica string, clock uint64, x, y int, c string) pixel.Operation {
	return pixel.Operation{ID: pixel.ID{Replica: replica, Clock: clock}, X: x, Y: y, Color: pixel.Color(c)}
}

func TestRelayBroadcastsToRoomIncludingSender(t *testing.T) {
	_, ts := newRelay(t, Config{})

	a := dial(t, ts, "room-1", wire.JSON)
	assert.Equal(t, wire.Snapshot(nil).Kind, a.next().Kind)
	b := dial(t, ts, "room-1", wire.JSON)
	b.next()
	other := dial(t, ts, "room-2", wire.JSON)
	other.next()

	a.send(op("a", 1, 0, 0, "#FF0000"), op("a", 2, 1, 0, "#FF0000"))

	for _, p := range []*peer{a, b} {
		m := p.next()
		assert.Equal(t, wire.KindOps, m.Kind)
		assert.Equal(t, []pixel.Operation{op("a", 1, 0, 0, "#FF0000"), op("a", 2, 1, 0, "#FF0000")}, m.Ops)
	}
	other.quiet()
}

func TestRelayBootstrapsLateJoiner(t *testing.T) {
	_, ts := newRelay(t, Config{})

	a := dial(t, ts, "room-1", wire.JSON)
	a.next()
	for i := 0; i < 10; i++ {
		a.send(op("a", uint64(i+1), i%6, 0, "#000000"))
		a.next()
	}

	c := dial(t, ts, "room-1", wire.JSON)
	snap := c.next()
	assert.Equal(t, wire.KindSnapshot, snap.Kind)
	require.Len(t, snap.Ops, 10)
	for i, got := range snap.Ops {
		assert.Equal(t, uint64(i+1), got.ID.Clock, "history keeps arrival order")
	}
}

func TestRelayDropsMalformedOperations(t *testing.T) {
	srv, ts := newRelay(t, Config{})

	a := dial(t, ts, "room-1", wire.JSON)
	a.next()
	a.sendRaw("not json")
	a.sendRaw(`{"type":"ops","ops":[{"id":{"replica":"a","clock":1},"pixel":[8,0,"#000000"]},{"id":{"replica":"a","clock":2},"pixel":[1,1,"#00ff00"]}]}`)
	a.sendRaw(`{"type":"snapshot","ops":[{"id":{"replica":"a","clock":3},"pixel":[2,2,"#000000"]}]}`)

	m := a.next()
	assert.Equal(t, []pixel.Operation{op("a", 2, 1, 1, "#00FF00")}, m.Ops)
	a.quiet()

	history, err := srv.cfg.Store.History(t.Context(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, []pixel.Operation{op("a", 2, 1, 1, "#00FF00")}, history)
}

func TestRelayMixesCodecs(t *testing.T) {
	_, ts := newRelay(t, Config{})

	j := dial(t, ts, "room-1", wire.JSON)
	j.next()
	m := dial(t, ts, "room-1", wire.Msgpack)
	m.next()

	m.send(op("m", 1, 3, 3, "#123456"))
	assert.Equal(t, []pixel.Operation{op("m", 1, 3, 3, "#123456")}, j.next().Ops)
	assert.Equal(t, []pixel.Operation{op("m", 1, 3, 3, "#123456")}, m.next().Ops)
}

func TestRelayHistoryEndpoint(t *testing.T) {
	srv, ts := newRelay(t, Config{})
	require.NoError(t, srv.cfg.Store.Append(t.Context(), "room 1", []pixel.Operation{op("a", 1, 0, 0, "#FF0000")}))

	resp, err := http.Get(ts.URL + "/rooms/room%201/ops")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	got, _, err := wire.JSON.Decode(body, gridSize)
	require.NoError(t, err)
	assert.Equal(t, []pixel.Operation{op("a", 1, 0, 0, "#FF0000")}, got.Ops)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRelayRejectsUnknownCodec(t *testing.T) {
	_, ts := newRelay(t, Config{})
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rooms/room-1/ws?codec=xml"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelayReapsEmptyRooms(t *testing.T) {
	srv, ts := newRelay(t, Config{})

	a := dial(t, ts, "room-1", wire.JSON)
	a.next()
	assert.Equal(t, 1, srv.Rooms())

	a.conn.Close()
	require.Eventually(t, func() bool { return srv.Rooms() == 0 }, 5*time.Second, 10*time.Millisecond)

	// History outlives the hub.
	b := dial(t, ts, "room-1", wire.JSON)
	b.next()
	b.send(op("b", 1, 0, 0, "#000000"))
	b.next()
	b.conn.Close()
	require.Eventually(t, func() bool { return srv.Rooms() == 0 }, 5*time.Second, 10*time.Millisecond)

	c := dial(t, ts, "room-1", wire.JSON)
	assert.Len(t, c.next().Ops, 1)
}

// flakyStore fails History or Append on demand.
type flakyStore struct {
	*MemoryStore
	failHistory atomic.Bool
	failAppend  atomic.Bool
}

var errStoreDown = errors.New("store down")

func (s *flakyStore) History(ctx context.Context, room string) ([]pixel.Operation, error) {
	if s.failHistory.Load() {
		return nil, errStoreDown
	}
	return s.MemoryStore.History(ctx, room)
}

func (s *flakyStore) Append(ctx context.Context, room string, ops []pixel.Operation) error {
	if s.failAppend.Load() {
		return errStoreDown
	}
	return s.MemoryStore.Append(ctx, room, ops)
}

// dropped asserts the relay ends the connection instead of sending.
func (p *peer) dropped() {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := p.conn.ReadMessage()
	require.Error(p.t, err, "unexpected frame %s", data)
	var ne net.Error
	assert.False(p.t, errors.As(err, &ne) && ne.Timeout(), "connection still open: %v", err)
}

func TestRelayRefusesClientWhenHistoryUnavailable(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	require.NoError(t, store.MemoryStore.Append(t.Context(), "room-1", []pixel.Operation{op("a", 1, 0, 0, "#FF0000")}))
	store.failHistory.Store(true)
	_, ts := newRelay(t, Config{Store: store})

	dial(t, ts, "room-1", wire.JSON).dropped()

	store.failHistory.Store(false)
	snap := dial(t, ts, "room-1", wire.JSON).next()
	assert.Equal(t, wire.KindSnapshot, snap.Kind)
	assert.Equal(t, []pixel.Operation{op("a", 1, 0, 0, "#FF0000")}, snap.Ops)
}

func TestRelayDoesNotBroadcastUnstoredOperations(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	_, ts := newRelay(t, Config{Store: store})

	a := dial(t, ts, "room-1", wire.JSON)
	a.next()
	b := dial(t, ts, "room-1", wire.JSON)
	b.next()

	store.failAppend.Store(true)
	a.send(op("a", 1, 0, 0, "#FF0000"))
	a.dropped()
	b.quiet()

	store.failAppend.Store(false)
	history, err := store.History(t.Context(), "room-1")
	require.NoError(t, err)
	assert.Empty(t, history)

	// The sender reconnects and resends.
	a = dial(t, ts, "room-1", wire.JSON)
	a.next()
	a.send(op("a", 1, 0, 0, "#FF0000"))
	assert.Equal(t, []pixel.Operation{op("a", 1, 0, 0, "#FF0000")}, a.next().Ops)
}
