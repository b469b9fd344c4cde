package room

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collabpixel/internal/grid"
	"collabpixel/internal/pixel"
	"collabpixel/internal/relay"
	"collabpixel/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const size = 4

// flakyFront serves the relay through a listener the test can cut.
type flakyFront struct {
	net.Listener
	offline atomic.Bool

	mu    sync.Mutex
	conns []net.Conn
}

func (f *flakyFront) Accept() (net.Conn, error) {
	c, err := f.Listener.Accept()
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *flakyFront) cut() {
	f.offline.Store(true)
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (f *flakyFront) restore() { f.offline.Store(false) }

type cluster struct {
	t     *testing.T
	store *relay.MemoryStore
	url   string
	front *flakyFront
	flaky string
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	store := relay.NewMemoryStore()
	srv := relay.NewServer(relay.Config{GridSize: size, Store: store})
	direct := httptest.NewServer(srv)

	front := &flakyFront{}
	gated := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if front.offline.Load() {
			http.Error(w, "offline", http.StatusServiceUnavailable)
			return
		}
		srv.ServeHTTP(w, r)
	}))
	front.Listener = gated.Listener
	gated.Listener = front
	gated.Start()

	t.Cleanup(func() {
		srv.Close()
		direct.Close()
		gated.Close()
	})
	return &cluster{t: t, store: store, url: direct.URL, front: front, flaky: gated.URL}
}

func (c *cluster) participant(url string) (*Manager, *recordingSink) {
	c.t.Helper()
	sink := &recordingSink{}
	m := New(Config{GridSize: size, JoinTimeout: 5 * time.Second}, SessionTransport(transport.Config{
		URL:            url,
		GridSize:       size,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}), sink)
	c.t.Cleanup(func() { m.Leave() })
	return m, sink
}

func join(t *testing.T, m *Manager, room string) {
	t.Helper()
	require.NoError(t, m.Join(context.Background(), room))
}

func snapshot(t *testing.T, m *Manager) grid.Snapshot {
	t.Helper()
	s, err := m.Snapshot()
	require.NoError(t, err)
	return s
}

func opsOf(t *testing.T, m *Manager, replica string) []pixel.Operation {
	t.Helper()
	all, err := m.Ops()
	require.NoError(t, err)
	var mine []pixel.Operation
	for _, op := range all {
		if op.ID.Replica == replica {
			mine = append(mine, op)
		}
	}
	return mine
}

func TestConcurrentSameCellConverges(t *testing.T) {
	c := newCluster(t)
	a, _ := c.participant(c.url)
	b, _ := c.participant(c.url)
	join(t, a, "room-1")
	join(t, b, "room-1")

	require.NoError(t, a.Paint(0, 0, "#FF0000"))
	require.NoError(t, b.Paint(0, 0, "#00FF00"))

	require.Eventually(t, func() bool {
		sa, sb := snapshot(t, a), snapshot(t, b)
		return len(opsOf(t, a, b.Replica())) == 1 && len(opsOf(t, b, a.Replica())) == 1 && sa.Equal(sb)
	}, waitFor, tick)
	assert.Equal(t, snapshot(t, a).At(0, 0), snapshot(t, b).At(0, 0))
}

func TestLateJoinerBootstrapsWithOneRepaint(t *testing.T) {
	c := newCluster(t)
	a, _ := c.participant(c.url)
	join(t, a, "room-1")

	cells := [][2]int{{0, 0}, {1, 0}, {2, 0}, {3, 0}, {0, 1}, {1, 1}, {0, 0}, {1, 0}, {2, 0}, {3, 0}}
	for i, xy := range cells {
		require.NoError(t, a.Paint(xy[0], xy[1], []string{"#FF0000", "#00FF00"}[i%2]))
	}
	require.Eventually(t, func() bool {
		history, err := c.relayHistory("room-1")
		return err == nil && len(history) == 10
	}, waitFor, tick)

	late, sink := c.participant(c.url)
	join(t, late, "room-1")

	repaints, _ := sink.seen()
	require.Len(t, repaints, 1)
	assert.Equal(t, 6, repaints[0].Painted())
	background := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if repaints[0].At(x, y) == pixel.Background {
				background++
			}
		}
	}
	assert.Equal(t, size*size-6, background)
	assert.True(t, repaints[0].Equal(snapshot(t, a)))
}

func TestOfflinePaintsArriveOnceInOrder(t *testing.T) {
	c := newCluster(t)
	a, _ := c.participant(c.flaky)
	b, _ := c.participant(c.url)
	join(t, a, "room-1")
	join(t, b, "room-1")

	c.front.cut()
	require.Eventually(t, func() bool { return a.Status() == transport.StatusReconnecting }, waitFor, tick)

	require.NoError(t, a.Paint(0, 0, "#FF0000"))
	require.NoError(t, a.Paint(1, 0, "#00FF00"))
	require.NoError(t, a.Paint(2, 0, "#0000FF"))
	offline := opsOf(t, a, a.Replica())
	require.Len(t, offline, 3)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, opsOf(t, b, a.Replica()))

	c.front.restore()
	require.Eventually(t, func() bool { return len(opsOf(t, b, a.Replica())) == 3 }, waitFor, tick)
	assert.Equal(t, offline, opsOf(t, b, a.Replica()))
	assert.True(t, snapshot(t, a).Equal(snapshot(t, b)))

	history, err := c.relayHistory("room-1")
	require.NoError(t, err)
	assert.Len(t, history, 3, "each operation is stored exactly once")
}

func TestRoomsAreIsolated(t *testing.T) {
	c := newCluster(t)
	a, _ := c.participant(c.url)
	b, _ := c.participant(c.url)
	join(t, a, "room-1")
	join(t, b, "room-2")

	require.NoError(t, a.Paint(3, 3, "#000000"))
	require.Eventually(t, func() bool {
		history, err := c.relayHistory("room-1")
		return err == nil && len(history) == 1
	}, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, snapshot(t, b).Painted())
}

func (c *cluster) relayHistory(room string) ([]pixel.Operation, error) {
	return c.store.History(context.Background(), room)
}
