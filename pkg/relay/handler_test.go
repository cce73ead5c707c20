package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jeff-Emmett/rspace-online/pkg/api"
	"github.com/Jeff-Emmett/rspace-online/pkg/canvas"
	"github.com/Jeff-Emmett/rspace-online/pkg/peers"
	"github.com/Jeff-Emmett/rspace-online/pkg/reconcile"
	"github.com/Jeff-Emmett/rspace-online/pkg/storage"
	"github.com/Jeff-Emmett/rspace-online/pkg/store"
)

type fixture struct {
	store    *store.Store
	table    *peers.Table
	registry *Registry
	server   *httptest.Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	return newMountedFixture(t, opts, func(st *store.Store, ws http.Handler) http.Handler {
		r := mux.NewRouter()
		r.Methods(http.MethodGet).Path("/ws/{slug}").Handler(ws)
		return r
	})
}

func newMountedFixture(t *testing.T, opts Options, mount func(st *store.Store, ws http.Handler) http.Handler) *fixture {
	files, err := storage.NewFiles(t.TempDir())
	require.NoError(t, err)
	st := store.New(files)
	_, err = st.Create(context.Background(), "Garden", "garden")
	require.NoError(t, err)

	table := peers.NewTable()
	reg := NewRegistry(table)
	engine := reconcile.New(st, table, reg)
	srv := httptest.NewServer(mount(st, NewHandler(st, engine, reg, opts)))
	t.Cleanup(srv.Close)
	t.Cleanup(reg.CloseAll)
	return &fixture{store: st, table: table, registry: reg, server: srv}
}

func (f *fixture) url(slug, query string) string {
	u := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/" + slug
	if query != "" {
		u += "?" + query
	}
	return u
}

type wsFrame struct {
	kind int
	data []byte
}

// wsPeer is a browser-like replica that syncs over the websocket endpoint.
type wsPeer struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan wsFrame
	binary bool
	doc    *automerge.Doc
	ss     *automerge.SyncState
	other  [][]byte
}

func (f *fixture) dial(t *testing.T, binary bool) *wsPeer {
	query := ""
	if binary {
		query = "format=binary"
	}
	conn, _, err := websocket.DefaultDialer.Dial(f.url("garden", query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	p := &wsPeer{t: t, conn: conn, frames: make(chan wsFrame, 64), binary: binary, doc: automerge.New()}
	p.ss = automerge.NewSyncState(p.doc)
	go func() {
		defer close(p.frames)
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			p.frames <- wsFrame{kind: kind, data: data}
		}
	}()
	return p
}

func (p *wsPeer) next(wait time.Duration) (wsFrame, bool) {
	select {
	case f, ok := <-p.frames:
		return f, ok
	case <-time.After(wait):
		return wsFrame{}, false
	}
}

func (p *wsPeer) apply(f wsFrame) {
	delta := f.data
	if f.kind == websocket.TextMessage {
		var env Envelope
		require.NoError(p.t, json.Unmarshal(f.data, &env))
		if env.Type != TypeSync {
			p.other = append(p.other, f.data)
			return
		}
		delta = env.Data
	}
	_, err := p.ss.ReceiveMessage(delta)
	require.NoError(p.t, err)
}

func (p *wsPeer) flush() bool {
	sent := false
	for {
		msg, valid := p.ss.GenerateMessage()
		if !valid {
			return sent
		}
		sent = true
		if p.binary {
			require.NoError(p.t, p.conn.WriteMessage(websocket.BinaryMessage, msg.Bytes()))
			continue
		}
		raw := msg.Bytes()
		values := make([]int, len(raw))
		for i, b := range raw {
			values[i] = int(b)
		}
		require.NoError(p.t, p.conn.WriteJSON(map[string]any{"type": TypeSync, "data": values}))
	}
}

func (p *wsPeer) shapes() map[string]canvas.Shape {
	shapes, err := canvas.ReadShapes(p.doc)
	require.NoError(p.t, err)
	return shapes
}

func settle(t *testing.T, all ...*wsPeer) {
	for round := 0; round < 100; round++ {
		moved := false
		for _, p := range all {
			if p.flush() {
				moved = true
			}
		}
		for _, p := range all {
			for {
				f, ok := p.next(150 * time.Millisecond)
				if !ok {
					break
				}
				moved = true
				p.apply(f)
			}
		}
		if !moved {
			return
		}
	}
	t.Fatal("peers did not settle")
}

func TestGardenOverWebsocket(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	a := f.dial(t, false)
	settle(t, a)
	meta, err := canvas.ReadMeta(a.doc)
	require.NoError(t, err)
	assert.Equal(t, "garden", meta.Slug)

	require.NoError(t, canvas.PutShape(a.doc, canvas.Shape{Type: canvas.TypeRectangle, ID: "s1", Width: 10, Height: 10}))
	_, err = a.doc.Commit("add s1")
	require.NoError(t, err)
	settle(t, a)

	b := f.dial(t, true)
	settle(t, a, b)
	assert.Equal(t, canvas.Shape{Type: canvas.TypeRectangle, ID: "s1", Width: 10, Height: 10}, b.shapes()["s1"])

	d, err := f.store.Load(context.Background(), "garden")
	require.NoError(t, err)
	snap, err := d.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, a.shapes(), snap.Shapes)
	assert.Equal(t, a.shapes(), b.shapes())
}

func TestEditsReachEveryPeer(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	a, b := f.dial(t, false), f.dial(t, true)
	settle(t, a, b)

	require.NoError(t, canvas.PutShape(b.doc, canvas.Shape{Type: canvas.TypeText, ID: "t1", Content: "hi"}))
	_, err := b.doc.Commit("")
	require.NoError(t, err)
	require.NoError(t, canvas.PutShape(a.doc, canvas.Shape{Type: canvas.TypeMarkdown, ID: "m1"}))
	_, err = a.doc.Commit("")
	require.NoError(t, err)
	settle(t, a, b)

	assert.Len(t, a.shapes(), 2)
	assert.Equal(t, a.shapes(), b.shapes())
}

func TestUnknownDocumentIsNotFound(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	_, resp, err := websocket.DefaultDialer.Dial(f.url("nowhere", ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPresenceIsEchoedToOthers(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	a, b := f.dial(t, false), f.dial(t, false)
	settle(t, a, b)

	presence := []byte(`{"type":"presence","cursor":{"x":4,"y":2},"name":"ada"}`)
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, presence))

	got, ok := b.next(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, websocket.TextMessage, got.kind)
	assert.Equal(t, presence, got.data)

	_, ok = a.next(200 * time.Millisecond)
	assert.False(t, ok, "the sender does not get its own presence back")
}

func TestPingPong(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	a := f.dial(t, false)
	settle(t, a)

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","timestamp":1712345678901}`)))
	got, ok := a.next(2 * time.Second)
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"pong","timestamp":1712345678901}`, string(got.data))
}

func TestControlTrafficCountsAsActivity(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	a := f.dial(t, false)
	settle(t, a)

	const idle = 100 * time.Millisecond
	require.Eventually(t, func() bool { return len(f.table.Idle(idle)["garden"]) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"presence","name":"ada"}`)))
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","timestamp":1}`)))
	got, ok := a.next(2 * time.Second)
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"pong","timestamp":1}`, string(got.data))
	assert.Empty(t, f.table.Idle(idle))
}

func TestServedThroughAPIRouter(t *testing.T) {
	f := newMountedFixture(t, DefaultOptions(), func(st *store.Store, ws http.Handler) http.Handler {
		return api.NewRouter(st, ws, func(slug string) string { return "https://" + slug + ".example.test" })
	})
	a, b := f.dial(t, false), f.dial(t, true)
	settle(t, a, b)

	require.NoError(t, canvas.PutShape(a.doc, canvas.Shape{Type: canvas.TypeRectangle, ID: "s1"}))
	_, err := a.doc.Commit("add s1")
	require.NoError(t, err)
	settle(t, a, b)
	assert.Contains(t, b.shapes(), "s1")
	assert.Equal(t, 2, f.registry.Len())

	_, resp, err := websocket.DefaultDialer.Dial(f.url("nowhere", ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMalformedInputKeepsConnection(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	a := f.dial(t, false)
	settle(t, a)

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`)))
	require.NoError(t, a.conn.WriteMessage(websocket.BinaryMessage, []byte("garbage delta")))
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","timestamp":7}`)))

	for {
		got, ok := a.next(2 * time.Second)
		require.True(t, ok, "connection should stay open")
		if got.kind == websocket.TextMessage && strings.Contains(string(got.data), TypePong) {
			assert.JSONEq(t, `{"type":"pong","timestamp":7}`, string(got.data))
			break
		}
	}
	assert.Equal(t, 1, f.registry.Len())
}

func TestDisconnectCleansUp(t *testing.T) {
	f := newFixture(t, DefaultOptions())
	a := f.dial(t, false)
	settle(t, a)
	require.Equal(t, 1, f.table.Len("garden"))

	require.NoError(t, a.conn.Close())
	require.Eventually(t, func() bool {
		return f.registry.Len() == 0 && f.table.Len("garden") == 0
	}, 2*time.Second, 10*time.Millisecond)

	// a reconnecting peer starts from nothing and still gets everything
	again := f.dial(t, true)
	settle(t, again)
	meta, err := canvas.ReadMeta(again.doc)
	require.NoError(t, err)
	assert.Equal(t, "Garden", meta.Name)
}

func TestSilentPeerTimesOut(t *testing.T) {
	opts := DefaultOptions()
	opts.PingInterval = 20 * time.Millisecond
	opts.PongWait = 100 * time.Millisecond
	f := newFixture(t, opts)

	// never reads, so it never answers pings
	conn, _, err := websocket.DefaultDialer.Dial(f.url("garden", ""), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.registry.Len() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.registry.Len() == 0 && f.table.Len("garden") == 0
	}, 2*time.Second, 10*time.Millisecond)
}
