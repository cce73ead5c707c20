// Package relay carries sync deltas and presence messages between the server and the
// websocket peers of each document.
package relay

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Jeff-Emmett/rspace-online/pkg/peers"
)

// Registry maps each document to its live connections.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Conn
	peers *peers.Table
}

// NewRegistry returns a registry that drops a peer's sync state from table when the
// peer unregisters.
func NewRegistry(table *peers.Table) *Registry {
	return &Registry{rooms: make(map[string]map[string]*Conn), peers: table}
}

func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[c.docID]
	if !ok {
		room = make(map[string]*Conn)
		r.rooms[c.docID] = room
	}
	room[c.peerID] = c
	slog.Info("peer connected", "doc", c.docID, "peer", c.peerID, "peers", len(room))
}

// Unregister removes the connection and the peer's sync state. It reports whether the
// peer was registered; calling it again is a no-op.
func (r *Registry) Unregister(docID, peerID string) bool {
	r.mu.Lock()
	c, ok := r.rooms[docID][peerID]
	if ok {
		delete(r.rooms[docID], peerID)
		if len(r.rooms[docID]) == 0 {
			delete(r.rooms, docID)
		}
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	c.shutdown()
	if r.peers != nil {
		r.peers.Remove(docID, peerID)
	}
	slog.Info("peer disconnected", "doc", docID, "peer", peerID)
	return true
}

func (r *Registry) lookup(docID, peerID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[docID][peerID]
}

// Send queues a frame for one peer without blocking. It is a no-op for unknown peers.
func (r *Registry) Send(docID, peerID string, kind int, payload []byte) bool {
	c := r.lookup(docID, peerID)
	if c == nil {
		return false
	}
	return c.enqueue(kind, payload)
}

// Broadcast queues a frame for every peer of the document except exclude and returns
// how many peers it was queued for.
func (r *Registry) Broadcast(docID string, kind int, payload []byte, exclude string) int {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.rooms[docID]))
	for id, c := range r.rooms[docID] {
		if id != exclude {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.enqueue(kind, payload) {
			n++
		}
	}
	return n
}

// DeliverSync queues a sync delta in the framing the peer last used: a binary frame for
// peers that speak binary, a JSON envelope otherwise.
func (r *Registry) DeliverSync(docID, peerID string, delta []byte) {
	c := r.lookup(docID, peerID)
	if c == nil {
		return
	}
	if c.binary.Load() {
		c.enqueue(websocket.BinaryMessage, delta)
		return
	}
	msg, err := encodeSync(delta)
	if err != nil {
		slog.Error("failed to encode sync message", "doc", docID, "peer", peerID, "err", err)
		return
	}
	c.enqueue(websocket.TextMessage, msg)
}

func (r *Registry) Peers(docID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms[docID]))
	for id := range r.rooms[docID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, room := range r.rooms {
		n += len(room)
	}
	return n
}

// CloseAll sends every peer a going-away close frame. Their handlers unregister them.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	var all []*Conn
	for _, room := range r.rooms {
		for _, c := range room {
			all = append(all, c)
		}
	}
	r.mu.RUnlock()
	for _, c := range all {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
}
