package relay

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/Jeff-Emmett/rspace-online/pkg/reconcile"
	"github.com/Jeff-Emmett/rspace-online/pkg/store"
)

// Handler upgrades GET /ws/{slug} and runs one peer session per connection.
type Handler struct {
	store    *store.Store
	engine   *reconcile.Engine
	registry *Registry
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandler(st *store.Store, engine *reconcile.Engine, registry *Registry, opts Options) *Handler {
	return &Handler{
		store:    st,
		engine:   engine,
		registry: registry,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	slug := mux.Vars(request)["slug"]
	if _, err := h.store.Load(request.Context(), slug); errors.Is(err, store.ErrNotFound) {
		http.Error(writer, "document not found", http.StatusNotFound)
		return
	} else if err != nil {
		slog.Error("failed to load document", "doc", slug, "err", err)
		http.Error(writer, "failed to load document", http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "doc", slug, "err", err)
		return
	}

	c := newConn(slug, uuid.NewString(), ws, h.opts)
	c.activity = func() { h.engine.Peers().Touch(c.docID, c.peerID) }
	// binary-only clients never send an envelope, so they say so up front
	if request.URL.Query().Get("format") == "binary" {
		c.binary.Store(true)
	}
	h.registry.Register(c)
	defer h.registry.Unregister(c.docID, c.peerID)
	go c.writePump()

	if _, err := h.engine.GenerateSync(c.docID, c.peerID); err != nil {
		slog.Error("failed to generate initial sync", "doc", slug, "peer", c.peerID, "err", err)
		return
	}
	c.readPump(request.Context(), func(kind int, data []byte) {
		h.handle(c, kind, data)
	})
}

func (h *Handler) handle(c *Conn, kind int, data []byte) {
	switch kind {
	case websocket.BinaryMessage:
		c.binary.Store(true)
		h.receive(c, data)
	case websocket.TextMessage:
		env, err := decodeEnvelope(data)
		if err != nil {
			slog.Warn("dropping message", "doc", c.docID, "peer", c.peerID, "err", err)
			return
		}
		switch env.Type {
		case TypeSync:
			c.binary.Store(false)
			h.receive(c, env.Data)
		case TypePresence:
			h.registry.Broadcast(c.docID, websocket.TextMessage, data, c.peerID)
		case TypePing:
			pong, err := encodePong(env.Timestamp)
			if err != nil {
				slog.Error("failed to encode pong", "err", err)
				return
			}
			c.enqueue(websocket.TextMessage, pong)
		}
	}
}

func (h *Handler) receive(c *Conn, delta []byte) {
	if _, err := h.engine.Receive(c.docID, c.peerID, delta); errors.Is(err, reconcile.ErrMalformedDelta) {
		slog.Warn("dropping malformed delta", "doc", c.docID, "peer", c.peerID, "err", err)
	} else if err != nil {
		slog.Error("failed to receive delta", "doc", c.docID, "peer", c.peerID, "err", err)
	}
}
