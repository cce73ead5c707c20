package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type Options struct {
	// PingInterval is how often the server pings an idle peer. It must be shorter than
	// PongWait.
	PingInterval time.Duration
	// PongWait is how long a peer may stay silent before it is considered gone.
	PongWait        time.Duration
	WriteWait       time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	// MessagesPerSecond limits inbound frames per connection; zero disables the limit.
	MessagesPerSecond float64
	MessageBurst      int
}

func DefaultOptions() Options {
	return Options{
		PingInterval:      30 * time.Second,
		PongWait:          60 * time.Second,
		WriteWait:         10 * time.Second,
		SendBuffer:        256,
		MaxMessageBytes:   16 << 20,
		MessagesPerSecond: 200,
		MessageBurst:      400,
	}
}

type frame struct {
	kind int
	data []byte
}

// Conn is one peer's websocket. Outbound frames go through a bounded queue drained by a
// single writer, so frames reach the peer in the order they were queued.
type Conn struct {
	docID  string
	peerID string
	ws     *websocket.Conn
	opts   Options

	send      chan frame
	done      chan struct{}
	closeOnce sync.Once
	binary    atomic.Bool
	limiter   *rate.Limiter
	// activity, when set, is called for every inbound frame and pong.
	activity  func()
}

func newConn(docID, peerID string, ws *websocket.Conn, opts Options) *Conn {
	limit := rate.Inf
	if opts.MessagesPerSecond > 0 {
		limit = rate.Limit(opts.MessagesPerSecond)
	}
	burst := opts.MessageBurst
	if burst < 1 {
		burst = 1
	}
	size := opts.SendBuffer
	if size < 1 {
		size = 1
	}
	return &Conn{
		docID:   docID,
		peerID:  peerID,
		ws:      ws,
		opts:    opts,
		send:    make(chan frame, size),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Done is closed once the connection is shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// enqueue never blocks. A peer whose queue is full has fallen too far behind to be
// caught up incrementally, so it is disconnected and will resync from scratch.
func (c *Conn) enqueue(kind int, data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame{kind: kind, data: data}:
		return true
	default:
		slog.Warn("send buffer full, dropping peer", "doc", c.docID, "peer", c.peerID)
		c.shutdown()
		return false
	}
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Close sends a close frame and tears the connection down.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.opts.WriteWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()
	for {
		select {
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(f.kind, f.data); err != nil {
				slog.Debug("failed to write message", "doc", c.docID, "peer", c.peerID, "err", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("failed to ping", "doc", c.docID, "peer", c.peerID, "err", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump delivers frames to handle until the peer goes away. Any inbound frame, pongs
// included, extends the read deadline.
func (c *Conn) readPump(ctx context.Context, handle func(kind int, data []byte)) {
	defer c.shutdown()
	if c.opts.MaxMessageBytes > 0 {
		c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("peer connection lost", "doc", c.docID, "peer", c.peerID, "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		c.touch()
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		handle(kind, data)
	}
}

func (c *Conn) touch() {
	if c.activity != nil {
		c.activity()
	}
}
