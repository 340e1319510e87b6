// Package debugfeed exposes a read-only WebSocket broadcast of directory
// events (publish, unpublish, referral, takeover, ttl_expiry) for
// operational tooling.
// It is not part of the client wire protocol; spec.md's clients never see
// it, and it never denies or alters a resolver operation.
//
// Grounded on go-server/pkg/websocket/hub.go's Hub, trimmed to the
// broadcast-only half: no per-client inbound messages, no nonce
// deduplication, just register/unregister/broadcast.
package debugfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Event is one directory change, serialized as JSON to every subscriber.
type Event struct {
	Kind      string `json:"kind"` // "publish", "unpublish", "referral", "takeover", "ttl_expiry"
	Path      string `json:"path"`
	Addr      string `json:"addr,omitempty"`
	Timestamp int64  `json:"ts"`
}

// Hub fans Events out to every currently connected debug-feed subscriber.
// A slow or absent subscriber never blocks a publisher: Run's fan-out is a
// non-blocking send into a per-client buffered channel, and a client whose
// buffer is full is disconnected rather than allowed to back-pressure the
// resolver.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}

	broadcast chan Event
	log       zerolog.Logger

	upgrader websocket.Upgrader
}

type client struct {
	send chan Event
	conn *websocket.Conn
}

// NewHub builds a Hub. Call Run in its own goroutine to start fan-out.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:   make(map[*client]struct{}),
		broadcast: make(chan Event, 1024),
		log:       log,
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// Run drains the broadcast channel until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
			}
			h.clients = nil
			h.mu.Unlock()
			return
		case ev := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
					delete(h.clients, c)
					close(c.send)
					c.conn.Close()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish enqueues an event for fan-out. Non-blocking: a full broadcast
// buffer drops the event rather than stalling the caller (a publisher or
// resolve path).
func (h *Hub) Publish(kind, path, addr string) {
	select {
	case h.broadcast <- Event{Kind: kind, Path: path, Addr: addr, Timestamp: time.Now().UnixMilli()}:
	default:
		h.log.Warn().Str("kind", kind).Msg("debugfeed broadcast buffer full, dropping event")
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// connection as a subscriber. It never reads from the connection beyond
// the initial upgrade: this feed is write-only from the resolver's side.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("debugfeed upgrade failed")
		return
	}
	c := &client{send: make(chan Event, 64), conn: conn}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for ev := range c.send {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()
			return
		}
	}
}
