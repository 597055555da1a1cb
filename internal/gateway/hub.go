// Package gateway pushes classifications to chart clients over WebSocket.
package gateway

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradebot-signals/internal/metrics"
	"tradebot-signals/internal/model"
)

const replayCapacity = 500

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Hub manages WebSocket clients and fans classifications out to them. It
// implements model.ClassificationSink.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string][]byte // channel -> last envelope
	seq     int64
	closed  bool

	replay *ReplayBuffer
	m      *metrics.Metrics
	now    func() time.Time
}

// NewHub creates an empty hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		latest:  make(map[string][]byte),
		replay:  NewReplayBuffer(replayCapacity),
		m:       m,
		now:     time.Now,
	}
}

// Channel names the stream a classification is broadcast on.
func Channel(instrument string, iv model.Interval) string {
	return "signals:" + instrument + ":" + string(iv)
}

// WriteClassification broadcasts c to every matching client. It never
// blocks on slow clients.
func (h *Hub) WriteClassification(_ context.Context, c model.Classification) error {
	h.broadcast(Channel(c.Instrument, c.Interval), c.JSON())
	return nil
}

// Relay broadcasts everything received on in until ctx is cancelled or in
// is closed. Used to fan out classifications produced by another process.
func (h *Hub) Relay(ctx context.Context, in <-chan model.Classification) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-in:
			if !ok {
				return
			}
			h.WriteClassification(ctx, c)
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket. Query parameters:
// instrument restricts the stream to one instrument; since=<seq> replays
// buffered envelopes newer than seq instead of the latest-per-channel state.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since int64
	if s := q.Get("since"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "bad since", http.StatusBadRequest)
			return
		}
		since = v
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] ws upgrade error: %v", err)
		return
	}
	h.register(conn, strings.TrimSpace(q.Get("instrument")), since)
}

func (h *Hub) register(conn *websocket.Conn, instrument string, since int64) {
	c := &Client{
		conn:       conn,
		send:       make(chan []byte, replayCapacity+64),
		hub:        h,
		instrument: instrument,
	}
	conn.EnableWriteCompression(true)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = true
	count := len(h.clients)
	// Initial state is queued under the lock so no broadcast can slip in
	// between it and registration.
	c.sendInitialState(h.initialStateLocked(since))
	h.mu.Unlock()

	if h.m != nil {
		h.m.WSClients.Set(float64(count))
	}
	log.Printf("[gateway] ws client connected (%d total)", count)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) initialStateLocked(since int64) []replayEntry {
	if since > 0 {
		return h.replay.Since(since)
	}
	out := make([]replayEntry, 0, len(h.latest))
	for channel, env := range h.latest {
		out = append(out, replayEntry{Channel: channel, Data: env})
	}
	return out
}

// removeClient unregisters c and closes its send queue. Safe to call twice.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	close(c.send)
	h.mu.Unlock()

	if h.m != nil {
		h.m.WSClients.Set(float64(count))
	}
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Seq returns the sequence number of the last broadcast envelope.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.removeClient(c)
	}
}
