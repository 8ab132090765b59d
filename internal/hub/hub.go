package hub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/city-dispatch/internal/auth"
	"github.com/example/city-dispatch/internal/models"
	"github.com/example/city-dispatch/internal/observability"
)

const (
	// pingPeriod is how often the run loop pings every peer.
	pingPeriod = 30 * time.Second
	// pongWait is how long a peer may stay silent before its reads time out.
	pongWait = 60 * time.Second
	// writeWait bounds a single frame write to a peer.
	writeWait = 10 * time.Second

	maxMessageSize = 4 << 10
	sendBufferSize = 32
)

// LocationFunc receives location payloads pushed by authenticated drivers.
type LocationFunc func(ctx context.Context, driverID string, pos models.GeoPoint, heading, speedKPH float64)

// Hub tracks live WebSocket connections, their users and channel
// subscriptions, and fans messages out to them. All sends are non-blocking:
// a peer too slow to drain its buffer is dropped, never waited on. The hub
// is an explicit instance owned by the server process.
type Hub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	onLocation LocationFunc

	mu       sync.RWMutex
	conns    map[*Conn]bool
	byUser   map[string]map[*Conn]bool
	channels map[string]map[*Conn]bool
}

func New(logger *slog.Logger, allowedOrigins []string, onLocation LocationFunc) *Hub {
	h := &Hub{
		logger:     logger,
		onLocation: onLocation,
		conns:      make(map[*Conn]bool),
		byUser:     make(map[string]map[*Conn]bool),
		channels:   make(map[string]map[*Conn]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// originChecker admits same-host requests, anything when no list is
// configured, and listed origins otherwise.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	return func(r *http.Request) bool {
		origin := strings.TrimRight(strings.ToLower(r.Header.Get("Origin")), "/")
		if origin == "" {
			return true
		}
		return set[origin]
	}
}

// Run pings every peer each pingPeriod and closes everything on ctx
// cancellation. Callers run it in its own goroutine for the life of the
// process.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.pingAll()
		}
	}
}

func (h *Hub) pingAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.ping()
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		h.Deregister(c)
	}
}

// ServeWS upgrades the request and runs the connection until the peer goes
// away. identity is nil for anonymous peers, which may use public channels
// but cannot push locations.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, identity *auth.Identity) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("websocket upgrade failed", "err", err)
		}
		return
	}
	c := newConn(h, ws, identity)
	h.Register(c)

	c.enqueue(NewMessage(TypeConnection, "", connectionData{
		ConnectionID:  c.id,
		Authenticated: identity != nil,
		UserID:        c.userID(),
	}))

	go c.writePump()
	go c.readPump()
}

// Register adds the connection to the live set.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c] {
		return
	}
	h.conns[c] = true
	if uid := c.userID(); uid != "" {
		if h.byUser[uid] == nil {
			h.byUser[uid] = make(map[*Conn]bool)
		}
		h.byUser[uid][c] = true
	}
	observability.WSConnections.Inc()
}

// Deregister removes the connection everywhere and closes it. Safe to call
// more than once.
func (h *Hub) Deregister(c *Conn) {
	h.mu.Lock()
	if !h.conns[c] {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	if uid := c.userID(); uid != "" {
		if set := h.byUser[uid]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byUser, uid)
			}
		}
	}
	for ch, set := range h.channels {
		delete(set, c)
		if len(set) == 0 {
			delete(h.channels, ch)
		}
	}
	h.mu.Unlock()

	observability.WSConnections.Dec()
	c.close()
}

// Subscribe adds the connection to a channel. It reports whether the
// connection may use the channel; private user channels are bound to the
// authenticated user.
func (h *Hub) Subscribe(c *Conn, channel string) bool {
	if !c.mayUse(channel) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.conns[c] {
		return false
	}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Conn]bool)
	}
	h.channels[channel][c] = true
	return true
}

// Unsubscribe drops the connection from a channel. Unsubscribing from a
// channel never joined is a no-op.
func (h *Hub) Unsubscribe(c *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.channels[channel]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.channels, channel)
		}
	}
}

// SendToUser delivers the message to every live connection of the user and
// returns how many accepted it. Zero means the user is offline.
func (h *Hub) SendToUser(userID string, msg Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0
	}
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	return h.deliver(conns, data)
}

// Broadcast delivers the message to every subscriber of the channel.
func (h *Hub) Broadcast(channel string, msg Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0
	}
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.channels[channel]))
	for c := range h.channels[channel] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	return h.deliver(conns, data)
}

// BroadcastToRole delivers the message to every authenticated connection
// whose identity carries the role.
func (h *Hub) BroadcastToRole(role string, msg Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0
	}
	h.mu.RLock()
	conns := make([]*Conn, 0)
	for c := range h.conns {
		if c.identity != nil && c.identity.HasRole(role) {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	return h.deliver(conns, data)
}

// deliver fans raw bytes out without holding the lock; peers whose buffers
// are full get dropped here.
func (h *Hub) deliver(conns []*Conn, data []byte) int {
	sent := 0
	for _, c := range conns {
		if c.trySend(data) {
			sent++
			continue
		}
		observability.WSDropped.Inc()
		if h.logger != nil {
			h.logger.Warn("dropping slow websocket peer", "conn", c.id, "user", c.userID())
		}
		h.Deregister(c)
	}
	return sent
}

// ConnectionCount reports live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SubscriberCount reports live subscriptions for one channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

func newConnID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "conn-unknown"
	}
	return hex.EncodeToString(b)
}
