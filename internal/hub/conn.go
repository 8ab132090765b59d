package hub

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/city-dispatch/internal/auth"
	"github.com/example/city-dispatch/internal/models"
)

// Conn is one WebSocket peer. Writes go through send so that the hub never
// blocks on a peer; the write pump is the only goroutine touching the
// underlying socket for output. send is never closed, shutdown is signaled
// through done, so concurrent trySend calls stay safe during teardown.
type Conn struct {
	hub      *Hub
	ws       *websocket.Conn
	identity *auth.Identity
	id       string

	send  chan []byte
	pings chan struct{}
	done  chan struct{}

	closeOnce sync.Once
}

func newConn(h *Hub, ws *websocket.Conn, identity *auth.Identity) *Conn {
	return &Conn{
		hub:      h,
		ws:       ws,
		identity: identity,
		id:       newConnID(),
		send:     make(chan []byte, sendBufferSize),
		pings:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (c *Conn) userID() string {
	if c.identity == nil {
		return ""
	}
	return c.identity.UserID
}

// mayUse gates channel access: "user:<id>" channels belong to that user
// alone, everything else is public.
func (c *Conn) mayUse(channel string) bool {
	if channel == "" {
		return false
	}
	owner, ok := strings.CutPrefix(channel, "user:")
	if !ok {
		return true
	}
	return c.identity != nil && c.identity.UserID == owner
}

// trySend hands raw bytes to the write pump without blocking. False means
// the connection is closing or its buffer is full, and the caller should
// drop it.
func (c *Conn) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// enqueue marshals and sends a tagged message, best effort.
func (c *Conn) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// ping asks the write pump to emit a control ping. Coalesces when one is
// already queued.
func (c *Conn) ping() {
	select {
	case c.pings <- struct{}{}:
	default:
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump drains send and pings onto the socket. It owns all writes and
// exits once the connection is closed or a write fails.
func (c *Conn) writePump() {
	defer c.ws.Close()
	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.pings:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames until the peer disconnects or goes
// silent past pongWait, then deregisters.
func (c *Conn) readPump() {
	defer c.hub.Deregister(c)
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(data)
	}
}

// handle dispatches one inbound message. Unknown types get an error reply
// rather than a disconnect so misbehaving clients stay debuggable.
func (c *Conn) handle(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueue(NewError("malformed message"))
		return
	}
	switch msg.Type {
	case TypePing:
		c.enqueue(NewMessage(TypePong, "", nil))
	case TypeSubscribe:
		channels := requestedChannels(msg)
		if len(channels) == 0 {
			c.enqueue(NewError("subscribe requires a channel"))
			return
		}
		for _, ch := range channels {
			if !c.hub.Subscribe(c, ch) {
				c.enqueue(NewError("channel not allowed: " + ch))
				continue
			}
			c.enqueue(NewMessage(TypeSubscribed, ch, channelData{Channel: ch}))
		}
	case TypeUnsubscribe:
		channels := requestedChannels(msg)
		if len(channels) == 0 {
			c.enqueue(NewError("unsubscribe requires a channel"))
			return
		}
		for _, ch := range channels {
			c.hub.Unsubscribe(c, ch)
			c.enqueue(NewMessage(TypeUnsubscribed, ch, channelData{Channel: ch}))
		}
	case TypeLocation:
		c.handleLocation(msg.Data)
	default:
		c.enqueue(NewError("unknown message type"))
	}
}

// requestedChannels merges the envelope channel with any channels listed in
// the data payload, deduplicated in order.
func requestedChannels(msg Message) []string {
	var channels []string
	if msg.Channel != "" {
		channels = append(channels, msg.Channel)
	}
	if len(msg.Data) > 0 {
		var payload channelsData
		if err := json.Unmarshal(msg.Data, &payload); err == nil {
			channels = append(channels, payload.Channels...)
		}
	}
	seen := make(map[string]bool, len(channels))
	out := channels[:0]
	for _, ch := range channels {
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}

// handleLocation pushes a driver position into the dispatch pipeline. Only
// authenticated drivers may report positions.
func (c *Conn) handleLocation(raw json.RawMessage) {
	if c.identity == nil || !c.identity.HasRole(auth.RoleDriver) {
		c.enqueue(NewError("location updates require a driver token"))
		return
	}
	var loc locationData
	if err := json.Unmarshal(raw, &loc); err != nil {
		c.enqueue(NewError("malformed location"))
		return
	}
	pos := models.GeoPoint{Lat: loc.Lat, Lng: loc.Lng}
	if !pos.Valid() {
		c.enqueue(NewError("location out of range"))
		return
	}
	if c.hub.onLocation != nil {
		c.hub.onLocation(context.Background(), c.identity.UserID, pos, loc.Heading, loc.SpeedKPH)
	}
}
