package hub

import "encoding/json"

// Message types accepted from peers.
const (
	TypePing        = "ping"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeLocation    = "transportation_location"
)

// Message types sent to peers.
const (
	TypeConnection   = "connection"
	TypePong         = "pong"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeUpdate       = "transportation_update"
	TypeNotification = "notification"
	TypeError        = "error"
)

// Message is the envelope for everything crossing a WebSocket, in either
// direction. Unknown inbound types get an error reply; there is no
// pass-through.
type Message struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds an outbound message, marshaling v into the data slot. A
// nil v leaves data empty.
func NewMessage(msgType, channel string, v any) Message {
	m := Message{Type: msgType, Channel: channel}
	if v != nil {
		if b, err := json.Marshal(v); err == nil {
			m.Data = b
		}
	}
	return m
}

// NewError builds the error envelope sent for rejected or unknown input.
func NewError(reason string) Message {
	return NewMessage(TypeError, "", map[string]string{"message": reason})
}

// connectionData greets a new peer.
type connectionData struct {
	ConnectionID  string `json:"connection_id"`
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"user_id,omitempty"`
}

// channelData acknowledges subscribe/unsubscribe.
type channelData struct {
	Channel string `json:"channel"`
}

// channelsData lets one subscribe/unsubscribe message name several channels.
type channelsData struct {
	Channels []string `json:"channels"`
}

// locationData is the payload drivers push over the socket.
type locationData struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Heading  float64 `json:"heading"`
	SpeedKPH float64 `json:"speed_kph"`
}
