package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/city-dispatch/internal/auth"
	"github.com/example/city-dispatch/internal/logging"
	"github.com/example/city-dispatch/internal/models"
)

func testIdentity(userID string, roles ...string) *auth.Identity {
	return &auth.Identity{UserID: userID, Name: userID, Roles: roles}
}

func register(h *Hub, identity *auth.Identity) *Conn {
	c := newConn(h, nil, identity)
	h.Register(c)
	return c
}

// receive pops one queued frame off the connection buffer.
func receive(t *testing.T, c *Conn) Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal queued frame: %v", err)
		}
		return msg
	default:
		t.Fatal("no message queued")
		return Message{}
	}
}

func assertQuiet(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected message queued: %s", data)
	default:
	}
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	h := New(logging.Nop(), nil, nil)
	rider := register(h, testIdentity("rider-1", auth.RoleRider))
	anon := register(h, nil)
	other := register(h, testIdentity("rider-2", auth.RoleRider))

	if !h.Subscribe(rider, "transportation_updates") {
		t.Fatal("rider subscribe rejected")
	}
	if !h.Subscribe(anon, "transportation_updates") {
		t.Fatal("anonymous subscribe to public channel rejected")
	}

	n := h.Broadcast("transportation_updates", NewMessage(TypeUpdate, "transportation_updates", map[string]string{"ride_id": "r-1"}))
	if n != 2 {
		t.Fatalf("Broadcast delivered to %d conns, want 2", n)
	}

	for _, c := range []*Conn{rider, anon} {
		msg := receive(t, c)
		if msg.Type != TypeUpdate || msg.Channel != "transportation_updates" {
			t.Fatalf("got %q on %q, want update on transportation_updates", msg.Type, msg.Channel)
		}
	}
	assertQuiet(t, other)
}

func TestUserChannelRequiresMatchingIdentity(t *testing.T) {
	h := New(logging.Nop(), nil, nil)
	anon := register(h, nil)
	alice := register(h, testIdentity("alice", auth.RoleRider))
	bob := register(h, testIdentity("bob", auth.RoleRider))

	if h.Subscribe(anon, "user:alice") {
		t.Fatal("anonymous conn joined a private channel")
	}
	if h.Subscribe(bob, "user:alice") {
		t.Fatal("bob joined alice's channel")
	}
	if !h.Subscribe(alice, "user:alice") {
		t.Fatal("alice rejected from her own channel")
	}
	if n := h.SubscriberCount("user:alice"); n != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", n)
	}
}

func TestSendToUserHitsEveryDevice(t *testing.T) {
	h := New(logging.Nop(), nil, nil)
	phone := register(h, testIdentity("alice", auth.RoleRider))
	tablet := register(h, testIdentity("alice", auth.RoleRider))
	stranger := register(h, testIdentity("bob", auth.RoleRider))

	if n := h.SendToUser("alice", NewMessage(TypeNotification, "", map[string]string{"body": "hi"})); n != 2 {
		t.Fatalf("SendToUser = %d, want 2", n)
	}
	receive(t, phone)
	receive(t, tablet)
	assertQuiet(t, stranger)

	if n := h.SendToUser("ghost", NewMessage(TypeNotification, "", nil)); n != 0 {
		t.Fatalf("SendToUser for offline user = %d, want 0", n)
	}
}

func TestBroadcastToRole(t *testing.T) {
	h := New(logging.Nop(), nil, nil)
	driver := register(h, testIdentity("d-1", auth.RoleDriver))
	rider := register(h, testIdentity("r-1", auth.RoleRider))
	anon := register(h, nil)

	if n := h.BroadcastToRole(auth.RoleDriver, NewMessage(TypeNotification, "", nil)); n != 1 {
		t.Fatalf("BroadcastToRole = %d, want 1", n)
	}
	receive(t, driver)
	assertQuiet(t, rider)
	assertQuiet(t, anon)
}

func TestSlowPeerIsDropped(t *testing.T) {
	h := New(logging.Nop(), nil, nil)
	slow := register(h, testIdentity("slow", auth.RoleRider))
	fine := register(h, testIdentity("fine", auth.RoleRider))
	h.Subscribe(slow, "transportation_updates")
	h.Subscribe(fine, "transportation_updates")

	for i := 0; i < sendBufferSize; i++ {
		if !slow.trySend([]byte("{}")) {
			t.Fatalf("buffer filled early at %d", i)
		}
	}

	if n := h.Broadcast("transportation_updates", NewMessage(TypeUpdate, "transportation_updates", nil)); n != 1 {
		t.Fatalf("Broadcast = %d, want 1 after dropping the stalled peer", n)
	}
	if n := h.ConnectionCount(); n != 1 {
		t.Fatalf("ConnectionCount = %d, want 1", n)
	}
	if n := h.SendToUser("slow", NewMessage(TypeNotification, "", nil)); n != 0 {
		t.Fatal("dropped conn still reachable by user id")
	}
}

func TestDeregisterIsIdempotent(t *testing.T) {
	h := New(logging.Nop(), nil, nil)
	c := register(h, testIdentity("alice", auth.RoleRider))
	h.Subscribe(c, "transportation_updates")

	h.Deregister(c)
	h.Deregister(c)

	if n := h.ConnectionCount(); n != 0 {
		t.Fatalf("ConnectionCount = %d, want 0", n)
	}
	if n := h.SubscriberCount("transportation_updates"); n != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", n)
	}
	if h.Subscribe(c, "transportation_updates") {
		t.Fatal("subscribe succeeded on a deregistered conn")
	}
}

func TestConcurrentChurnAndBroadcast(t *testing.T) {
	h := New(logging.Nop(), nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := register(h, testIdentity("driver", auth.RoleDriver))
			h.Subscribe(c, "transportation_updates")
			h.Broadcast("transportation_updates", NewMessage(TypeUpdate, "transportation_updates", nil))
			h.Deregister(c)
		}()
	}
	wg.Wait()

	if n := h.ConnectionCount(); n != 0 {
		t.Fatalf("ConnectionCount = %d, want 0 after churn", n)
	}
	if n := h.SubscriberCount("transportation_updates"); n != 0 {
		t.Fatalf("SubscriberCount = %d, want 0 after churn", n)
	}
}

func TestSubscribePayloadNamesSeveralChannels(t *testing.T) {
	h := New(logging.Nop(), nil, nil)
	alice := register(h, testIdentity("alice", auth.RoleRider))

	alice.handle([]byte(`{"type":"subscribe","data":{"channels":["transportation_updates","user:alice"]}}`))
	for _, want := range []string{"transportation_updates", "user:alice"} {
		msg := receive(t, alice)
		if msg.Type != TypeSubscribed || msg.Channel != want {
			t.Fatalf("got %q on %q, want subscribed on %q", msg.Type, msg.Channel, want)
		}
	}
	if n := h.SubscriberCount("transportation_updates"); n != 1 {
		t.Fatalf("SubscriberCount(transportation_updates) = %d, want 1", n)
	}
	if n := h.SubscriberCount("user:alice"); n != 1 {
		t.Fatalf("SubscriberCount(user:alice) = %d, want 1", n)
	}

	// A disallowed channel in the batch is refused without sinking the rest.
	bob := register(h, testIdentity("bob", auth.RoleRider))
	bob.handle([]byte(`{"type":"subscribe","data":{"channels":["user:alice","transportation_updates"]}}`))
	if msg := receive(t, bob); msg.Type != TypeError {
		t.Fatalf("foreign private channel answered with %q, want error", msg.Type)
	}
	if msg := receive(t, bob); msg.Type != TypeSubscribed || msg.Channel != "transportation_updates" {
		t.Fatalf("public channel in same batch answered with %q on %q", msg.Type, msg.Channel)
	}

	alice.handle([]byte(`{"type":"unsubscribe","data":{"channels":["transportation_updates","user:alice"]}}`))
	receive(t, alice)
	receive(t, alice)
	if n := h.SubscriberCount("user:alice"); n != 0 {
		t.Fatalf("SubscriberCount(user:alice) = %d after unsubscribe, want 0", n)
	}
}

func TestInboundLocationGating(t *testing.T) {
	locations := make(chan string, 1)
	h := New(logging.Nop(), nil, func(_ context.Context, driverID string, _ models.GeoPoint, _, _ float64) {
		locations <- driverID
	})

	rider := register(h, testIdentity("r-1", auth.RoleRider))
	rider.handle([]byte(`{"type":"transportation_location","data":{"lat":40.0,"lng":-74.0}}`))
	if msg := receive(t, rider); msg.Type != TypeError {
		t.Fatalf("rider location got %q, want error", msg.Type)
	}

	driver := register(h, testIdentity("d-1", auth.RoleDriver))
	driver.handle([]byte(`{"type":"transportation_location","data":{"lat":240.0,"lng":-74.0}}`))
	if msg := receive(t, driver); msg.Type != TypeError {
		t.Fatalf("out of range location got %q, want error", msg.Type)
	}

	driver.handle([]byte(`{"type":"transportation_location","data":{"lat":40.0,"lng":-74.0,"heading":90,"speed_kph":30}}`))
	select {
	case id := <-locations:
		if id != "d-1" {
			t.Fatalf("location attributed to %q, want d-1", id)
		}
	default:
		t.Fatal("valid driver location never reached the callback")
	}
	assertQuiet(t, driver)
}

func TestOriginChecker(t *testing.T) {
	open := originChecker(nil)
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://anywhere.example.com")
	if !open(r) {
		t.Fatal("empty allowlist should admit every origin")
	}

	check := originChecker([]string{"https://portal.example.gov"})
	r.Header.Set("Origin", "https://portal.example.gov")
	if !check(r) {
		t.Fatal("allowlisted origin rejected")
	}
	r.Header.Set("Origin", "https://evil.example.com")
	if check(r) {
		t.Fatal("unlisted origin admitted")
	}
	r.Header.Del("Origin")
	if !check(r) {
		t.Fatal("non-browser client without an Origin header rejected")
	}
}

func readWS(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return msg
}

func writeWS(t *testing.T, ws *websocket.Conn, msg Message) {
	t.Helper()
	ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestServeWSLifecycle(t *testing.T) {
	locations := make(chan models.GeoPoint, 1)
	h := New(logging.Nop(), nil, func(_ context.Context, _ string, pos models.GeoPoint, _, _ float64) {
		locations <- pos
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, testIdentity("driver-7", auth.RoleDriver))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	welcome := readWS(t, ws)
	if welcome.Type != TypeConnection {
		t.Fatalf("first frame %q, want connection", welcome.Type)
	}
	var greet connectionData
	if err := json.Unmarshal(welcome.Data, &greet); err != nil {
		t.Fatalf("unmarshal welcome: %v", err)
	}
	if !greet.Authenticated || greet.UserID != "driver-7" {
		t.Fatalf("welcome = %+v, want authenticated driver-7", greet)
	}

	writeWS(t, ws, Message{Type: TypePing})
	if msg := readWS(t, ws); msg.Type != TypePong {
		t.Fatalf("ping answered with %q", msg.Type)
	}

	writeWS(t, ws, Message{Type: TypeSubscribe, Channel: "transportation_updates"})
	if msg := readWS(t, ws); msg.Type != TypeSubscribed {
		t.Fatalf("subscribe answered with %q", msg.Type)
	}

	h.Broadcast("transportation_updates", NewMessage(TypeUpdate, "transportation_updates", map[string]string{"ride_id": "r-9"}))
	if msg := readWS(t, ws); msg.Type != TypeUpdate {
		t.Fatalf("broadcast arrived as %q", msg.Type)
	}

	writeWS(t, ws, NewMessage(TypeLocation, "", locationData{Lat: 40.71, Lng: -74.0, Heading: 180, SpeedKPH: 22}))
	select {
	case pos := <-locations:
		if pos.Lat != 40.71 {
			t.Fatalf("location lat = %v, want 40.71", pos.Lat)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("location never reached the callback")
	}

	writeWS(t, ws, Message{Type: "bogus"})
	if msg := readWS(t, ws); msg.Type != TypeError {
		t.Fatalf("unknown type answered with %q", msg.Type)
	}
}

func TestRunClosesEverythingOnShutdown(t *testing.T) {
	h := New(logging.Nop(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	register(h, testIdentity("alice", auth.RoleRider))
	register(h, nil)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if n := h.ConnectionCount(); n != 0 {
		t.Fatalf("ConnectionCount = %d, want 0 after shutdown", n)
	}
}
