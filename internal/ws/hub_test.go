package ws

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, onSend SendHandler, opts ...func(*Hub)) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(onSend, nil)
	for _, opt := range opts {
		opt(hub)
	}
	go hub.Run()

	router := gin.New()
	// Stand-in for the auth middleware: identity comes from the query string.
	router.GET("/ws", func(c *gin.Context) {
		nickname := c.DefaultQuery("nickname", "sadegh")
		c.Set("member_id", 1)
		c.Set("nickname", nickname)
		hub.HandleWebSocket(c)
	})

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Stop()
		server.Close()
	})
	return hub, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func clientCount(h *Hub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func dialRaw(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(Frame{Command: CmdConnect}))
	var frame Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, CmdConnected, frame.Command)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	var frame Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestHubCreation(t *testing.T) {
	hub := NewHub(nil, nil)
	if hub == nil {
		t.Fatal("NewHub returned nil")
	}
	if hub.clients == nil {
		t.Error("Hub clients map is nil")
	}
	if hub.topics == nil {
		t.Error("Hub topics map is nil")
	}
	if hub.broadcast == nil || hub.register == nil || hub.unregister == nil {
		t.Error("Hub channels are not initialised")
	}
}

func TestHubFansOutToSubscribers(t *testing.T) {
	hub, url := newTestServer(t, nil)

	subscribed := dialRaw(t, url)
	other := dialRaw(t, url)

	require.NoError(t, subscribed.WriteJSON(Frame{Command: CmdSubscribe, ID: "sub-1", Destination: RoomTopic("r1")}))
	require.Eventually(t, func() bool { return hub.SubscriberCount(RoomTopic("r1")) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Broadcast(RoomTopic("r1"), "MESSAGE", map[string]string{"content": "salam"}))

	frame := readFrame(t, subscribed)
	require.Equal(t, CmdMessage, frame.Command)
	require.Equal(t, "sub-1", frame.ID)
	require.Equal(t, RoomTopic("r1"), frame.Destination)
	require.JSONEq(t, `{"content":"salam"}`, string(frame.Body))

	// The unsubscribed connection gets nothing.
	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var stray Frame
	require.Error(t, other.ReadJSON(&stray))
}

func TestHubAcknowledgesConnectAfterSubscriptions(t *testing.T) {
	hub, url := newTestServer(t, nil)

	for i := 0; i < 50; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)

		topic := RoomTopic(fmt.Sprintf("r%d", i))
		require.NoError(t, conn.WriteJSON(Frame{Command: CmdSubscribe, ID: "sub-1", Destination: topic}))
		require.NoError(t, conn.WriteJSON(Frame{Command: CmdConnect}))
		require.Equal(t, CmdConnected, readFrame(t, conn).Command)

		require.NoError(t, hub.Broadcast(topic, "MESSAGE", map[string]int{"n": i}))
		frame := readFrame(t, conn)
		require.Equal(t, CmdMessage, frame.Command)
		require.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(frame.Body))
		conn.Close()
	}
}

func TestHubUnsubscribe(t *testing.T) {
	hub, url := newTestServer(t, nil)
	conn := dialRaw(t, url)

	require.NoError(t, conn.WriteJSON(Frame{Command: CmdSubscribe, ID: "sub-1", Destination: RoomTopic("r1")}))
	require.Eventually(t, func() bool { return hub.SubscriberCount(RoomTopic("r1")) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(Frame{Command: CmdUnsubscribe, ID: "sub-1"}))
	require.Eventually(t, func() bool { return hub.SubscriberCount(RoomTopic("r1")) == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubSendHandler(t *testing.T) {
	type sent struct {
		from Identity
		dest string
		body string
	}
	got := make(chan sent, 1)
	_, url := newTestServer(t, func(from Identity, destination string, body json.RawMessage) error {
		got <- sent{from: from, dest: destination, body: string(body)}
		return nil
	})
	conn := dialRaw(t, url+"?nickname=ali")

	require.NoError(t, conn.WriteJSON(Frame{Command: CmdSend, Destination: SendDestination("r1"), Body: json.RawMessage(`{"content":"hi"}`)}))

	select {
	case s := <-got:
		require.Equal(t, "ali", s.from.Nickname)
		require.Equal(t, SendDestination("r1"), s.dest)
		require.JSONEq(t, `{"content":"hi"}`, s.body)
	case <-time.After(2 * time.Second):
		t.Fatal("send handler was not called")
	}
}

func TestHubReportsRejectedSend(t *testing.T) {
	_, url := newTestServer(t, func(Identity, string, json.RawMessage) error {
		return errors.New("room is closed")
	})
	conn := dialRaw(t, url)

	require.NoError(t, conn.WriteJSON(Frame{Command: CmdSend, Destination: SendDestination("r1"), Body: json.RawMessage(`{}`)}))

	frame := readFrame(t, conn)
	require.Equal(t, CmdError, frame.Command)
	require.Contains(t, string(frame.Body), "room is closed")
}

func TestHubRateLimitsSends(t *testing.T) {
	_, url := newTestServer(t, func(Identity, string, json.RawMessage) error { return nil }, func(h *Hub) {
		h.SendRate = 0
		h.SendBurst = 0
	})
	conn := dialRaw(t, url)

	require.NoError(t, conn.WriteJSON(Frame{Command: CmdSend, Destination: SendDestination("r1"), Body: json.RawMessage(`{}`)}))

	frame := readFrame(t, conn)
	require.Equal(t, CmdError, frame.Command)
	require.Contains(t, string(frame.Body), "rate limit")
}

func TestHubSendToMember(t *testing.T) {
	hub, url := newTestServer(t, nil)
	ali := dialRaw(t, url+"?nickname=ali")
	reza := dialRaw(t, url+"?nickname=reza")

	for _, conn := range []*websocket.Conn{ali, reza} {
		require.NoError(t, conn.WriteJSON(Frame{Command: CmdSubscribe, ID: "alerts", Destination: AlertQueue}))
	}
	require.Eventually(t, func() bool { return hub.SubscriberCount(AlertQueue) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.SendToMember("reza", AlertQueue, map[string]string{"text": "mentioned"}))

	frame := readFrame(t, reza)
	require.Equal(t, AlertQueue, frame.Destination)

	require.NoError(t, ali.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var stray Frame
	require.Error(t, ali.ReadJSON(&stray))
}

func TestHubOnDisconnectAfterLastConnection(t *testing.T) {
	hub, url := newTestServer(t, nil)

	var mu sync.Mutex
	var gone []string
	hub.OnDisconnect(func(id Identity) {
		mu.Lock()
		gone = append(gone, id.Nickname)
		mu.Unlock()
	})

	first := dialRaw(t, url+"?nickname=ali")
	second := dialRaw(t, url+"?nickname=ali")
	require.Eventually(t, func() bool { return clientCount(hub) == 2 }, time.Second, 5*time.Millisecond)
	require.True(t, hub.IsOnline("ali"))

	first.Close()
	require.Eventually(t, func() bool { return clientCount(hub) == 1 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Empty(t, gone)
	mu.Unlock()

	second.Close()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gone) == 1 && gone[0] == "ali"
	}, time.Second, 5*time.Millisecond)
	require.False(t, hub.IsOnline("ali"))
}

func TestRoomFromSendDestination(t *testing.T) {
	tests := []struct {
		dest string
		room string
		ok   bool
	}{
		{dest: SendDestination("festival-12"), room: "festival-12", ok: true},
		{dest: "/app/rooms//messages", ok: false},
		{dest: "/app/rooms/a/b/messages", ok: false},
		{dest: RoomTopic("r1"), ok: false},
	}
	for _, tt := range tests {
		room, ok := RoomFromSendDestination(tt.dest)
		if ok != tt.ok || room != tt.room {
			t.Fatalf("RoomFromSendDestination(%q) = %q, %v; want %q, %v", tt.dest, room, ok, tt.room, tt.ok)
		}
	}
}
