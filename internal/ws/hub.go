package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/4xmen/jashn/internal/metrics"
	"github.com/4xmen/jashn/pkg/i18n"
)

// Identity is the authenticated member behind a broker connection.
type Identity struct {
	MemberID int
	Nickname string
}

// SendHandler handles a SEND frame. A returned error is reported back to the
// sender as an ERROR frame.
type SendHandler func(from Identity, destination string, body json.RawMessage) error

// Hub is the in-process broker: it fans MESSAGE frames out to every
// connection subscribed to a topic.
type Hub struct {
	clients    map[*Client]bool
	topics     map[string]map[*Client]string
	register   chan *Client
	unregister chan *Client
	broadcast  chan *outbound
	quit       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex

	onSend       SendHandler
	onDisconnect func(Identity)
	metrics      *metrics.Server

	// SendRate limits SEND frames per connection.
	SendRate  rate.Limit
	SendBurst int
}

// Client is one broker-side websocket connection.
type Client struct {
	id       string
	identity Identity
	conn     *websocket.Conn
	hub      *Hub
	send     chan []byte
	subs     map[string]string
	limiter  *rate.Limiter
	// registered is closed once Run has added the client.
	registered chan struct{}
}

type outbound struct {
	topic    string
	nickname string
	kind     string
	body     []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

func NewHub(onSend SendHandler, m *metrics.Server) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		topics:     make(map[string]map[*Client]string),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *outbound, 256),
		quit:       make(chan struct{}),
		onSend:     onSend,
		metrics:    m,
		SendRate:   rate.Limit(10),
		SendBurst:  20,
	}
}

// OnDisconnect registers fn to run when a member's last connection closes.
func (h *Hub) OnDisconnect(fn func(Identity)) {
	h.mu.Lock()
	h.onDisconnect = fn
	h.mu.Unlock()
}

// IsOnline reports whether nickname has at least one open connection.
func (h *Hub) IsOnline(nickname string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.identity.Nickname == nickname {
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of connections subscribed to topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Broadcast publishes payload to every subscriber of topic.
func (h *Hub) Broadcast(topic, kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode broadcast")
	}
	select {
	case h.broadcast <- &outbound{topic: topic, kind: kind, body: body}:
		return nil
	case <-h.quit:
		return errors.New("hub stopped")
	}
}

// SendToMember publishes payload on a private destination of one member.
func (h *Hub) SendToMember(nickname, destination string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode member message")
	}
	select {
	case h.broadcast <- &outbound{topic: destination, nickname: nickname, kind: "member", body: body}:
		return nil
	case <-h.quit:
		return errors.New("hub stopped")
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			close(client.registered)
			h.metrics.Connected(1)
			log.Printf("member %s connected (total: %d)", client.identity.Nickname, total)

		case client := <-h.unregister:
			h.remove(client)

		case out := <-h.broadcast:
			h.fanout(out)

		case <-h.quit:
			return
		}
	}
}

// Stop ends Run and closes every connection.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.CloseAll()
	})
}

// CloseAll drops every open connection. Clients reconnect on their own.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for client := range h.clients {
		conns = append(conns, client.conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	for id, topic := range client.subs {
		h.dropSubscriptionLocked(client, id, topic)
	}
	close(client.send)
	stillOnline := false
	for other := range h.clients {
		if other.identity.Nickname == client.identity.Nickname {
			stillOnline = true
			break
		}
	}
	total := len(h.clients)
	onDisconnect := h.onDisconnect
	h.mu.Unlock()

	h.metrics.Connected(-1)
	log.Printf("member %s disconnected (total: %d)", client.identity.Nickname, total)
	if !stillOnline && onDisconnect != nil {
		go onDisconnect(client.identity)
	}
}

func (h *Hub) fanout(out *outbound) {
	h.metrics.Broadcast(out.kind)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client, subID := range h.topics[out.topic] {
		if out.nickname != "" && client.identity.Nickname != out.nickname {
			continue
		}
		data, err := json.Marshal(Frame{Command: CmdMessage, ID: subID, Destination: out.topic, Body: out.body})
		if err != nil {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.metrics.Drop()
			log.Printf("send buffer full for member %s", client.identity.Nickname)
		}
	}
}

func (h *Hub) subscribe(client *Client, id, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := client.subs[id]; ok {
		h.dropSubscriptionLocked(client, id, old)
	}
	if _, ok := h.clients[client]; !ok {
		return
	}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]string)
	}
	h.topics[topic][client] = id
	client.subs[id] = topic
	h.metrics.Subscribed(1)
}

func (h *Hub) unsubscribe(client *Client, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if topic, ok := client.subs[id]; ok {
		h.dropSubscriptionLocked(client, id, topic)
	}
}

func (h *Hub) dropSubscriptionLocked(client *Client, id, topic string) {
	delete(client.subs, id)
	if subs, ok := h.topics[topic]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	h.metrics.Subscribed(-1)
}

func (h *Hub) HandleWebSocket(c *gin.Context) {
	memberID, exists := c.Get("member_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": i18n.Translate(c.GetHeader("Accept-Language"), "unauthorized")})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Upgrade error: %v", err)
		return
	}

	client := &Client{
		id:         uuid.NewString(),
		identity:   Identity{MemberID: memberID.(int), Nickname: c.GetString("nickname")},
		conn:       conn,
		hub:        h,
		send:       make(chan []byte, 256),
		subs:       make(map[string]string),
		limiter:    rate.NewLimiter(h.SendRate, h.SendBurst),
		registered: make(chan struct{}),
	}

	// SUBSCRIBE frames are only honoured for registered clients, so the pumps
	// start after Run has seen this one.
	select {
	case h.register <- client:
	case <-h.quit:
		conn.Close()
		return
	}
	select {
	case <-client.registered:
	case <-h.quit:
		conn.Close()
		return
	}

	go client.readPump()
	go client.writePump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Command {
		case CmdConnect:
			// Frames are handled in order: every SUBSCRIBE sent before
			// CONNECT is active by the time CONNECTED goes out.
			c.queue(Frame{Command: CmdConnected})
		case CmdSubscribe:
			if frame.ID == "" || frame.Destination == "" {
				c.reply(CmdError, "subscribe requires id and destination")
				continue
			}
			c.hub.subscribe(c, frame.ID, frame.Destination)
		case CmdUnsubscribe:
			c.hub.unsubscribe(c, frame.ID)
		case CmdSend:
			c.handleSend(frame)
		}
	}
}

func (c *Client) handleSend(frame Frame) {
	if !c.limiter.Allow() {
		c.reply(CmdError, "rate limit exceeded")
		return
	}
	if c.hub.onSend == nil {
		return
	}
	if err := c.hub.onSend(c.identity, frame.Destination, frame.Body); err != nil {
		log.Printf("send from %s to %s rejected: %v", c.identity.Nickname, frame.Destination, err)
		c.reply(CmdError, err.Error())
	}
}

func (c *Client) reply(command, message string) {
	body, _ := json.Marshal(message)
	c.queue(Frame{Command: command, Body: body})
}

func (c *Client) queue(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
