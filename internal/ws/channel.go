package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/4xmen/jashn/internal/apperr"
	"github.com/4xmen/jashn/internal/metrics"
)

var (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	sendBufSize  = 256
)

// Status is the connection state reported to OnStatus.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Handler receives the body of one inbound MESSAGE frame.
type Handler func(body []byte)

type Options struct {
	URL            string
	Token          string
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	OnStatus       func(Status)
	Metrics        *metrics.Client
}

type subscription struct {
	id      string
	topic   string
	handler Handler
}

// Channel is a client-side publish/subscribe connection to the broker. It
// redials with a fixed delay after a drop and re-registers every subscription
// on the new connection, so callers never resubscribe themselves.
type Channel struct {
	opts Options

	mu      sync.Mutex
	subs    map[string]*subscription
	order   []string
	nextID  int
	conn    *websocket.Conn
	send    chan []byte
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	onReady func()
}

func NewChannel(opts Options) *Channel {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Channel{
		opts: opts,
		subs: make(map[string]*subscription),
		done: make(chan struct{}),
	}
}

// Connect starts the connection loop and returns immediately. onReady runs once
// for every connection the broker acknowledges, including reconnects, after
// every subscription registered so far is active on the broker.
func (c *Channel) Connect(ctx context.Context, onReady func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return apperr.ErrClosed
	}
	if c.started {
		return errors.New("push channel already connected")
	}
	c.started = true
	c.onReady = onReady

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(loopCtx)
	return nil
}

// Subscribe registers handler for topic for the lifetime of the channel.
func (c *Channel) Subscribe(topic string, handler Handler) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", apperr.ErrClosed
	}
	c.nextID++
	sub := &subscription{id: "sub-" + strconv.Itoa(c.nextID), topic: topic, handler: handler}
	c.subs[sub.id] = sub
	c.order = append(c.order, sub.id)
	if c.conn != nil {
		c.enqueueLocked(Frame{Command: CmdSubscribe, ID: sub.id, Destination: topic})
	}
	return sub.id, nil
}

func (c *Channel) Unsubscribe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; !ok {
		return
	}
	delete(c.subs, id)
	for i, sid := range c.order {
		if sid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if c.conn != nil {
		c.enqueueLocked(Frame{Command: CmdUnsubscribe, ID: id})
	}
}

// Publish sends payload to destination without waiting for delivery. The
// matching REST write or broadcast echo is the confirmation.
func (c *Channel) Publish(destination string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return apperr.ErrClosed
	}
	if c.conn == nil {
		return apperr.ErrNotConnected
	}
	if !c.enqueueLocked(Frame{Command: CmdSend, Destination: destination, Body: body}) {
		return apperr.Wrap(apperr.ChannelDrop, "publish", errors.New("send buffer full"))
	}
	return nil
}

// Disconnect tears the connection down and waits for the loop to exit. It is
// safe to call more than once. It must not be called from a Handler.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	started := c.started
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}
	if started {
		<-c.done
	}
	c.setStatus(StatusDisconnected)
}

// Connected reports whether a broker connection is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	c.setStatus(StatusConnecting)
	b := backoff.WithContext(backoff.NewConstantBackOff(c.opts.ReconnectDelay), ctx)
	for {
		var conn *websocket.Conn
		err := backoff.RetryNotify(func() error {
			var err error
			conn, err = c.dial(ctx)
			return err
		}, b, func(err error, next time.Duration) {
			log.WithError(err).Infof("push channel dial failed, retrying in %s", next)
			c.setStatus(StatusReconnecting)
		})
		if err != nil || ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}

		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		c.opts.Metrics.Reconnect()
		c.setStatus(StatusReconnecting)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			log.Warnf("push channel rejected with status %d", resp.StatusCode)
		}
		return nil, apperr.Wrap(apperr.ChannelDrop, "dial", err)
	}
	return conn, nil
}

// serve owns one connection until it drops.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	send := make(chan []byte, sendBufSize)
	stop := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.send = send
	for _, id := range c.order {
		sub := c.subs[id]
		c.enqueueLocked(Frame{Command: CmdSubscribe, ID: sub.id, Destination: sub.topic})
	}
	// The broker answers CONNECT only after the subscriptions above are live,
	// so onReady never races them.
	c.enqueueLocked(Frame{Command: CmdConnect})
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(conn, send, stop)
	}()

	c.readPump(conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.send = nil
	}
	c.mu.Unlock()
	close(stop)
	conn.Close()
	wg.Wait()
}

func (c *Channel) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ready := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Info("push channel dropped")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.WithError(err).Warn("push channel: malformed frame")
			continue
		}

		switch frame.Command {
		case CmdConnected:
			if ready {
				continue
			}
			ready = true
			c.setStatus(StatusConnected)
			c.mu.Lock()
			onReady := c.onReady
			c.mu.Unlock()
			if onReady != nil {
				onReady()
			}
		case CmdMessage:
			if h := c.handlerFor(frame); h != nil {
				h(frame.Body)
			}
		case CmdError:
			log.Warnf("push channel broker error: %s", string(frame.Body))
		}
	}
}

func (c *Channel) handlerFor(frame Frame) Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[frame.ID]; ok {
		return sub.handler
	}
	for _, id := range c.order {
		if sub := c.subs[id]; sub.topic == frame.Destination {
			return sub.handler
		}
	}
	return nil
}

func (c *Channel) writePump(conn *websocket.Conn, send <-chan []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// enqueueLocked queues a frame on the current connection. c.mu must be held.
func (c *Channel) enqueueLocked(frame Frame) bool {
	if c.send == nil {
		return false
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		log.Warnf("push channel: send buffer full, dropping %s frame", frame.Command)
		return false
	}
}

func (c *Channel) setStatus(s Status) {
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(s)
	}
}
