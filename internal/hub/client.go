package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// Outbound queue depth per connection. When full the oldest queued
	// message is dropped so subscribers always converge on fresh data.
	sendQueueSize = 64

	// A connection dropping this many messages inside dropWindow is
	// closed as a slow consumer.
	slowConsumerDrops  = 32
	slowConsumerWindow = 60 * time.Second

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	maxInboundBytes = 4096
)

// clientMessage is an inbound control frame. Symbols optionally narrow
// a subscription to the named symbols.
type clientMessage struct {
	Op      string            `json:"op"`
	Channel string            `json:"channel,omitempty"`
	Symbols []string          `json:"symbols,omitempty"`
	Args    map[string]string `json:"args,omitempty"`
}

// serverMessage is any outbound frame: control replies carry Op, data
// frames carry Channel/T/Payload.
type serverMessage struct {
	Op      string      `json:"op,omitempty"`
	Channel Channel     `json:"channel,omitempty"`
	T       *time.Time  `json:"t,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

func dataMessage(ch Channel, payload interface{}) serverMessage {
	now := time.Now().UTC()
	return serverMessage{Channel: ch, T: &now, Payload: payload}
}

func errorMessage(code, msg string) serverMessage {
	return serverMessage{Op: "error", Code: code, Message: msg}
}

// Client is one websocket connection with its subscription set and
// bounded outbound queue. subs maps each subscribed channel to its
// symbol filter; an empty filter means every frame.
type Client struct {
	id        string
	sessionID string
	principal Principal

	hub  *Hub
	conn *websocket.Conn
	send chan serverMessage
	done chan struct{}

	mu          sync.Mutex
	subs        map[Channel]map[string]bool
	dropCount   int
	windowStart time.Time
	closed      bool
}

// subscriptions snapshots channels with their filter symbols for the
// session store.
func (c *Client) subscriptions() map[Channel][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Channel][]string, len(c.subs))
	for ch, filter := range c.subs {
		symbols := make([]string, 0, len(filter))
		for sym := range filter {
			symbols = append(symbols, sym)
		}
		out[ch] = symbols
	}
	return out
}

// filter returns the symbol filter for a channel and whether the client
// is subscribed to it at all.
func (c *Client) filter(ch Channel) (map[string]bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.subs[ch]
	return f, ok
}

// enqueue queues a frame, dropping the oldest queued frame when the
// buffer is full. Repeated drops mark the connection a slow consumer.
func (c *Client) enqueue(msg serverMessage) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
		return
	default:
	}

	// Queue full: make room by discarding the oldest frame.
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- msg:
	default:
	}

	c.hub.metrics.QueueDrops.WithLabelValues(c.id).Inc()
	if c.recordDrop() {
		log.Warn().Str("client", c.id).Msg("closing slow stream consumer")
		c.closeWith(websocket.ClosePolicyViolation, "slow_consumer")
	}
}

func (c *Client) recordDrop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.Sub(c.windowStart) > slowConsumerWindow {
		c.windowStart = now
		c.dropCount = 0
	}
	c.dropCount++
	return c.dropCount >= slowConsumerDrops
}

func (c *Client) closeWith(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	// closeWith runs on whichever goroutine noticed the problem, often
	// while writePump is mid-write. WriteControl is the only write that
	// is safe concurrently with other connection methods.
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.conn.Close()
	close(c.done)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.closeWith(websocket.CloseInternalServerErr, "write failed")
				return
			}
			if msg.Channel != "" {
				c.hub.metrics.FanoutMessages.Inc()
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeWith(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readPump() {
	defer c.hub.disconnect(c)

	c.conn.SetReadLimit(maxInboundBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client", c.id).Msg("stream read error")
			}
			c.closeWith(websocket.CloseNormalClosure, "")
			return
		}
		c.hub.handleControl(c, msg)
	}
}
