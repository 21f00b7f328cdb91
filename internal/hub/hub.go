// Package hub fans market data out to websocket subscribers. Each
// channel is polled through the same dispatcher the REST API uses, so
// stream traffic shares cache entries, rate budgets and breakers with
// everything else.
package hub

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantpulse/cryptogate/internal/aggregate"
	"github.com/quantpulse/cryptogate/internal/metrics"
	"github.com/quantpulse/cryptogate/internal/model"
)

// Channel names one stream of data pushed to subscribers.
type Channel string

const (
	ChannelMarket      Channel = "market_data"
	ChannelSentiment   Channel = "sentiment"
	ChannelNews        Channel = "news"
	ChannelWhales      Channel = "whales"
	ChannelPredictions Channel = "predictions"
)

// pollIntervals set the refresh cadence per pushed channel. Predictions
// are request/response only and never polled.
var pollIntervals = map[Channel]time.Duration{
	ChannelMarket:    30 * time.Second,
	ChannelSentiment: 120 * time.Second,
	ChannelNews:      120 * time.Second,
	ChannelWhales:    60 * time.Second,
}

// Valid reports whether the channel name is known.
func (c Channel) Valid() bool {
	switch c {
	case ChannelMarket, ChannelSentiment, ChannelNews, ChannelWhales, ChannelPredictions:
		return true
	}
	return false
}

// Public reports whether anonymous connections may subscribe.
func (c Channel) Public() bool {
	switch c {
	case ChannelMarket, ChannelSentiment, ChannelNews:
		return true
	}
	return false
}

// Hub owns all stream connections and the per-channel pollers. Pollers
// run only while a channel has subscribers.
type Hub struct {
	svc      *aggregate.Service
	metrics  *metrics.Registry
	auth     Authenticator
	sessions *SessionStore
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]bool
	subs    map[Channel]map[*Client]bool
	pollers map[Channel]context.CancelFunc

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New builds a hub. auth may be nil; anonymous access is then assumed
// and private channels are unreachable.
func New(svc *aggregate.Service, m *metrics.Registry, auth Authenticator, sessions *SessionStore) *Hub {
	if auth == nil {
		auth = AnonymousAuthenticator{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		svc:      svc,
		metrics:  m,
		auth:     auth,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*Client]bool),
		subs:    make(map[Channel]map[*Client]bool),
		pollers: make(map[Channel]context.CancelFunc),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Shutdown closes every connection and stops all pollers.
func (h *Hub) Shutdown() {
	h.cancel()
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// ServeHTTP upgrades the connection and starts its pumps. Implements
// the /stream endpoint.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	var sessionID string
	header := http.Header{}
	if h.sessions != nil {
		var setCookie string
		sessionID, setCookie = h.sessions.Resolve(r)
		if setCookie != "" {
			header.Set("Set-Cookie", setCookie)
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		log.Debug().Err(err).Msg("stream upgrade failed")
		return
	}

	client := &Client{
		id:        uuid.NewString(),
		sessionID: sessionID,
		principal: principal,
		hub:       h,
		conn:      conn,
		send:      make(chan serverMessage, sendQueueSize),
		done:      make(chan struct{}),
		subs:      make(map[Channel]map[string]bool),
	}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	log.Info().Str("client", client.id).Bool("authenticated", principal.Authenticated).Msg("stream connected")

	// Reconnects inside the restore window get their subscriptions back
	// without a subscribe round-trip.
	if h.sessions != nil && sessionID != "" {
		for ch, symbols := range h.sessions.Restore(sessionID) {
			h.subscribe(client, ch, symbols)
		}
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) handleControl(c *Client, msg clientMessage) {
	switch msg.Op {
	case "ping":
		now := time.Now().UTC()
		c.enqueue(serverMessage{Op: "pong", T: &now})
	case "subscribe":
		ch := Channel(msg.Channel)
		if !ch.Valid() {
			c.enqueue(errorMessage("unknown_channel", "unknown channel "+msg.Channel))
			return
		}
		if !ch.Public() && !c.principal.Authenticated {
			c.enqueue(errorMessage("unauthorized", "channel "+msg.Channel+" requires authentication"))
			return
		}
		// Ack before the poller can push the first frame.
		c.enqueue(serverMessage{Op: "subscribed", Channel: ch})
		h.subscribe(c, ch, msg.Symbols)
	case "unsubscribe":
		ch := Channel(msg.Channel)
		if !ch.Valid() {
			c.enqueue(errorMessage("unknown_channel", "unknown channel "+msg.Channel))
			return
		}
		h.unsubscribe(c, ch)
		c.enqueue(serverMessage{Op: "unsubscribed", Channel: ch})
	case "request":
		h.handleRequest(c, msg)
	default:
		c.enqueue(errorMessage("unknown_op", "unknown op "+msg.Op))
	}
}

// handleRequest serves one-shot fetches over the stream, currently just
// predictions.
func (h *Hub) handleRequest(c *Client, msg clientMessage) {
	if Channel(msg.Channel) != ChannelPredictions {
		c.enqueue(errorMessage("unsupported_request", "request is only supported for predictions"))
		return
	}
	if !c.principal.Authenticated {
		c.enqueue(errorMessage("unauthorized", "predictions require authentication"))
		return
	}
	symbol := msg.Args["symbol"]
	if symbol == "" {
		c.enqueue(errorMessage("bad_request", "symbol argument is required"))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(h.baseCtx, 10*time.Second)
		defer cancel()
		pred, err := h.svc.Prediction(ctx, symbol)
		if err != nil {
			c.enqueue(errorMessage("prediction_failed", err.Error()))
			return
		}
		c.enqueue(dataMessage(ChannelPredictions, pred))
	}()
}

func (h *Hub) subscribe(c *Client, ch Channel, symbols []string) {
	filter := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym != "" {
			filter[sym] = true
		}
	}

	c.mu.Lock()
	_, already := c.subs[ch]
	c.subs[ch] = filter
	c.mu.Unlock()
	if already {
		// Re-subscribing just replaces the symbol filter.
		return
	}

	h.metrics.ActiveSubscriptions.Inc()

	h.mu.Lock()
	set, ok := h.subs[ch]
	if !ok {
		set = make(map[*Client]bool)
		h.subs[ch] = set
	}
	set[c] = true

	// First subscriber starts the channel's poller.
	if _, running := h.pollers[ch]; !running {
		if interval, pollable := pollIntervals[ch]; pollable {
			ctx, cancel := context.WithCancel(h.baseCtx)
			h.pollers[ch] = cancel
			go h.poll(ctx, ch, interval)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(c *Client, ch Channel) {
	c.mu.Lock()
	_, had := c.subs[ch]
	delete(c.subs, ch)
	c.mu.Unlock()
	if !had {
		return
	}

	h.metrics.ActiveSubscriptions.Dec()

	h.mu.Lock()
	if set, ok := h.subs[ch]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, ch)
			if cancel, running := h.pollers[ch]; running {
				cancel()
				delete(h.pollers, ch)
			}
		}
	}
	h.mu.Unlock()
}

func (h *Hub) disconnect(c *Client) {
	subs := c.subscriptions()
	for ch := range subs {
		h.unsubscribe(c, ch)
	}

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	if h.sessions != nil && c.sessionID != "" {
		h.sessions.Save(c.sessionID, subs)
	}

	c.closeWith(websocket.CloseNormalClosure, "")
	log.Info().Str("client", c.id).Msg("stream disconnected")
}

// broadcast fans a frame out to every subscriber of a channel whose
// symbol filter the payload satisfies. Filtered subscribers receive
// only their symbols; subscribers with nothing matching get no frame.
func (h *Hub) broadcast(ch Channel, payload interface{}) {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.subs[ch]))
	for c := range h.subs[ch] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		filter, subscribed := c.filter(ch)
		if !subscribed {
			continue
		}
		narrowed, any := filterPayload(payload, filter)
		if !any {
			continue
		}
		c.enqueue(dataMessage(ch, narrowed))
	}
}

// filterPayload narrows a channel payload to the subscriber's symbols.
// Payloads without per-item symbols pass through untouched.
func filterPayload(payload interface{}, symbols map[string]bool) (interface{}, bool) {
	if len(symbols) == 0 {
		return payload, true
	}
	switch items := payload.(type) {
	case []model.Price:
		kept := make([]model.Price, 0, len(items))
		for _, p := range items {
			if symbols[p.Symbol] {
				kept = append(kept, p)
			}
		}
		return kept, len(kept) > 0
	case []model.WhaleTx:
		kept := make([]model.WhaleTx, 0, len(items))
		for _, tx := range items {
			if symbols[tx.Symbol] {
				kept = append(kept, tx)
			}
		}
		return kept, len(kept) > 0
	}
	return payload, true
}

// poll refreshes one channel on its cadence until the last subscriber
// leaves. Each tick is bounded at twice the interval so a stalled
// upstream cannot pile up overlapping fetches.
func (h *Hub) poll(ctx context.Context, ch Channel, interval time.Duration) {
	log.Debug().Str("channel", string(ch)).Dur("interval", interval).Msg("poller started")
	defer log.Debug().Str("channel", string(ch)).Msg("poller stopped")

	h.pollOnce(ctx, ch, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.pollOnce(ctx, ch, interval)
		}
	}
}

func (h *Hub) pollOnce(ctx context.Context, ch Channel, interval time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, 2*interval)
	defer cancel()

	payload, err := h.fetch(ctx, ch)
	if err != nil {
		log.Debug().Err(err).Str("channel", string(ch)).Msg("channel poll failed")
		return
	}
	h.broadcast(ch, payload)
}

func (h *Hub) fetch(ctx context.Context, ch Channel) (interface{}, error) {
	switch ch {
	case ChannelMarket:
		listings, _, err := h.svc.Listings(ctx, 20)
		return listings, err
	case ChannelSentiment:
		sent, _, err := h.svc.FearGreed(ctx)
		return sent, err
	case ChannelNews:
		articles, _, err := h.svc.News(ctx, "", 10)
		return articles, err
	case ChannelWhales:
		txs, _, err := h.svc.Whales(ctx, 0, 20)
		return txs, err
	}
	return nil, nil
}
