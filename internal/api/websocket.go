package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"binance-depth-gateway/internal/events"
	"binance-depth-gateway/internal/logging"
)

const (
	clientSendBuffer = 1000
	clientSendWait   = 5 * time.Second
	clientPingPeriod = 30 * time.Second
	clientPongWait   = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS layer / reverse proxy;
		// the WS endpoint accepts the upgrade.
		return true
	},
}

// controlMessage is the inbound subscribe/unsubscribe frame.
type controlMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// Client is one downstream WS connection with its subscribed symbol set
// and a bounded send queue. A slow client is closed, never waited on.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{} // closed exactly once on removal
	hub  *Hub

	mu      sync.RWMutex
	symbols map[string]struct{}
}

// subscribed reports whether the client wants frames for symbol.
func (c *Client) subscribed(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.symbols[symbol]
	return ok
}

// updateSymbols applies a subscribe or unsubscribe control frame.
func (c *Client) updateSymbols(symbols []string, add bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range normalizeSymbols(symbols) {
		if add {
			c.symbols[s] = struct{}{}
		} else {
			delete(c.symbols, s)
		}
	}
}

// symbolList returns the client's subscriptions, sorted.
func (c *Client) symbolList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		list = append(list, s)
	}
	sort.Strings(list)
	return list
}

// Hub is the client registry: it tracks connections and their symbol sets,
// filters upstream frames per client, and recomputes the subscription
// union whenever the set changes.
type Hub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}

	// onUnionChange receives the new subscription union; wired to the
	// upstream stream manager and the book manager.
	onUnionChange func(symbols []string)
}

// NewHub creates an empty registry.
func NewHub(onUnionChange func(symbols []string)) *Hub {
	return &Hub{
		log:           logging.Component("hub"),
		clients:       make(map[*Client]struct{}),
		onUnionChange: onUnionChange,
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Union returns the union of all client subscriptions, sorted.
func (h *Hub) Union() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.unionLocked()
}

func (h *Hub) unionLocked() []string {
	set := make(map[string]struct{})
	for client := range h.clients {
		client.mu.RLock()
		for s := range client.symbols {
			set[s] = struct{}{}
		}
		client.mu.RUnlock()
	}
	union := make([]string, 0, len(set))
	for s := range set {
		union = append(union, s)
	}
	sort.Strings(union)
	return union
}

// recomputeUnion pushes the current union to the wired consumers.
func (h *Hub) recomputeUnion() {
	if h.onUnionChange == nil {
		return
	}
	h.onUnionChange(h.Union())
}

// HandleEvent filters one upstream frame to the interested clients. A
// frame whose symbol could not be extracted goes to everyone. Sends are
// best-effort: a client with a full queue is closed.
func (h *Hub) HandleEvent(ev events.StreamEvent) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if ev.Symbol == "" || client.subscribed(ev.Symbol) {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		select {
		case client.send <- ev.Raw:
		default:
			h.log.Warn().Str("client", client.id).Msg("send queue full, closing client")
			go h.remove(client)
		}
	}
}

// add registers a client and recomputes the union.
func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.recomputeUnion()
}

// remove unregisters a client, closes it, and recomputes the union.
// Idempotent: the reader and a backpressure close may race here. The send
// channel is never closed so a concurrent HandleEvent cannot panic; the
// done channel tells the write pump to stop instead.
func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.done)
	}
	h.mu.Unlock()

	if ok {
		client.conn.Close()
		h.recomputeUnion()
	}
}

// CloseAll disconnects every client for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.remove(client)
	}
}

// handleWS upgrades /ws, seeds the subscription set from the symbols query
// param, and starts the client pumps.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	symbols := normalizeSymbols(strings.Split(c.Query("symbols"), ","))
	client := &Client{
		id:      uuid.New().String(),
		conn:    conn,
		send:    make(chan []byte, clientSendBuffer),
		done:    make(chan struct{}),
		hub:     s.hub,
		symbols: make(map[string]struct{}, len(symbols)),
	}
	for _, sym := range symbols {
		client.symbols[sym] = struct{}{}
	}

	// Queue the greeting before registering: frames fanned out after add
	// land behind it, so it is always the first thing the client reads.
	greeting, _ := json.Marshal(map[string]any{
		"type":      "connected",
		"symbols":   client.symbolList(),
		"timestamp": time.Now().UnixMilli(),
	})
	client.send <- greeting

	s.hub.add(client)

	go client.writePump()
	go client.readPump()
}

// readPump consumes control frames until the connection drops. Invalid
// JSON is ignored silently; the connection stays open.
func (c *Client) readPump() {
	defer c.hub.remove(c)

	c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "subscribe":
			c.updateSymbols(msg.Symbols, true)
			c.hub.recomputeUnion()
		case "unsubscribe":
			c.updateSymbols(msg.Symbols, false)
			c.hub.recomputeUnion()
		}
	}
}

// writePump drains the send queue with a per-send deadline and keeps the
// connection alive with pings. Any write failure ends the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(clientPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(clientSendWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(clientSendWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(clientSendWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// normalizeSymbols trims, uppercases, and drops empty entries.
func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
