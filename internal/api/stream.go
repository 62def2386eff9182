package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 64
)

// AllTradesChannel receives every settled trade
const AllTradesChannel = "trades"

// TradesChannel is the channel of one target's trades
func TradesChannel(targetID string) string {
	return AllTradesChannel + ":" + targetID
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS is enforced by the HTTP server
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SubscribeRequest is the client frame on /ws/trades
type SubscribeRequest struct {
	Op       string   `json:"op"` // subscribe | unsubscribe
	Channels []string `json:"channels"`
}

// TradeMessage is the frame pushed to subscribers
type TradeMessage struct {
	Channel string                 `json:"channel"`
	Data    contracts.TradeSettled `json:"data"`
}

type envelope struct {
	channels []string
	payload  []byte
}

// Hub fans settled trades out to websocket subscribers
// ⭐ SSOT: live trade delivery goes only through the hub
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	logger     *logger.Logger
}

// NewHub creates a hub; call Run to start it
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     log.WithComponent("ws"),
	}
}

// Run serves the hub until ctx is cancelled, then disconnects every client
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			close(c.send)
		}
		h.clients = nil
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = true
			h.logger.WithFields(map[string]interface{}{
				"client": c.id,
				"total":  len(h.clients),
			}).Debug("Client connected")

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.WithFields(map[string]interface{}{
					"client": c.id,
					"total":  len(h.clients),
				}).Debug("Client disconnected")
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				if !c.subscribedAny(msg.channels) {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					// slow consumer
					delete(h.clients, c)
					close(c.send)
					h.logger.WithField("client", c.id).Warn("Dropped slow websocket client")
				}
			}
		}
	}
}

// PublishTrade queues a settled trade for the target channel and the
// all-trades channel. It never blocks settlement.
func (h *Hub) PublishTrade(event contracts.TradeSettled) {
	payload, err := json.Marshal(TradeMessage{Channel: TradesChannel(event.TargetID), Data: event})
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal trade message")
		return
	}

	msg := envelope{
		channels: []string{TradesChannel(event.TargetID), AllTradesChannel},
		payload:  payload,
	}
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.logger.WithTrade(event.TradeID, event.TargetID).Warn("Broadcast queue full, trade not streamed")
	}
}

// ServeWS upgrades the request and attaches a client. Channels may be
// preselected with ?target=<id>.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	c := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		id:            uuid.NewString(),
		subscriptions: make(map[string]bool),
	}
	for _, target := range r.URL.Query()["target"] {
		c.subscribe(TradesChannel(target))
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// Client is one websocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	mu            sync.RWMutex
	subscriptions map[string]bool
}

func (c *Client) subscribe(channel string) {
	c.mu.Lock()
	c.subscriptions[channel] = true
	c.mu.Unlock()
}

func (c *Client) unsubscribe(channel string) {
	c.mu.Lock()
	delete(c.subscriptions, channel)
	c.mu.Unlock()
}

func (c *Client) subscribedAny(channels []string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range channels {
		if c.subscriptions[ch] {
			return true
		}
	}
	return false
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).Debug("Websocket read error")
			}
			return
		}

		var req SubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.logger.WithField("client", c.id).Debug("Invalid websocket frame")
			continue
		}

		switch req.Op {
		case "subscribe":
			for _, ch := range req.Channels {
				c.subscribe(ch)
			}
		case "unsubscribe":
			for _, ch := range req.Channels {
				c.unsubscribe(ch)
			}
		default:
			c.hub.logger.WithField("op", req.Op).Debug("Unknown websocket op")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
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
