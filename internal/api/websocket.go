package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-lab/internal/events"
	"github.com/atlas-desktop/backtest-lab/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType defines WebSocket message types.
type MessageType string

const (
	// Server -> Client messages
	MsgTypeEvent      MessageType = "event"
	MsgTypeSubscribed MessageType = "subscribed"
	MsgTypeError      MessageType = "error"
	MsgTypeHeartbeat  MessageType = "heartbeat"

	// Client -> Server messages
	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypeUnsubscribe MessageType = "unsubscribe"
)

// AllTasksChannel carries the events of every task
const AllTasksChannel = "tasks"

const (
	sendBuffer     = 256
	readLimit      = 65536
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	pingPeriod     = 54 * time.Second
	heartbeatEvery = 30 * time.Second
)

// TaskChannel is the channel carrying the events of one task
func TaskChannel(taskID string) string {
	return "task:" + taskID
}

// WSMessage is a WebSocket message.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client is a WebSocket client connection.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
}

// Hub fans task events out to subscribed WebSocket clients. Delivery is
// best effort: a client whose buffer is full misses the message.
type Hub struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	clients  map[*Client]bool
	channels map[string]map[*Client]bool
	mu       sync.RWMutex
	closed   bool
}

// NewHub creates a new WebSocket hub. allowedOrigins empty accepts any origin.
func NewHub(logger *zap.Logger, m *metrics.Metrics, allowedOrigins []string) *Hub {
	return &Hub{
		logger:  logger.With(zap.String("component", "ws_hub")),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		clients:  make(map[*Client]bool),
		channels: make(map[string]map[*Client]bool),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

// Run sends heartbeats until ctx is done, then disconnects every client and
// refuses new ones.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sendHeartbeat()

		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			clients := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.Unlock()
			for _, c := range clients {
				h.remove(c)
			}
			return
		}
	}
}

// add registers a client unless the hub has shut down
func (h *Hub) add(client *Client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[client] = true
	h.mu.Unlock()

	h.metrics.WSConnected(1)
	h.logger.Debug("Client registered", zap.String("id", client.id))
	return true
}

// remove detaches a client from the hub and closes its send queue
func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	for channel := range client.subscriptions {
		if clients, ok := h.channels[channel]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	close(client.send)
	h.mu.Unlock()

	h.metrics.WSConnected(-1)
	h.logger.Debug("Client unregistered", zap.String("id", client.id))
}

// sendHeartbeat sends heartbeat to all clients.
func (h *Hub) sendHeartbeat() {
	data, _ := json.Marshal(WSMessage{Type: MsgTypeHeartbeat, Timestamp: time.Now().UnixMilli()})

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// Subscribe subscribes a client to a channel.
func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[client] {
		return
	}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true
	client.subscriptions[channel] = true

	h.logger.Debug("Client subscribed to channel",
		zap.String("client", client.id),
		zap.String("channel", channel))
}

// Unsubscribe unsubscribes a client from a channel.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.channels[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}
	delete(client.subscriptions, channel)
}

// PublishToChannel sends a message to the subscribers of channel
func (h *Hub) PublishToChannel(channel string, msgType MessageType, data interface{}) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("Failed to marshal message data", zap.Error(err))
		return
	}

	msgBytes, err := json.Marshal(WSMessage{
		Type:      msgType,
		Channel:   channel,
		Data:      dataBytes,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.channels[channel] {
		select {
		case client.send <- msgBytes:
		default:
		}
	}
}

// Handle forwards a bus event to task:<id> and to the all-tasks channel;
// it is an events.EventHandler
func (h *Hub) Handle(event events.Event) error {
	if event.TaskID != "" {
		h.PublishToChannel(TaskChannel(event.TaskID), MsgTypeEvent, event)
	}
	h.PublishToChannel(AllTasksChannel, MsgTypeEvent, event)
	return nil
}

// Attach subscribes the hub to every event on the bus
func (h *Hub) Attach(bus *events.EventBus) *events.Subscription {
	return bus.SubscribeAll(h.Handle)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and registers the client. A "task" query
// parameter subscribes the client to that task right away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:            uuid.NewString(),
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[string]bool),
	}
	if !h.add(client) {
		conn.Close()
		return
	}
	if taskID := r.URL.Query().Get("task"); taskID != "" {
		h.Subscribe(client, TaskChannel(taskID))
		client.reply(MsgTypeSubscribed, TaskChannel(taskID))
	}

	go client.WritePump()
	go client.ReadPump()
}

// reply queues a control message to this client only
func (c *Client) reply(msgType MessageType, channel string) {
	data, _ := json.Marshal(WSMessage{Type: msgType, Channel: channel, Timestamp: time.Now().UnixMilli()})
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// ReadPump handles subscription requests until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.Channel == "" {
			c.reply(MsgTypeError, "")
			continue
		}

		switch msg.Type {
		case MsgTypeSubscribe:
			c.hub.Subscribe(c, msg.Channel)
			c.reply(MsgTypeSubscribed, msg.Channel)
		case MsgTypeUnsubscribe:
			c.hub.Unsubscribe(c, msg.Channel)
		default:
			c.reply(MsgTypeError, msg.Channel)
		}
	}
}

// WritePump pumps messages from the hub to the WebSocket.
func (c *Client) WritePump() {
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
